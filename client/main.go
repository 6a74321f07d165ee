package main

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"github.com/wfunc/georoom/network"
)

// client keeps the identity and the room the user typed last.
type client struct {
	conn   *websocket.Conn
	user   network.UserInfo
	room   string
	nextID int
}

func (c *client) send(eventType string, payload interface{}) error {
	c.nextID++
	data, err := network.Encode(eventType, strconv.Itoa(c.nextID), payload)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// command turns one input line into a request.
func (c *client) command(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := func(i int) string {
		if len(fields) > i {
			return fields[i]
		}
		return c.room
	}
	room := network.RoomRequest{RoomCode: arg(1)}

	switch fields[0] {
	case "create":
		c.room = arg(1)
		return c.send(network.EventCreateRoom, network.CreateRoomRequest{
			Code:       c.room,
			Name:       c.user.Name + "'s room",
			Owner:      c.user,
			Mode:       "classic",
			Difficulty: "normal",
			Duration:   30,
			Privacy:    "public",
		})
	case "join":
		c.room = arg(1)
		return c.send(network.EventJoinRoom, network.JoinRoomRequest{RoomCode: c.room, User: c.user})
	case "leave":
		return c.send(network.EventLeaveRoom, room)
	case "start":
		return c.send(network.EventGameStart, room)
	case "next":
		return c.send(network.EventNextImage, network.NextImageRequest{RoomCode: c.room})
	case "reset":
		return c.send(network.EventGameReset, room)
	case "delete":
		return c.send(network.EventDeleteRoom, room)
	case "rooms":
		return c.send(network.EventListRooms, nil)
	case "say":
		text := strings.TrimSpace(strings.TrimPrefix(line, "say"))
		return c.send(network.EventChatMessage, network.ChatRequest{RoomCode: c.room, Text: text})
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func main() {
	addr := pflag.StringP("addr", "a", "localhost:8080", "server address")
	name := pflag.StringP("name", "n", "guest", "display name")
	userID := pflag.String("id", "", "user id, random when empty")
	pflag.Parse()

	if *userID == "" {
		*userID = uuid.NewString()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	c := &client{conn: conn, user: network.UserInfo{ID: *userID, Name: *name}}
	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			env, err := network.DecodeEnvelope(message)
			if err != nil {
				log.Printf("Received invalid frame: %v", err)
				continue
			}
			log.Printf("<- %s %s %s", env.Type, env.ID, string(env.Data))
		}
	}()

	log.Println("Commands: create CODE, join CODE, leave, start, next, reset, delete, rooms, say TEXT")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupted, closing connection")
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.command(line); err != nil {
				log.Println("Error:", err)
			}
		}
	}
}
