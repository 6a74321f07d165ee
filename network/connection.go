// network/connection.go
package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull means the peer is not draining its frames; the
	// connection is closed when this is returned.
	ErrSendBufferFull = errors.New("send buffer full")
)

type Connection interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() net.Addr
	SetHeartbeat(interval time.Duration)
	ReadMessage() ([]byte, error)
}

// ConnConfig tunes a websocket connection.
type ConnConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultConnConfig 默认连接参数
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 8 * 1024,
	}
}

// WSConnection queues outbound frames on a buffered channel drained by its
// own write goroutine, so Send never blocks the caller.
type WSConnection struct {
	conn      *websocket.Conn
	cfg       ConnConfig
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	heartbeat time.Duration
}

func NewWSConnection(conn *websocket.Conn, cfg ConnConfig) *WSConnection {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConnConfig().SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConnConfig().WriteTimeout
	}
	c := &WSConnection{
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	go c.writePump()
	return c
}

// Send enqueues one text frame.
func (c *WSConnection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// ReadMessage blocks for the next frame and refreshes the read deadline.
func (c *WSConnection) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.heartbeat > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.heartbeat * 2))
	}
	return data, nil
}

// SetHeartbeat drops the peer after two intervals without a frame or pong.
// Call before reading.
func (c *WSConnection) SetHeartbeat(interval time.Duration) {
	c.heartbeat = interval
	c.conn.SetReadDeadline(time.Now().Add(interval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(interval * 2))
		return nil
	})
}

func (c *WSConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *WSConnection) Done() <-chan struct{} {
	return c.done
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *WSConnection) writePump() {
	var pingC <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ping := time.NewTicker(c.cfg.PingInterval)
		defer ping.Stop()
		pingC = ping.C
	}
	defer c.Close()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-pingC:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
