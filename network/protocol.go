package network

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wfunc/georoom/models"
)

// Inbound event types.
const (
	EventCreateRoom  = "room create"
	EventJoinRoom    = "join room"
	EventLeaveRoom   = "leave room"
	EventGameStart   = "game start"
	EventNextImage   = "next image"
	EventGameReset   = "game reset"
	EventChatMessage = "chat message"
	EventDeleteRoom  = "room delete"
	EventListRooms   = "rooms"
)

// IsInbound reports whether eventType is one a client may send.
func IsInbound(eventType string) bool {
	switch eventType {
	case EventCreateRoom, EventJoinRoom, EventLeaveRoom, EventGameStart, EventNextImage,
		EventGameReset, EventChatMessage, EventDeleteRoom, EventListRooms:
		return true
	}
	return false
}

// Outbound event types.
const (
	EventRooms       = "rooms"
	EventRoomUpdate  = "room update"
	EventTimerStart  = "game timer start"
	EventTimerUpdate = "timer update"
	EventTimerStop   = "game timer stop"
	EventImageUpdate = "game image update"
	EventGameEnd     = "game end"
	EventRoomDeleted = "room deleted"
	EventAck         = "ack"
	EventError       = "error"
)

// Envelope is the frame carried by every websocket text message.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for payload.
func Encode(eventType, id string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: eventType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", eventType, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", models.ErrValidation, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", models.ErrValidation)
	}
	return &env, nil
}

// --- payloads ---

// UserInfo identifies the client acting on a room.
type UserInfo struct {
	ID   string `json:"id" validate:"required,max=64"`
	Name string `json:"name" validate:"required,min=1,max=32"`
}

type CreateRoomRequest struct {
	Code       string   `json:"code" validate:"required,len=6,alphanum"`
	Name       string   `json:"name" validate:"required,min=1,max=32"`
	Owner      UserInfo `json:"owner" validate:"required"`
	Mode       string   `json:"mode" validate:"required,max=32"`
	Difficulty string   `json:"difficulty" validate:"required,max=32"`
	Duration   int      `json:"duration" validate:"min=5,max=600"`
	Privacy    string   `json:"privacy" validate:"required,oneof=public private"`
}

type JoinRoomRequest struct {
	RoomCode string   `json:"roomCode" validate:"required,len=6,alphanum"`
	User     UserInfo `json:"user" validate:"required"`
}

// RoomRequest covers every action that only names a room.
type RoomRequest struct {
	RoomCode string `json:"roomCode" validate:"required,len=6,alphanum"`
}

// NextImageRequest may carry the round the owner was looking at.
type NextImageRequest struct {
	RoomCode   string `json:"roomCode" validate:"required,len=6,alphanum"`
	RoundIndex *int   `json:"roundIndex,omitempty" validate:"omitempty,min=0"`
}

type ChatRequest struct {
	RoomCode string `json:"roomCode" validate:"required,len=6,alphanum"`
	Text     string `json:"text" validate:"required"`
}

type TimerStartPayload struct {
	RoomCode string `json:"roomCode"`
	Duration int    `json:"duration"`
}

type TimerUpdatePayload struct {
	RoomCode  string `json:"roomCode"`
	Remaining int    `json:"remaining"`
}

type TimerStopPayload struct {
	RoomCode string `json:"roomCode"`
}

type ImageUpdatePayload struct {
	RoomCode string `json:"roomCode"`
	Index    int    `json:"index"`
	Image    string `json:"image"`
}

type GameEndPayload struct {
	RoomCode string `json:"roomCode"`
}

type RoomDeletedPayload struct {
	RoomCode string `json:"roomCode"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload answers a request that carried an id.
type AckPayload struct {
	OK    bool        `json:"ok"`
	Error *ErrorBody  `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// NewErrorBody maps err onto its wire code.
func NewErrorBody(err error) *ErrorBody {
	return &ErrorBody{Code: models.Code(err), Message: err.Error()}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload unmarshals data into v and validates its tags. Both failures
// are reported as models.ErrValidation.
func DecodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, describe(err))
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
