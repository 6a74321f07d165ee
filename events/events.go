// Package events publishes room lifecycle events to NATS for other services.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/wfunc/georoom/logger"
)

// Lifecycle event types, used as the last subject token.
const (
	RoomCreated = "room.created"
	RoomDeleted = "room.deleted"
	GameStarted = "game.started"
	GameEnded   = "game.ended"
)

type Publisher interface {
	Publish(roomCode, eventType string, payload interface{}) error
	Close()
}

// Config for the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "georoom",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// conn is the part of *nats.Conn we use.
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Envelope is the message body on every subject.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	RoomCode  string          `json:"roomCode"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type NATSPublisher struct {
	nc     conn
	prefix string
}

func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("georoom"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Errorf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newPublisher(nc, cfg.SubjectPrefix), nil
}

func newPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns <prefix>.<roomCode>.<eventType>.
func (p *NATSPublisher) Subject(roomCode, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, roomCode, eventType)
}

// Publish is fire-and-forget; nats buffers while reconnecting.
func (p *NATSPublisher) Publish(roomCode, eventType string, payload interface{}) error {
	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		RoomCode:  roomCode,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(roomCode, eventType), data); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}

// Nop discards every event; used when nats.url is empty.
type Nop struct{}

func (Nop) Publish(string, string, interface{}) error { return nil }
func (Nop) Close()                                    {}
