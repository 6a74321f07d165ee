// session/session.go
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"golang.org/x/time/rate"
)

// Session is one websocket connection. It is bound to a single user id on
// its first create or join, and sits in at most one room.
type Session struct {
	ID         string
	Conn       network.Connection
	CreatedAt  time.Time
	userID     string
	userName   string
	roomID     string
	lastActive time.Time
	clock      clockwork.Clock
	limiter    *rate.Limiter
	mutex      sync.RWMutex
}

func NewSession(id string, conn network.Connection, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		lastActive: now,
		clock:      clock,
	}
}

// SetChatLimit installs a token bucket of perSecond refill and burst size
// for chat messages.
func (s *Session) SetChatLimit(perSecond float64, burst int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// AllowChat takes one token from the chat bucket.
func (s *Session) AllowChat() bool {
	s.mutex.RLock()
	limiter := s.limiter
	s.mutex.RUnlock()

	if limiter == nil {
		return true
	}
	return limiter.AllowN(s.clock.Now(), 1)
}

// Bind ties the session to userID. Rebinding to the same id is allowed;
// a different id is a validation error.
func (s *Session) Bind(userID, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.userID != "" && s.userID != userID {
		return fmt.Errorf("%w: connection already bound to user %s", models.ErrValidation, s.userID)
	}
	s.userID = userID
	if name != "" {
		s.userName = name
	}
	return nil
}

func (s *Session) UserID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.userID
}

func (s *Session) UserName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.userName
}

func (s *Session) RoomID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.roomID
}

func (s *Session) SetRoomID(code string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.roomID = code
}

// ClearRoom unsets the room only if it is still code.
func (s *Session) ClearRoom(code string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.roomID == code {
		s.roomID = ""
	}
}

func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActive = s.clock.Now()
}

func (s *Session) LastActive() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActive
}

func (s *Session) Send(data []byte) error {
	return s.Conn.Send(data)
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}
