// broadcast/broadcast.go
package broadcast

import (
	"errors"
	"sync"

	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/room"
	"github.com/wfunc/georoom/session"
)

var (
	ErrRoomNotFound = errors.New("room not found")
)

// 广播接口
type Broadcaster interface {
	BroadcastToRoom(roomCode string, data []byte) error
	BroadcastToAll(data []byte)
	BroadcastToSessions(sessionIDs []string, data []byte)
}

// DropFunc is told about sessions whose send buffer overflowed.
type DropFunc func(sessionID string, err error)

// 基于房间的广播器
//
// Frames are enqueued without blocking; a session that cannot take a frame
// has already been closed by its connection and is reported to onDrop.
type RoomBroadcaster struct {
	sessionManager *session.Manager
	mutex          sync.RWMutex
	roomManager    *room.Manager
	onDrop         DropFunc
}

func NewRoomBroadcaster(sessionManager *session.Manager) *RoomBroadcaster {
	return &RoomBroadcaster{
		sessionManager: sessionManager,
	}
}

// AttachRooms sets the registry used by BroadcastToRoom. Rooms themselves
// need a broadcaster when created, so the two are wired after construction.
func (b *RoomBroadcaster) AttachRooms(roomManager *room.Manager) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.roomManager = roomManager
}

// OnDrop registers fn to hear about slow consumers.
func (b *RoomBroadcaster) OnDrop(fn DropFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onDrop = fn
}

func (b *RoomBroadcaster) BroadcastToRoom(roomCode string, data []byte) error {
	b.mutex.RLock()
	rooms := b.roomManager
	b.mutex.RUnlock()

	if rooms == nil {
		return ErrRoomNotFound
	}
	r, exists := rooms.GetRoom(roomCode)
	if !exists {
		return ErrRoomNotFound
	}

	b.BroadcastToSessions(r.SessionIDs(), data)
	return nil
}

func (b *RoomBroadcaster) BroadcastToAll(data []byte) {
	for _, s := range b.sessionManager.All() {
		b.send(s, data)
	}
}

func (b *RoomBroadcaster) BroadcastToSessions(sessionIDs []string, data []byte) {
	for _, id := range sessionIDs {
		s, exists := b.sessionManager.Get(id)
		if !exists {
			continue
		}
		b.send(s, data)
	}
}

func (b *RoomBroadcaster) send(s *session.Session, data []byte) {
	if err := s.Send(data); err != nil {
		// 处理发送错误，连接已被关闭
		logger.Log.Warnf("会话 %s 发送失败: %v", s.GetID(), err)

		b.mutex.RLock()
		onDrop := b.onDrop
		b.mutex.RUnlock()
		if onDrop != nil {
			onDrop(s.GetID(), err)
		}
	}
}
