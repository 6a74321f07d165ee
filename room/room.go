// room/room.go
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/state"
)

// Deps are shared by every room a Manager creates.
type Deps struct {
	Catalog           state.Catalog
	Timers            state.Timers
	Broadcaster       Broadcaster
	Observer          state.Observer
	Clock             clockwork.Clock
	SettleDelay       time.Duration
	ManualSettleDelay time.Duration
}

// Room 是游戏房间的核心结构
type Room struct {
	Code      string
	Settings  models.RoomSettings
	OwnerID   string
	CreatedAt time.Time
	Machine   *state.Machine

	users       map[string]*models.User // userID -> user
	broadcaster Broadcaster
	clock       clockwork.Clock
	lastActive  time.Time
	playerMutex sync.RWMutex
}

// NewRoom 创建一个新房间，房主不自动加入
func NewRoom(code string, settings models.RoomSettings, ownerID string, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	now := deps.Clock.Now()
	r := &Room{
		Code:        code,
		Settings:    settings,
		OwnerID:     ownerID,
		CreatedAt:   now,
		users:       make(map[string]*models.User),
		broadcaster: deps.Broadcaster,
		clock:       deps.Clock,
		lastActive:  now,
	}
	r.Machine = state.NewMachine(state.Config{
		RoomCode:          code,
		OwnerID:           ownerID,
		Duration:          settings.Duration,
		SettleDelay:       deps.SettleDelay,
		ManualSettleDelay: deps.ManualSettleDelay,
		Catalog:           deps.Catalog,
		Timers:            deps.Timers,
		Emitter:           r,
		Observer:          deps.Observer,
	})
	return r
}

// --- 实现 state.Emitter 接口 ---

// Emit encodes the event once and queues it to every member's session.
func (r *Room) Emit(event string, payload interface{}) {
	data, err := network.Encode(event, "", payload)
	if err != nil {
		logger.Log.Errorf("房间 %s 编码事件 %q 失败: %v", r.Code, event, err)
		return
	}
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.BroadcastToSessions(r.SessionIDs(), data)
}

// --- 房间成员 ---

// AddUser adds u or, when the id is already present, rebinds it to u's
// connection. The previous connection id is returned when one was replaced.
func (r *Room) AddUser(u models.User) (previousConn string, rejoined bool) {
	r.playerMutex.Lock()
	defer r.playerMutex.Unlock()

	r.lastActive = r.clock.Now()
	if existing, ok := r.users[u.ID]; ok {
		previousConn = existing.ConnID
		existing.ConnID = u.ConnID
		if u.DisplayName != "" {
			existing.DisplayName = u.DisplayName
		}
		return previousConn, true
	}

	if u.JoinedAt.IsZero() {
		u.JoinedAt = r.lastActive
	}
	r.users[u.ID] = &u
	return "", false
}

// RemoveUserIfConn removes the user only while it is still held by connID.
func (r *Room) RemoveUserIfConn(userID, connID string) bool {
	r.playerMutex.Lock()
	defer r.playerMutex.Unlock()

	u, exists := r.users[userID]
	if !exists || u.ConnID != connID {
		return false
	}
	delete(r.users, userID)
	r.lastActive = r.clock.Now()
	return true
}

// GetUser 获取单个用户
func (r *Room) GetUser(userID string) (models.User, bool) {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	u, exists := r.users[userID]
	if !exists {
		return models.User{}, false
	}
	return *u, true
}

// Users returns members ordered by join time.
func (r *Room) Users() []models.User {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	users := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users
}

// SessionIDs returns the connection of every member (thread-safe).
func (r *Room) SessionIDs() []string {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	ids := make([]string, 0, len(r.users))
	for _, u := range r.users {
		if u.ConnID != "" {
			ids = append(ids, u.ConnID)
		}
	}
	return ids
}

func (r *Room) PlayerCount() int {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()
	return len(r.users)
}

// IdleSince reports when the room last gained or lost a member, and whether
// it is currently empty.
func (r *Room) IdleSince() (time.Time, bool) {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()
	return r.lastActive, len(r.users) == 0
}

// --- 房间视图 ---

// Snapshot is the room-scoped view sent with "room update".
func (r *Room) Snapshot() models.RoomSnapshot {
	ms := r.Machine.Snapshot()
	return models.RoomSnapshot{
		Code:       r.Code,
		Name:       r.Settings.Name,
		OwnerID:    r.OwnerID,
		Mode:       r.Settings.Mode,
		Difficulty: r.Settings.Difficulty,
		Duration:   r.Settings.Duration,
		Privacy:    r.Settings.Privacy,
		State:      string(ms.Phase),
		RoundIndex: ms.RoundIndex,
		Settling:   ms.Settling,
		Remaining:  ms.Remaining,
		Users:      r.Users(),
		CreatedAt:  r.CreatedAt,
	}
}

// Summary is the room's entry in the global directory.
func (r *Room) Summary() models.RoomSummary {
	return models.RoomSummary{
		Code:       r.Code,
		Name:       r.Settings.Name,
		Mode:       r.Settings.Mode,
		Difficulty: r.Settings.Difficulty,
		Duration:   r.Settings.Duration,
		Privacy:    r.Settings.Privacy,
		State:      string(r.Machine.Phase()),
		Players:    r.PlayerCount(),
	}
}

// Close 关闭房间，取消计时器
func (r *Room) Close() {
	r.Machine.Close()
}

// --- 房间管理器 ---

// Manager 管理所有房间
//
// The registry lock is never held while calling into a room's machine.
type Manager struct {
	rooms map[string]*Room
	mutex sync.RWMutex
	deps  Deps
}

// NewRoomManager 创建一个新的房间管理器
func NewRoomManager(deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		rooms: make(map[string]*Room),
		deps:  deps,
	}
}

// CreateRoom 创建一个新房间并添加到管理器
func (m *Manager) CreateRoom(code string, settings models.RoomSettings, ownerID string) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rooms[code]; exists {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrDuplicateRoomCode)
	}
	room := NewRoom(code, settings, ownerID, m.deps)
	m.rooms[code] = room
	logger.Log.Infof("房间 %s 已创建，房主 %s", code, ownerID)
	return room, nil
}

// GetRoom 从管理器中获取一个房间
func (m *Manager) GetRoom(code string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room, exists := m.rooms[code]
	return room, exists
}

// Get is GetRoom with a models.ErrNotFound error.
func (m *Manager) Get(code string) (*Room, error) {
	room, exists := m.GetRoom(code)
	if !exists {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrNotFound)
	}
	return room, nil
}

// RemoveRoom 从管理器中移除并关闭一个房间
func (m *Manager) RemoveRoom(code string) (*Room, error) {
	m.mutex.Lock()
	room, exists := m.rooms[code]
	if exists {
		delete(m.rooms, code)
	}
	m.mutex.Unlock()

	if !exists {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrNotFound)
	}
	room.Close()
	logger.Log.Infof("房间 %s 已删除", code)
	return room, nil
}

// Rooms returns every room ordered by creation time.
func (m *Manager) Rooms() []*Room {
	m.mutex.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mutex.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].Code < rooms[j].Code
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// Summaries builds the global room directory.
func (m *Manager) Summaries() []models.RoomSummary {
	rooms := m.Rooms()
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Summary())
	}
	return out
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// ReapIdle deletes rooms that have been empty for at least maxIdle and
// returns their codes.
func (m *Manager) ReapIdle(maxIdle time.Duration) []string {
	now := m.deps.Clock.Now()

	m.mutex.Lock()
	var reaped []*Room
	for code, r := range m.rooms {
		since, empty := r.IdleSince()
		if empty && now.Sub(since) >= maxIdle {
			delete(m.rooms, code)
			reaped = append(reaped, r)
		}
	}
	m.mutex.Unlock()

	codes := make([]string, 0, len(reaped))
	for _, r := range reaped {
		r.Close()
		codes = append(codes, r.Code)
	}
	sort.Strings(codes)
	return codes
}

// RunReaper calls ReapIdle every interval until ctx is done. onReap, when
// set, is called with each batch of reaped codes.
func (m *Manager) RunReaper(ctx context.Context, interval, maxIdle time.Duration, onReap func(codes []string)) {
	ticker := m.deps.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if codes := m.ReapIdle(maxIdle); len(codes) > 0 {
				logger.Log.Infof("回收空闲房间: %v", codes)
				if onReap != nil {
					onReap(codes)
				}
			}
		}
	}
}
