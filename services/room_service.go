// services/room_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/georoom/broadcast"
	"github.com/wfunc/georoom/events"
	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/room"
	"github.com/wfunc/georoom/session"
	"github.com/wfunc/georoom/state"
)

// Metrics is the part of monitor.Monitor the service reports to.
type Metrics interface {
	SetActiveRooms(count int)
	IncRejected(code string)
	IncRoundAdvance(cause string)
	IncGamesStarted()
	IncGamesEnded()
	IncChatMessages()
	IncSlowConsumers()
}

type nopMetrics struct{}

func (nopMetrics) SetActiveRooms(int)     {}
func (nopMetrics) IncRejected(string)     {}
func (nopMetrics) IncRoundAdvance(string) {}
func (nopMetrics) IncGamesStarted()       {}
func (nopMetrics) IncGamesEnded()         {}
func (nopMetrics) IncChatMessages()       {}
func (nopMetrics) IncSlowConsumers()      {}

// TimerStats is implemented by timer.Engine.
type TimerStats interface {
	Active() int
}

// Config wires a RoomService.
type Config struct {
	Catalog           state.Catalog
	Timers            state.Timers
	Clock             clockwork.Clock
	SettleDelay       time.Duration
	ManualSettleDelay time.Duration
	ChatMaxLength     int
	ChatRatePerSecond float64
	ChatBurst         int
	Publisher         events.Publisher
	Metrics           Metrics
}

// Stats is a point-in-time count for admin tooling.
type Stats struct {
	Rooms    int
	Sessions int
	Timers   int
}

// RoomService applies every client action: it resolves the caller from its
// session, checks membership and ownership, drives the room's machine and
// fans out the resulting updates.
type RoomService struct {
	cfg         Config
	rooms       *room.Manager
	sessions    *session.Manager
	broadcaster broadcast.Broadcaster
	publisher   events.Publisher
	metrics     Metrics
	clock       clockwork.Clock
}

func NewRoomService(cfg Config) *RoomService {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChatMaxLength <= 0 {
		cfg.ChatMaxLength = 500
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	s := &RoomService{
		cfg:       cfg,
		sessions:  session.NewManager(),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
	}
	rb := broadcast.NewRoomBroadcaster(s.sessions)
	s.broadcaster = rb
	s.rooms = room.NewRoomManager(room.Deps{
		Catalog:           cfg.Catalog,
		Timers:            cfg.Timers,
		Broadcaster:       rb,
		Observer:          s,
		Clock:             cfg.Clock,
		SettleDelay:       cfg.SettleDelay,
		ManualSettleDelay: cfg.ManualSettleDelay,
	})
	rb.AttachRooms(s.rooms)
	rb.OnDrop(func(sessionID string, err error) {
		s.metrics.IncSlowConsumers()
	})
	return s
}

func (s *RoomService) Rooms() *room.Manager {
	return s.rooms
}

func (s *RoomService) Sessions() *session.Manager {
	return s.sessions
}

func (s *RoomService) Stats() Stats {
	st := Stats{Rooms: s.rooms.Count(), Sessions: s.sessions.Count()}
	if t, ok := s.cfg.Timers.(TimerStats); ok {
		st.Timers = t.Active()
	}
	return st
}

// --- connection lifecycle ---

// Connect registers a new session and sends it the room directory.
func (s *RoomService) Connect(sess *session.Session) {
	if s.cfg.ChatRatePerSecond > 0 && s.cfg.ChatBurst > 0 {
		sess.SetChatLimit(s.cfg.ChatRatePerSecond, s.cfg.ChatBurst)
	}
	s.sessions.Add(sess)
	s.sendRooms(sess)
}

// Disconnect forgets the session. Its user leaves the room only if it is
// still held by this session; a newer connection for the same id keeps it.
func (s *RoomService) Disconnect(sess *session.Session) {
	s.sessions.Remove(sess.ID)

	code := sess.RoomID()
	if code == "" {
		return
	}
	r, exists := s.rooms.GetRoom(code)
	if !exists {
		return
	}
	if r.RemoveUserIfConn(sess.UserID(), sess.ID) {
		logger.Log.Infof("用户 %s 断开连接，离开房间 %s", sess.UserID(), code)
		s.emitRoomUpdate(r)
		s.BroadcastRooms()
	}
}

// --- actions ---

func (s *RoomService) CreateRoom(sess *session.Session, req network.CreateRoomRequest) (models.RoomSnapshot, error) {
	if err := checkBindable(sess, req.Owner.ID); err != nil {
		return models.RoomSnapshot{}, err
	}

	settings := models.RoomSettings{
		Name:       req.Name,
		Mode:       req.Mode,
		Difficulty: req.Difficulty,
		Duration:   req.Duration,
		Privacy:    models.Privacy(req.Privacy),
	}
	r, err := s.rooms.CreateRoom(req.Code, settings, req.Owner.ID)
	if err != nil {
		return models.RoomSnapshot{}, err
	}

	if err := sess.Bind(req.Owner.ID, req.Owner.Name); err != nil {
		s.rooms.RemoveRoom(req.Code)
		return models.RoomSnapshot{}, err
	}
	s.leaveCurrent(sess, req.Code)
	s.admit(sess, r, req.Owner)

	if err := s.publisher.Publish(r.Code, events.RoomCreated, r.Summary()); err != nil {
		logger.Log.Warnf("发布房间创建事件失败: %v", err)
	}
	s.metrics.SetActiveRooms(s.rooms.Count())

	snap := r.Snapshot()
	s.emitToRoom(r.Code, network.EventRoomUpdate, snap)
	s.BroadcastRooms()
	return snap, nil
}

func (s *RoomService) JoinRoom(sess *session.Session, req network.JoinRoomRequest) (models.RoomSnapshot, error) {
	if err := checkBindable(sess, req.User.ID); err != nil {
		return models.RoomSnapshot{}, err
	}
	r, err := s.rooms.Get(req.RoomCode)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	if err := sess.Bind(req.User.ID, req.User.Name); err != nil {
		return models.RoomSnapshot{}, err
	}

	s.leaveCurrent(sess, req.RoomCode)
	s.admit(sess, r, req.User)

	// the reaper may have removed the room between Get and AddUser
	if current, ok := s.rooms.GetRoom(req.RoomCode); !ok || current != r {
		sess.ClearRoom(req.RoomCode)
		return models.RoomSnapshot{}, fmt.Errorf("room %s: %w", req.RoomCode, models.ErrNotFound)
	}

	snap := r.Snapshot()
	s.emitToRoom(r.Code, network.EventRoomUpdate, snap)
	s.BroadcastRooms()
	return snap, nil
}

func (s *RoomService) LeaveRoom(sess *session.Session, req network.RoomRequest) error {
	r, err := s.rooms.Get(req.RoomCode)
	if err != nil {
		return err
	}
	if !r.RemoveUserIfConn(sess.UserID(), sess.ID) {
		return fmt.Errorf("not a member of room %s: %w", req.RoomCode, models.ErrNotFound)
	}
	sess.ClearRoom(req.RoomCode)

	s.emitRoomUpdate(r)
	s.BroadcastRooms()
	return nil
}

func (s *RoomService) StartGame(sess *session.Session, req network.RoomRequest) error {
	r, u, err := s.seated(sess, req.RoomCode, state.ActionStart)
	if err != nil {
		return err
	}
	if err := r.Machine.Start(u.ID); err != nil {
		return err
	}
	s.emitRoomUpdate(r)
	s.BroadcastRooms()
	return nil
}

// NextImage reports whether the skip was applied; a skip that lost a race
// with the timer is not an error.
func (s *RoomService) NextImage(sess *session.Session, req network.NextImageRequest) (bool, error) {
	r, u, err := s.seated(sess, req.RoomCode, state.ActionNext)
	if err != nil {
		return false, err
	}
	return r.Machine.NextImage(u.ID, req.RoundIndex)
}

func (s *RoomService) ResetGame(sess *session.Session, req network.RoomRequest) error {
	r, u, err := s.seated(sess, req.RoomCode, state.ActionReset)
	if err != nil {
		return err
	}
	if err := r.Machine.Reset(u.ID); err != nil {
		return err
	}
	s.emitRoomUpdate(r)
	s.BroadcastRooms()
	return nil
}

func (s *RoomService) Chat(sess *session.Session, req network.ChatRequest) (models.ChatMessage, error) {
	r, u, err := s.seated(sess, req.RoomCode, "chat")
	if err != nil {
		return models.ChatMessage{}, err
	}

	text := strings.TrimSpace(req.Text)
	if n := utf8.RuneCountInString(text); n == 0 || n > s.cfg.ChatMaxLength {
		return models.ChatMessage{}, fmt.Errorf("%w: chat text must be 1..%d characters", models.ErrValidation, s.cfg.ChatMaxLength)
	}
	if !sess.AllowChat() {
		return models.ChatMessage{}, fmt.Errorf("chat in room %s: %w", req.RoomCode, models.ErrRateLimited)
	}

	msg := models.ChatMessage{
		ID:       uuid.NewString(),
		RoomCode: r.Code,
		UserID:   u.ID,
		Name:     sess.UserName(),
		Text:     text,
		SentAt:   s.clock.Now(),
	}
	s.emitToRoom(r.Code, network.EventChatMessage, msg)
	s.metrics.IncChatMessages()
	return msg, nil
}

func (s *RoomService) DeleteRoom(sess *session.Session, req network.RoomRequest) error {
	r, u, err := s.seated(sess, req.RoomCode, state.ActionDelete)
	if err != nil {
		return err
	}
	if err := r.Machine.Authorize(u.ID, state.ActionDelete); err != nil {
		return err
	}
	return s.deleteRoom(r.Code)
}

// AdminDeleteRoom deletes without an ownership check.
func (s *RoomService) AdminDeleteRoom(code string) error {
	return s.deleteRoom(code)
}

func (s *RoomService) ListRooms() []models.RoomSummary {
	return s.rooms.Summaries()
}

// --- fan-out ---

// BroadcastRooms sends the directory to every connection.
func (s *RoomService) BroadcastRooms() {
	data, err := network.Encode(network.EventRooms, "", s.rooms.Summaries())
	if err != nil {
		logger.Log.Errorf("编码房间列表失败: %v", err)
		return
	}
	s.broadcaster.BroadcastToAll(data)
}

// ReapIdleRooms removes rooms that have been empty for maxIdle.
func (s *RoomService) ReapIdleRooms(maxIdle time.Duration) []string {
	codes := s.rooms.ReapIdle(maxIdle)
	s.RoomsReaped(codes)
	return codes
}

// SweepIdleSessions closes connections that have sent nothing for maxIdle
// and returns how many it closed. Each read loop then ends and runs
// Disconnect as usual.
func (s *RoomService) SweepIdleSessions(maxIdle time.Duration) int {
	now := s.clock.Now()
	closed := 0
	for _, sess := range s.sessions.All() {
		if now.Sub(sess.LastActive()) < maxIdle {
			continue
		}
		logger.Log.Infof("会话 %s 空闲 %s，关闭连接", sess.ID, now.Sub(sess.LastActive()))
		if err := sess.Close(); err != nil {
			logger.Log.Debugf("关闭会话 %s 失败: %v", sess.ID, err)
		}
		closed++
	}
	return closed
}

// RunSessionSweeper calls SweepIdleSessions every interval until ctx is done.
func (s *RoomService) RunSessionSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.SweepIdleSessions(maxIdle)
		}
	}
}

// RoomsReaped announces rooms removed by room.Manager.RunReaper.
func (s *RoomService) RoomsReaped(codes []string) {
	if len(codes) > 0 {
		s.roomsRemoved(codes)
	}
}

func (s *RoomService) sendRooms(sess *session.Session) {
	data, err := network.Encode(network.EventRooms, "", s.rooms.Summaries())
	if err != nil {
		return
	}
	s.broadcaster.BroadcastToSessions([]string{sess.ID}, data)
}

func (s *RoomService) emitRoomUpdate(r *room.Room) {
	s.emitToRoom(r.Code, network.EventRoomUpdate, r.Snapshot())
}

// emitToRoom sends an event to the members of a registered room.
func (s *RoomService) emitToRoom(code, eventType string, payload interface{}) {
	data, err := network.Encode(eventType, "", payload)
	if err != nil {
		logger.Log.Errorf("编码事件 %q 失败: %v", eventType, err)
		return
	}
	if err := s.broadcaster.BroadcastToRoom(code, data); err != nil {
		logger.Log.Debugf("房间 %s 广播 %q 跳过: %v", code, eventType, err)
	}
}

// seated resolves the caller of action to the room seat held by this
// connection. A user who left, or whose seat moved to a newer connection,
// is refused.
func (s *RoomService) seated(sess *session.Session, code, action string) (*room.Room, models.User, error) {
	r, err := s.rooms.Get(code)
	if err != nil {
		return nil, models.User{}, err
	}
	u, ok := r.GetUser(sess.UserID())
	if !ok || u.ConnID != sess.ID {
		return nil, models.User{}, fmt.Errorf("%s in room %s: not a member: %w", action, code, models.ErrPermissionDenied)
	}
	return r, u, nil
}

func (s *RoomService) deleteRoom(code string) error {
	r, err := s.rooms.RemoveRoom(code)
	if err != nil {
		return err
	}

	members := r.SessionIDs()
	for _, id := range members {
		if sess, ok := s.sessions.Get(id); ok {
			sess.ClearRoom(code)
		}
	}
	if data, err := network.Encode(network.EventRoomDeleted, "", network.RoomDeletedPayload{RoomCode: code}); err == nil {
		s.broadcaster.BroadcastToSessions(members, data)
	}
	s.roomsRemoved([]string{code})
	return nil
}

func (s *RoomService) roomsRemoved(codes []string) {
	for _, code := range codes {
		if err := s.publisher.Publish(code, events.RoomDeleted, nil); err != nil {
			logger.Log.Warnf("发布房间删除事件失败: %v", err)
		}
	}
	s.metrics.SetActiveRooms(s.rooms.Count())
	s.BroadcastRooms()
}

// admit puts the session's user into r, detaching any older connection that
// held the same id.
func (s *RoomService) admit(sess *session.Session, r *room.Room, u network.UserInfo) {
	prevConn, rejoined := r.AddUser(models.User{ID: u.ID, DisplayName: u.Name, ConnID: sess.ID})
	if rejoined && prevConn != "" && prevConn != sess.ID {
		if old, ok := s.sessions.Get(prevConn); ok {
			old.ClearRoom(r.Code)
		}
	}
	sess.SetRoomID(r.Code)
}

// leaveCurrent removes the session from the room it is in, unless that room
// is next.
func (s *RoomService) leaveCurrent(sess *session.Session, next string) {
	code := sess.RoomID()
	if code == "" || code == next {
		return
	}
	sess.ClearRoom(code)
	if r, ok := s.rooms.GetRoom(code); ok && r.RemoveUserIfConn(sess.UserID(), sess.ID) {
		s.emitRoomUpdate(r)
	}
}

func checkBindable(sess *session.Session, userID string) error {
	if bound := sess.UserID(); bound != "" && bound != userID {
		return fmt.Errorf("%w: connection already bound to user %s", models.ErrValidation, bound)
	}
	return nil
}

// --- state.Observer, called after the machine lock is released ---

func (s *RoomService) GameStarted(code string) {
	s.metrics.IncGamesStarted()
	if err := s.publisher.Publish(code, events.GameStarted, nil); err != nil {
		logger.Log.Warnf("发布游戏开始事件失败: %v", err)
	}
}

func (s *RoomService) RoundAdvanced(code string, cause string) {
	s.metrics.IncRoundAdvance(cause)
}

func (s *RoomService) GameEnded(code string) {
	s.metrics.IncGamesEnded()
	if err := s.publisher.Publish(code, events.GameEnded, nil); err != nil {
		logger.Log.Warnf("发布游戏结束事件失败: %v", err)
	}
	s.BroadcastRooms()
}
