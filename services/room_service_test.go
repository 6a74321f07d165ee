package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/georoom/catalog"
	"github.com/wfunc/georoom/events"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/session"
	"github.com/wfunc/georoom/timer"
)

// MockConnection is a test double for the network.Connection interface.
type MockConnection struct {
	mu     sync.Mutex
	frames []*network.Envelope
	closed bool
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConnection) Send(data []byte) error {
	env, err := network.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, env)
	return nil
}
func (m *MockConnection) RemoteAddr() net.Addr                { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration) {}
func (m *MockConnection) ReadMessage() ([]byte, error)        { return nil, nil }

func (m *MockConnection) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f.Type)
	}
	return out
}

func (m *MockConnection) count(eventType string) int {
	n := 0
	for _, t := range m.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (m *MockConnection) last(eventType string) *network.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.frames) - 1; i >= 0; i-- {
		if m.frames[i].Type == eventType {
			return m.frames[i]
		}
	}
	return nil
}

func (m *MockConnection) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

// MockPublisher records lifecycle events.
type MockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *MockPublisher) Publish(roomCode, eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, roomCode+" "+eventType)
	return nil
}

func (p *MockPublisher) Close() {}

func (p *MockPublisher) has(entry string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == entry {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc    *RoomService
	clock  *clockwork.FakeClock
	engine *timer.Engine
	pub    *MockPublisher
}

func newTestEnv(t *testing.T, rounds int) *testEnv {
	t.Helper()
	list := make([]models.Round, rounds)
	for i := range list {
		list[i] = models.Round{ImageRef: "img/" + string(rune('a'+i)) + ".webp"}
	}
	cat, err := catalog.New(list)
	if err != nil {
		t.Fatal(err)
	}

	fc := clockwork.NewFakeClock()
	engine := timer.NewEngine(fc)
	pub := &MockPublisher{}
	svc := NewRoomService(Config{
		Catalog:           cat,
		Timers:            engine,
		Clock:             fc,
		ChatMaxLength:     20,
		ChatRatePerSecond: 1,
		ChatBurst:         2,
		Publisher:         pub,
	})
	return &testEnv{svc: svc, clock: fc, engine: engine, pub: pub}
}

func (e *testEnv) connect(id string) (*session.Session, *MockConnection) {
	conn := &MockConnection{}
	sess := session.NewSession(id, conn, e.clock)
	e.svc.Connect(sess)
	return sess, conn
}

func createReq(code, ownerID string) network.CreateRoomRequest {
	return network.CreateRoomRequest{
		Code:       code,
		Name:       "Friday",
		Owner:      network.UserInfo{ID: ownerID, Name: "Owner"},
		Mode:       "classic",
		Difficulty: "easy",
		Duration:   5,
		Privacy:    "public",
	}
}

func joinReq(code, userID string) network.JoinRoomRequest {
	return network.JoinRoomRequest{RoomCode: code, User: network.UserInfo{ID: userID, Name: "Player " + userID}}
}

func TestRoomService_CreateAndJoin(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, ownerConn := e.connect("s-owner")
	player, playerConn := e.connect("s-player")
	_, lobbyConn := e.connect("s-lobby")

	if lobbyConn.count(network.EventRooms) != 1 {
		t.Fatal("A new connection should receive the directory")
	}

	snap, err := e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if snap.OwnerID != "u-owner" || len(snap.Users) != 1 || snap.State != "waiting" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	if owner.RoomID() != "ABC123" || owner.UserID() != "u-owner" {
		t.Error("Owner session should be bound to the room")
	}
	if !e.pub.has("ABC123 " + events.RoomCreated) {
		t.Error("room.created should be published")
	}

	if _, err := e.svc.JoinRoom(player, joinReq("ABC123", "u-player")); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	if ownerConn.count(network.EventRoomUpdate) != 2 {
		t.Errorf("Owner should see two room updates, got %v", ownerConn.types())
	}
	if playerConn.count(network.EventRoomUpdate) != 1 {
		t.Errorf("Player should see one room update, got %v", playerConn.types())
	}
	if lobbyConn.count(network.EventRoomUpdate) != 0 {
		t.Error("Room updates must not leak outside the room")
	}
	if lobbyConn.count(network.EventRooms) != 3 {
		t.Errorf("Directory should reach every connection, got %v", lobbyConn.types())
	}

	var sums []models.RoomSummary
	if err := json.Unmarshal(lobbyConn.last(network.EventRooms).Data, &sums); err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Players != 2 {
		t.Errorf("Unexpected directory: %+v", sums)
	}
}

func TestRoomService_DuplicateRoomCode(t *testing.T) {
	e := newTestEnv(t, 2)
	a, _ := e.connect("s-a")
	b, _ := e.connect("s-b")

	e.svc.CreateRoom(a, createReq("ABC123", "u-a"))
	_, err := e.svc.CreateRoom(b, createReq("ABC123", "u-b"))
	if !errors.Is(err, models.ErrDuplicateRoomCode) {
		t.Fatalf("Expected ErrDuplicateRoomCode, got %v", err)
	}

	r, _ := e.svc.Rooms().Get("ABC123")
	if r.OwnerID != "u-a" || r.PlayerCount() != 1 {
		t.Error("The existing room must be unchanged")
	}
	if b.RoomID() != "" || b.UserID() != "" {
		t.Error("A failed create must not bind the session")
	}
}

func TestRoomService_JoinUnknownRoom(t *testing.T) {
	e := newTestEnv(t, 2)
	s, _ := e.connect("s1")
	if _, err := e.svc.JoinRoom(s, joinReq("NOPE00", "u1")); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRoomService_SessionBoundToOneUser(t *testing.T) {
	e := newTestEnv(t, 2)
	s, _ := e.connect("s1")
	e.svc.CreateRoom(s, createReq("ABC123", "u1"))

	_, err := e.svc.CreateRoom(s, createReq("XYZ789", "someone-else"))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
	if _, ok := e.svc.Rooms().GetRoom("XYZ789"); ok {
		t.Error("Room must not be created for a mismatched user")
	}
}

func TestRoomService_JoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	e := newTestEnv(t, 2)
	a, _ := e.connect("s-a")
	b, _ := e.connect("s-b")
	e.svc.CreateRoom(a, createReq("ROOM01", "u-a"))
	e.svc.CreateRoom(b, createReq("ROOM02", "u-b"))

	if _, err := e.svc.JoinRoom(a, joinReq("ROOM02", "u-a")); err != nil {
		t.Fatal(err)
	}
	first, _ := e.svc.Rooms().Get("ROOM01")
	if first.PlayerCount() != 0 {
		t.Error("Joining another room should leave the first")
	}
	if a.RoomID() != "ROOM02" {
		t.Errorf("Session should be in ROOM02, got %q", a.RoomID())
	}
}

func TestRoomService_OwnerOnlyActions(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, _ := e.connect("s-owner")
	player, playerConn := e.connect("s-player")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	e.svc.JoinRoom(player, joinReq("ABC123", "u-player"))
	playerConn.reset()

	req := network.RoomRequest{RoomCode: "ABC123"}
	if err := e.svc.StartGame(player, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("start: expected ErrPermissionDenied, got %v", err)
	}
	if err := e.svc.ResetGame(player, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("reset: expected ErrPermissionDenied, got %v", err)
	}
	if err := e.svc.DeleteRoom(player, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("delete: expected ErrPermissionDenied, got %v", err)
	}
	if len(playerConn.types()) != 0 {
		t.Errorf("Refused actions must not broadcast, got %v", playerConn.types())
	}

	if err := e.svc.StartGame(owner, req); err != nil {
		t.Fatalf("Owner start failed: %v", err)
	}
	applied, err := e.svc.NextImage(player, network.NextImageRequest{RoomCode: "ABC123"})
	if !errors.Is(err, models.ErrPermissionDenied) || applied {
		t.Errorf("next: expected ErrPermissionDenied, got %v (applied=%v)", err, applied)
	}
	r, _ := e.svc.Rooms().Get("ABC123")
	if r.Machine.Snapshot().RoundIndex != 0 {
		t.Error("A refused next must not advance the round")
	}
}

func TestRoomService_GameFlowWithClock(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, ownerConn := e.connect("s-owner")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	if err := e.svc.StartGame(owner, network.RoomRequest{RoomCode: "ABC123"}); err != nil {
		t.Fatal(err)
	}

	step := func(d time.Duration) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		e.clock.Advance(d)
	}
	waitFor := func(eventType string, n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for ownerConn.count(eventType) < n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d %q, got %v", n, eventType, ownerConn.types())
			}
			time.Sleep(time.Millisecond)
		}
	}

	// round 0: five ticks, then the stop and round 1
	for i := 1; i <= 5; i++ {
		step(time.Second)
		waitFor(network.EventTimerUpdate, i)
	}
	waitFor(network.EventTimerStop, 1)
	waitFor(network.EventImageUpdate, 2)

	// settle, then the second countdown runs out and the game ends
	step(3 * time.Second)
	waitFor(network.EventTimerStart, 2)
	for i := 6; i <= 10; i++ {
		step(time.Second)
		waitFor(network.EventTimerUpdate, i)
	}
	waitFor(network.EventGameEnd, 1)

	r, _ := e.svc.Rooms().Get("ABC123")
	if snap := r.Machine.Snapshot(); snap.Phase != "ended" || snap.RoundIndex != 1 {
		t.Errorf("Unexpected final state: %+v", snap)
	}
	if e.engine.Active() != 0 {
		t.Error("No timer should remain after the game ends")
	}
}

func TestRoomService_Chat(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, ownerConn := e.connect("s-owner")
	player, playerConn := e.connect("s-player")
	outsider, _ := e.connect("s-outsider")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	e.svc.JoinRoom(player, joinReq("ABC123", "u-player"))

	msg, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: "  hello  "})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if msg.Text != "hello" || msg.UserID != "u-player" || msg.Name != "Player u-player" || msg.ID == "" {
		t.Errorf("Unexpected message: %+v", msg)
	}
	if ownerConn.count(network.EventChatMessage) != 1 || playerConn.count(network.EventChatMessage) != 1 {
		t.Error("Chat should reach every member")
	}

	if _, err := e.svc.Chat(outsider, network.ChatRequest{RoomCode: "ABC123", Text: "hi"}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("Outsider: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: strings.Repeat("x", 21)}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Too long: expected ErrValidation, got %v", err)
	}
	if _, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: "   "}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Blank: expected ErrValidation, got %v", err)
	}

	// burst of two, one already spent
	if _, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: "two"}); err != nil {
		t.Fatalf("Second message failed: %v", err)
	}
	if _, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: "three"}); !errors.Is(err, models.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	e.clock.Advance(time.Second)
	if _, err := e.svc.Chat(player, network.ChatRequest{RoomCode: "ABC123", Text: "four"}); err != nil {
		t.Errorf("Limiter should refill, got %v", err)
	}
}

func TestRoomService_DisconnectAndRejoinKeepsOwnership(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, _ := e.connect("s-owner-1")
	player, playerConn := e.connect("s-player")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	e.svc.JoinRoom(player, joinReq("ABC123", "u-player"))
	playerConn.reset()

	e.svc.Disconnect(owner)
	r, _ := e.svc.Rooms().Get("ABC123")
	if _, ok := r.GetUser("u-owner"); ok {
		t.Fatal("Owner should be removed on disconnect")
	}
	if playerConn.count(network.EventRoomUpdate) != 1 {
		t.Errorf("Remaining members should get a room update, got %v", playerConn.types())
	}
	if r.OwnerID != "u-owner" {
		t.Fatal("Ownership is not transferred")
	}

	again, _ := e.connect("s-owner-2")
	if _, err := e.svc.JoinRoom(again, joinReq("ABC123", "u-owner")); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.StartGame(again, network.RoomRequest{RoomCode: "ABC123"}); err != nil {
		t.Errorf("Rejoined owner should keep rights, got %v", err)
	}
}

func TestRoomService_StaleDisconnectKeepsRejoinedUser(t *testing.T) {
	e := newTestEnv(t, 2)
	first, _ := e.connect("s-1")
	e.svc.CreateRoom(first, createReq("ABC123", "u-owner"))

	second, _ := e.connect("s-2")
	if _, err := e.svc.JoinRoom(second, joinReq("ABC123", "u-owner")); err != nil {
		t.Fatal(err)
	}

	e.svc.Disconnect(first)
	r, _ := e.svc.Rooms().Get("ABC123")
	u, ok := r.GetUser("u-owner")
	if !ok || u.ConnID != "s-2" {
		t.Errorf("The newer connection should still hold the user, got %+v (%v)", u, ok)
	}
}

func TestRoomService_DeleteRoom(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, _ := e.connect("s-owner")
	player, playerConn := e.connect("s-player")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	e.svc.JoinRoom(player, joinReq("ABC123", "u-player"))
	e.svc.StartGame(owner, network.RoomRequest{RoomCode: "ABC123"})

	if err := e.svc.DeleteRoom(owner, network.RoomRequest{RoomCode: "ABC123"}); err != nil {
		t.Fatalf("DeleteRoom failed: %v", err)
	}
	if playerConn.count(network.EventRoomDeleted) != 1 {
		t.Errorf("Members should be told, got %v", playerConn.types())
	}
	if e.engine.Active() != 0 {
		t.Error("Deleting a room should cancel its timer")
	}
	if player.RoomID() != "" {
		t.Error("Members should be detached from the deleted room")
	}
	if !e.pub.has("ABC123 " + events.RoomDeleted) {
		t.Error("room.deleted should be published")
	}
	if err := e.svc.StartGame(owner, network.RoomRequest{RoomCode: "ABC123"}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestRoomService_Handle(t *testing.T) {
	e := newTestEnv(t, 2)
	s, _ := e.connect("s1")

	raw, _ := json.Marshal(createReq("ABC123", "u1"))
	data, err := e.svc.Handle(s, &network.Envelope{Type: network.EventCreateRoom, Data: raw})
	if err != nil {
		t.Fatalf("Handle create failed: %v", err)
	}
	if snap, ok := data.(models.RoomSnapshot); !ok || snap.Code != "ABC123" {
		t.Errorf("Unexpected ack data %#v", data)
	}

	data, err = e.svc.Handle(s, &network.Envelope{Type: network.EventListRooms})
	if err != nil {
		t.Fatal(err)
	}
	if sums, ok := data.([]models.RoomSummary); !ok || len(sums) != 1 {
		t.Errorf("Unexpected directory %#v", data)
	}

	if _, err := e.svc.Handle(s, &network.Envelope{Type: "dance"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Unknown type: expected ErrValidation, got %v", err)
	}
	if _, err := e.svc.Handle(s, &network.Envelope{Type: network.EventGameStart, Data: json.RawMessage(`{"roomCode":"x"}`)}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Bad code: expected ErrValidation, got %v", err)
	}
}

func TestRoomService_ReapIdleRooms(t *testing.T) {
	e := newTestEnv(t, 2)
	s, lobby := e.connect("s1")
	e.svc.CreateRoom(s, createReq("ABC123", "u1"))
	e.svc.LeaveRoom(s, network.RoomRequest{RoomCode: "ABC123"})
	lobby.reset()

	e.clock.Advance(11 * time.Minute)
	codes := e.svc.ReapIdleRooms(10 * time.Minute)
	if len(codes) != 1 || codes[0] != "ABC123" {
		t.Fatalf("Expected ABC123 reaped, got %v", codes)
	}
	if lobby.count(network.EventRooms) != 1 {
		t.Error("The directory should be refreshed after reaping")
	}
	if e.svc.Stats().Rooms != 0 {
		t.Error("No rooms should remain")
	}
}

func TestRoomService_OwnerWhoLeftCannotControlGame(t *testing.T) {
	e := newTestEnv(t, 2)
	owner, _ := e.connect("s-owner")
	player, playerConn := e.connect("s-player")
	e.svc.CreateRoom(owner, createReq("ABC123", "u-owner"))
	e.svc.JoinRoom(player, joinReq("ABC123", "u-player"))
	if err := e.svc.LeaveRoom(owner, network.RoomRequest{RoomCode: "ABC123"}); err != nil {
		t.Fatal(err)
	}
	playerConn.reset()

	req := network.RoomRequest{RoomCode: "ABC123"}
	if err := e.svc.StartGame(owner, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("start: expected ErrPermissionDenied, got %v", err)
	}
	if err := e.svc.ResetGame(owner, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("reset: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := e.svc.NextImage(owner, network.NextImageRequest{RoomCode: "ABC123"}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("next: expected ErrPermissionDenied, got %v", err)
	}
	if err := e.svc.DeleteRoom(owner, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("delete: expected ErrPermissionDenied, got %v", err)
	}

	r, _ := e.svc.Rooms().Get("ABC123")
	if r.Machine.Phase() != "waiting" {
		t.Errorf("Game must not start, phase %s", r.Machine.Phase())
	}
	if len(playerConn.types()) != 0 {
		t.Errorf("Members should hear nothing, got %v", playerConn.types())
	}

	// rejoining restores the rights
	if _, err := e.svc.JoinRoom(owner, joinReq("ABC123", "u-owner")); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.StartGame(owner, req); err != nil {
		t.Errorf("Rejoined owner should start, got %v", err)
	}
}

func TestRoomService_ReplacedConnectionLosesOwnerRights(t *testing.T) {
	e := newTestEnv(t, 2)
	old, _ := e.connect("s-old")
	e.svc.CreateRoom(old, createReq("ABC123", "u-owner"))

	fresh, _ := e.connect("s-new")
	if _, err := e.svc.JoinRoom(fresh, joinReq("ABC123", "u-owner")); err != nil {
		t.Fatal(err)
	}

	req := network.RoomRequest{RoomCode: "ABC123"}
	if err := e.svc.StartGame(old, req); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("Old connection: expected ErrPermissionDenied, got %v", err)
	}
	r, _ := e.svc.Rooms().Get("ABC123")
	if r.Machine.Phase() != "waiting" {
		t.Fatalf("Game must not start from the old connection, phase %s", r.Machine.Phase())
	}
	if err := e.svc.StartGame(fresh, req); err != nil {
		t.Errorf("New connection should hold the owner seat, got %v", err)
	}
	if _, err := e.svc.Chat(old, network.ChatRequest{RoomCode: "ABC123", Text: "hi"}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("Old connection chat: expected ErrPermissionDenied, got %v", err)
	}
}

func TestRoomService_SweepIdleSessions(t *testing.T) {
	e := newTestEnv(t, 2)
	quiet, quietConn := e.connect("s-quiet")
	busy, busyConn := e.connect("s-busy")
	_ = quiet

	e.clock.Advance(20 * time.Minute)
	if _, err := e.svc.Handle(busy, &network.Envelope{Type: network.EventListRooms}); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(15 * time.Minute)

	if n := e.svc.SweepIdleSessions(30 * time.Minute); n != 1 {
		t.Errorf("Expected one idle session, closed %d", n)
	}
	if !quietConn.isClosed() {
		t.Error("The quiet connection should be closed")
	}
	if busyConn.isClosed() {
		t.Error("A connection that sent a message recently must stay open")
	}
}
