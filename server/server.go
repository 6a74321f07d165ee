package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/skip2/go-qrcode"
	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/monitor"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/services"
	"github.com/wfunc/georoom/session"
)

const qrSize = 320

// Options configures the HTTP side of the game server.
type Options struct {
	HTTPAddress    string
	PublicURL      string
	AllowedOrigins []string
	Conn           network.ConnConfig
}

type GameServer struct {
	opts         Options
	service      *services.RoomService
	monitor      *monitor.Monitor
	clock        clockwork.Clock
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	conns        map[string]*network.WSConnection
	mutex        sync.Mutex
	wg           sync.WaitGroup
	shutdownChan chan struct{}
}

func NewGameServer(opts Options, service *services.RoomService, mon *monitor.Monitor, clock clockwork.Clock) *GameServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if mon == nil {
		mon = monitor.NewMonitor("georoom", nil)
	}
	s := &GameServer{
		opts:         opts,
		service:      service,
		monitor:      mon,
		clock:        clock,
		conns:        make(map[string]*network.WSConnection),
		shutdownChan: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

// Router mounts every HTTP endpoint.
func (s *GameServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/rooms", s.handleRooms)
	r.Get("/rooms/{code}/qr.png", s.handleQR)
	r.Method(http.MethodGet, "/metrics", s.monitor.Handler())
	r.Method(http.MethodGet, "/debug/vars", s.monitor.ExpvarHandler())

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// Start serves until Shutdown is called.
func (s *GameServer) Start() error {
	s.mutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.opts.HTTPAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	srv := s.httpServer
	s.mutex.Unlock()

	logger.Log.Infof("Game server listening on %s", s.opts.HTTPAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every websocket and waits for
// their read loops to finish or ctx to expire.
func (s *GameServer) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
	srv := s.httpServer
	conns := make([]*network.WSConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *GameServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"stats":  s.service.Stats(),
	})
}

func (s *GameServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListRooms())
}

// handleQR renders an invite link for the room as a PNG.
func (s *GameServer) handleQR(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, ok := s.service.Rooms().GetRoom(code); !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(s.InviteURL(code), qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// InviteURL is the link encoded in a room's QR code.
func (s *GameServer) InviteURL(code string) string {
	return strings.TrimRight(s.opts.PublicURL, "/") + "/?room=" + url.QueryEscape(code)
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdownChan:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.wg.Add(1)
	go s.handleConnection(conn)
}

func (s *GameServer) handleConnection(conn *websocket.Conn) {
	defer s.wg.Done()

	wsConn := network.NewWSConnection(conn, s.opts.Conn)
	sess := session.NewSession(uuid.NewString(), wsConn, s.clock)

	s.mutex.Lock()
	s.conns[sess.ID] = wsConn
	s.mutex.Unlock()

	if s.opts.Conn.PingInterval > 0 {
		wsConn.SetHeartbeat(s.opts.Conn.PingInterval)
	}
	s.monitor.IncOnlinePlayers()
	s.service.Connect(sess)
	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.ID)

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.ID)
		s.service.Disconnect(sess)
		s.monitor.DecOnlinePlayers()
		s.mutex.Lock()
		delete(s.conns, sess.ID)
		s.mutex.Unlock()
		wsConn.Close()
	}()

	for {
		frame, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(sess, frame)
	}
}

// handleFrame applies one inbound frame. Requests carrying an id always get
// an ack; failures without an id are reported as an "error" event.
func (s *GameServer) handleFrame(sess *session.Session, frame []byte) {
	started := time.Now()
	defer func() { s.monitor.ObserveMessageLatency(time.Since(started)) }()

	env, err := network.DecodeEnvelope(frame)
	if err != nil {
		s.monitor.IncMessagesReceived("invalid")
		s.service.Reject(err)
		s.reply(sess, network.EventError, "", network.NewErrorBody(err))
		return
	}

	label := env.Type
	if !network.IsInbound(label) {
		label = "unknown"
	}
	s.monitor.IncMessagesReceived(label)

	data, err := s.service.Handle(sess, env)
	if err != nil {
		s.service.Reject(err)
		logger.Log.Debugf("Session %s %q rejected: %v", sess.ID, env.Type, err)
	}

	switch {
	case env.ID != "":
		ack := network.AckPayload{OK: err == nil}
		if err != nil {
			ack.Error = network.NewErrorBody(err)
		} else {
			ack.Data = data
		}
		s.reply(sess, network.EventAck, env.ID, ack)
	case err != nil:
		s.reply(sess, network.EventError, "", network.NewErrorBody(err))
	}
}

func (s *GameServer) reply(sess *session.Session, eventType, id string, payload interface{}) {
	data, err := network.Encode(eventType, id, payload)
	if err != nil {
		logger.Log.Errorf("Failed to encode %s for session %s: %v", eventType, sess.ID, err)
		return
	}
	if err := sess.Send(data); err != nil {
		logger.Log.Debugf("Failed to reply to session %s: %v", sess.ID, err)
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warnf("Failed to write response: %v", err)
	}
}
