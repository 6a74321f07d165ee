package rpc

import (
	"errors"
	"net"
	"net/rpc"

	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/services"
)

// Server manages the admin RPC listener.
type Server struct {
	listener net.Listener
	address  string
	rpc      *rpc.Server
}

// NewServer listens on addr and serves admin on it.
func NewServer(addr string, admin *Admin) (*Server, error) {
	rs := rpc.NewServer()
	if err := rs.RegisterName("Admin", admin); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  listener.Addr().String(),
		rpc:      rs,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.address
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// Admin exposes operator actions over net/rpc. Methods follow the net/rpc
// signature: exported args, pointer reply, error result.
type Admin struct {
	service *services.RoomService
}

func NewAdmin(service *services.RoomService) *Admin {
	return &Admin{service: service}
}

type ListRoomsArgs struct{}

type ListRoomsReply struct {
	Rooms []models.RoomSummary
}

func (a *Admin) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	reply.Rooms = a.service.ListRooms()
	return nil
}

type DeleteRoomArgs struct {
	Code string
}

type DeleteRoomReply struct {
	Deleted bool
}

// DeleteRoom removes a room regardless of its owner.
func (a *Admin) DeleteRoom(args *DeleteRoomArgs, reply *DeleteRoomReply) error {
	if err := a.service.AdminDeleteRoom(args.Code); err != nil {
		return err
	}
	logger.Log.Infof("管理员删除房间 %s", args.Code)
	reply.Deleted = true
	return nil
}

type StatsArgs struct{}

type StatsReply struct {
	Rooms    int
	Sessions int
	Timers   int
}

func (a *Admin) Stats(args *StatsArgs, reply *StatsReply) error {
	st := a.service.Stats()
	reply.Rooms = st.Rooms
	reply.Sessions = st.Sessions
	reply.Timers = st.Timers
	return nil
}
