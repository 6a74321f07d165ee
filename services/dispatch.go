package services

import (
	"fmt"

	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/session"
)

// Handle decodes one inbound envelope and applies it for sess. The returned
// value, if any, is carried in the ack.
func (s *RoomService) Handle(sess *session.Session, env *network.Envelope) (interface{}, error) {
	sess.Touch()

	switch env.Type {
	case network.EventCreateRoom:
		var req network.CreateRoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return s.CreateRoom(sess, req)

	case network.EventJoinRoom:
		var req network.JoinRoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return s.JoinRoom(sess, req)

	case network.EventLeaveRoom:
		var req network.RoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return nil, s.LeaveRoom(sess, req)

	case network.EventGameStart:
		var req network.RoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return nil, s.StartGame(sess, req)

	case network.EventNextImage:
		var req network.NextImageRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		applied, err := s.NextImage(sess, req)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"applied": applied}, nil

	case network.EventGameReset:
		var req network.RoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return nil, s.ResetGame(sess, req)

	case network.EventChatMessage:
		var req network.ChatRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return s.Chat(sess, req)

	case network.EventDeleteRoom:
		var req network.RoomRequest
		if err := network.DecodePayload(env.Data, &req); err != nil {
			return nil, err
		}
		return nil, s.DeleteRoom(sess, req)

	case network.EventListRooms:
		return s.ListRooms(), nil

	default:
		return nil, fmt.Errorf("%w: unknown event type %q", models.ErrValidation, env.Type)
	}
}

// Reject records a refused action.
func (s *RoomService) Reject(err error) {
	s.metrics.IncRejected(models.Code(err))
}
