package state

import (
	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/network"
)

// 等待状态
type WaitingState struct {
	RoomStateBase
}

func NewWaitingState(m *Machine) *WaitingState {
	return &WaitingState{RoomStateBase{ID: PhaseWaiting, Machine: m}}
}

func (s *WaitingState) OnEnter() {
	s.Machine.roundIndex = 0
	s.Machine.settling = false
}

// 游戏进行状态
type PlayingState struct {
	RoomStateBase
}

func NewPlayingState(m *Machine) *PlayingState {
	return &PlayingState{RoomStateBase{ID: PhasePlaying, Machine: m}}
}

// OnEnter shows round 0 and starts its countdown.
func (s *PlayingState) OnEnter() {
	m := s.Machine
	logger.Log.Infof("房间 %s 进入游戏状态，回合时长: %ds", m.cfg.RoomCode, m.cfg.Duration)

	m.roundIndex = 0
	m.settling = false
	m.emitImageLocked()
	m.startCountdownLocked()
	code, observer := m.cfg.RoomCode, m.cfg.Observer
	m.notifyLocked(func() { observer.GameStarted(code) })
}

// OnExit drops whatever timer is bound. A running countdown is reported as
// stopped; a pending settle delay is dropped silently.
func (s *PlayingState) OnExit() {
	m := s.Machine
	m.cfg.Timers.Cancel(m.cfg.RoomCode)
	m.token = 0
	if m.countdown {
		m.countdown = false
		m.emit(network.EventTimerStop, network.TimerStopPayload{RoomCode: m.cfg.RoomCode})
	}
	m.settling = false
	logger.Log.Infof("房间 %s 退出游戏状态", m.cfg.RoomCode)
}

// 游戏结束状态
type EndedState struct {
	RoomStateBase
}

func NewEndedState(m *Machine) *EndedState {
	return &EndedState{RoomStateBase{ID: PhaseEnded, Machine: m}}
}

func (s *EndedState) OnEnter() {
	m := s.Machine
	logger.Log.Infof("房间 %s 游戏结束，停在第 %d 回合", m.cfg.RoomCode, m.roundIndex)
	m.emit(network.EventGameEnd, network.GameEndPayload{RoomCode: m.cfg.RoomCode})
	code, observer := m.cfg.RoomCode, m.cfg.Observer
	m.notifyLocked(func() { observer.GameEnded(code) })
}
