package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/timer"
)

const (
	DefaultSettleDelay       = 3 * time.Second
	DefaultManualSettleDelay = 1 * time.Second
)

// Actions checked by Authorize.
const (
	ActionStart  = "start"
	ActionNext   = "next image"
	ActionReset  = "reset"
	ActionDelete = "delete"
)

// Config wires a Machine to its room.
type Config struct {
	RoomCode string
	OwnerID  string
	// Duration of each round's countdown, in seconds.
	Duration          int
	SettleDelay       time.Duration
	ManualSettleDelay time.Duration
	Catalog           Catalog
	Timers            Timers
	Emitter           Emitter
	Observer          Observer
}

// Snapshot is a consistent read of the machine.
type Snapshot struct {
	Phase      Phase
	RoundIndex int
	Settling   bool
	// Remaining is nil unless a countdown is running.
	Remaining *int
}

// Machine drives one room through waiting, playing and ended. Every
// transition, including the timer rebinding it implies and the events it
// emits, happens under one mutex. Observer calls are made after it is
// released. Timer callbacks carry the token they were
// scheduled with and are ignored unless it is still the bound one.
type Machine struct {
	mutex sync.Mutex
	cfg   Config
	sm    *BaseStateMachine

	waiting State
	playing State
	ended   State

	roundIndex int
	settling   bool
	countdown  bool
	token      timer.Token
	closed     bool
	// observer calls queued under the lock, run by unlock
	pending []func()
}

func NewMachine(cfg Config) *Machine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ManualSettleDelay <= 0 {
		cfg.ManualSettleDelay = DefaultManualSettleDelay
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	m := &Machine{cfg: cfg}
	m.waiting = NewWaitingState(m)
	m.playing = NewPlayingState(m)
	m.ended = NewEndedState(m)

	m.sm = NewBaseStateMachine(m.waiting)
	m.sm.AddTransition(PhaseWaiting, PhasePlaying, nil)
	m.sm.AddTransition(PhasePlaying, PhaseEnded, nil)
	m.sm.AddTransition(PhasePlaying, PhaseWaiting, nil)
	m.sm.AddTransition(PhaseEnded, PhaseWaiting, nil)
	return m
}

// Authorize reports whether caller may perform a privileged action. Only the
// room owner may.
func (m *Machine) Authorize(caller, action string) error {
	return m.authorize(caller, action)
}

func (m *Machine) authorize(caller, action string) error {
	if caller == "" || caller != m.cfg.OwnerID {
		return fmt.Errorf("%s in room %s: %w", action, m.cfg.RoomCode, models.ErrPermissionDenied)
	}
	return nil
}

func (m *Machine) checkOpenLocked() error {
	if m.closed {
		return fmt.Errorf("room %s: %w", m.cfg.RoomCode, models.ErrNotFound)
	}
	return nil
}

// Start begins a game at round 0.
func (m *Machine) Start(caller string) error {
	m.mutex.Lock()
	defer m.unlock()

	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	if err := m.authorize(caller, ActionStart); err != nil {
		return err
	}
	if !m.sm.CanTransition(PhasePlaying) {
		return fmt.Errorf("start from %s: %w", m.sm.GetCurrentState().GetID(), ErrTransitionNotAllowed)
	}
	if m.cfg.Catalog == nil || m.cfg.Catalog.Len() == 0 {
		return fmt.Errorf("start room %s: %w", m.cfg.RoomCode, models.ErrEmptyCatalog)
	}
	return m.sm.ChangeState(m.playing)
}

// NextImage skips to the next round on the owner's request. When
// expectedRound is set the skip only applies if it still names the current
// round; without it the skip is refused while a round change is settling.
// A refused skip returns applied=false and a nil error.
func (m *Machine) NextImage(caller string, expectedRound *int) (bool, error) {
	m.mutex.Lock()
	defer m.unlock()

	if err := m.checkOpenLocked(); err != nil {
		return false, err
	}
	if err := m.authorize(caller, ActionNext); err != nil {
		return false, err
	}
	if m.phaseLocked() != PhasePlaying {
		return false, fmt.Errorf("next image in %s: %w", m.phaseLocked(), ErrTransitionNotAllowed)
	}
	if expectedRound != nil && *expectedRound != m.roundIndex {
		logger.Log.Debugf("房间 %s 忽略过期的切图请求: 期望 %d 当前 %d", m.cfg.RoomCode, *expectedRound, m.roundIndex)
		return false, nil
	}
	if expectedRound == nil && m.settling {
		return false, nil
	}

	m.cfg.Timers.Cancel(m.cfg.RoomCode)
	m.token = 0
	m.settling = false
	if m.countdown {
		m.countdown = false
		m.emit(network.EventTimerStop, network.TimerStopPayload{RoomCode: m.cfg.RoomCode})
	}
	m.advanceLocked(m.cfg.ManualSettleDelay, CauseManual)
	return true, nil
}

// Reset returns a started or finished game to waiting. It is a no-op while
// already waiting.
func (m *Machine) Reset(caller string) error {
	m.mutex.Lock()
	defer m.unlock()

	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	if err := m.authorize(caller, ActionReset); err != nil {
		return err
	}
	if m.phaseLocked() == PhaseWaiting {
		return nil
	}
	return m.sm.ChangeState(m.waiting)
}

// Close cancels the bound timer; nothing is emitted afterwards.
func (m *Machine) Close() {
	m.mutex.Lock()
	defer m.unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.cfg.Timers.Cancel(m.cfg.RoomCode)
	m.token = 0
	m.countdown = false
	m.settling = false
}

func (m *Machine) Phase() Phase {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.phaseLocked()
}

func (m *Machine) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snap := Snapshot{
		Phase:      m.phaseLocked(),
		RoundIndex: m.roundIndex,
		Settling:   m.settling,
	}
	if m.countdown {
		if rem, ok := m.cfg.Timers.Remaining(m.cfg.RoomCode); ok {
			snap.Remaining = &rem
		}
	}
	return snap
}

// unlock releases the mutex, then runs the observer calls queued while it
// was held, in order.
func (m *Machine) unlock() {
	pending := m.pending
	m.pending = nil
	m.mutex.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// notifyLocked queues fn to run after the lock is released.
func (m *Machine) notifyLocked(fn func()) {
	m.pending = append(m.pending, fn)
}

func (m *Machine) phaseLocked() Phase {
	return m.sm.GetCurrentState().GetID()
}

// --- timer callbacks ---

func (m *Machine) currentLocked(tok timer.Token) bool {
	return !m.closed && tok != 0 && tok == m.token
}

func (m *Machine) onTick(tok timer.Token, remaining int) {
	m.mutex.Lock()
	defer m.unlock()

	if !m.currentLocked(tok) || !m.countdown {
		return
	}
	m.emit(network.EventTimerUpdate, network.TimerUpdatePayload{RoomCode: m.cfg.RoomCode, Remaining: remaining})
}

func (m *Machine) onExpire(tok timer.Token) {
	m.mutex.Lock()
	defer m.unlock()

	if !m.currentLocked(tok) || !m.countdown {
		return
	}
	m.token = 0
	m.countdown = false
	m.emit(network.EventTimerStop, network.TimerStopPayload{RoomCode: m.cfg.RoomCode})
	m.advanceLocked(m.cfg.SettleDelay, CauseTimer)
}

func (m *Machine) onSettled(tok timer.Token) {
	m.mutex.Lock()
	defer m.unlock()

	if !m.currentLocked(tok) || !m.settling || m.phaseLocked() != PhasePlaying {
		return
	}
	m.settling = false
	m.startCountdownLocked()
}

// --- transitions, called with the lock held ---

// advanceLocked shows the next round and binds the settle delay, or ends the
// game when the catalog is exhausted.
func (m *Machine) advanceLocked(settle time.Duration, cause string) {
	if m.roundIndex+1 >= m.cfg.Catalog.Len() {
		if err := m.sm.ChangeState(m.ended); err != nil {
			logger.Log.Errorf("房间 %s 无法结束游戏: %v", m.cfg.RoomCode, err)
		}
		return
	}

	m.roundIndex++
	m.emitImageLocked()
	m.settling = true
	m.token = m.cfg.Timers.After(m.cfg.RoomCode, settle, m.onSettled)
	code, observer := m.cfg.RoomCode, m.cfg.Observer
	m.notifyLocked(func() { observer.RoundAdvanced(code, cause) })
}

func (m *Machine) startCountdownLocked() {
	m.countdown = true
	m.token = m.cfg.Timers.Start(m.cfg.RoomCode, m.cfg.Duration, m.onTick, m.onExpire)
	m.emit(network.EventTimerStart, network.TimerStartPayload{RoomCode: m.cfg.RoomCode, Duration: m.cfg.Duration})
}

func (m *Machine) emitImageLocked() {
	round, err := m.cfg.Catalog.Get(m.roundIndex)
	if err != nil {
		logger.Log.Errorf("房间 %s 读取第 %d 回合失败: %v", m.cfg.RoomCode, m.roundIndex, err)
		return
	}
	m.emit(network.EventImageUpdate, network.ImageUpdatePayload{
		RoomCode: m.cfg.RoomCode,
		Index:    m.roundIndex,
		Image:    round.ImageRef,
	})
}

func (m *Machine) emit(event string, payload interface{}) {
	if m.closed || m.cfg.Emitter == nil {
		return
	}
	m.cfg.Emitter.Emit(event, payload)
}
