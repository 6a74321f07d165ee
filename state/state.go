package state

import (
	"errors"
	"fmt"

	"github.com/wfunc/georoom/models"
)

// Phase is the room's coarse lifecycle state.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhasePlaying Phase = "playing"
	PhaseEnded   Phase = "ended"
)

// 状态接口
type State interface {
	OnEnter()
	OnExit()
	GetID() Phase
}

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = fmt.Errorf("state transition not allowed: %w", models.ErrInvalidState)

// 基础状态机实现
//
// BaseStateMachine only allows transitions registered with AddTransition. It
// does no locking of its own; the owning Machine serializes every call.
type BaseStateMachine struct {
	currentState State
	transitions  map[Phase]map[Phase]func() bool // fromState -> toState -> condition
}

func NewBaseStateMachine(initialState State) *BaseStateMachine {
	machine := &BaseStateMachine{
		currentState: initialState,
		transitions:  make(map[Phase]map[Phase]func() bool),
	}
	initialState.OnEnter()
	return machine
}

// CanTransition reports whether a move to the given phase is registered and
// its condition holds.
func (sm *BaseStateMachine) CanTransition(to Phase) bool {
	conditions, exists := sm.transitions[sm.currentState.GetID()]
	if !exists {
		return false
	}
	condition, exists := conditions[to]
	if !exists {
		return false
	}
	return condition == nil || condition()
}

func (sm *BaseStateMachine) ChangeState(newState State) error {
	if !sm.CanTransition(newState.GetID()) {
		return fmt.Errorf("%s -> %s: %w", sm.currentState.GetID(), newState.GetID(), ErrTransitionNotAllowed)
	}

	sm.currentState.OnExit()
	sm.currentState = newState
	sm.currentState.OnEnter()

	return nil
}

func (sm *BaseStateMachine) GetCurrentState() State {
	return sm.currentState
}

func (sm *BaseStateMachine) AddTransition(from Phase, to Phase, condition func() bool) error {
	if from == to {
		return errors.New("self transition")
	}
	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[Phase]func() bool)
	}

	sm.transitions[from][to] = condition
	return nil
}

// 房间状态基础结构
type RoomStateBase struct {
	ID      Phase
	Machine *Machine
}

func (s *RoomStateBase) GetID() Phase {
	return s.ID
}

func (s *RoomStateBase) OnEnter() {
	// 默认实现
}

func (s *RoomStateBase) OnExit() {
	// 默认实现
}
