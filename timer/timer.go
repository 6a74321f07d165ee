// timer/timer.go
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Token identifies one binding of a room's timer. Callbacks carry the token
// they were scheduled under so the owner can tell a stale firing apart.
type Token uint64

// TickFunc receives the remaining whole seconds after each tick.
type TickFunc func(tok Token, remaining int)

// ExpireFunc is called once when a countdown reaches zero.
type ExpireFunc func(tok Token)

// binding 房间当前绑定的计时器
type binding struct {
	token     Token
	timer     clockwork.Timer
	remaining int
	countdown bool
	dropped   bool
}

// Engine keeps at most one pending timer per room code. Starting, rebinding or
// cancelling a room bumps its generation; callbacks from an older generation
// are dropped before they reach the caller.
//
// Callbacks run without the engine lock held, so they may call back into the
// engine. A callback that already passed the generation check when Cancel or
// Start returns still runs; callers must compare the token they receive with
// the one they hold before acting on it.
type Engine struct {
	clock    clockwork.Clock
	mutex    sync.Mutex
	nextTok  Token
	bindings map[string]*binding
}

// NewEngine 创建计时引擎
func NewEngine(clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		clock:    clock,
		bindings: make(map[string]*binding),
	}
}

// Clock returns the clock driving the engine.
func (e *Engine) Clock() clockwork.Clock {
	return e.clock
}

// Start binds a countdown of seconds to code, replacing whatever was bound.
// onTick fires once per second with seconds-1 down to 0; onExpire fires right
// after the tick that reaches 0.
func (e *Engine) Start(code string, seconds int, onTick TickFunc, onExpire ExpireFunc) Token {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	b := e.rebindLocked(code)
	b.countdown = true
	b.remaining = seconds
	if seconds <= 0 {
		b.remaining = 0
		b.timer = e.clock.AfterFunc(0, func() { e.step(code, b.token, onTick, onExpire) })
		return b.token
	}
	b.timer = e.clock.AfterFunc(time.Second, func() { e.step(code, b.token, onTick, onExpire) })
	return b.token
}

// After binds a one-shot delay to code, replacing whatever was bound.
func (e *Engine) After(code string, d time.Duration, fn func(tok Token)) Token {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	b := e.rebindLocked(code)
	tok := b.token
	b.timer = e.clock.AfterFunc(d, func() {
		e.mutex.Lock()
		cur, ok := e.bindings[code]
		if !ok || cur.token != tok {
			e.mutex.Unlock()
			return
		}
		delete(e.bindings, code)
		e.mutex.Unlock()

		fn(tok)
	})
	return tok
}

// Cancel drops the binding for code. Safe to call when nothing is bound.
func (e *Engine) Cancel(code string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if b, ok := e.bindings[code]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.dropped = true
		delete(e.bindings, code)
	}
}

// Remaining reports the seconds left on a running countdown. A pending
// delay or an empty binding reports false.
func (e *Engine) Remaining(code string) (int, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	b, ok := e.bindings[code]
	if !ok || !b.countdown {
		return 0, false
	}
	return b.remaining, true
}

// Active returns the number of rooms with a pending timer.
func (e *Engine) Active() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.bindings)
}

func (e *Engine) rebindLocked(code string) *binding {
	if old, ok := e.bindings[code]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		old.dropped = true
	}
	e.nextTok++
	b := &binding{token: e.nextTok}
	e.bindings[code] = b
	return b
}

// step 每秒执行一次. The binding stays registered through the final onTick,
// so a Cancel or rebind made from it suppresses the onExpire of the same step.
func (e *Engine) step(code string, tok Token, onTick TickFunc, onExpire ExpireFunc) {
	e.mutex.Lock()
	b, ok := e.bindings[code]
	if !ok || b.token != tok {
		e.mutex.Unlock()
		return
	}

	if b.remaining > 0 {
		b.remaining--
	}
	remaining := b.remaining
	if remaining > 0 {
		b.timer = e.clock.AfterFunc(time.Second, func() { e.step(code, tok, onTick, onExpire) })
	} else {
		b.timer = nil
	}
	e.mutex.Unlock()

	if onTick != nil {
		onTick(tok, remaining)
	}
	if remaining > 0 {
		return
	}

	e.mutex.Lock()
	if cur, ok := e.bindings[code]; ok && cur == b {
		delete(e.bindings, code)
	}
	dropped := b.dropped
	e.mutex.Unlock()

	if !dropped && onExpire != nil {
		onExpire(tok)
	}
}
