// state/interfaces.go
package state

import (
	"time"

	"github.com/wfunc/georoom/models"
	"github.com/wfunc/georoom/timer"
)

// Emitter delivers room-scoped events. Emit is called with the machine lock
// held and must not block.
type Emitter interface {
	Emit(event string, payload interface{})
}

// Timers is the slice of timer.Engine the machine drives.
type Timers interface {
	Start(code string, seconds int, onTick timer.TickFunc, onExpire timer.ExpireFunc) timer.Token
	After(code string, d time.Duration, fn func(tok timer.Token)) timer.Token
	Cancel(code string)
	Remaining(code string) (int, bool)
}

// Catalog is the read side of catalog.Catalog.
type Catalog interface {
	Len() int
	Get(i int) (models.Round, error)
}

// Observer hears about lifecycle changes. Methods are called after the
// machine lock is released, in the order the changes happened, and may read
// the machine.
type Observer interface {
	GameStarted(code string)
	RoundAdvanced(code string, cause string)
	GameEnded(code string)
}

// Advance causes reported to Observer.RoundAdvanced.
const (
	CauseTimer  = "timer"
	CauseManual = "manual"
)

type nopObserver struct{}

func (nopObserver) GameStarted(string)           {}
func (nopObserver) RoundAdvanced(string, string) {}
func (nopObserver) GameEnded(string)             {}
