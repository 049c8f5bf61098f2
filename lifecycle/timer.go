package lifecycle

import (
	"time"

	"github.com/vinayprograms/gracekit/loop"
)

// escalation is the shutdown timeout. It is armed when shutdown begins and
// cancelled at most once; fire and cancel both run on the loop.
type escalation struct {
	d         time.Duration
	onTimeout func(forceNow func())
	timer     *loop.Timer
}

// arm schedules fire on l.
func (e *escalation) arm(l *loop.Loop, fire func()) {
	e.timer = l.AfterFunc(e.d, fire)
}

// cancel reports whether this call stopped the timer before it fired.
func (e *escalation) cancel() bool {
	if e == nil || e.timer == nil {
		return false
	}
	return e.timer.Stop()
}
