package playback

import (
	"log/slog"
	"sync/atomic"
)

// Interrupt reasons.
const (
	ReasonUserSpeech = "user_speech"
	ReasonServer     = "server"
	ReasonTeardown   = "teardown"
)

// Interrupter cancels AI playback when the user barges in.
type Interrupter struct {
	sched  *Scheduler
	logger *slog.Logger

	count       atomic.Int64
	onInterrupt func(reason string, stopped int)
}

// NewInterrupter creates an interrupter for sched.
func NewInterrupter(sched *Scheduler, logger *slog.Logger) *Interrupter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interrupter{sched: sched, logger: logger}
}

// OnInterrupt registers fn to run after playback was cut.
func (i *Interrupter) OnInterrupt(fn func(reason string, stopped int)) {
	i.onInterrupt = fn
}

// HandleUserSpeech stops playback if the AI is speaking. It reports
// whether anything was stopped.
func (i *Interrupter) HandleUserSpeech() bool {
	return i.Interrupt(ReasonUserSpeech)
}

// Interrupt hard-stops every active source, empties the set and resets the
// cursor. Stop errors from sources that already ended are ignored.
func (i *Interrupter) Interrupt(reason string) bool {
	if !i.sched.Speaking() {
		return false
	}

	n, errs := i.sched.StopAll()
	for _, err := range errs {
		i.logger.Debug("ignoring source stop error", "error", err)
	}
	if n == 0 {
		return false
	}

	i.count.Add(1)
	i.logger.Info("playback interrupted", "reason", reason, "sources", n)
	if i.onInterrupt != nil {
		i.onInterrupt(reason, n)
	}
	return true
}

// Count returns the number of interruptions.
func (i *Interrupter) Count() int64 {
	return i.count.Load()
}
