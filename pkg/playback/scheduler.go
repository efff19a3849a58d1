package playback

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSourceStopped is returned when stopping a source twice.
var ErrSourceStopped = errors.New("playback: source already stopped")

// Source is one scheduled buffer on the output timeline.
type Source struct {
	id      uint64
	buf     Buffer
	start   float64
	stopped atomic.Bool
}

// ID returns the scheduling sequence number.
func (s *Source) ID() uint64 { return s.id }

// Start returns the output time at which playback begins.
func (s *Source) Start() float64 { return s.start }

// End returns the output time at which playback finishes.
func (s *Source) End() float64 { return s.start + s.buf.Duration() }

// Buffer returns the scheduled audio.
func (s *Source) Buffer() Buffer { return s.buf }

// Stop silences the source. A second call returns ErrSourceStopped.
func (s *Source) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return ErrSourceStopped
	}
	return nil
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool { return s.stopped.Load() }

// Scheduler places buffers back to back on the output clock and tracks
// the sources that have not finished. It is safe for concurrent use.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	cursor  float64
	active  []*Source
	nextID  uint64
	onEnded func(*Source)
}

// NewScheduler creates a scheduler on clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// OnEnded registers fn to run when a source finishes naturally.
func (s *Scheduler) OnEnded(fn func(*Source)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// Schedule queues buf at the cursor, or at the current time if the cursor
// has fallen behind, and advances the cursor by the buffer duration. It
// returns the source and the delay until it starts.
func (s *Scheduler) Schedule(buf Buffer) (*Source, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.cursor < now {
		s.cursor = now
	}

	s.nextID++
	src := &Source{id: s.nextID, buf: buf, start: s.cursor}
	s.cursor += buf.Duration()
	s.active = append(s.active, src)

	return src, seconds(src.start - now)
}

// StartDelay returns how far the cursor is ahead of the clock. Text that
// accompanies newly scheduled audio is revealed after this delay.
func (s *Scheduler) StartDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seconds(s.cursor - s.clock.Now())
}

// Cursor returns the output time at which the next buffer would start,
// zero after a reset.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Speaking reports whether any source is still scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// ActiveCount returns the number of unfinished sources.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Active returns a snapshot of the unfinished sources in start order.
func (s *Scheduler) Active() []*Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Source(nil), s.active...)
}

// advance claims the next n samples of clock for rendering. It returns
// the first claimed position and the sources to mix. Both happen under the
// scheduler lock, so a concurrent Schedule either lands in the snapshot or
// starts after the claimed block.
func (s *Scheduler) advance(clock *SampleClock, n int) (int64, []*Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := clock.Position()
	clock.Advance(n)
	return start, append([]*Source(nil), s.active...)
}

// StopAll stops every active source, empties the set and resets the
// cursor. It returns the number of sources removed and any stop errors.
func (s *Scheduler) StopAll() (int, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, src := range s.active {
		if err := src.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	n := len(s.active)
	s.active = nil
	s.cursor = 0
	return n, errs
}

// reap drops sources that were stopped or have finished by now and runs
// the ended callback for the ones that finished naturally.
func (s *Scheduler) reap(now float64) {
	s.mu.Lock()
	var ended []*Source
	kept := s.active[:0]
	for _, src := range s.active {
		switch {
		case src.Stopped():
		case src.End() <= now:
			ended = append(ended, src)
		default:
			kept = append(kept, src)
		}
	}
	clear(s.active[len(kept):])
	s.active = kept
	fn := s.onEnded
	s.mu.Unlock()

	if fn != nil {
		for _, src := range ended {
			fn(src)
		}
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
