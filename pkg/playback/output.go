package playback

import (
	"math"
	"sync"
)

// Output mixes the scheduler's active sources into device buffers. Render
// is the audio sink's RenderFunc; each call advances the clock by the
// number of samples rendered.
type Output struct {
	sched *Scheduler
	clock *SampleClock

	mu   sync.RWMutex
	taps []func([]float32)
}

// NewOutput creates an output for sched. clock must be the scheduler's
// clock.
func NewOutput(sched *Scheduler, clock *SampleClock) *Output {
	return &Output{sched: sched, clock: clock}
}

// Tap registers fn to receive every rendered block after mixing. It runs
// on the device thread and must not block or retain the slice.
func (o *Output) Tap(fn func([]float32)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taps = append(o.taps, fn)
}

// Render fills out with the audio due in the next len(out) samples.
func (o *Output) Render(out []float32) {
	clear(out)

	blockStart, active := o.sched.advance(o.clock, len(out))
	blockEnd := blockStart + int64(len(out))
	rate := float64(o.clock.Rate())

	for _, src := range active {
		if src.Stopped() {
			continue
		}
		samples := src.buf.Samples
		first := int64(math.Round(src.start * rate))
		from := max(first, blockStart)
		to := min(first+int64(len(samples)), blockEnd)
		for p := from; p < to; p++ {
			out[p-blockStart] += samples[p-first]
		}
	}

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	o.sched.reap(o.clock.Now())

	o.mu.RLock()
	for _, tap := range o.taps {
		tap(out)
	}
	o.mu.RUnlock()
}
