package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/capture"
	"github.com/teslashibe/go-livevoice/pkg/playback"
	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/transport"
)

// liveSession owns the resources of one connect attempt. It is built by
// Connect and released exactly once by whoever removes it from the engine.
type liveSession struct {
	epoch  uint64
	voice  Voice
	ctx    context.Context
	cancel context.CancelFunc

	// ready is set under the engine lock once establish returned.
	ready bool

	// active gates the capture graph and the inbound handlers.
	active atomic.Bool

	source   audioio.Source
	sink     audioio.Sink
	clock    *playback.SampleClock
	sched    *playback.Scheduler
	output   *playback.Output
	decoder  *playback.Decoder
	intr     *playback.Interrupter
	frontend *capture.Frontend
	micToRec *audioio.Resampler
	outToRec *audioio.Resampler
	rec      *recorder.Recorder
	conn     transport.Session
	outbound chan audioio.AudioFrame

	// Guarded by the engine lock.
	revealPending bool
	timers        []*time.Timer

	turn turnTimer

	// released is closed once every device and the transport are let go.
	released    chan struct{}
	releaseOnce sync.Once
}

func newLiveSession(epoch uint64, voice Voice, queue int) *liveSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveSession{
		epoch:    epoch,
		voice:    voice,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan audioio.AudioFrame, queue),
		released: make(chan struct{}),
	}
}

// onCapture runs on the microphone thread.
func (ls *liveSession) onCapture(samples []float32) {
	if ls.rec != nil && ls.micToRec != nil {
		ls.rec.WriteMic(ls.micToRec.Process(samples))
	}
	if !ls.active.Load() {
		return
	}
	ls.frontend.Process(samples)
}

// release tears the session down in order. Every step runs even if an
// earlier one failed or panicked. It returns the finished recording.
func (ls *liveSession) release(grace time.Duration) (*recorder.Blob, error) {
	ls.active.Store(false)

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("stop playback", func() error {
		if ls.intr != nil {
			ls.intr.Interrupt(playback.ReasonTeardown)
		}
		return nil
	})
	step("stop microphone", func() error {
		if ls.source == nil {
			return nil
		}
		return ls.source.Close()
	})
	step("close output", func() error {
		if ls.sink == nil {
			return nil
		}
		return ls.sink.Close()
	})

	var blob *recorder.Blob
	step("finalize recording", func() error {
		if ls.rec != nil {
			blob = ls.rec.Stop(grace)
		}
		return nil
	})
	step("close transport", func() error {
		if ls.conn == nil {
			return nil
		}
		err := ls.conn.Close()
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})

	ls.cancel()
	return blob, errors.Join(errs...)
}

// writeOutput feeds a rendered speaker block to the recorder at its own
// rate.
func (ls *liveSession) writeOutput(block []float32) {
	ls.rec.WriteOutput(ls.outToRec.Process(block))
}

func (ls *liveSession) markReleased() {
	ls.releaseOnce.Do(func() { close(ls.released) })
}

// stopTimers cancels pending transcript reveals. Callers hold the engine
// lock.
func (ls *liveSession) stopTimers() {
	for _, t := range ls.timers {
		t.Stop()
	}
	ls.timers = nil
	ls.revealPending = false
}
