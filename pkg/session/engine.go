// Package session runs a live voice conversation: it owns the devices, the
// live transport, playback, transcripts and the recording of one session at
// a time and exposes its state to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/capture"
	"github.com/teslashibe/go-livevoice/pkg/playback"
	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
	"github.com/teslashibe/go-livevoice/pkg/transport"
)

// SourceFactory opens a microphone.
type SourceFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Source, error)

// SinkFactory opens a speaker.
type SinkFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error)

// ConnectRequest starts a session.
type ConnectRequest struct {
	// APIKey overrides Config.APIKey.
	APIKey string

	// Voice overrides Config.Voice.
	Voice Voice

	// UserInitiated must be true. Device access and audio output start
	// only from an explicit user action.
	UserInitiated bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer sets the live transport. Default: Gemini Live.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithSourceFactory replaces the microphone factory.
func WithSourceFactory(f SourceFactory) Option {
	return func(e *Engine) { e.newSource = f }
}

// WithSinkFactory replaces the speaker factory.
func WithSinkFactory(f SinkFactory) Option {
	return func(e *Engine) { e.newSink = f }
}

// WithRecorderOptions passes options to every session recorder.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(e *Engine) { e.recorderOpts = append(e.recorderOpts, opts...) }
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine is the session state machine. All methods are safe for
// concurrent use.
type Engine struct {
	cfg          Config
	dialer       transport.Dialer
	newSource    SourceFactory
	newSink      SinkFactory
	recorderOpts []recorder.Option
	registerer   prometheus.Registerer
	logger       *slog.Logger
	metrics      *Metrics

	mu         sync.Mutex
	state      State
	lastErr    error
	current    *liveSession
	releasing  *liveSession
	epoch      uint64
	voice      Voice
	transcript *transcript.Reconciler
	recording  *recorder.Blob
	startedAt  time.Time
	endedAt    time.Time
	closed     bool

	volume atomic.Uint64

	listenersMu sync.RWMutex
	listeners   map[int]func(Update)
	nextID      int
	updates     chan Update
	done        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
}

// New creates an idle engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultConfig().OutboundQueue
	}

	e := &Engine{
		cfg:        cfg,
		newSource:  audioio.NewSource,
		newSink:    audioio.NewSink,
		logger:     slog.Default(),
		voice:      cfg.Voice,
		transcript: transcript.NewReconciler(),
		listeners:  make(map[int]func(Update)),
		updates:    make(chan Update, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dialer == nil {
		e.dialer = transport.NewGeminiDialer(e.logger)
	}
	e.metrics = NewMetrics(e.registerer)
	e.logger = e.logger.With("component", "session")

	go e.dispatchLoop()
	return e, nil
}

// Metrics returns the engine's instruments.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Connect starts a new session. Any previous session is torn down and its
// transcript and recording are discarded. Connect returns once the session
// is ACTIVE or has failed.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) error {
	if !req.UserInitiated {
		e.logger.Warn("rejected connect without user action")
		return ErrNotUserInitiated
	}

	voice := e.cfg.Voice
	if req.Voice != "" {
		v, err := ParseVoice(string(req.Voice))
		if err != nil {
			return err
		}
		voice = v
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = e.cfg.APIKey
	}
	if apiKey == "" {
		return ErrMissingAPIKey
	}

	e.mu.Lock()
	e.awaitReleaseLocked()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	prev := e.current
	prevReady := false
	if prev != nil {
		prevReady = prev.ready
		prev.active.Store(false)
		prev.stopTimers()
		e.releasing = prev
	}
	e.epoch++
	ls := newLiveSession(e.epoch, voice, e.cfg.OutboundQueue)
	e.current = ls
	e.voice = voice
	e.transcript.Clear()
	e.recording = nil
	e.startedAt = time.Time{}
	e.endedAt = time.Time{}
	e.volume.Store(0)
	e.setStateLocked(StateConnecting, nil)
	e.emitTranscriptLocked()
	e.mu.Unlock()

	// The previous session must let go of the devices before this one
	// opens them.
	if prev != nil {
		if prevReady {
			e.discard(prev, "previous session cleanup incomplete")
		} else {
			prev.cancel()
			<-prev.released
		}
	}

	e.logger.Info("connecting", "voice", voice, "model", e.cfg.Model, "epoch", ls.epoch)
	err := e.establish(ctx, ls, apiKey)

	e.mu.Lock()
	ls.ready = true
	if e.current != ls {
		e.mu.Unlock()
		e.discard(ls, "superseded session cleanup incomplete")
		return ErrSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("connect failed", "error", err)
		e.finish(ls, StateError, err)
		return err
	}
	ls.active.Store(true)
	e.startedAt = time.Now()
	e.setStateLocked(StateActive, nil)
	e.mu.Unlock()

	go e.sendLoop(ls)
	go e.eventLoop(ls)

	e.logger.Info("session active", "epoch", ls.epoch)
	return nil
}

// establish acquires devices, starts the recorder and the output graph,
// then opens the transport. Resources are stored on ls as they are
// acquired so release can undo a partial setup.
func (e *Engine) establish(ctx context.Context, ls *liveSession, apiKey string) error {
	cfg := e.cfg
	if err := ls.ctx.Err(); err != nil {
		return err
	}

	ls.clock = playback.NewSampleClock(cfg.Speaker.SampleRate)
	ls.sched = playback.NewScheduler(ls.clock)
	ls.output = playback.NewOutput(ls.sched, ls.clock)
	ls.decoder = playback.NewDecoder(cfg.OutputSampleRate, cfg.Speaker.SampleRate)
	ls.intr = playback.NewInterrupter(ls.sched, e.logger)
	ls.intr.OnInterrupt(func(reason string, _ int) {
		e.metrics.Interruptions.WithLabelValues(reason).Inc()
	})

	recOpts := append([]recorder.Option{recorder.WithLogger(e.logger)}, e.recorderOpts...)
	ls.rec = recorder.New(cfg.Recorder, recOpts...)
	if err := ls.rec.Start(); err != nil {
		return &Error{Kind: KindAcquisition, Err: fmt.Errorf("start recorder: %w", err)}
	}
	ls.outToRec = audioio.NewResampler(cfg.Speaker.SampleRate, ls.rec.SampleRate())
	ls.output.Tap(ls.writeOutput)

	sink, err := e.newSink(cfg.Speaker, e.logger)
	if err != nil {
		return &Error{Kind: KindAcquisition, Err: fmt.Errorf("open speaker: %w", err)}
	}
	ls.sink = sink
	if err := sink.Start(ls.ctx, ls.output.Render); err != nil {
		return &Error{Kind: KindAcquisition, Err: fmt.Errorf("start speaker: %w", err)}
	}

	ls.micToRec = audioio.NewResampler(cfg.Microphone.SampleRate, ls.rec.SampleRate())
	ls.frontend, err = capture.New(cfg.Capture, cfg.Microphone.SampleRate,
		capture.WithFrameHandler(func(f audioio.AudioFrame) { e.enqueue(ls, f) }),
		capture.WithVolumeHandler(func(v float64) { e.setVolume(ls, v) }),
		capture.WithSpeaking(ls.sched.Speaking),
	)
	if err != nil {
		return &Error{Kind: KindConfig, Err: err}
	}

	source, err := e.newSource(cfg.Microphone, e.logger)
	if err != nil {
		return &Error{Kind: KindAcquisition, Err: fmt.Errorf("open microphone: %w", err)}
	}
	ls.source = source
	if err := source.Start(ls.ctx, ls.onCapture); err != nil {
		return &Error{Kind: KindAcquisition, Err: fmt.Errorf("start microphone: %w", err)}
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ls.ctx, cancel)
	defer stop()

	conn, err := e.dialer.Dial(dialCtx, apiKey, cfg.transportConfig(ls.voice))
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	ls.conn = conn
	return nil
}

// enqueue hands a microphone frame to the sender without blocking the
// capture thread.
func (e *Engine) enqueue(ls *liveSession, f audioio.AudioFrame) {
	select {
	case ls.outbound <- f:
	default:
		e.metrics.FramesDropped.Inc()
	}
}

func (e *Engine) setVolume(ls *liveSession, v float64) {
	if !ls.active.Load() {
		return
	}
	e.volume.Store(math.Float64bits(v))
	e.emit(Update{Kind: UpdateVolume, Volume: v, At: time.Now()})
}

func (e *Engine) sendLoop(ls *liveSession) {
	for {
		select {
		case <-ls.ctx.Done():
			return
		case f := <-ls.outbound:
			if !ls.active.Load() {
				continue
			}
			if err := ls.conn.SendAudio(f); err != nil {
				if ls.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return
				}
				e.logger.Error("send audio failed", "error", err)
				e.finish(ls, StateError, &Error{Kind: KindTransport, Err: err})
				return
			}
			e.metrics.FramesSent.Inc()
		}
	}
}

func (e *Engine) eventLoop(ls *liveSession) {
	for ev := range ls.conn.Events() {
		switch ev.Kind {
		case transport.EventClose:
			e.logger.Info("session closed by server", "code", ev.Code, "reason", ev.Reason)
			e.finish(ls, StateEnded, nil)
			return
		case transport.EventError:
			e.logger.Error("transport error", "error", ev.Err)
			e.finish(ls, StateError, &Error{Kind: KindTransport, Err: ev.Err})
			return
		default:
			e.handleEvent(ls, ev)
		}
	}
	// Channel closed without a terminal event: the transport was released.
	e.finish(ls, StateEnded, nil)
}

// handleEvent applies one inbound event. Events from a session that is no
// longer current are dropped.
func (e *Engine) handleEvent(ls *liveSession, ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != ls || !ls.active.Load() {
		return
	}

	changed := false
	switch ev.Kind {
	case transport.EventOutputTranscript:
		e.transcript.Accumulate(transcript.RoleModel, ev.Text)
		e.scheduleRevealLocked(ls, ls.sched.StartDelay())

	case transport.EventInputTranscript:
		if ls.intr.HandleUserSpeech() {
			e.logger.Debug("barge-in", "text", ev.Text)
		}
		ls.turn.markUserSpeech(time.Now())
		ls.stopTimers()
		changed = e.transcript.Finalize(transcript.RoleModel)
		changed = e.transcript.Append(transcript.RoleUser, ev.Text) || changed

	case transport.EventAudio:
		changed = e.transcript.Finalize(transcript.RoleUser)
		buf, err := ls.decoder.DecodeBase64(ev.Audio)
		if err != nil {
			e.metrics.DecodeErrors.Inc()
			e.logger.Warn("dropping undecodable audio chunk", "error", err, "mime_type", ev.MIMEType)
			break
		}
		_, delay := ls.sched.Schedule(buf)
		e.metrics.AudioChunks.Inc()
		if d, ok := ls.turn.markFirstAudio(time.Now()); ok {
			e.metrics.ResponseLatency.Observe(d.Seconds())
		}
		e.scheduleRevealLocked(ls, delay)

	case transport.EventInterrupted:
		ls.intr.Interrupt(playback.ReasonServer)
		ls.stopTimers()
		changed = e.transcript.Finalize(transcript.RoleModel)

	case transport.EventTurnComplete:
		changed = e.transcript.FinalizeAll()
	}

	if changed {
		e.emitTranscriptLocked()
	}
}

// scheduleRevealLocked shows accumulated AI text once the audio scheduled
// with it starts playing. A pending reveal already covers later text.
func (e *Engine) scheduleRevealLocked(ls *liveSession, delay time.Duration) {
	if delay <= 0 {
		e.revealLocked(ls)
		return
	}
	if ls.revealPending {
		return
	}
	ls.revealPending = true
	ls.timers = append(ls.timers, time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.current != ls || !ls.revealPending {
			return
		}
		ls.revealPending = false
		ls.timers = ls.timers[:0]
		e.revealLocked(ls)
	}))
}

func (e *Engine) revealLocked(ls *liveSession) {
	changed := e.transcript.Finalize(transcript.RoleUser)
	changed = e.transcript.Reveal(transcript.RoleModel) || changed
	if changed {
		e.emitTranscriptLocked()
	}
}

// finish tears ls down and enters next, unless another caller already
// took ownership of ls. A Connect arriving meanwhile waits for the
// teardown, so next is always emitted before the new CONNECTING.
func (e *Engine) finish(ls *liveSession, next State, cause error) {
	e.mu.Lock()
	if e.current != ls {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.releasing = ls
	ls.active.Store(false)
	ls.stopTimers()
	if e.transcript.FinalizeAll() {
		e.emitTranscriptLocked()
	}

	if !ls.ready {
		// Still connecting: Connect releases it when establish returns.
		ls.cancel()
		e.endedAt = time.Now()
		e.setStateLocked(next, cause)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	blob, err := ls.release(e.cfg.FlushGrace)
	if err != nil {
		e.logger.Warn("session cleanup incomplete", "error", err)
	}

	e.mu.Lock()
	if e.releasing == ls {
		e.releasing = nil
	}
	e.recording = blob
	e.endedAt = time.Now()
	e.volume.Store(0)
	e.setStateLocked(next, cause)
	e.mu.Unlock()
	ls.markReleased()
}

// discard releases a session nobody will report on.
func (e *Engine) discard(ls *liveSession, msg string) {
	if _, err := ls.release(e.cfg.FlushGrace); err != nil {
		e.logger.Warn(msg, "error", err)
	}
	e.mu.Lock()
	if e.releasing == ls {
		e.releasing = nil
	}
	e.mu.Unlock()
	ls.markReleased()
}

// awaitReleaseLocked blocks until no session is being torn down. The lock
// is dropped while waiting.
func (e *Engine) awaitReleaseLocked() {
	for e.releasing != nil {
		ls := e.releasing
		e.mu.Unlock()
		<-ls.released
		e.mu.Lock()
		if e.releasing == ls {
			e.releasing = nil
		}
	}
}

// Disconnect ends the current session gracefully and returns once its
// devices are released. The transcript and recording stay available until
// Clear or the next Connect.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	ls := e.current
	if ls == nil {
		e.awaitReleaseLocked()
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("disconnecting", "epoch", ls.epoch)
	e.finish(ls, StateEnded, nil)
	<-ls.released
	return nil
}

// Clear discards the transcript and recording of a finished session and
// returns to IDLE.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateConnecting || e.state == StateActive {
		return ErrSessionActive
	}
	e.transcript.Clear()
	e.recording = nil
	e.emitTranscriptLocked()
	if e.state == StateEnded {
		e.setStateLocked(StateIdle, nil)
	}
	return nil
}

// Close ends any session and stops update delivery once the queued updates
// have been handed to observers. It must not be called from an OnUpdate
// callback.
func (e *Engine) Close() error {
	err := e.Disconnect()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.closeOnce.Do(func() { close(e.done) })
	<-e.stopped
	return err
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that moved the engine to ERROR, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Status returns a snapshot for display.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		State:        e.state,
		Voice:        e.voice,
		Volume:       e.Volume(),
		Items:        e.transcript.Len(),
		HasRecording: e.recording != nil,
		StartedAt:    e.startedAt,
		EndedAt:      e.endedAt,
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	if ls := e.current; ls != nil && ls.ready && ls.sched != nil {
		s.Speaking = ls.sched.Speaking()
		s.ActiveSources = ls.sched.ActiveCount()
	}
	return s
}

// Speaking reports whether AI audio is scheduled or playing.
func (e *Engine) Speaking() bool {
	return e.Status().Speaking
}

// Volume returns the last microphone level in [0, 1].
func (e *Engine) Volume() float64 {
	return math.Float64frombits(e.volume.Load())
}

// Transcripts returns a copy of the conversation so far.
func (e *Engine) Transcripts() []transcript.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.Items()
}

// Markdown renders the finalized transcript.
func (e *Engine) Markdown() string {
	return transcript.Markdown(e.Transcripts(), e.cfg.Labels)
}

// Recording returns the recording of the last finished session, or nil.
func (e *Engine) Recording() *recorder.Blob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// Voice returns the voice of the current or last session.
func (e *Engine) Voice() Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voice
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// OnUpdate registers fn for change notifications. Callbacks run on a
// single dispatch goroutine, in order. The returned func unregisters fn.
func (e *Engine) OnUpdate(fn func(Update)) (unsubscribe func()) {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Engine) setStateLocked(s State, err error) {
	if e.state == s && err == nil {
		return
	}
	prev := e.state
	e.state = s
	e.lastErr = err

	switch s {
	case StateEnded:
		e.metrics.Sessions.WithLabelValues("ended").Inc()
	case StateError:
		e.metrics.Sessions.WithLabelValues("error").Inc()
	}

	u := Update{Kind: UpdateState, State: s, Err: err, At: time.Now()}
	if s.Terminal() {
		u.Session = &Summary{
			Epoch:      e.epoch,
			Voice:      e.voice,
			StartedAt:  e.startedAt,
			EndedAt:    e.endedAt,
			Transcript: e.transcript.Items(),
			Recording:  e.recording,
		}
	}

	e.logger.Info("state changed", "from", prev, "to", s)
	e.emit(u)
}

func (e *Engine) emitTranscriptLocked() {
	e.emit(Update{Kind: UpdateTranscript, Transcript: e.transcript.Items(), At: time.Now()})
}

// emit queues u for observers. It never blocks.
func (e *Engine) emit(u Update) {
	select {
	case e.updates <- u:
	default:
		e.metrics.UpdatesDropped.Inc()
	}
}

func (e *Engine) dispatchLoop() {
	defer close(e.stopped)
	for {
		select {
		case <-e.done:
			for {
				select {
				case u := <-e.updates:
					e.deliver(u)
				default:
					return
				}
			}
		case u := <-e.updates:
			e.deliver(u)
		}
	}
}

func (e *Engine) deliver(u Update) {
	e.listenersMu.RLock()
	fns := make([]func(Update), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}
