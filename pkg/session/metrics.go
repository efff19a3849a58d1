package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "livevoice"

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	FramesSent      prometheus.Counter
	FramesDropped   prometheus.Counter
	AudioChunks     prometheus.Counter
	DecodeErrors    prometheus.Counter
	Interruptions   *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	UpdatesDropped  prometheus.Counter
	ResponseLatency prometheus.Histogram
}

// NewMetrics creates the instruments and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mic_frames_sent_total",
			Help:      "Microphone frames sent to the live service.",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mic_frames_dropped_total",
			Help:      "Microphone frames dropped because the sender fell behind.",
		}),
		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ai_audio_chunks_total",
			Help:      "AI audio chunks scheduled for playback.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ai_audio_decode_errors_total",
			Help:      "AI audio chunks dropped because they could not be decoded.",
		}),
		Interruptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playback_interruptions_total",
			Help:      "Times AI playback was cut short, by reason.",
		}, []string{"reason"}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		UpdatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_dropped_total",
			Help:      "Observer updates dropped because the dispatch queue was full.",
		}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_latency_seconds",
			Help:      "Time from the last user transcript to the first AI audio of the reply.",
			Buckets:   []float64{.1, .25, .5, .75, 1, 1.5, 2, 3, 5, 10},
		}),
	}
}

// turnTimer measures response latency for one turn at a time.
type turnTimer struct {
	mu        sync.Mutex
	speechEnd time.Time
	waiting   bool
}

// markUserSpeech records the latest user transcript.
func (t *turnTimer) markUserSpeech(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speechEnd = now
	t.waiting = true
}

// markFirstAudio returns the latency for the first AI audio after user
// speech. ok is false for every later chunk of the same reply.
func (t *turnTimer) markFirstAudio(now time.Time) (d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.waiting {
		return 0, false
	}
	t.waiting = false
	return now.Sub(t.speechEnd), true
}
