package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-livevoice/internal/config"
	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transport"
)

type rawEncoder struct{ w io.Writer }

func (e *rawEncoder) FrameSize() int { return 480 }

func (e *rawEncoder) Encode(pcm []float32) error {
	_, err := e.w.Write(audioio.EncodePCM16(pcm))
	return err
}

func (e *rawEncoder) Close() error { return nil }

func newTestApp(t *testing.T, historyPath string) (*App, *transport.MockDialer) {
	t.Helper()

	cfg := config.Default()
	cfg.Session.APIKey = "test-key"
	cfg.Session.Microphone.Backend = audioio.BackendMock
	cfg.Session.Speaker.Backend = audioio.BackendMock
	cfg.History.Path = historyPath
	cfg.Web.Addr = "127.0.0.1:0"

	dialer := transport.NewMockDialer()
	a, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSessionOptions(
			session.WithDialer(dialer),
			session.WithRecorderOptions(recorder.WithEncoder(func(w io.Writer, _ int) (recorder.Encoder, error) {
				return &rawEncoder{w: w}, nil
			}, "audio/pcm")),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, dialer
}

func TestApp_ArchivesFinishedSessions(t *testing.T) {
	a, dialer := newTestApp(t, filepath.Join(t.TempDir(), "history.json"))
	eng := a.Engine()

	require.NoError(t, eng.Connect(context.Background(), session.ConnectRequest{UserInitiated: true}))
	ms := dialer.Last()
	require.NotNil(t, ms)
	ms.Emit(transport.Event{Kind: transport.EventInputTranscript, Text: "Hello"})
	require.Eventually(t, func() bool { return len(eng.Transcripts()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Disconnect())

	store := a.History()
	require.NotNil(t, store)
	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ended", recs[0].Outcome)
	assert.Equal(t, "Kore", recs[0].Voice)
	require.Len(t, recs[0].Transcript, 1)
	assert.Equal(t, "Hello", recs[0].Transcript[0].Text)
	assert.False(t, recs[0].Transcript[0].IsPartial)
}

func TestApp_ArchivesSessionReplacedBeforeDelivery(t *testing.T) {
	a, dialer := newTestApp(t, filepath.Join(t.TempDir(), "history.json"))
	eng := a.Engine()

	// A slow observer holds up update delivery while the next session
	// starts.
	var hold atomic.Bool
	gate := make(chan struct{})
	unsubscribe := eng.OnUpdate(func(session.Update) {
		if hold.Load() {
			<-gate
		}
	})
	defer unsubscribe()

	require.NoError(t, eng.Connect(context.Background(), session.ConnectRequest{UserInitiated: true}))
	dialer.Last().Emit(transport.Event{Kind: transport.EventInputTranscript, Text: "Hello"})
	require.Eventually(t, func() bool { return len(eng.Transcripts()) == 1 }, 2*time.Second, 10*time.Millisecond)

	hold.Store(true)
	require.NoError(t, eng.Disconnect())
	require.NoError(t, eng.Connect(context.Background(), session.ConnectRequest{UserInitiated: true}))
	assert.Empty(t, eng.Transcripts())
	hold.Store(false)
	close(gate)

	store := a.History()
	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs[0].Transcript, 1)
	assert.Equal(t, "Hello", recs[0].Transcript[0].Text)
	assert.False(t, recs[0].StartedAt.IsZero())

	require.NoError(t, eng.Disconnect())
	require.Eventually(t, func() bool { return store.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestApp_SkipsSessionsThatNeverStarted(t *testing.T) {
	a, dialer := newTestApp(t, filepath.Join(t.TempDir(), "history.json"))
	dialer.FailWith(assert.AnError)

	err := a.Engine().Connect(context.Background(), session.ConnectRequest{UserInitiated: true})
	require.Error(t, err)
	require.Eventually(t, func() bool { return a.Engine().State() == session.StateError }, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, a.History().Count())
}

func TestApp_HistoryDisabled(t *testing.T) {
	a, _ := newTestApp(t, "")
	assert.Nil(t, a.History())
	assert.NotNil(t, a.Server())
}
