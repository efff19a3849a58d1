package recorder

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// pcmEncoder writes raw PCM16 so tests can inspect the mix.
type pcmEncoder struct {
	w    io.Writer
	size int
}

func (e *pcmEncoder) FrameSize() int { return e.size }

func (e *pcmEncoder) Encode(pcm []float32) error {
	_, err := e.w.Write(audioio.EncodePCM16(pcm))
	return err
}

func (e *pcmEncoder) Close() error { return nil }

func pcmFactory(size int) EncoderFactory {
	return func(w io.Writer, _ int) (Encoder, error) {
		return &pcmEncoder{w: w, size: size}, nil
	}
}

func newPCMRecorder(size int) *Recorder {
	return New(DefaultConfig(), WithEncoder(pcmFactory(size), "audio/pcm"))
}

func fill(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestRecorder_MixesMicAndOutput(t *testing.T) {
	r := newPCMRecorder(240)
	require.NoError(t, r.Start())

	r.WriteMic(fill(480, 0.25))
	r.WriteOutput(fill(480, 0.5))

	blob := r.Stop(time.Second)
	require.NotNil(t, blob)
	assert.Equal(t, "audio/pcm", blob.MIMEType)
	assert.Equal(t, 20*time.Millisecond, blob.Duration)

	samples := audioio.DecodePCM16(blob.Data)
	require.Len(t, samples, 480)
	for i, s := range samples {
		if d := s - 0.75; d > 1e-3 || d < -1e-3 {
			t.Fatalf("sample %d = %v, want 0.75", i, s)
		}
	}
}

func TestRecorder_OutputWithoutMicIsSilentlyPadded(t *testing.T) {
	r := newPCMRecorder(240)
	require.NoError(t, r.Start())

	r.WriteMic(fill(100, 0.25))
	r.WriteOutput(fill(240, 0))

	blob := r.Stop(time.Second)
	require.NotNil(t, blob)
	samples := audioio.DecodePCM16(blob.Data)
	require.Len(t, samples, 240)
	assert.InDelta(t, 0.25, samples[99], 1e-3)
	assert.Zero(t, samples[100])
}

func TestRecorder_ClampsMix(t *testing.T) {
	r := newPCMRecorder(4)
	require.NoError(t, r.Start())

	r.WriteMic(fill(4, 0.8))
	r.WriteOutput(fill(4, 0.8))

	samples := audioio.DecodePCM16(r.Stop(time.Second).Data)
	for _, s := range samples {
		assert.InDelta(t, 1.0, s, 1e-3)
	}
}

func TestRecorder_FlushesPartialFrame(t *testing.T) {
	r := newPCMRecorder(240)
	require.NoError(t, r.Start())

	r.WriteOutput(fill(300, 0.5))

	blob := r.Stop(time.Second)
	require.NotNil(t, blob)
	samples := audioio.DecodePCM16(blob.Data)
	require.Len(t, samples, 480, "tail is padded to a whole frame")
	assert.InDelta(t, 0.5, samples[299], 1e-3)
	assert.Zero(t, samples[300])
}

func TestRecorder_NoAudioNoBlob(t *testing.T) {
	r := newPCMRecorder(240)
	require.NoError(t, r.Start())

	assert.Nil(t, r.Stop(time.Second))
	assert.Nil(t, r.Blob())
}

func TestRecorder_IgnoresWritesWhenIdle(t *testing.T) {
	r := newPCMRecorder(4)
	r.WriteMic(fill(4, 1))
	r.WriteOutput(fill(4, 1))
	assert.Nil(t, r.Stop(time.Second))
	assert.False(t, r.Recording())
}

func TestRecorder_MicFIFOBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 1000
	cfg.MicBuffer = 10 * time.Millisecond // 10 samples

	r := New(cfg, WithEncoder(pcmFactory(10), "audio/pcm"))
	require.NoError(t, r.Start())

	mic := make([]float32, 30)
	for i := range mic {
		mic[i] = float32(i) / 100
	}
	r.WriteMic(mic)
	r.WriteOutput(make([]float32, 10))

	samples := audioio.DecodePCM16(r.Stop(time.Second).Data)
	require.Len(t, samples, 10)
	// Only the newest 10 mic samples survive.
	assert.InDelta(t, 0.20, samples[0], 1e-3)
	assert.InDelta(t, 0.29, samples[9], 1e-3)
}

func TestRecorder_StartTwice(t *testing.T) {
	r := newPCMRecorder(4)
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRecording)
	r.Stop(time.Second)
	assert.NoError(t, r.Start())
	r.Stop(time.Second)
}

func TestRecorder_ResetDiscards(t *testing.T) {
	r := newPCMRecorder(4)
	require.NoError(t, r.Start())
	r.WriteOutput(fill(8, 0.5))
	require.NotNil(t, r.Stop(time.Second))

	r.Reset()
	assert.Nil(t, r.Blob())
	assert.False(t, r.Recording())

	// Reset during a recording abandons it.
	require.NoError(t, r.Start())
	r.WriteOutput(fill(8, 0.5))
	r.Reset()
	assert.Nil(t, r.Stop(time.Second))
}

func TestRecorder_EncoderFactoryError(t *testing.T) {
	boom := errors.New("no codec")
	r := New(DefaultConfig(), WithEncoder(func(io.Writer, int) (Encoder, error) {
		return nil, boom
	}, "audio/pcm"))
	assert.ErrorIs(t, r.Start(), boom)
	assert.False(t, r.Recording())
}

func TestOggOpusEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewOggOpusEncoder(&buf, 24000)
	require.NoError(t, err)
	require.Equal(t, 480, enc.FrameSize())

	for i := 0; i < 5; i++ {
		require.NoError(t, enc.Encode(fill(480, 0.1)))
	}
	require.NoError(t, enc.Close())

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("OggS")))
	assert.Contains(t, buf.String(), "OpusHead")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())
	for _, rate := range []int{8000, 12000, 16000, 24000, 48000} {
		assert.NoError(t, Config{SampleRate: rate}.Validate(), rate)
	}
	for _, rate := range []int{44100, 22050, 96000, -1} {
		assert.Error(t, Config{SampleRate: rate}.Validate(), rate)
	}
	assert.Error(t, Config{MicBuffer: -time.Second}.Validate())
}

func TestRecorder_SampleRateDefault(t *testing.T) {
	assert.Equal(t, 24000, New(Config{}).SampleRate())
	assert.Equal(t, 16000, New(Config{SampleRate: 16000}).SampleRate())
}
