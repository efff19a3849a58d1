package audioio

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestMockSource_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil)
	defer src.Close()

	ctx := context.Background()
	noop := func([]float32) {}

	if err := src.Start(ctx, noop); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Starting again should be a no-op
	if err := src.Start(ctx, noop); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stopping again should be a no-op
	if err := src.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestMockSource_GeneratesBuffers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 5 * time.Millisecond

	src := NewMockSource(cfg, nil, WithSineWave(440, 0.5))
	defer src.Close()

	var buffers atomic.Int64
	got := make(chan int, 1)
	err := src.Start(context.Background(), func(samples []float32) {
		if buffers.Add(1) == 1 {
			got <- len(samples)
		}
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case n := <-got:
		if n != cfg.BufferSize() {
			t.Errorf("Expected %d samples, got %d", cfg.BufferSize(), n)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for a capture buffer")
	}
}

func TestMockSource_ManualPush(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil, WithManualPush())
	defer src.Close()

	if src.Push([]float32{1}) {
		t.Error("Push before Start should report false")
	}

	var total int
	if err := src.Start(context.Background(), func(s []float32) { total += len(s) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.Push(make([]float32, 100))
	src.Push(make([]float32, 28))

	if total != 128 {
		t.Errorf("Expected 128 samples delivered, got %d", total)
	}
	if stats := src.Stats(); stats.BuffersRead != 2 || !stats.Running {
		t.Errorf("Unexpected stats %+v", stats)
	}

	src.Stop()
	if src.Push([]float32{1}) {
		t.Error("Push after Stop should report false")
	}
}

func TestMockSource_StartError(t *testing.T) {
	denied := errors.New("permission denied")
	src := NewMockSource(DefaultConfig(), nil, WithStartError(denied))

	if err := src.Start(context.Background(), func([]float32) {}); !errors.Is(err, denied) {
		t.Errorf("Expected start error, got %v", err)
	}
}

func TestMockSource_Closed(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)
	src.Close()

	if !src.Closed() {
		t.Error("Expected Closed to report true")
	}
	if err := src.Start(context.Background(), func([]float32) {}); err != io.ErrClosedPipe {
		t.Errorf("Expected ErrClosedPipe, got %v", err)
	}
}

func TestMockSink_ManualPull(t *testing.T) {
	sink := NewMockSink(DefaultConfig(), nil, WithManualPull())
	defer sink.Close()

	if out := sink.Pull(10); out != nil {
		t.Error("Pull before Start should return nil")
	}

	err := sink.Start(context.Background(), func(out []float32) {
		for i := range out {
			out[i] = -0.25
		}
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	out := sink.Pull(480)
	if len(out) != 480 || out[0] != -0.25 {
		t.Fatalf("Unexpected rendered block")
	}
	if sink.Peak() != 0.25 {
		t.Errorf("Peak = %v, want 0.25", sink.Peak())
	}
	if stats := sink.Stats(); stats.SamplesRendered != 480 || stats.BuffersRendered != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestMockSink_Ticker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 5 * time.Millisecond

	sink := NewMockSink(cfg, nil)
	defer sink.Close()

	var calls atomic.Int64
	if err := sink.Start(context.Background(), func([]float32) { calls.Add(1) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Errorf("Expected at least 3 render calls, got %d", calls.Load())
	}

	sink.Close()
	if !sink.Closed() || sink.Stats().Running {
		t.Error("Expected sink to be closed and stopped")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"capture default", func(c *Config) { *c = DefaultCaptureConfig() }, false},
		{"zero rate", func(c *Config) { c.SampleRate = 0 }, true},
		{"stereo", func(c *Config) { c.Channels = 2 }, true},
		{"zero buffer", func(c *Config) { c.BufferDuration = 0 }, true},
		{"unknown backend", func(c *Config) { c.Backend = "alsa" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSource_Mock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendMock

	src, err := NewSource(cfg, nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	defer src.Close()

	if src.Name() != "mock" {
		t.Errorf("Expected mock backend, got %s", src.Name())
	}

	sink, err := NewSink(cfg, nil)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	defer sink.Close()
}

func TestMockSource_StopWaitsForCallback(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil, WithManualPush())
	defer src.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	if err := src.Start(context.Background(), func([]float32) {
		close(entered)
		<-release
		finished.Store(true)
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	go src.Push(make([]float32, 8))
	<-entered

	stopped := make(chan struct{})
	go func() {
		src.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
	if !finished.Load() {
		t.Error("callback did not complete before Stop returned")
	}
	if src.Push(make([]float32, 8)) {
		t.Error("Push after Stop should not deliver")
	}
}
