package transport

import (
	"context"
	"sync"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// MockDialer hands out MockSessions for tests.
type MockDialer struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	sessions []*MockSession
	keys     []string
	configs  []Config
}

// NewMockDialer creates a dialer whose sessions open immediately.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// FailWith makes subsequent dials return err.
func (d *MockDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold makes subsequent dials wait until Release or context cancellation.
func (d *MockDialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
}

// Release unblocks held dials.
func (d *MockDialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

// Dial records the request and returns a new MockSession.
func (d *MockDialer) Dial(ctx context.Context, apiKey string, cfg Config) (Session, error) {
	d.mu.Lock()
	d.keys = append(d.keys, apiKey)
	d.configs = append(d.configs, cfg)
	block := d.block
	err := d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	s := NewMockSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (d *MockDialer) Sessions() []*MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockSession(nil), d.sessions...)
}

// Last returns the most recent session, or nil.
func (d *MockDialer) Last() *MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Configs returns the setup of every dial attempt.
func (d *MockDialer) Configs() []Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Config(nil), d.configs...)
}

// MockSession is an in-memory Session. Tests inject inbound events with
// Emit and inspect outbound frames with Sent.
type MockSession struct {
	mu      sync.Mutex
	sent    []audioio.AudioFrame
	sendErr error
	closed  bool
	events  chan Event
}

// NewMockSession creates an open session.
func NewMockSession() *MockSession {
	return &MockSession{events: make(chan Event, 256)}
}

// SendAudio records the frame.
func (s *MockSession) SendAudio(frame audioio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// FailSends makes SendAudio return err.
func (s *MockSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Events returns the inbound channel.
func (s *MockSession) Events() <-chan Event {
	return s.events
}

// Emit injects an inbound event. Terminal events close the channel.
// It reports false once the session is closed.
func (s *MockSession) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	if ev.Kind == EventClose || ev.Kind == EventError {
		s.closed = true
		close(s.events)
	}
	return true
}

// Close ends the session.
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closed reports whether the session ended.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns the frames sent so far.
func (s *MockSession) Sent() []audioio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audioio.AudioFrame(nil), s.sent...)
}

var (
	_ Dialer  = (*MockDialer)(nil)
	_ Session = (*MockSession)(nil)
)
