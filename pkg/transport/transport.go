// Package transport connects a voice session to a remote live-audio model.
//
// A Dialer opens a Session and completes the setup handshake before
// returning. Inbound server messages are split into ordered Events; the
// Events channel is closed when the session is gone.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// Sentinel errors.
var (
	ErrMissingAPIKey = errors.New("transport: missing API key")
	ErrClosed        = errors.New("transport: session closed")
	ErrHandshake     = errors.New("transport: setup handshake failed")
)

// VADConfig tunes server-side voice activity detection.
type VADConfig struct {
	// SilenceTimeout is how long the user must be silent before the turn
	// is considered finished.
	SilenceTimeout time.Duration `yaml:"silence_timeout" json:"silence_timeout"`

	// Threshold in [0, 1]; lower is more sensitive to speech.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Config is the session setup sent during the handshake.
type Config struct {
	Model               string    `yaml:"model" json:"model"`
	Voice               string    `yaml:"voice" json:"voice"`
	SystemInstruction   string    `yaml:"system_instruction" json:"system_instruction"`
	InputTranscription  bool      `yaml:"input_transcription" json:"input_transcription"`
	OutputTranscription bool      `yaml:"output_transcription" json:"output_transcription"`
	VAD                 VADConfig `yaml:"vad" json:"vad"`
	InputSampleRate     int       `yaml:"input_sample_rate" json:"input_sample_rate"`
	OutputSampleRate    int       `yaml:"output_sample_rate" json:"output_sample_rate"`
}

// Validate checks the setup.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("transport: model is required")
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("transport: sample rates must be positive")
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("transport: vad threshold %v outside [0, 1]", c.VAD.Threshold)
	}
	return nil
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventInputTranscript carries an incremental transcript of user speech.
	EventInputTranscript EventKind = iota + 1
	// EventOutputTranscript carries an incremental transcript of AI speech.
	EventOutputTranscript
	// EventAudio carries base64 PCM16LE AI speech at OutputSampleRate.
	EventAudio
	// EventTurnComplete marks the end of the AI turn.
	EventTurnComplete
	// EventInterrupted reports that the server cut the AI turn short.
	EventInterrupted
	// EventClose reports a remote close. No events follow.
	EventClose
	// EventError reports a transport failure. No events follow.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventInputTranscript:  "input_transcript",
	EventOutputTranscript: "output_transcript",
	EventAudio:            "audio",
	EventTurnComplete:     "turn_complete",
	EventInterrupted:      "interrupted",
	EventClose:            "close",
	EventError:            "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one inbound occurrence. Only the fields for Kind are set.
type Event struct {
	Kind EventKind

	// Text for transcript events.
	Text string

	// Audio is the base64 payload for EventAudio.
	Audio string

	// MIMEType of Audio as announced by the server.
	MIMEType string

	// Code and Reason for EventClose.
	Code   int
	Reason string

	// Err for EventError.
	Err error
}

// Session is an open live connection.
type Session interface {
	// SendAudio sends one microphone frame.
	SendAudio(frame audioio.AudioFrame) error

	// Events delivers inbound events in arrival order.
	Events() <-chan Event

	// Close terminates the session. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Dial connects and completes the setup handshake.
	Dial(ctx context.Context, apiKey string, cfg Config) (Session, error)
}
