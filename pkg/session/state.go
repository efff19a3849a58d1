package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// State is the lifecycle of the engine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name for JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Sentinel errors.
var (
	ErrNotUserInitiated = errors.New("session: connect must be user initiated")
	ErrMissingAPIKey    = errors.New("session: missing API key")
	ErrInvalidVoice     = errors.New("session: unknown voice")
	ErrSuperseded       = errors.New("session: connect superseded")
	ErrSessionActive    = errors.New("session: session in progress")
	ErrClosed           = errors.New("session: engine closed")
)

// ErrorKind classifies fatal session errors.
type ErrorKind string

const (
	KindAcquisition ErrorKind = "acquisition"
	KindTransport   ErrorKind = "transport"
	KindConfig      ErrorKind = "config"
)

// Error is a fatal session error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a session Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// UpdateKind discriminates Update.
type UpdateKind int

const (
	UpdateState UpdateKind = iota + 1
	UpdateTranscript
	UpdateVolume
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateState:
		return "state"
	case UpdateTranscript:
		return "transcript"
	case UpdateVolume:
		return "volume"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update is a change notification for observers.
type Update struct {
	Kind       UpdateKind
	State      State
	Err        error
	Transcript []transcript.Item
	Volume     float64
	At         time.Time

	// Session is set on terminal state updates and describes the session
	// that just ended. It does not change afterwards.
	Session *Summary
}

// Summary is the outcome of one session.
type Summary struct {
	Epoch      uint64
	Voice      Voice
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript []transcript.Item
	Recording  *recorder.Blob
}

// Status is a snapshot of the engine for display.
type Status struct {
	State         State     `json:"state"`
	Error         string    `json:"error,omitempty"`
	Voice         Voice     `json:"voice"`
	Speaking      bool      `json:"speaking"`
	Volume        float64   `json:"volume"`
	ActiveSources int       `json:"active_sources"`
	Items         int       `json:"transcript_items"`
	HasRecording  bool      `json:"has_recording"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
}
