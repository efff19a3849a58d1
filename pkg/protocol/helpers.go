package protocol

import (
	"errors"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// NewStateMessage creates a state message from an engine status.
func NewStateMessage(st session.Status) (*Message, error) {
	return NewMessage(TypeState, StateData{
		State:    st.State.String(),
		Voice:    string(st.Voice),
		Speaking: st.Speaking,
		Error:    st.Error,
	})
}

// NewTranscriptMessage creates a transcript snapshot message.
func NewTranscriptMessage(items []transcript.Item) (*Message, error) {
	data := TranscriptData{Items: make([]TranscriptItem, 0, len(items))}
	for _, it := range items {
		data.Items = append(data.Items, TranscriptItem{
			ID:        it.ID,
			Role:      string(it.Role),
			Text:      it.Text,
			IsPartial: it.IsPartial,
			Timestamp: it.Timestamp.UnixMilli(),
		})
	}
	return NewMessage(TypeTranscript, data)
}

// NewVolumeMessage creates a microphone level message.
func NewVolumeMessage(level float64) (*Message, error) {
	return NewMessage(TypeVolume, VolumeData{Level: level})
}

// NewErrorMessage creates an error message. Session errors carry their kind.
func NewErrorMessage(err error) (*Message, error) {
	data := ErrorData{Message: err.Error()}
	var se *session.Error
	if errors.As(err, &se) {
		data.Kind = string(se.Kind)
	}
	return NewMessage(TypeError, data)
}

// NewPongMessage answers a ping.
func NewPongMessage(ping PingData) (*Message, error) {
	now := time.Now().UnixMilli()
	return NewMessage(TypePong, PongData{
		ID:        ping.ID,
		PingTS:    ping.Timestamp,
		PongTS:    now,
		LatencyMs: now - ping.Timestamp,
	})
}

// FromUpdate converts an engine update into the messages clients expect.
// A state update entering ERROR also yields an error message.
func FromUpdate(u session.Update, st session.Status) ([]*Message, error) {
	switch u.Kind {
	case session.UpdateState:
		st.State = u.State
		msg, err := NewStateMessage(st)
		if err != nil {
			return nil, err
		}
		msgs := []*Message{msg}
		if u.Err != nil {
			em, err := NewErrorMessage(u.Err)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, em)
		}
		return msgs, nil
	case session.UpdateTranscript:
		msg, err := NewTranscriptMessage(u.Transcript)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	case session.UpdateVolume:
		msg, err := NewVolumeMessage(u.Volume)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	default:
		return nil, nil
	}
}
