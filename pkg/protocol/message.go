// Package protocol defines the WebSocket messages pushed to dashboard
// clients while a voice session runs.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Server → client
	TypeState      MessageType = "state"      // Session lifecycle
	TypeTranscript MessageType = "transcript" // Full transcript snapshot
	TypeVolume     MessageType = "volume"     // Microphone level
	TypeError      MessageType = "error"      // Fatal session error

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// StateData reports a lifecycle change.
type StateData struct {
	State    string `json:"state"` // IDLE, CONNECTING, ACTIVE, ENDED, ERROR
	Voice    string `json:"voice,omitempty"`
	Speaking bool   `json:"speaking"`
	Error    string `json:"error,omitempty"`
}

// TranscriptItem is one utterance on the wire.
type TranscriptItem struct {
	ID        string `json:"id"`
	Role      string `json:"role"` // "user" or "model"
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	Timestamp int64  `json:"ts"` // Unix milliseconds
}

// TranscriptData carries the whole transcript; clients replace their copy.
type TranscriptData struct {
	Items []TranscriptItem `json:"items"`
}

// VolumeData carries the microphone RMS level in [0, 1].
type VolumeData struct {
	Level float64 `json:"level"`
}

// ErrorData describes a fatal session error.
type ErrorData struct {
	Kind    string `json:"kind,omitempty"` // acquisition, transport, config
	Message string `json:"message"`
}

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
