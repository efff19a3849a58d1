// Package playback decodes, schedules and renders remote speech.
//
// Buffers are placed back to back on the output clock so consecutive
// chunks play without gaps. The active set is the single source of truth
// for whether the AI is speaking.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// Decode errors. Both are non-fatal; the chunk is dropped.
var (
	ErrMalformedPayload = errors.New("playback: malformed audio payload")
	ErrEmptyPayload     = errors.New("playback: empty audio payload")
)

// Buffer is decoded mono audio ready to schedule.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Len returns the playback length as a time.Duration.
func (b Buffer) Len() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// Decoder turns inbound PCM16LE payloads into Buffers at the output rate.
type Decoder struct {
	sourceRate int
	targetRate int
}

// NewDecoder creates a decoder for payloads at sourceRate played on an
// output running at targetRate.
func NewDecoder(sourceRate, targetRate int) *Decoder {
	return &Decoder{sourceRate: sourceRate, targetRate: targetRate}
}

// DecodeBase64 decodes a base64 PCM16LE payload.
func (d *Decoder) DecodeBase64(payload string) (Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return d.Decode(pcm)
}

// Decode converts raw PCM16LE. A trailing odd byte is ignored.
func (d *Decoder) Decode(pcm []byte) (Buffer, error) {
	if len(pcm) < 2 {
		return Buffer{}, ErrEmptyPayload
	}
	samples := audioio.DecodePCM16(pcm)
	if d.targetRate != d.sourceRate {
		samples = audioio.Resample(samples, d.sourceRate, d.targetRate)
	}
	return Buffer{Samples: samples, SampleRate: d.targetRate}, nil
}
