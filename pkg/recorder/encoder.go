package recorder

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// Encoder compresses fixed-size frames of mono float32 audio into a
// container written to the io.Writer it was created with.
type Encoder interface {
	// FrameSize is the number of samples Encode expects.
	FrameSize() int

	// Encode consumes exactly FrameSize samples.
	Encode(pcm []float32) error

	// Close flushes the container.
	Close() error
}

// EncoderFactory creates an Encoder writing to w.
type EncoderFactory func(w io.Writer, sampleRate int) (Encoder, error)

// OggOpusMIMEType is the MIME type of NewOggOpusEncoder output.
const OggOpusMIMEType = "audio/ogg; codecs=opus"

const (
	opusFrameDuration = 20 // ms
	opusClockRate     = 48000
	opusPayloadType   = 111
	maxOpusPacket     = 4000
)

// oggOpusEncoder packs Opus frames into Ogg pages through the pion Ogg
// writer. Ogg granule positions are derived from RTP timestamps on the
// 48 kHz Opus clock.
type oggOpusEncoder struct {
	enc       *opus.Encoder
	ogg       *oggwriter.OggWriter
	frameSize int
	tsStep    uint32
	buf       []byte

	seq  uint16
	ts   uint32
	ssrc uint32
}

// NewOggOpusEncoder creates a 20ms mono Opus encoder in an Ogg container.
// sampleRate must be one Opus supports (8, 12, 16, 24 or 48 kHz).
func NewOggOpusEncoder(w io.Writer, sampleRate int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("recorder: opus encoder: %w", err)
	}
	ogg, err := oggwriter.NewWith(w, uint32(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("recorder: ogg writer: %w", err)
	}
	return &oggOpusEncoder{
		enc:       enc,
		ogg:       ogg,
		frameSize: sampleRate * opusFrameDuration / 1000,
		tsStep:    opusClockRate * opusFrameDuration / 1000,
		buf:       make([]byte, maxOpusPacket),
		ssrc:      rand.Uint32(),
	}, nil
}

func (e *oggOpusEncoder) FrameSize() int { return e.frameSize }

func (e *oggOpusEncoder) Encode(pcm []float32) error {
	n, err := e.enc.EncodeFloat32(pcm, e.buf)
	if err != nil {
		return fmt.Errorf("recorder: opus encode: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
			SSRC:           e.ssrc,
		},
		Payload: append([]byte(nil), e.buf[:n]...),
	}
	e.seq++
	e.ts += e.tsStep

	if err := e.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("recorder: ogg write: %w", err)
	}
	return nil
}

func (e *oggOpusEncoder) Close() error {
	return e.ogg.Close()
}
