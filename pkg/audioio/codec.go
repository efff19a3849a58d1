package audioio

import (
	"encoding/binary"
	"fmt"
)

// AudioFrame is one encoded chunk of microphone audio ready for the wire.
type AudioFrame struct {
	// Data is PCM16LE mono audio.
	Data []byte

	// SampleRate of Data in Hz.
	SampleRate int

	// MIMEType advertises the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// NewAudioFrame wraps PCM16LE bytes recorded at sampleRate.
func NewAudioFrame(pcm []byte, sampleRate int) AudioFrame {
	return AudioFrame{
		Data:       pcm,
		SampleRate: sampleRate,
		MIMEType:   PCMMIMEType(sampleRate),
	}
}

// PCMMIMEType returns the MIME type for raw PCM16 at sampleRate.
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Samples returns the number of samples carried by the frame.
func (f AudioFrame) Samples() int {
	return len(f.Data) / 2
}

// FloatToInt16 converts a float sample to PCM16. The input is clamped to
// [-1, 1]; negative values scale by 32768 and non-negative values by 32767.
func FloatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Int16ToFloat converts a PCM16 sample to a float in [-1, 1).
func Int16ToFloat(v int16) float32 {
	return float32(v) / 32768
}

// EncodePCM16 encodes samples as 16-bit little-endian PCM.
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(FloatToInt16(s)))
	}
	return buf
}

// DecodePCM16 decodes 16-bit little-endian PCM. A trailing odd byte is
// ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	DecodePCM16Into(out, data)
	return out
}

// DecodePCM16Into decodes as many whole samples of data as fit into dst and
// zero-fills the remainder of dst. It returns the number of decoded samples.
func DecodePCM16Into(dst []float32, data []byte) int {
	n := len(data) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	clear(dst[n:])
	return n
}
