package playback

import "sync/atomic"

// Clock reports the output timeline in seconds. It only moves forward.
type Clock interface {
	Now() float64
}

// SampleClock counts rendered samples. It is advanced by the Output on the
// device thread and read from anywhere.
type SampleClock struct {
	rate int
	pos  atomic.Int64
}

// NewSampleClock creates a clock for an output running at rate.
func NewSampleClock(rate int) *SampleClock {
	return &SampleClock{rate: rate}
}

// Now returns the current output time in seconds.
func (c *SampleClock) Now() float64 {
	return float64(c.pos.Load()) / float64(c.rate)
}

// Position returns the number of samples rendered.
func (c *SampleClock) Position() int64 {
	return c.pos.Load()
}

// Rate returns the sample rate.
func (c *SampleClock) Rate() int {
	return c.rate
}

// Advance moves the clock forward by n samples.
func (c *SampleClock) Advance(n int) {
	c.pos.Add(int64(n))
}
