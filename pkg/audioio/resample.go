package audioio

import "math"

// Resample converts float32 audio from one sample rate to another using
// linear interpolation. Output sample i is taken at source position
// i*(fromRate/toRate), blending the samples at floor and ceil (clamped to
// the last input sample). The output holds floor(len(in)/ratio) samples.
// Equal rates return an exact copy.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		return []float32{}
	}
	if fromRate == toRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	out := make([]float32, int(float64(len(in))/ratio))
	resampleInto(out, in, ratio)
	return out
}

func resampleInto(out, in []float32, ratio float64) {
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		i1 := int(pos)
		if i1 > last {
			i1 = last
		}
		i2 := int(math.Ceil(pos))
		if i2 > last {
			i2 = last
		}
		frac := float32(pos - float64(i1))
		out[i] = in[i1]*(1-frac) + in[i2]*frac
	}
}

// Resampler is a reusable Resample for a fixed rate pair. Process returns
// a slice that is only valid until the next call. A Resampler is not safe
// for concurrent use.
type Resampler struct {
	from, to int
	ratio    float64
	buf      []float32
}

// NewResampler creates a resampler from fromRate to toRate.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{
		from:  fromRate,
		to:    toRate,
		ratio: float64(fromRate) / float64(toRate),
	}
}

// Process resamples in. When the rates match, in is returned unchanged.
func (r *Resampler) Process(in []float32) []float32 {
	if r.from == r.to || len(in) == 0 {
		return in
	}
	n := int(float64(len(in)) / r.ratio)
	if cap(r.buf) < n {
		r.buf = make([]float32, n)
	}
	r.buf = r.buf[:n]
	resampleInto(r.buf, in, r.ratio)
	return r.buf
}

// FromRate returns the input rate.
func (r *Resampler) FromRate() int { return r.from }

// ToRate returns the output rate.
func (r *Resampler) ToRate() int { return r.to }

// RMS calculates the root mean square over every stride-th sample.
// A stride below 1 uses every sample.
func RMS(samples []float32, stride int) float64 {
	if len(samples) == 0 {
		return 0
	}
	if stride < 1 {
		stride = 1
	}

	var sum float64
	var n int
	for i := 0; i < len(samples); i += stride {
		v := float64(samples[i])
		sum += v * v
		n++
	}
	return math.Sqrt(sum / float64(n))
}
