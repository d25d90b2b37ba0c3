// Package resample converts waveforms between sample rates with a
// band-limited windowed-sinc interpolator.
package resample

import (
	"fmt"
	"math"
)

const (
	// zero crossings of the sinc kernel on each side of the centre tap
	lowpassWidth = 6
	rolloff      = 0.99
	// upper bound on precomputed fractional phases; rate pairs with a
	// larger reduced numerator share the nearest phase
	maxPhases = 1024
)

// Resampler converts between one fixed pair of sample rates. Coefficient
// tables are built once and only read afterwards, so a Resampler may be
// used from many goroutines at the same time.
type Resampler struct {
	src, dst int
	up, down int
	phases   int
	taps     int // taps per side
	table    [][]float32
}

// New precomputes the polyphase filter table for src → dst.
func New(src, dst int) (*Resampler, error) {
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", src, dst)
	}
	g := gcd(src, dst)
	r := &Resampler{src: src, dst: dst, up: dst / g, down: src / g}

	cutoff := rolloff * math.Min(1, float64(dst)/float64(src))
	halfWidth := lowpassWidth / cutoff
	r.taps = int(math.Ceil(halfWidth))
	r.phases = r.up
	if r.phases > maxPhases {
		r.phases = maxPhases
	}

	r.table = make([][]float32, r.phases)
	for p := 0; p < r.phases; p++ {
		frac := float64(p) / float64(r.phases)
		row := make([]float32, 2*r.taps)
		for j := -(r.taps - 1); j <= r.taps; j++ {
			row[j+r.taps-1] = float32(kernel(frac-float64(j), cutoff, halfWidth))
		}
		r.table[p] = row
	}
	return r, nil
}

// kernel is a Hann-windowed sinc low-pass evaluated at distance d input samples.
func kernel(d, cutoff, halfWidth float64) float64 {
	if math.Abs(d) >= halfWidth {
		return 0
	}
	x := d * cutoff
	sinc := 1.0
	if x != 0 {
		sinc = math.Sin(math.Pi*x) / (math.Pi * x)
	}
	window := math.Cos(math.Pi * d / (2 * halfWidth))
	return cutoff * sinc * window * window
}

// Rates returns the source and target sample rates.
func (r *Resampler) Rates() (int, int) { return r.src, r.dst }

// OutputFrames is the number of frames produced for n input frames.
func (r *Resampler) OutputFrames(n int) int {
	if n <= 0 {
		return 0
	}
	return int((int64(n)*int64(r.up) + int64(r.down) - 1) / int64(r.down))
}

// Process resamples interleaved samples with the given channel count and
// returns a new slice. The input is not modified.
func (r *Resampler) Process(samples []float32, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	inFrames := len(samples) / channels
	outFrames := r.OutputFrames(inFrames)
	out := make([]float32, outFrames*channels)
	if r.src == r.dst {
		copy(out, samples)
		return out
	}

	for i := 0; i < outFrames; i++ {
		// position of output frame i in input frames: i*down/up
		num := int64(i) * int64(r.down)
		base := int(num / int64(r.up))
		rem := num % int64(r.up)
		phase := int(rem)
		if r.phases != r.up {
			phase = int(math.Round(float64(rem) / float64(r.up) * float64(r.phases)))
			if phase == r.phases {
				phase = 0
				base++
			}
		}
		row := r.table[phase]
		for c := 0; c < channels; c++ {
			var acc float32
			for j := -(r.taps - 1); j <= r.taps; j++ {
				k := base + j
				if k < 0 || k >= inFrames {
					continue
				}
				acc += samples[k*channels+c] * row[j+r.taps-1]
			}
			out[i*channels+c] = acc
		}
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
