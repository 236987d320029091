package embedding

import (
	"context"
	"fmt"
	"math"
)

const (
	// DefaultEnvelopeDim is the dimension of the Envelope embedder.
	DefaultEnvelopeDim = 64

	envelopeModelPrefix = "envelope_logenergy"
)

// Envelope is a deterministic embedder built from the shape of a clip: the
// first half of the vector is the log energy of equal-length frames and the
// second half their zero-crossing rate. It needs no model weights, which
// makes it the default for the command line and for tests.
type Envelope struct {
	dim int
}

// NewEnvelope returns an Envelope embedder. dim must be even and at least 2;
// other values fall back to DefaultEnvelopeDim.
func NewEnvelope(dim int) *Envelope {
	if dim < 2 || dim%2 != 0 {
		dim = DefaultEnvelopeDim
	}
	return &Envelope{dim: dim}
}

// ModelID includes the dimension so differently sized envelopes never share
// an index.
func (e *Envelope) ModelID() string {
	return fmt.Sprintf("%s_d%d_v1", envelopeModelPrefix, e.dim)
}

func (e *Envelope) Dimensions() int { return e.dim }

// Embed computes the envelope of samples. The sample rate does not change
// the result; callers resample beforehand.
func (e *Envelope) Embed(ctx context.Context, samples []float32, sampleRate uint32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := e.dim / 2
	v := make([]float32, e.dim)
	for f := 0; f < frames; f++ {
		start := f * len(samples) / frames
		end := (f + 1) * len(samples) / frames
		if end <= start {
			end = min(start+1, len(samples))
			start = end - 1
		}

		var energy float64
		crossings := 0
		for i := start; i < end; i++ {
			x := sanitize(samples[i])
			energy += float64(x) * float64(x)
			if i > start && (x >= 0) != (sanitize(samples[i-1]) >= 0) {
				crossings++
			}
		}
		n := float64(end - start)
		v[f] = float32(math.Log1p(1000*energy/n)) + 1e-3
		v[frames+f] = float32(float64(crossings) / n)
	}

	Normalize(v)
	return v, nil
}

func sanitize(x float32) float32 {
	if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
		return 0
	}
	return x
}
