// Package embedding turns decoded mono audio into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

const (
	// DTypeF32 is the only vector element type produced here.
	DTypeF32 = "f32"

	// DefaultBatchMax is the micro-batch size used when a backend does not
	// state one.
	DefaultBatchMax = 16
)

// ErrEmptyAudio is returned when there are no samples to embed.
var ErrEmptyAudio = errors.New("no audio samples to embed")

// Embedder computes one embedding per clip of mono samples.
type Embedder interface {
	// Embed returns the embedding of samples recorded at sampleRate.
	Embed(ctx context.Context, samples []float32, sampleRate uint32) ([]float32, error)

	// ModelID identifies the model; embeddings of different models never mix.
	ModelID() string

	// Dimensions returns the length of every vector Embed returns.
	Dimensions() int
}

// Clip is one input of a batch.
type Clip struct {
	Samples    []float32
	SampleRate uint32
}

// BatchEmbedder is implemented by backends with a fixed per-call overhead
// that prefer several clips at once.
type BatchEmbedder interface {
	Embedder

	// EmbedBatch returns one vector per clip, in order.
	EmbedBatch(ctx context.Context, clips []Clip) ([][]float32, error)

	// MaxBatch is the preferred micro-batch size.
	MaxBatch() int
}

// Func adapts a plain function into an Embedder.
type Func struct {
	Model string
	Dim   int
	Fn    func(samples []float32, sampleRate uint32) ([]float32, error)
}

// Embed calls f.Fn and checks the result length.
func (f Func) Embed(ctx context.Context, samples []float32, sampleRate uint32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := f.Fn(samples, sampleRate)
	if err != nil {
		return nil, err
	}
	if len(v) != f.Dim {
		return nil, fmt.Errorf("%s returned %d dimensions, want %d", f.Model, len(v), f.Dim)
	}
	return v, nil
}

func (f Func) ModelID() string { return f.Model }

func (f Func) Dimensions() int { return f.Dim }

// EmbedAll embeds clips using micro-batches when e supports them, and one
// call per clip otherwise. maxBatch caps the batch size; zero defers to
// the backend.
func EmbedAll(ctx context.Context, e Embedder, clips []Clip, maxBatch int) ([][]float32, error) {
	out := make([][]float32, 0, len(clips))
	be, ok := e.(BatchEmbedder)
	if !ok {
		for _, c := range clips {
			v, err := e.Embed(ctx, c.Samples, c.SampleRate)
			if err != nil {
				return out, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	size := be.MaxBatch()
	if size <= 0 {
		size = DefaultBatchMax
	}
	if maxBatch > 0 {
		size = min(size, maxBatch)
	}
	for start := 0; start < len(clips); start += size {
		end := min(start+size, len(clips))
		vs, err := be.EmbedBatch(ctx, clips[start:end])
		if err != nil {
			return out, err
		}
		if len(vs) != end-start {
			return out, fmt.Errorf("%s returned %d embeddings for %d clips", be.ModelID(), len(vs), end-start)
		}
		out = append(out, vs...)
	}
	return out, nil
}

// Normalize scales v to unit L2 norm in place and reports whether it could.
// Zero vectors and vectors containing NaN or Inf are left unchanged.
func Normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		sum += f * f
	}
	if sum == 0 {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}
