package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	queryWindow     = 2 * time.Second
	queryHop        = time.Second
	queryMaxWindows = 24
)

// Range is a half-open span of sample indexes.
type Range struct {
	Start, End int
}

// QueryWindows splits a clip of n samples into overlapping windows used for
// ad-hoc queries: 2s windows every 1s, thinned to at most 24. Clips no
// longer than one window yield a single range covering them.
func QueryWindows(n int, sampleRate uint32) []Range {
	window := int(math.Round(queryWindow.Seconds() * float64(sampleRate)))
	hop := max(int(math.Round(queryHop.Seconds()*float64(sampleRate))), 1)
	if window == 0 || n == 0 {
		return nil
	}
	if n <= window {
		return []Range{{0, n}}
	}

	var ranges []Range
	for start := 0; start <= n-window; start += hop {
		ranges = append(ranges, Range{start, start + window})
	}
	if len(ranges) > queryMaxWindows {
		stride := int(math.Ceil(float64(len(ranges)) / queryMaxWindows))
		thinned := make([]Range, 0, queryMaxWindows)
		for i := 0; i < len(ranges) && len(thinned) < queryMaxWindows; i += stride {
			thinned = append(thinned, ranges[i])
		}
		ranges = thinned
	}
	return ranges
}

// EmbedQuery embeds a clip of arbitrary length by averaging the embeddings
// of its query windows and renormalizing.
func EmbedQuery(ctx context.Context, e Embedder, samples []float32, sampleRate uint32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	ranges := QueryWindows(len(samples), sampleRate)
	if len(ranges) <= 1 {
		return e.Embed(ctx, samples, sampleRate)
	}

	clips := make([]Clip, len(ranges))
	for i, r := range ranges {
		clips[i] = Clip{Samples: samples[r.Start:r.End], SampleRate: sampleRate}
	}
	vecs, err := EmbedAll(ctx, e, clips, 0)
	if err != nil {
		return nil, err
	}

	sum := make([]float32, e.Dimensions())
	for _, v := range vecs {
		if len(v) != len(sum) {
			return nil, fmt.Errorf("%s returned %d dimensions, want %d", e.ModelID(), len(v), len(sum))
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	scale := 1 / float32(len(vecs))
	for i := range sum {
		sum[i] *= scale
	}
	Normalize(sum)
	return sum, nil
}
