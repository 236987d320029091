package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts mono samples from one rate to another with a
// high-quality polyphase filter. Equal rates return the input unchanged.
func Resample(samples []float32, from, to uint32) ([]float32, error) {
	if from == 0 || to == 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d", from, to)
	}
	if from == to || len(samples) == 0 {
		return samples, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples))
	for i, x := range samples {
		input[i] = float64(x)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}

	out := make([]float32, len(output))
	for i, x := range output {
		out[i] = float32(x)
	}
	sanitize(out)
	return out, nil
}
