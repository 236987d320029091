// Package audio decodes sample files into mono float32 clips at the
// analysis sample rate.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSampleRate is the rate clips are resampled to before embedding.
const DefaultSampleRate = 16000

var (
	// ErrUnsupported is returned for files in a format that cannot be
	// decoded. Retrying will not help.
	ErrUnsupported = errors.New("unsupported audio format")

	// ErrCorrupt is returned for files whose structure is damaged. Retrying
	// will not help.
	ErrCorrupt = errors.New("corrupt audio file")
)

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate uint32
}

// Duration returns the length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Decoder reads an audio file into a mono clip.
type Decoder interface {
	Decode(ctx context.Context, path string) (Clip, error)
}

// Permanent reports whether err means the file itself cannot be decoded.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrCorrupt)
}

// WAVDecoder decodes RIFF/WAVE files, downmixes them to mono and resamples
// them to TargetRate.
type WAVDecoder struct {
	// TargetRate defaults to DefaultSampleRate. Zero keeps the file's rate.
	TargetRate uint32

	// MaxDuration truncates long files; zero keeps everything.
	MaxDuration time.Duration
}

// NewWAVDecoder returns a decoder resampling to DefaultSampleRate.
func NewWAVDecoder() *WAVDecoder {
	return &WAVDecoder{TargetRate: DefaultSampleRate}
}

// Decode reads path. Unknown extensions are rejected with ErrUnsupported
// before the file is opened.
func (d *WAVDecoder) Decode(ctx context.Context, path string) (Clip, error) {
	if !IsSupported(path) {
		return Clip{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("reading %s: %w", path, err)
	}
	clip, err := ParseWAV(data)
	if err != nil {
		return Clip{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	if d.MaxDuration > 0 {
		limit := int(d.MaxDuration.Seconds() * float64(clip.SampleRate))
		if limit > 0 && len(clip.Samples) > limit {
			clip.Samples = clip.Samples[:limit]
		}
	}
	if d.TargetRate != 0 && d.TargetRate != clip.SampleRate {
		resampled, err := Resample(clip.Samples, clip.SampleRate, d.TargetRate)
		if err != nil {
			return Clip{}, fmt.Errorf("resampling %s: %w", path, err)
		}
		clip = Clip{Samples: resampled, SampleRate: d.TargetRate}
	}
	return clip, nil
}

// Extensions lists the file extensions IsSupported accepts.
var Extensions = []string{".wav", ".wave"}

// IsSupported reports whether path has a decodable extension.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// sanitize replaces NaN and Inf with silence and clamps to [-1, 1].
func sanitize(samples []float32) {
	for i, x := range samples {
		switch {
		case math.IsNaN(float64(x)), math.IsInf(float64(x), 0):
			samples[i] = 0
		case x > 1:
			samples[i] = 1
		case x < -1:
			samples[i] = -1
		}
	}
}
