package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wavBytes builds a WAV file. frames holds one slice per frame with one
// value in [-1, 1] per channel.
func wavBytes(t *testing.T, tag uint16, rate uint32, bits int, frames [][]float64) []byte {
	t.Helper()
	channels := len(frames[0])
	width := bits / 8

	var data bytes.Buffer
	for _, fr := range frames {
		for _, x := range fr {
			switch {
			case tag == formatIEEEFloat && bits == 32:
				binary.Write(&data, binary.LittleEndian, math.Float32bits(float32(x)))
			case tag == formatIEEEFloat && bits == 64:
				binary.Write(&data, binary.LittleEndian, math.Float64bits(x))
			case bits == 8:
				data.WriteByte(byte(int(x*127) + 128))
			case bits == 16:
				binary.Write(&data, binary.LittleEndian, int16(x*32767))
			case bits == 24:
				v := int32(x * 8388607)
				data.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16)})
			case bits == 32:
				binary.Write(&data, binary.LittleEndian, int32(x*2147483647))
			}
		}
	}

	var fmtChunk bytes.Buffer
	binary.Write(&fmtChunk, binary.LittleEndian, tag)
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(channels))
	binary.Write(&fmtChunk, binary.LittleEndian, rate)
	binary.Write(&fmtChunk, binary.LittleEndian, rate*uint32(channels*width))
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(channels*width))
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(bits))

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(4+8+fmtChunk.Len()+8+data.Len()))
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	binary.Write(&out, binary.LittleEndian, uint32(fmtChunk.Len()))
	out.Write(fmtChunk.Bytes())
	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, uint32(data.Len()))
	out.Write(data.Bytes())
	return out.Bytes()
}

func monoFrames(xs ...float64) [][]float64 {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		out[i] = []float64{x}
	}
	return out
}

func TestParseWAVFormats(t *testing.T) {
	tests := []struct {
		name string
		tag  uint16
		bits int
		tol  float64
	}{
		{"pcm8", formatPCM, 8, 1.0 / 64},
		{"pcm16", formatPCM, 16, 1e-4},
		{"pcm24", formatPCM, 24, 1e-6},
		{"pcm32", formatPCM, 32, 1e-6},
		{"float32", formatIEEEFloat, 32, 1e-7},
		{"float64", formatIEEEFloat, 64, 1e-7},
	}
	want := []float64{0, 0.5, -0.5, 0.25}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clip, err := ParseWAV(wavBytes(t, tt.tag, 22050, tt.bits, monoFrames(want...)))
			require.NoError(t, err)
			assert.Equal(t, uint32(22050), clip.SampleRate)
			require.Len(t, clip.Samples, len(want))
			for i, w := range want {
				assert.InDelta(t, w, clip.Samples[i], tt.tol, "sample %d", i)
			}
		})
	}
}

func TestParseWAVDownmixesToMono(t *testing.T) {
	frames := [][]float64{{1, 0}, {0.5, -0.5}, {-1, -1}}
	clip, err := ParseWAV(wavBytes(t, formatIEEEFloat, 44100, 32, frames))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0, -1}, clip.Samples)
}

func TestParseWAVErrors(t *testing.T) {
	good := wavBytes(t, formatPCM, 8000, 16, monoFrames(0.1, 0.2))

	_, err := ParseWAV([]byte("OggS not a wav"))
	assert.True(t, errors.Is(err, ErrUnsupported))

	noData := append([]byte(nil), good[:12+8+16]...)
	_, err = ParseWAV(noData)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)

	mulaw := wavBytes(t, 7, 8000, 8, monoFrames(0.1))
	_, err = ParseWAV(mulaw)
	assert.True(t, errors.Is(err, ErrUnsupported), "got %v", err)

	brokenFmt := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(brokenFmt[16:20], 1<<20)
	_, err = ParseWAV(brokenFmt)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
}

func TestWAVDecoderResamples(t *testing.T) {
	const rate = 48000
	xs := make([]float64, rate)
	for i := range xs {
		xs[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/rate)
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, wavBytes(t, formatPCM, rate, 16, monoFrames(xs...)), 0644))

	clip, err := NewWAVDecoder().Decode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultSampleRate), clip.SampleRate)
	assert.Greater(t, len(clip.Samples), DefaultSampleRate*7/10)
	assert.LessOrEqual(t, len(clip.Samples), DefaultSampleRate*105/100)
	for _, x := range clip.Samples {
		assert.LessOrEqual(t, math.Abs(float64(x)), 1.0)
	}
}

func TestWAVDecoderKeepsRateAndTruncates(t *testing.T) {
	xs := make([]float64, 1000)
	path := filepath.Join(t.TempDir(), "clip.WAV")
	require.NoError(t, os.WriteFile(path, wavBytes(t, formatPCM, 1000, 16, monoFrames(xs...)), 0644))

	d := &WAVDecoder{MaxDuration: 500 * time.Millisecond}
	clip, err := d.Decode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), clip.SampleRate)
	assert.Len(t, clip.Samples, 500)
	assert.Equal(t, 500*time.Millisecond, clip.Duration())
}

func TestWAVDecoderErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := NewWAVDecoder().Decode(ctx, filepath.Join(dir, "loop.mp3"))
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.True(t, Permanent(err))

	_, err = NewWAVDecoder().Decode(ctx, filepath.Join(dir, "missing.wav"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, Permanent(err))

	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("RIFF\x00\x00\x00\x00WAVE"), 0644))
	_, err = NewWAVDecoder().Decode(ctx, bad)
	assert.True(t, Permanent(err))
}

func TestResampleSameRate(t *testing.T) {
	in := []float32{0.1, 0.2}
	out, err := Resample(in, 16000, 16000)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Resample(in, 0, 16000)
	assert.Error(t, err)
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("a/b/kick.wav"))
	assert.True(t, IsSupported("KICK.WAVE"))
	assert.False(t, IsSupported("kick.flac"))
	assert.False(t, IsSupported("wav"))
}
