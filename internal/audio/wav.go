package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

type wavFormat struct {
	tag        uint16
	channels   int
	sampleRate uint32
	bits       int
}

// ParseWAV decodes a complete RIFF/WAVE file held in memory and downmixes it
// to mono. Integer PCM of 8, 16, 24 and 32 bits and 32/64-bit float are
// supported.
func ParseWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupported)
	}

	var (
		format  *wavFormat
		payload []byte
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Some writers leave a bogus size on the final data chunk.
			if id == "data" {
				end = len(data)
			} else {
				return Clip{}, fmt.Errorf("%w: chunk %q overruns file", ErrCorrupt, id)
			}
		}

		switch id {
		case "fmt ":
			f, err := parseFormat(data[body:end])
			if err != nil {
				return Clip{}, err
			}
			format = f
		case "data":
			payload = data[body:end]
		}

		pos = end
		if size%2 == 1 {
			pos++
		}
	}

	if format == nil {
		return Clip{}, fmt.Errorf("%w: no fmt chunk", ErrCorrupt)
	}
	if payload == nil {
		return Clip{}, fmt.Errorf("%w: no data chunk", ErrCorrupt)
	}

	samples, err := decodeSamples(format, payload)
	if err != nil {
		return Clip{}, err
	}
	sanitize(samples)
	return Clip{Samples: samples, SampleRate: format.sampleRate}, nil
}

func parseFormat(b []byte) (*wavFormat, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("%w: fmt chunk is %d bytes", ErrCorrupt, len(b))
	}
	f := &wavFormat{
		tag:        binary.LittleEndian.Uint16(b[0:2]),
		channels:   int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate: binary.LittleEndian.Uint32(b[4:8]),
		bits:       int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if f.tag == formatExtensible {
		if len(b) < 26 {
			return nil, fmt.Errorf("%w: short extensible fmt chunk", ErrCorrupt)
		}
		// The first two bytes of the sub-format GUID carry the real tag.
		f.tag = binary.LittleEndian.Uint16(b[24:26])
	}

	if f.channels == 0 {
		return nil, fmt.Errorf("%w: zero channels", ErrCorrupt)
	}
	if f.sampleRate == 0 {
		return nil, fmt.Errorf("%w: zero sample rate", ErrCorrupt)
	}
	switch {
	case f.tag == formatPCM && (f.bits == 8 || f.bits == 16 || f.bits == 24 || f.bits == 32):
	case f.tag == formatIEEEFloat && (f.bits == 32 || f.bits == 64):
	default:
		return nil, fmt.Errorf("%w: format tag %d with %d bits", ErrUnsupported, f.tag, f.bits)
	}
	return f, nil
}

// decodeSamples converts interleaved frames to mono by averaging channels.
// A trailing partial frame is dropped.
func decodeSamples(f *wavFormat, payload []byte) ([]float32, error) {
	width := f.bits / 8
	frameSize := width * f.channels
	frames := len(payload) / frameSize
	if frames == 0 {
		return nil, fmt.Errorf("%w: no complete frames", ErrCorrupt)
	}

	read := sampleReader(f.tag, f.bits)
	out := make([]float32, frames)
	inv := 1 / float64(f.channels)
	for i := 0; i < frames; i++ {
		frame := payload[i*frameSize : (i+1)*frameSize]
		var sum float64
		for c := 0; c < f.channels; c++ {
			sum += read(frame[c*width : (c+1)*width])
		}
		out[i] = float32(sum * inv)
	}
	return out, nil
}

func sampleReader(tag uint16, bits int) func([]byte) float64 {
	if tag == formatIEEEFloat {
		if bits == 64 {
			return func(b []byte) float64 {
				return math.Float64frombits(binary.LittleEndian.Uint64(b))
			}
		}
		return func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
	}
	switch bits {
	case 8:
		// 8-bit PCM is unsigned.
		return func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }
	case 16:
		return func(b []byte) float64 {
			return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		}
	case 24:
		return func(b []byte) float64 {
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			return float64(v) / 8388608
		}
	default:
		return func(b []byte) float64 {
			return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}
	}
}
