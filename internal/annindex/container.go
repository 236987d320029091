package annindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// Compression selects how the container payload is stored.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ParseCompression accepts "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "", "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Container layout, little-endian:
//
//	[8B magic "SSIMANN1"] [4B version]
//	[1B compression] [2B model id length] [model id]
//	[8B raw payload length] [8B stored payload length]
//	[32B blake2b-256 of stored payload]
//	[stored payload]
//
// The raw payload is a msgpack header (params, id map) followed by the
// msgpack-encoded graph.
var containerMagic = [8]byte{'S', 'S', 'I', 'M', 'A', 'N', 'N', '1'}

const containerVersion uint32 = 1

// maxPayload guards allocations when reading a damaged header.
const maxPayload = 1 << 34

// Container is the decoded contents of an index dump.
type Container struct {
	ModelID string
	Params  hnsw.Config
	IDMap   []string
	Graph   *hnsw.Graph
}

type payloadHeader struct {
	Params hnsw.Config `msgpack:"params"`
	IDMap  []string    `msgpack:"id_map"`
}

// WriteContainer persists c at path through a temp file in the same
// directory followed by a rename, so readers never see a partial dump.
func WriteContainer(path string, c *Container, compression Compression) error {
	var raw bytes.Buffer
	if err := msgpack.NewEncoder(&raw).Encode(&payloadHeader{Params: c.Params, IDMap: c.IDMap}); err != nil {
		return fmt.Errorf("encoding id map: %w", err)
	}
	if err := c.Graph.Encode(&raw); err != nil {
		return err
	}

	stored, used, err := compress(raw.Bytes(), compression)
	if err != nil {
		return fmt.Errorf("compressing payload: %w", err)
	}
	sum := blake2b.Sum256(stored)

	var hdr bytes.Buffer
	hdr.Write(containerMagic[:])
	binary.Write(&hdr, binary.LittleEndian, containerVersion)
	hdr.WriteByte(byte(used))
	binary.Write(&hdr, binary.LittleEndian, uint16(len(c.ModelID)))
	hdr.WriteString(c.ModelID)
	binary.Write(&hdr, binary.LittleEndian, uint64(raw.Len()))
	binary.Write(&hdr, binary.LittleEndian, uint64(len(stored)))
	hdr.Write(sum[:])

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(hdr.Bytes()); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := f.Write(stored); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// ReadContainer loads and verifies a dump written by WriteContainer.
// A missing file yields ErrIndexNotFound; any structural problem yields
// ErrCorruptContainer.
func ReadContainer(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()

	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrCorruptContainer, path, fmt.Sprintf(format, args...))
	}

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, corrupt("reading magic: %v", err)
	}
	if magic != containerMagic {
		return nil, corrupt("bad magic %q", magic[:])
	}

	var version uint32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return nil, corrupt("reading version: %v", err)
	}
	if version != containerVersion {
		return nil, corrupt("unsupported version %d (want %d)", version, containerVersion)
	}

	var comp [1]byte
	if _, err := io.ReadFull(f, comp[:]); err != nil {
		return nil, corrupt("reading compression: %v", err)
	}

	var idLen uint16
	if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
		return nil, corrupt("reading model id length: %v", err)
	}
	modelID := make([]byte, idLen)
	if _, err := io.ReadFull(f, modelID); err != nil {
		return nil, corrupt("reading model id: %v", err)
	}

	var rawLen, storedLen uint64
	if err := binary.Read(f, binary.LittleEndian, &rawLen); err != nil {
		return nil, corrupt("reading payload length: %v", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &storedLen); err != nil {
		return nil, corrupt("reading payload length: %v", err)
	}
	if rawLen > maxPayload || storedLen > maxPayload {
		return nil, corrupt("payload length out of range")
	}

	var sum [32]byte
	if _, err := io.ReadFull(f, sum[:]); err != nil {
		return nil, corrupt("reading checksum: %v", err)
	}

	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(f, stored); err != nil {
		return nil, corrupt("reading payload: %v", err)
	}
	if blake2b.Sum256(stored) != sum {
		return nil, corrupt("checksum mismatch")
	}

	raw, err := decompress(stored, Compression(comp[0]), int(rawLen))
	if err != nil {
		return nil, corrupt("decompressing payload: %v", err)
	}

	r := bytes.NewReader(raw)
	var hdr payloadHeader
	if err := msgpack.NewDecoder(r).Decode(&hdr); err != nil {
		return nil, corrupt("decoding id map: %v", err)
	}
	graph, err := hnsw.Decode(r)
	if err != nil {
		return nil, corrupt("%v", err)
	}

	return &Container{
		ModelID: string(modelID),
		Params:  hdr.Params,
		IDMap:   hdr.IDMap,
		Graph:   graph,
	}, nil
}

// compress returns the stored bytes and the compression actually applied;
// payloads that do not shrink are stored as-is.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, CompressionNone, err
		}
		if n == 0 || n >= len(data) {
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, CompressionNone, err
		}
		defer enc.Close()
		out := enc.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CompressionNone, nil
		}
		return out, CompressionZSTD, nil
	default:
		return data, CompressionNone, nil
	}
}

func decompress(stored []byte, c Compression, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(stored) != rawLen {
			return nil, fmt.Errorf("stored %d bytes, header says %d", len(stored), rawLen)
		}
		return stored, nil
	case CompressionLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("decompressed %d bytes, want %d", n, rawLen)
		}
		return dst, nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("decompressed %d bytes, want %d", len(out), rawLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
