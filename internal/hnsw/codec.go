package hnsw

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshot is the serialized form of a Graph. The RNG state is kept so a
// loaded graph continues assigning levels exactly as the original would.
type snapshot struct {
	Config   Config       `msgpack:"config"`
	Vectors  [][]float32  `msgpack:"vectors"`
	Levels   []int        `msgpack:"levels"`
	Friends  [][][]uint32 `msgpack:"friends"`
	Entry    int32        `msgpack:"entry"`
	MaxLevel int          `msgpack:"max_level"`
	RNG      []byte       `msgpack:"rng"`
}

// Encode writes the graph to w as msgpack.
func (g *Graph) Encode(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rng, err := g.pcg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("hnsw: encoding rng state: %w", err)
	}
	snap := snapshot{
		Config:   g.cfg,
		Vectors:  g.vectors,
		Levels:   g.levels,
		Friends:  g.friends,
		Entry:    g.entry,
		MaxLevel: g.maxLevel,
		RNG:      rng,
	}
	if err := msgpack.NewEncoder(w).Encode(&snap); err != nil {
		return fmt.Errorf("hnsw: encoding graph: %w", err)
	}
	return nil
}

// Decode reads a graph written by Encode and checks its structure.
func Decode(r io.Reader) (*Graph, error) {
	var snap snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("hnsw: decoding graph: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}

	cfg := snap.Config.WithDefaults()
	pcg := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	if len(snap.RNG) > 0 {
		if err := pcg.UnmarshalBinary(snap.RNG); err != nil {
			return nil, fmt.Errorf("hnsw: decoding rng state: %w", err)
		}
	}

	return &Graph{
		cfg:      cfg,
		vectors:  snap.Vectors,
		levels:   snap.Levels,
		friends:  snap.Friends,
		entry:    snap.Entry,
		maxLevel: snap.MaxLevel,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
		pcg:      pcg,
		rng:      rand.New(pcg),
		distance: distanceFunc(cfg.Metric),
	}, nil
}

func (s *snapshot) validate() error {
	if err := s.Config.WithDefaults().Validate(); err != nil {
		return err
	}
	n := len(s.Vectors)
	if len(s.Levels) != n || len(s.Friends) != n {
		return fmt.Errorf("hnsw: inconsistent graph: %d vectors, %d levels, %d link lists",
			n, len(s.Levels), len(s.Friends))
	}
	if n == 0 {
		if s.Entry != -1 {
			return fmt.Errorf("hnsw: empty graph with entry point %d", s.Entry)
		}
		return nil
	}
	if s.Entry < 0 || int(s.Entry) >= n {
		return fmt.Errorf("hnsw: entry point %d out of range", s.Entry)
	}
	for id, v := range s.Vectors {
		if len(v) != s.Config.Dim {
			return fmt.Errorf("hnsw: vector %d has dim %d, want %d", id, len(v), s.Config.Dim)
		}
		if len(s.Friends[id]) != s.Levels[id]+1 {
			return fmt.Errorf("hnsw: node %d has %d layers, want %d", id, len(s.Friends[id]), s.Levels[id]+1)
		}
		for _, layer := range s.Friends[id] {
			for _, f := range layer {
				if int(f) >= n {
					return fmt.Errorf("hnsw: node %d links to missing node %d", id, f)
				}
			}
		}
	}
	return nil
}
