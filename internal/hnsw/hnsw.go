// Package hnsw implements an append-only Hierarchical Navigable Small World
// graph over dense uint32 ids.
//
// Ids are assigned in insertion order starting at zero and are never reused;
// there is no delete. Callers map their own keys onto those ids.
package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Metric selects the distance function.
type Metric string

const (
	// Cosine stores unit vectors and uses 1 - dot as the distance.
	Cosine Metric = "cosine"
	// L2 uses squared euclidean distance.
	L2 Metric = "l2"
)

// ErrDimensionMismatch is wrapped by errors for vectors of the wrong length.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Config configures a Graph.
type Config struct {
	// Dim is the vector dimension. Required.
	Dim int `json:"dim" msgpack:"dim"`

	// Metric defaults to Cosine.
	Metric Metric `json:"metric" msgpack:"metric"`

	// M is the maximum number of links per node on layers above 0; layer 0
	// allows 2*M. Default: 16.
	M int `json:"m" msgpack:"m"`

	// EfConstruction is the candidate list size used while inserting.
	// Default: 200.
	EfConstruction int `json:"ef_construction" msgpack:"ef_construction"`

	// EfSearch is the default candidate list size for queries. Default: 64.
	EfSearch int `json:"ef_search" msgpack:"ef_search"`

	// Seed makes level assignment reproducible. Graphs built with the same
	// seed from the same insertion sequence are identical.
	Seed uint64 `json:"seed" msgpack:"seed"`
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Metric == "" {
		c.Metric = Cosine
	}
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("hnsw: dimension must be positive, got %d", c.Dim)
	}
	switch c.Metric {
	case Cosine, L2:
	default:
		return fmt.Errorf("hnsw: unknown metric %q", c.Metric)
	}
	return nil
}

func (c Config) maxConns(layer int) int {
	if layer == 0 {
		return 2 * c.M
	}
	return c.M
}

// Neighbor is one search result.
type Neighbor struct {
	ID       uint32
	Distance float32
}

// Graph is an HNSW index. All methods are safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	cfg      Config
	vectors  [][]float32
	levels   []int
	friends  [][][]uint32 // friends[id][layer]
	entry    int32        // -1 when empty
	maxLevel int
	levelMul float64
	pcg      *rand.PCG
	rng      *rand.Rand
	distance func(a, b []float32) float32
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcg := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &Graph{
		cfg:      cfg,
		entry:    -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
		pcg:      pcg,
		rng:      rand.New(pcg),
		distance: distanceFunc(cfg.Metric),
	}, nil
}

// Config returns the graph configuration.
func (g *Graph) Config() Config {
	return g.cfg
}

// Len returns the number of vectors in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vectors)
}

// Vector returns a copy of the stored vector for id.
func (g *Graph) Vector(id uint32) ([]float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(id) >= len(g.vectors) {
		return nil, false
	}
	out := make([]float32, len(g.vectors[id]))
	copy(out, g.vectors[id])
	return out, true
}

// Similarity converts a distance into a score where higher is closer.
// For unit vectors both metrics map to cosine similarity.
func (g *Graph) Similarity(distance float32) float32 {
	if g.cfg.Metric == L2 {
		return 1 - distance/2
	}
	return 1 - distance
}

// Add inserts vec and returns its id, which equals the previous Len().
func (g *Graph) Add(vec []float32) (uint32, error) {
	if len(vec) != g.cfg.Dim {
		return 0, fmt.Errorf("hnsw: %w: got %d, want %d", ErrDimensionMismatch, len(vec), g.cfg.Dim)
	}
	v := g.prepare(vec)

	g.mu.Lock()
	defer g.mu.Unlock()

	id := uint32(len(g.vectors))
	level := g.randomLevel()
	g.vectors = append(g.vectors, v)
	g.levels = append(g.levels, level)
	g.friends = append(g.friends, make([][]uint32, level+1))

	if g.entry < 0 {
		g.entry = int32(id)
		g.maxLevel = level
		return id, nil
	}

	cur := g.greedyDescend(v, uint32(g.entry), g.maxLevel, level)

	top := min(level, g.maxLevel)
	ep := []uint32{cur}
	for lev := top; lev >= 0; lev-- {
		candidates := g.searchLayer(v, ep, g.cfg.EfConstruction, lev)
		maxC := g.cfg.maxConns(lev)
		neighbors := g.selectNeighbors(v, candidates, maxC)
		g.friends[id][lev] = neighbors

		for _, n := range neighbors {
			if lev >= len(g.friends[n]) {
				continue
			}
			g.friends[n][lev] = append(g.friends[n][lev], id)
			if len(g.friends[n][lev]) > maxC {
				g.friends[n][lev] = g.selectNeighbors(g.vectors[n], g.friends[n][lev], maxC)
			}
		}
		ep = candidates
	}

	if level > g.maxLevel {
		g.entry = int32(id)
		g.maxLevel = level
	}
	return id, nil
}

// Search returns up to k approximate nearest neighbors of query ordered by
// ascending distance. ef below k is raised to k; zero uses EfSearch.
func (g *Graph) Search(query []float32, k, ef int) ([]Neighbor, error) {
	if len(query) != g.cfg.Dim {
		return nil, fmt.Errorf("hnsw: %w: got %d, want %d", ErrDimensionMismatch, len(query), g.cfg.Dim)
	}
	q := g.prepare(query)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.cfg.EfSearch
	}
	ef = max(ef, k)

	cur := g.greedyDescend(q, uint32(g.entry), g.maxLevel, 0)
	ids := g.searchLayer(q, []uint32{cur}, ef, 0)

	out := make([]Neighbor, len(ids))
	for i, id := range ids {
		out[i] = Neighbor{ID: id, Distance: g.distance(q, g.vectors[id])}
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Exact scans every vector and returns the k closest. It is the reference
// the approximate search is measured against.
func (g *Graph) Exact(query []float32, k int) ([]Neighbor, error) {
	if len(query) != g.cfg.Dim {
		return nil, fmt.Errorf("hnsw: %w: got %d, want %d", ErrDimensionMismatch, len(query), g.cfg.Dim)
	}
	q := g.prepare(query)

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Neighbor, len(g.vectors))
	for i, v := range g.vectors {
		out[i] = Neighbor{ID: uint32(i), Distance: g.distance(q, v)}
	}
	sortNeighbors(out)
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// prepare copies vec and, for Cosine, scales it to unit length.
func (g *Graph) prepare(vec []float32) []float32 {
	v := make([]float32, len(vec))
	copy(v, vec)
	if g.cfg.Metric == Cosine {
		normalize(v)
	}
	return v
}

// greedyDescend walks from ep on layer from down to layer to+1, moving to
// any strictly closer neighbor, and returns the final node.
func (g *Graph) greedyDescend(q []float32, ep uint32, from, to int) uint32 {
	cur := ep
	curDist := g.distance(q, g.vectors[cur])
	for lev := from; lev > to; lev-- {
		changed := true
		for changed {
			changed = false
			if lev >= len(g.friends[cur]) {
				break
			}
			for _, f := range g.friends[cur][lev] {
				if d := g.distance(q, g.vectors[f]); d < curDist {
					cur, curDist = f, d
					changed = true
				}
			}
		}
	}
	return cur
}

// searchLayer is the beam search of one layer. It returns up to ef ids.
func (g *Graph) searchLayer(q []float32, entryPoints []uint32, ef, layer int) []uint32 {
	visited := bitset.New(uint(len(g.vectors)))

	var candidates minHeap
	var results maxHeap
	for _, ep := range entryPoints {
		if visited.Test(uint(ep)) {
			continue
		}
		visited.Set(uint(ep))
		d := g.distance(q, g.vectors[ep])
		heap.Push(&candidates, item{id: ep, dist: d})
		heap.Push(&results, item{id: ep, dist: d})
		if results.Len() > ef {
			heap.Pop(&results)
		}
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(item)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}
		if layer >= len(g.friends[closest.id]) {
			continue
		}
		for _, f := range g.friends[closest.id][layer] {
			if visited.Test(uint(f)) {
				continue
			}
			visited.Set(uint(f))
			d := g.distance(q, g.vectors[f])
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, item{id: f, dist: d})
				heap.Push(&results, item{id: f, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].id
	}
	return out
}

// selectNeighbors picks up to maxN links for q with the HNSW heuristic: a
// candidate is kept only while it is closer to q than to every neighbor
// already kept, which spreads links across clusters. Remaining slots are
// filled with the closest rejected candidates. Ties break on id so
// construction is deterministic.
func (g *Graph) selectNeighbors(q []float32, candidates []uint32, maxN int) []uint32 {
	items := make([]Neighbor, len(candidates))
	for i, c := range candidates {
		items[i] = Neighbor{ID: c, Distance: g.distance(q, g.vectors[c])}
	}
	sortNeighbors(items)
	if len(items) <= maxN {
		return neighborIDs(items)
	}

	kept := make([]Neighbor, 0, maxN)
	var pruned []Neighbor
	for _, it := range items {
		if len(kept) == maxN {
			break
		}
		diverse := true
		for _, k := range kept {
			if g.distance(g.vectors[it.ID], g.vectors[k.ID]) < it.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, it)
		} else {
			pruned = append(pruned, it)
		}
	}
	for _, it := range pruned {
		if len(kept) == maxN {
			break
		}
		kept = append(kept, it)
	}
	return neighborIDs(kept)
}

func neighborIDs(ns []Neighbor) []uint32 {
	out := make([]uint32, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func (g *Graph) randomLevel() int {
	r := max(g.rng.Float64(), math.SmallestNonzeroFloat64)
	return min(int(-math.Log(r)*g.levelMul), 31)
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}
