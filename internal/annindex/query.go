package annindex

import (
	"context"
	"slices"
	"sort"

	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/matsen/samplesim/internal/storage"
)

// DefaultDuplicateCutoff is the similarity at or above which two samples
// count as duplicates.
const DefaultDuplicateCutoff float32 = 0.995

// duplicateFirstK is the first neighbor count tried by FindDuplicates.
const duplicateFirstK = 32

// identicalDistance absorbs float error in the distance of a vector to
// itself.
const identicalDistance = 1e-5

// Match is one query result.
type Match struct {
	SampleID   string  `json:"sample_id"`
	Similarity float32 `json:"similarity"`
}

// FindSimilar returns up to k samples closest to sampleID, most similar
// first. The query sample itself is never included.
func (m *Manager) FindSimilar(ctx context.Context, db *storage.DB, modelID, sampleID string, k int) (matches []Match, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.ensure(ctx, db, modelID)
	if err != nil {
		return nil, err
	}
	id, ok := s.idLookup[sampleID]
	if !ok {
		return nil, ErrNotIndexed
	}
	if k <= 0 {
		return nil, nil
	}
	return m.neighbors(s, id, k)
}

// FindDuplicates returns every sample whose similarity to sampleID is at
// least cutoff, most similar first.
func (m *Manager) FindDuplicates(ctx context.Context, db *storage.DB, modelID, sampleID string, cutoff float32) (matches []Match, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.ensure(ctx, db, modelID)
	if err != nil {
		return nil, err
	}
	id, ok := s.idLookup[sampleID]
	if !ok {
		return nil, ErrNotIndexed
	}

	others := len(s.idMap) - 1
	k := min(duplicateFirstK, others)
	for k > 0 {
		res, err := m.neighbors(s, id, k)
		if err != nil {
			return nil, err
		}
		matches = matches[:0]
		for _, r := range res {
			if r.Similarity >= cutoff {
				matches = append(matches, r)
			}
		}
		// Widen while every neighbor still passes; there may be more.
		if len(matches) < k || k >= others {
			break
		}
		k = min(2*k, others)
	}
	return matches, nil
}

// FindSimilarForVector returns up to k samples closest to an arbitrary
// vector, most similar first.
func (m *Manager) FindSimilarForVector(ctx context.Context, db *storage.DB, modelID string, vec []float32, k int) (matches []Match, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.ensure(ctx, db, modelID)
	if err != nil {
		return nil, err
	}
	if len(vec) != m.params.Dim {
		return nil, &DimensionMismatchError{ModelID: modelID, Got: len(vec), Want: m.params.Dim}
	}
	if k <= 0 || len(s.idMap) == 0 {
		return nil, nil
	}

	res, err := s.graph.Search(vec, k, 0)
	if err != nil {
		return nil, err
	}
	if len(res) < k && len(s.idMap) > len(res) {
		if res, err = s.graph.Exact(vec, k); err != nil {
			return nil, err
		}
	}
	return m.toMatches(s, res, -1, k), nil
}

// neighbors queries k+1 neighbors of a stored vector and strips the
// self-match. It falls back to an exact scan when the graph returns fewer
// candidates than are available, or when it never reached the query's own
// node or a copy of it. The latter happens when a cluster of identical
// vectors has pruned every link into it.
func (m *Manager) neighbors(s *state, id uint32, k int) ([]Match, error) {
	vec, ok := s.graph.Vector(id)
	if !ok {
		return nil, ErrNotIndexed
	}
	res, err := s.graph.Search(vec, k+1, 0)
	if err != nil {
		return nil, err
	}
	reached := slices.ContainsFunc(res, func(n hnsw.Neighbor) bool {
		return n.ID == id || n.Distance <= identicalDistance
	})
	matches := m.toMatches(s, res, int64(id), k)
	if !reached || len(matches) < k && len(s.idMap)-1 > len(matches) {
		exact, err := s.graph.Exact(vec, k+1)
		if err != nil {
			return nil, err
		}
		matches = m.toMatches(s, exact, int64(id), k)
	}
	return matches, nil
}

// toMatches maps dense ids back to sample ids, drops self, orders by
// descending similarity with sample id as the tie-break, and keeps k.
func (m *Manager) toMatches(s *state, res []hnsw.Neighbor, self int64, k int) []Match {
	out := make([]Match, 0, len(res))
	for _, r := range res {
		if int64(r.ID) == self || int(r.ID) >= len(s.idMap) {
			continue
		}
		out = append(out, Match{
			SampleID:   s.idMap[r.ID],
			Similarity: s.graph.Similarity(r.Distance),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].SampleID < out[j].SampleID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
