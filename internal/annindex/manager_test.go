package annindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "envelope-v1"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newManager(t *testing.T, dir string, dim int, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(dir, hnsw.Config{Dim: dim, M: 8, EfConstruction: 64, EfSearch: 32, Seed: 42}, opts...)
	require.NoError(t, err)
	return m
}

func oneHot(i, dim int) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	return v
}

func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		norm += x * x
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func seedEmbeddings(t *testing.T, db *storage.DB, ids []string, vecs [][]float32) {
	t.Helper()
	es := make([]storage.Embedding, len(ids))
	for i := range ids {
		es[i] = storage.Embedding{SampleID: ids[i], ModelID: testModel, L2Normed: true, Vector: vecs[i]}
	}
	require.NoError(t, db.UpsertEmbeddings(context.Background(), es))
}

func sampleIDs(n int, format string) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf(format, i)
	}
	return ids
}

func matchIDs(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.SampleID
	}
	return out
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 4)

	inserted, err := m.UpsertEmbedding(ctx, db, testModel, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.UpsertEmbedding(ctx, db, testModel, "a", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.False(t, inserted)

	st, ok := m.Stats(testModel)
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 1, st.DirtyInserts)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 4)

	_, err := m.UpsertEmbedding(ctx, db, testModel, "a", []float32{1, 0})
	var dimErr *DimensionMismatchError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 2, dimErr.Got)
	assert.Equal(t, 4, dimErr.Want)

	n, err := m.UpsertEmbeddingsBatch(ctx, db, testModel, []Item{
		{SampleID: "b", Vector: []float32{1, 0, 0, 0}},
		{SampleID: "c", Vector: []float32{1, 0, 0}},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	st, _ := m.Stats(testModel)
	assert.Equal(t, 0, st.Count)
}

func TestFlushThreshold(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	clock := newClock()
	dir := t.TempDir()
	m := newManager(t, dir, 8, WithClock(clock.Now), WithFlushPolicy(64, 30*time.Second))
	rng := rand.New(rand.NewPCG(1, 1))

	for i := 0; i < 63; i++ {
		clock.Advance(10 * time.Millisecond)
		_, err := m.UpsertEmbedding(ctx, db, testModel, fmt.Sprintf("s%03d", i), randVec(rng, 8))
		require.NoError(t, err)
	}

	st, _ := m.Stats(testModel)
	assert.Equal(t, 63, st.DirtyInserts)
	assert.Equal(t, 0, st.Flushes)
	_, err := db.GetAnnMeta(ctx, testModel)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "meta written before threshold: %v", err)
	_, err = os.Stat(m.IndexPath(testModel))
	assert.True(t, os.IsNotExist(err))

	_, err = m.UpsertEmbedding(ctx, db, testModel, "s063", randVec(rng, 8))
	require.NoError(t, err)

	st, _ = m.Stats(testModel)
	assert.Equal(t, 0, st.DirtyInserts)
	assert.Equal(t, 1, st.Flushes)
	meta, err := db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, 64, meta.Count)
	assert.Equal(t, m.IndexPath(testModel), meta.IndexPath)
	assert.False(t, meta.Dirty)
}

func TestFlushInterval(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	clock := newClock()
	m := newManager(t, t.TempDir(), 4, WithClock(clock.Now), WithFlushPolicy(64, 30*time.Second))

	_, err := m.UpsertEmbedding(ctx, db, testModel, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, m.FlushDue(ctx, db))
	st, _ := m.Stats(testModel)
	assert.Equal(t, 0, st.Flushes)

	clock.Advance(31 * time.Second)
	require.NoError(t, m.FlushDue(ctx, db))
	st, _ = m.Stats(testModel)
	assert.Equal(t, 1, st.Flushes)
	assert.Equal(t, 0, st.DirtyInserts)

	// The interval also applies on insert.
	clock.Advance(31 * time.Second)
	_, err = m.UpsertEmbedding(ctx, db, testModel, "b", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	st, _ = m.Stats(testModel)
	assert.Equal(t, 2, st.Flushes)
}

func TestFlushFailureKeepsDirtyInserts(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	root := t.TempDir()
	dir := filepath.Join(root, "index")
	// A regular file where the index directory should be.
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0644))

	m := newManager(t, dir, 4, WithFlushPolicy(2, time.Hour))
	_, err := m.UpsertEmbedding(ctx, db, testModel, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = m.UpsertEmbedding(ctx, db, testModel, "b", []float32{0, 1, 0, 0})
	require.NoError(t, err, "automatic flush failures are not returned")

	st, _ := m.Stats(testModel)
	assert.Equal(t, 2, st.DirtyInserts)
	assert.Equal(t, 0, st.Flushes)

	meta, err := db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)

	assert.Error(t, m.FlushPendingInserts(ctx, db, testModel))
	st, _ = m.Stats(testModel)
	assert.Equal(t, 2, st.DirtyInserts)

	require.NoError(t, os.Remove(dir))
	require.NoError(t, m.FlushPendingInserts(ctx, db, testModel))
	st, _ = m.Stats(testModel)
	assert.Equal(t, 0, st.DirtyInserts)

	// A successful flush does not clear the marker; only a rebuild does.
	meta, err = db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)
	assert.Equal(t, 2, meta.Count)

	requested, err := m.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{testModel}, requested)
	job, err := db.FindJob(ctx, jobs.RebuildSampleID(testModel), jobs.RebuildIndex)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, testModel, job.ContentHash)

	_, err = m.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)
	meta, err = db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.False(t, meta.Dirty)
}

func TestFlushPendingInsertsNoop(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 4)

	require.NoError(t, m.FlushPendingInserts(ctx, db, "never-loaded"))
	_, err := db.GetAnnMeta(ctx, "never-loaded")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRebuildEquivalence(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(9, 9))
	ids := sampleIDs(200, "s%03d")
	vecs := make([][]float32, len(ids))
	for i := range vecs {
		vecs[i] = randVec(rng, 16)
	}

	incDB := openDB(t)
	incremental := newManager(t, t.TempDir(), 16)
	for i, id := range ids {
		_, err := incremental.UpsertEmbedding(ctx, incDB, testModel, id, vecs[i])
		require.NoError(t, err)
	}

	rebDB := openDB(t)
	seedEmbeddings(t, rebDB, ids, vecs)
	rebuilt := newManager(t, t.TempDir(), 16)
	res, err := rebuilt.RebuildIndex(ctx, rebDB, testModel)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Count)
	assert.Equal(t, 0, res.Skipped)

	for _, q := range []string{"s000", "s017", "s099", "s150", "s199"} {
		want, err := incremental.FindSimilar(ctx, incDB, testModel, q, 10)
		require.NoError(t, err)
		got, err := rebuilt.FindSimilar(ctx, rebDB, testModel, q, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, matchIDs(want), matchIDs(got), "query %s", q)
	}
}

func TestFindSimilarExcludesSelf(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	rng := rand.New(rand.NewPCG(2, 3))
	ids := sampleIDs(100, "x%02d")
	vecs := make([][]float32, len(ids))
	for i := range vecs {
		vecs[i] = randVec(rng, 8)
	}
	seedEmbeddings(t, db, ids, vecs)
	m := newManager(t, t.TempDir(), 8)

	for _, id := range ids {
		res, err := m.FindSimilar(ctx, db, testModel, id, 5)
		require.NoError(t, err)
		assert.Len(t, res, 5)
		assert.NotContains(t, matchIDs(res), id)
		for i := 1; i < len(res); i++ {
			assert.GreaterOrEqual(t, res[i-1].Similarity, res[i].Similarity)
		}
	}

	_, err := m.FindSimilar(ctx, db, testModel, "missing", 5)
	assert.True(t, errors.Is(err, ErrNotIndexed))
}

func TestFindSimilarSmallIndex(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 2)
	_, err := m.UpsertEmbedding(ctx, db, testModel, "only", []float32{1, 0})
	require.NoError(t, err)

	res, err := m.FindSimilar(ctx, db, testModel, "only", 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = m.UpsertEmbedding(ctx, db, testModel, "other", []float32{0, 1})
	require.NoError(t, err)
	res, err = m.FindSimilar(ctx, db, testModel, "only", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, matchIDs(res))
}

func TestFindDuplicatesCutoff(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 8)

	near := float32(math.Sqrt(1 - 0.999*0.999))
	far := float32(math.Sqrt(0.75))
	items := []Item{
		{SampleID: "a", Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}},
		{SampleID: "b", Vector: []float32{0.999, near, 0, 0, 0, 0, 0, 0}},
		{SampleID: "c", Vector: []float32{0.5, 0, far, 0, 0, 0, 0, 0}},
	}
	for i := 3; i < 8; i++ {
		items = append(items, Item{SampleID: "filler" + strconv.Itoa(i), Vector: oneHot(i, 8)})
	}
	_, err := m.UpsertEmbeddingsBatch(ctx, db, testModel, items)
	require.NoError(t, err)

	dupA, err := m.FindDuplicates(ctx, db, testModel, "a", DefaultDuplicateCutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, matchIDs(dupA))
	assert.InDelta(t, 0.999, dupA[0].Similarity, 1e-4)

	dupB, err := m.FindDuplicates(ctx, db, testModel, "b", DefaultDuplicateCutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, matchIDs(dupB))

	dupC, err := m.FindDuplicates(ctx, db, testModel, "c", DefaultDuplicateCutoff)
	require.NoError(t, err)
	assert.Empty(t, dupC)
}

func TestFindDuplicatesWidensPastFirstK(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 4)

	var items []Item
	for i := 0; i < 50; i++ {
		items = append(items, Item{SampleID: fmt.Sprintf("dup%02d", i), Vector: []float32{1, 0, 0, 0}})
	}
	items = append(items, Item{SampleID: "other", Vector: []float32{0, 1, 0, 0}})
	_, err := m.UpsertEmbeddingsBatch(ctx, db, testModel, items)
	require.NoError(t, err)

	dups, err := m.FindDuplicates(ctx, db, testModel, "dup00", DefaultDuplicateCutoff)
	require.NoError(t, err)
	assert.Len(t, dups, 49)
	assert.NotContains(t, matchIDs(dups), "other")
}

func TestScenarioOneHotRebuild(t *testing.T) {
	const dim = 8
	ctx := context.Background()
	db := openDB(t)

	ids := sampleIDs(256, "s%d")
	vecs := make([][]float32, len(ids))
	for i := range vecs {
		vecs[i] = oneHot(i, dim)
	}
	seedEmbeddings(t, db, ids, vecs)

	m := newManager(t, t.TempDir(), dim)
	_, err := m.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)

	res, err := m.FindSimilar(ctx, db, testModel, "s0", 10)
	require.NoError(t, err)
	require.Len(t, res, 10)
	for _, r := range res {
		n, err := strconv.Atoi(strings.TrimPrefix(r.SampleID, "s"))
		require.NoError(t, err)
		assert.Equal(t, 0, n%dim, "unexpected match %s", r.SampleID)
		assert.InDelta(t, 1, r.Similarity, 1e-6)
	}
}

func TestScenarioIncrementalAfterFlush(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	rng := rand.New(rand.NewPCG(4, 4))
	m := newManager(t, t.TempDir(), 16)

	var items []Item
	for i := 0; i < 256; i++ {
		items = append(items, Item{SampleID: fmt.Sprintf("base%03d", i), Vector: randVec(rng, 16)})
	}
	n, err := m.UpsertEmbeddingsBatch(ctx, db, testModel, items)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	require.NoError(t, m.FlushPendingInserts(ctx, db, testModel))

	target := randVec(rng, 16)
	twin := make([]float32, len(target))
	copy(twin, target)
	twin[0] += 0.01

	for i := 0; i < 31; i++ {
		_, err := m.UpsertEmbedding(ctx, db, testModel, fmt.Sprintf("new%02d", i), randVec(rng, 16))
		require.NoError(t, err)
	}
	_, err = m.UpsertEmbedding(ctx, db, testModel, "new-target", target)
	require.NoError(t, err)
	_, err = m.UpsertEmbedding(ctx, db, testModel, "new-twin", twin)
	require.NoError(t, err)

	res, err := m.FindSimilar(ctx, db, testModel, "new-target", 5)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, "new-twin", res[0].SampleID)

	byVec, err := m.FindSimilarForVector(ctx, db, testModel, target, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new-target"}, matchIDs(byVec))

	st, _ := m.Stats(testModel)
	assert.Equal(t, 289, st.Count)
}

func TestLoadFromDump(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	dir := t.TempDir()
	rng := rand.New(rand.NewPCG(6, 6))
	ids := sampleIDs(80, "s%02d")
	vecs := make([][]float32, len(ids))
	for i := range vecs {
		vecs[i] = randVec(rng, 8)
	}
	seedEmbeddings(t, db, ids, vecs)

	first := newManager(t, dir, 8)
	_, err := first.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)
	want, err := first.FindSimilar(ctx, db, testModel, "s10", 5)
	require.NoError(t, err)

	second := newManager(t, dir, 8)
	got, err := second.FindSimilar(ctx, db, testModel, "s10", 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	st, _ := second.Stats(testModel)
	assert.Equal(t, SourceDump, st.Source)
	assert.Equal(t, 0, st.DirtyInserts)

	// A row added behind the dump's back forces a rebuild on load.
	seedEmbeddings(t, db, []string{"zz"}, [][]float32{randVec(rng, 8)})
	third := newManager(t, dir, 8)
	require.NoError(t, third.EnsureLoaded(ctx, db, testModel))
	st, _ = third.Stats(testModel)
	assert.Equal(t, SourceRebuild, st.Source)
	assert.Equal(t, 81, st.Count)
	assert.Equal(t, 81, st.DirtyInserts)

	// Different parameters also force a rebuild.
	other, err := NewManager(dir, hnsw.Config{Dim: 8, M: 12, Seed: 42})
	require.NoError(t, err)
	require.NoError(t, other.EnsureLoaded(ctx, db, testModel))
	st, _ = other.Stats(testModel)
	assert.Equal(t, SourceRebuild, st.Source)
}

func TestDirtyDumpRequestsRebuildOnLoad(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	dir := t.TempDir()
	seedEmbeddings(t, db, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})

	m := newManager(t, dir, 2)
	_, err := m.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)
	require.NoError(t, db.MarkAnnDirty(ctx, testModel, m.IndexPath(testModel)))

	loaded := newManager(t, dir, 2)
	require.NoError(t, loaded.EnsureLoaded(ctx, db, testModel))
	st, _ := loaded.Stats(testModel)
	assert.Equal(t, SourceDump, st.Source)

	job, err := db.FindJob(ctx, jobs.RebuildSampleID(testModel), jobs.RebuildIndex)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
}

func TestRebuildSkipsWrongDimensionRows(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedEmbeddings(t, db, []string{"a", "b", "c"}, [][]float32{{1, 0, 0}, {0, 1}, {0, 0, 1}})

	m := newManager(t, t.TempDir(), 3)
	res, err := m.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, res.Skipped)

	// The skipped row neither invalidates the dump nor makes the index stale.
	fresh := newManager(t, m.Dir(), 3)
	requested, err := fresh.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, requested)

	require.NoError(t, fresh.EnsureLoaded(ctx, db, testModel))
	stats, ok := fresh.Stats(testModel)
	require.True(t, ok)
	assert.Equal(t, SourceDump, stats.Source)
	assert.Equal(t, 2, stats.Count)
}

func TestCheckStale(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedEmbeddings(t, db, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	m := newManager(t, t.TempDir(), 2)

	requested, err := m.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{testModel}, requested)

	_, err = m.RebuildIndex(ctx, db, testModel)
	require.NoError(t, err)
	requested, err = m.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, requested)

	// A loaded index treats rows not yet inserted as in flight.
	seedEmbeddings(t, db, []string{"c"}, [][]float32{{1, 1}})
	requested, err = m.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, requested)

	// Without in-memory state the dump's count is compared instead.
	other := newManager(t, m.Dir(), 2)
	requested, err = other.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{testModel}, requested)

	// Rows missing from the table make a loaded index stale.
	_, err = db.DeleteEmbeddings(ctx, "a")
	require.NoError(t, err)
	_, err = db.DeleteEmbeddings(ctx, "c")
	require.NoError(t, err)
	requested, err = m.CheckStale(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{testModel}, requested)
}

func TestIndexPathSanitizesModelID(t *testing.T) {
	m := newManager(t, "/idx", 2)
	assert.Equal(t, filepath.Join("/idx", "org_model_v1-cfaa0646.ann"), m.IndexPath("org/model v1"))
}

func TestIndexPathKeepsCollidingIDsApart(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := newManager(t, t.TempDir(), 2)
	assert.NotEqual(t, m.IndexPath("a/b"), m.IndexPath("a_b"))

	for _, model := range []string{"a/b", "a_b"} {
		require.NoError(t, db.UpsertEmbedding(ctx, storage.Embedding{
			SampleID: "s::" + model, ModelID: model, Dim: 2, DType: storage.DTypeF32, L2Normed: true,
			Vector: []float32{1, 0},
		}))
		_, err := m.RebuildIndex(ctx, db, model)
		require.NoError(t, err)
	}

	// Each model reloads its own dump.
	fresh := newManager(t, m.Dir(), 2)
	for _, model := range []string{"a/b", "a_b"} {
		require.NoError(t, fresh.EnsureLoaded(ctx, db, model))
		stats, ok := fresh.Stats(model)
		require.True(t, ok)
		assert.Equal(t, SourceDump, stats.Source)
		assert.Equal(t, 1, stats.Count)
	}
}

func TestNewManagerRequiresDim(t *testing.T) {
	_, err := NewManager(t.TempDir(), hnsw.Config{})
	assert.Error(t, err)
}
