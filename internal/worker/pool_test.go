package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/embedding"
	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/storage"
)

const testModel = "test_model_v1"

// fakeDecoder serves clips keyed by file name. Names listed in fail return
// those errors in turn before succeeding.
type fakeDecoder struct {
	mu    sync.Mutex
	clips map[string]audio.Clip
	fail  map[string][]error
	calls map[string]int

	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		clips: make(map[string]audio.Clip),
		fail:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (d *fakeDecoder) Decode(ctx context.Context, path string) (audio.Clip, error) {
	name := filepath.Base(path)
	d.mu.Lock()
	d.calls[name]++
	var err error
	if errs := d.fail[name]; len(errs) > 0 {
		err = errs[0]
		d.fail[name] = errs[1:]
	}
	clip, ok := d.clips[name]
	d.mu.Unlock()

	if d.block != nil {
		d.once.Do(func() { close(d.entered) })
		<-d.block
	}
	if err != nil {
		return audio.Clip{}, err
	}
	if !ok {
		return audio.Clip{}, fmt.Errorf("%w: %s", audio.ErrCorrupt, name)
	}
	return clip, nil
}

func (d *fakeDecoder) callCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// testEmbedder uses the first four samples of a clip as its embedding.
func testEmbedder() embedding.Func {
	return embedding.Func{Model: testModel, Dim: 4, Fn: func(s []float32, _ uint32) ([]float32, error) {
		if len(s) < 4 {
			return nil, embedding.ErrEmptyAudio
		}
		return append([]float32(nil), s[:4]...), nil
	}}
}

func clipFor(i int) audio.Clip {
	s := make([]float32, 4)
	s[i%4] = 1
	s[(i+1)%4] = 0.05 * float32(i+1)
	return audio.Clip{Samples: s, SampleRate: 16000}
}

type fixture struct {
	dbPath string
	db     *storage.DB
	dec    *fakeDecoder
	index  *annindex.Manager
}

// newFixture creates a database with n scanned samples lib::sNN.wav, each
// with a pending AnalyzeSample job and a clip in the decoder.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "samplesim.db")
	db, err := storage.OpenDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.UpsertSource(ctx, storage.Source{SourceID: "lib", Root: "/lib"}))
	dec := newFakeDecoder()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("s%02d.wav", i)
		id := storage.SampleID("lib", name)
		hash := fmt.Sprintf("h%02d", i)
		_, err := db.UpsertSample(ctx, storage.Sample{SampleID: id, SourceID: "lib", RelativePath: name, ContentHash: hash, Size: 4, MTime: 1})
		require.NoError(t, err)
		_, err = db.EnqueueJob(ctx, jobs.Spec{SampleID: id, Type: jobs.AnalyzeSample, ContentHash: hash})
		require.NoError(t, err)
		dec.clips[name] = clipFor(i)
	}

	index, err := annindex.NewManager(filepath.Join(filepath.Dir(dbPath), "ann"), hnsw.Config{Dim: 4, M: 8, EfConstruction: 32, EfSearch: 32, Seed: 7})
	require.NoError(t, err)
	return &fixture{dbPath: dbPath, db: db, dec: dec, index: index}
}

func (f *fixture) pool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.AnalysisWorkers == 0 {
		cfg.AnalysisWorkers = 2
	}
	if cfg.DecodeWorkers == 0 {
		cfg.DecodeWorkers = 2
	}
	cfg.IdleWait = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	p, err := New(f.dbPath, f.index, f.dec, testEmbedder(), WithConfig(cfg))
	require.NoError(t, err)
	return p
}

func runUntilIdle(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, p.RunUntilIdle(ctx))
}

func jobStatus(t *testing.T, db *storage.DB, sampleID string, typ jobs.Type) *jobs.Job {
	t.Helper()
	job, err := db.FindJob(context.Background(), sampleID, typ)
	require.NoError(t, err)
	return job
}

func TestPoolAnalyzesSamples(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20)
	delete(f.dec.clips, "s07.wav") // decodes as corrupt

	p := f.pool(t, Config{EmbedBatchMax: 4})
	runUntilIdle(t, p)

	pr := p.Progress()
	assert.Equal(t, int64(19), pr.Done)
	assert.Equal(t, int64(1), pr.Failed)
	assert.Zero(t, pr.Inflight)

	bad := jobStatus(t, f.db, "lib::s07.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusFailed, bad.Status)
	assert.Equal(t, 1, bad.Attempts, "permanent failures are not retried")
	assert.Contains(t, bad.LastError, "corrupt")

	good := jobStatus(t, f.db, "lib::s03.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusDone, good.Status)

	e, err := f.db.GetEmbedding(ctx, "lib::s03.wav", testModel)
	require.NoError(t, err)
	assert.True(t, e.L2Normed)
	assert.Equal(t, 4, e.Dim)

	n, err := f.db.CountEmbeddings(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, 19, n)

	// Shutdown flushed the index even though fewer than 64 inserts happened.
	meta, err := f.db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, 19, meta.Count)
	_, err = os.Stat(meta.IndexPath)
	assert.NoError(t, err)

	matches, err := f.index.FindSimilar(ctx, f.db, testModel, "lib::s00.wav", 3)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "lib::s04.wav", matches[0].SampleID)
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, 2)
	flaky := errors.New("device busy")
	f.dec.fail["s00.wav"] = []error{flaky, flaky}
	f.dec.fail["s01.wav"] = []error{flaky, flaky, flaky}

	p := f.pool(t, Config{MaxAttempts: 3})
	runUntilIdle(t, p)

	recovered := jobStatus(t, f.db, "lib::s00.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusDone, recovered.Status)
	assert.Equal(t, 3, recovered.Attempts)
	assert.Equal(t, 3, f.dec.callCount("s00.wav"))

	exhausted := jobStatus(t, f.db, "lib::s01.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusFailed, exhausted.Status)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, exhausted.LastError, "device busy")

	assert.Equal(t, int64(4), p.Progress().Retried)
}

func TestPoolRequeuesStaleContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	// The file changed after the job was queued.
	_, err := f.db.UpsertSample(ctx, storage.Sample{SampleID: "lib::s00.wav", SourceID: "lib", RelativePath: "s00.wav", ContentHash: "fresh", Size: 4, MTime: 2})
	require.NoError(t, err)

	p := f.pool(t, Config{})
	runUntilIdle(t, p)

	job := jobStatus(t, f.db, "lib::s00.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, "fresh", job.ContentHash)
	assert.Equal(t, 2, f.dec.callCount("s00.wav"))
}

func TestPoolRunsBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	// Drop the analysis jobs; the samples are covered by one backfill job.
	claimed, err := f.db.ClaimNextJobs(ctx, 10)
	require.NoError(t, err)
	for _, c := range claimed {
		require.NoError(t, f.db.MarkDone(ctx, c.ID))
	}
	delete(f.dec.clips, "s02.wav")

	covered, err := EnqueueBackfill(ctx, f.db, testModel)
	require.NoError(t, err)
	assert.Equal(t, 6, covered)

	p := f.pool(t, Config{EmbedBatchMax: 4})
	runUntilIdle(t, p)

	job := jobStatus(t, f.db, jobs.BackfillSampleID("lib"), jobs.EmbeddingBackfill)
	assert.Equal(t, jobs.StatusDone, job.Status)

	missing, err := f.db.SamplesMissingEmbedding(ctx, testModel, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"lib::s02.wav"}, missing)

	stats, ok := f.index.Stats(testModel)
	require.True(t, ok)
	assert.Equal(t, 5, stats.Count)
}

func TestPoolRebuildsStaleIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	for i := 0; i < 5; i++ {
		clip := clipFor(i)
		require.NoError(t, f.db.UpsertEmbedding(ctx, storage.Embedding{
			SampleID: fmt.Sprintf("lib::s%02d.wav", i), ModelID: testModel, Dim: 4, DType: storage.DTypeF32, L2Normed: true, Vector: clip.Samples,
		}))
	}

	// The startup sweep sees embeddings with no dump and queues a rebuild.
	p := f.pool(t, Config{})
	runUntilIdle(t, p)

	job := jobStatus(t, f.db, jobs.RebuildSampleID(testModel), jobs.RebuildIndex)
	assert.Equal(t, jobs.StatusDone, job.Status)

	meta, err := f.db.GetAnnMeta(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Count)
	assert.False(t, meta.Dirty)
}

func TestPoolResetsStaleRunningJobsOnStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	// A previous process claimed the job an hour ago and died.
	past, err := storage.OpenDB(f.dbPath)
	require.NoError(t, err)
	past.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	claimed, err := past.ClaimNextJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, past.Close())

	p := f.pool(t, Config{})
	runUntilIdle(t, p)

	job := jobStatus(t, f.db, "lib::s00.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestShutdownReturnsClaimedJobsToPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.dec.block = make(chan struct{})
	f.dec.entered = make(chan struct{})

	p := f.pool(t, Config{DecodeWorkers: 1, AnalysisWorkers: 1, DecodeQueueTarget: 4})
	require.NoError(t, p.Start(ctx))

	select {
	case <-f.dec.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("decoder never called")
	}
	running, err := f.db.CountJobs(ctx, jobs.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 4, running)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()
	require.Eventually(t, func() bool {
		p.queue.mu.Lock()
		defer p.queue.mu.Unlock()
		return p.queue.closed
	}, 10*time.Second, 5*time.Millisecond)
	close(f.dec.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	pending, err := f.db.CountJobs(ctx, jobs.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
	assert.Zero(t, p.Progress().Done)
}

func TestHeartbeatOutlivesConcurrentSweeps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.dec.block = make(chan struct{})
	f.dec.entered = make(chan struct{})

	p := f.pool(t, Config{
		DecodeWorkers:   1,
		AnalysisWorkers: 1,
		StaleAfter:      400 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	})
	require.NoError(t, p.Start(ctx))

	select {
	case <-f.dec.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("decoder never called")
	}

	// Sweeps run many times past StaleAfter; the heartbeat keeps the job
	// claimed by this run.
	time.Sleep(time.Second)
	job := jobStatus(t, f.db, "lib::s00.wav", jobs.AnalyzeSample)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	require.NotNil(t, job.RunningAt)
	assert.WithinDuration(t, time.Now(), *job.RunningAt, 400*time.Millisecond)
	assert.Equal(t, int64(1), p.Progress().Claimed)

	close(f.dec.block)
	require.Eventually(t, func() bool { return p.Progress().Done == 1 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(ctx))
}

func TestCancelStopsClaiming(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	p := f.pool(t, Config{})
	p.Cancel()
	require.NoError(t, p.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p.Progress().Claimed)

	p.Resume()
	require.Eventually(t, func() bool { return p.Progress().Done == 3 }, 10*time.Second, 5*time.Millisecond)
	p.Cancel()

	require.NoError(t, p.Shutdown(ctx))
	done, err := f.db.CountJobs(ctx, jobs.StatusDone)
	require.NoError(t, err)
	assert.Equal(t, 3, done)
}

func TestNewRejectsDimensionMismatch(t *testing.T) {
	f := newFixture(t, 0)
	wrong := embedding.Func{Model: "wide", Dim: 8, Fn: func([]float32, uint32) ([]float32, error) { return nil, nil }}
	_, err := New(f.dbPath, f.index, f.dec, wrong)
	var dim *annindex.DimensionMismatchError
	assert.True(t, errors.As(err, &dim))
}
