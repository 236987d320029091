// Package worker runs analysis jobs: decode workers claim jobs and decode
// audio, inference workers embed the decoded clips in micro-batches and
// write the results to the database and the similarity index.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/embedding"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
)

// Pool owns the worker goroutines of one process. Each worker opens its own
// connection to the database file.
type Pool struct {
	cfg      Config
	dbPath   string
	index    *annindex.Manager
	decoder  audio.Decoder
	embedder embedding.Embedder
	logger   *logging.Logger
	now      func() time.Time
	runID    string

	tracker *jobs.Tracker
	work    *jobs.Signal
	queue   *decodedQueue

	claiming atomic.Bool
	stopping atomic.Bool
	busy     atomic.Int64

	claimed atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64

	fullWarn  rate.Sometimes
	claimWarn rate.Sometimes

	mu      sync.Mutex
	started bool
	stopped bool
	// control serves Start, RunUntilIdle and Shutdown. Every worker
	// goroutine opens its own handle.
	control *storage.DB
	stop    context.CancelFunc
	exited  chan struct{}
	runErr  error
}

// Option configures a Pool.
type Option func(*Pool)

// WithConfig sets the pool configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(p *Pool) {
		p.cfg = cfg
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source used for heartbeats and stale checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Progress is a snapshot of a pool's counters.
type Progress struct {
	RunID    string `json:"run_id"`
	Claimed  int64  `json:"claimed"`
	Done     int64  `json:"done"`
	Failed   int64  `json:"failed"`
	Retried  int64  `json:"retried"`
	Inflight int    `json:"inflight"`
	Queued   int    `json:"queued"`
}

// New creates a pool over the database at dbPath. The embedder's dimension
// must match the index.
func New(dbPath string, index *annindex.Manager, decoder audio.Decoder, embedder embedding.Embedder, opts ...Option) (*Pool, error) {
	if index == nil || decoder == nil || embedder == nil {
		return nil, errors.New("worker pool needs an index, a decoder and an embedder")
	}
	if got, want := embedder.Dimensions(), index.Params().Dim; got != want {
		return nil, &annindex.DimensionMismatchError{ModelID: embedder.ModelID(), Got: got, Want: want}
	}

	p := &Pool{
		dbPath:    dbPath,
		index:     index,
		decoder:   decoder,
		embedder:  embedder,
		logger:    logging.NoopLogger(),
		now:       time.Now,
		runID:     uuid.NewString(),
		tracker:   jobs.NewTracker(),
		work:      jobs.NewSignal(),
		fullWarn:  rate.Sometimes{Interval: time.Second},
		claimWarn: rate.Sometimes{Interval: time.Second},
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg = p.cfg.Normalize()
	p.logger = p.logger.WithRun(p.runID)
	p.queue = newDecodedQueue(p.cfg.DecodeQueueTarget)
	p.claiming.Store(true)
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// RunID identifies this pool in logs.
func (p *Pool) RunID() string {
	return p.runID
}

// Start recovers stale jobs and launches the workers. Cancelling ctx stops
// the workers as Shutdown would, minus the final bookkeeping.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return errors.New("worker pool already started")
	}

	control, err := p.openDB()
	if err != nil {
		return err
	}
	p.control = control
	p.sweep(ctx, control)

	runCtx, stop := context.WithCancel(ctx)
	p.stop = stop
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.cfg.DecodeWorkers; i++ {
		g.Go(func() error { return p.decodeLoop(gctx, i) })
	}
	for i := 0; i < p.cfg.AnalysisWorkers; i++ {
		g.Go(func() error { return p.inferenceLoop(gctx, i) })
	}
	g.Go(func() error { return p.heartbeatLoop(gctx) })
	g.Go(func() error { return p.sweepLoop(gctx) })

	go func() {
		p.runErr = g.Wait()
		close(p.exited)
	}()

	p.started = true
	p.work.Notify()
	p.logger.Info("worker pool started",
		"decode_workers", p.cfg.DecodeWorkers,
		"analysis_workers", p.cfg.AnalysisWorkers,
		"queue_target", p.cfg.DecodeQueueTarget,
		"embed_batch_max", p.cfg.EmbedBatchMax,
	)
	return nil
}

// Notify wakes idle workers, typically after new jobs were enqueued.
func (p *Pool) Notify() {
	p.work.Notify()
}

// Cancel stops claiming new work. Claimed jobs still run to completion.
// Calling it before Start keeps the pool from claiming until Resume.
func (p *Pool) Cancel() {
	p.claiming.Store(false)
}

// Resume undoes Cancel.
func (p *Pool) Resume() {
	p.claiming.Store(true)
	p.work.Notify()
}

// Shutdown stops the pool: it sets the stop flag, returns every job this
// process still holds to pending, waits for the workers and flushes the
// index. Jobs already being processed finish first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.claiming.Store(false)
	p.stopping.Store(true)
	p.queue.close()

	var errs []error
	if err := p.resetInflight(ctx); err != nil {
		errs = append(errs, err)
	}

	p.stop()
	p.work.Notify()
	select {
	case <-p.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.runErr != nil && !errors.Is(p.runErr, context.Canceled) {
		errs = append(errs, p.runErr)
	}

	// Jobs claimed between the first reset and the workers exiting.
	if err := p.resetInflight(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, model := range p.index.Loaded() {
		if err := p.index.FlushPendingInserts(ctx, p.control, model); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", model, err))
		}
	}
	if err := p.control.Close(); err != nil {
		errs = append(errs, err)
	}

	pr := p.Progress()
	p.logger.Info("worker pool stopped",
		"done", pr.Done,
		"failed", pr.Failed,
		"retried", pr.Retried,
	)
	return errors.Join(errs...)
}

// RunUntilIdle starts the pool, waits until no pending work is left and
// shuts it down.
func (p *Pool) RunUntilIdle(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	shutdown := context.WithoutCancel(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), p.Shutdown(shutdown))
		case <-p.exited:
			return p.Shutdown(shutdown)
		case <-ticker.C:
		}

		idle, err := p.idle(ctx)
		if err != nil {
			return errors.Join(err, p.Shutdown(shutdown))
		}
		if idle {
			return p.Shutdown(shutdown)
		}
	}
}

// Progress returns the pool's counters.
func (p *Pool) Progress() Progress {
	_, inflight := p.tracker.Counts()
	return Progress{
		RunID:    p.runID,
		Claimed:  p.claimed.Load(),
		Done:     p.done.Load(),
		Failed:   p.failed.Load(),
		Retried:  p.retried.Load(),
		Inflight: inflight,
		Queued:   p.queue.len(),
	}
}

func (p *Pool) idle(ctx context.Context) (bool, error) {
	if p.busy.Load() > 0 || p.queue.len() > 0 {
		return false, nil
	}
	if _, inflight := p.tracker.Counts(); inflight > 0 {
		return false, nil
	}
	pending, err := p.control.CountClaimable(ctx)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (p *Pool) openDB() (*storage.DB, error) {
	db, err := storage.OpenDB(p.dbPath)
	if err != nil {
		return nil, err
	}
	db.SetClock(p.now)
	return db, nil
}

func (p *Pool) resetInflight(ctx context.Context) error {
	ids := p.tracker.Inflight()
	if len(ids) == 0 {
		return nil
	}
	var n int64
	err := jobs.RetryStatusWrite(ctx, func() error {
		var err error
		n, err = p.control.ResetJobsToPending(ctx, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("returning claimed jobs to pending: %w", err)
	}
	if n > 0 {
		p.logger.Info("returned claimed jobs to pending", "count", n)
	}
	return nil
}

func (p *Pool) decodeLoop(ctx context.Context, index int) error {
	log := p.logger.WithWorker("decode", index)
	db, err := p.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	jobCtx := context.WithoutCancel(ctx)
	w := p.work.Waiter()
	for {
		if p.stopping.Load() || ctx.Err() != nil {
			return nil
		}
		if !p.claiming.Load() {
			w.Wait(ctx, p.cfg.IdleWait)
			continue
		}

		batch, err := p.claim(jobCtx, db)
		if err != nil {
			p.claimWarn.Do(func() { log.LogClaim(ctx, 0, err) })
			w.Wait(ctx, p.cfg.IdleWait)
			continue
		}
		if len(batch) == 0 {
			w.Wait(ctx, p.cfg.IdleWait)
			continue
		}
		for _, job := range batch {
			if p.stopping.Load() {
				// The rest stay tracked; Shutdown returns them to pending.
				return nil
			}
			p.dispatch(jobCtx, ctx, db, log, job)
		}
	}
}

func (p *Pool) claim(ctx context.Context, db *storage.DB) ([]jobs.Claimed, error) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	size := p.cfg.claimSize()
	batch, err := db.ClaimNextJobs(ctx, size)
	if err != nil {
		return nil, err
	}
	for _, job := range batch {
		p.tracker.Claim(job.ID)
	}
	p.claimed.Add(int64(len(batch)))
	if len(batch) == size {
		// Probably more where that came from.
		p.work.Notify()
	}
	return batch, nil
}

// dispatch runs one claimed job. Analysis jobs are handed to the inference
// stage once decoded; every other outcome is recorded here.
func (p *Pool) dispatch(ctx, waitCtx context.Context, db *storage.DB, log *logging.Logger, job jobs.Claimed) {
	jlog := log.WithJob(job.ID, job.SampleID)
	var (
		handedOff bool
		err       error
	)
	func() {
		defer recoverPanic(&err)
		switch job.Type {
		case jobs.AnalyzeSample:
			handedOff, err = p.decodeSample(ctx, waitCtx, db, jlog, job)
		case jobs.EmbeddingBackfill:
			err = p.runBackfill(ctx, db, jlog, job)
		case jobs.RebuildIndex:
			err = p.runRebuild(ctx, db, job)
		default:
			err = Permanent(fmt.Errorf("unhandled job type %s", job.Type))
		}
	}()
	if handedOff {
		return
	}
	p.complete(ctx, db, jlog, job, err)
}

// decodeSample decodes the job's file and queues it for inference. It
// reports true once the job belongs to the inference stage, or to Shutdown
// if the queue closed first.
func (p *Pool) decodeSample(ctx, waitCtx context.Context, db *storage.DB, log *logging.Logger, job jobs.Claimed) (bool, error) {
	path, err := db.SamplePath(ctx, job.SampleID)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", job.SampleID, err)
	}
	clip, err := p.decoder.Decode(ctx, path)
	if err != nil {
		return false, err
	}

	p.tracker.Enqueue(job.ID)
	queued := p.queue.push(waitCtx, decoded{job: job, clip: clip}, p.cfg.IdleWait, func() {
		p.fullWarn.Do(func() {
			log.Debug("decoded queue full, waiting for inference", "target", p.cfg.DecodeQueueTarget)
		})
	})
	if !queued {
		p.tracker.Dequeue(job.ID)
	}
	return true, nil
}

// complete records the outcome of a job and releases it.
func (p *Pool) complete(ctx context.Context, db *storage.DB, log *logging.Logger, job jobs.Claimed, jobErr error) {
	defer p.tracker.Finish(job.ID)

	var err error
	switch {
	case jobErr == nil:
		err = jobs.RetryStatusWrite(ctx, func() error { return db.MarkDone(ctx, job.ID) })
		if err == nil {
			p.done.Add(1)
		}
	case errors.Is(jobErr, storage.ErrStaleContent):
		err = p.requeueStale(ctx, db, job, jobErr)
	case Classify(jobErr) == KindTransient && job.Attempts < p.cfg.MaxAttempts:
		err = jobs.RetryStatusWrite(ctx, func() error { return db.MarkPending(ctx, job.ID, jobErr.Error()) })
		if err == nil {
			p.retried.Add(1)
			p.work.Notify()
			log.Warn("job will be retried", "attempt", job.Attempts, "error", jobErr)
		}
	default:
		err = jobs.RetryStatusWrite(ctx, func() error { return db.MarkFailed(ctx, job.ID, jobErr.Error()) })
		if err == nil {
			p.failed.Add(1)
			log.Warn("job failed", "attempts", job.Attempts, "kind", Classify(jobErr), "error", jobErr)
		}
	}
	if err != nil {
		// The row stays running; the stale sweep will return it to pending.
		log.Error("could not record job outcome", "error", err, "job_error", jobErr)
	}
}

// requeueStale handles a sample whose content changed after the job was
// enqueued: the job fails and a fresh one is queued for the current content.
func (p *Pool) requeueStale(ctx context.Context, db *storage.DB, job jobs.Claimed, jobErr error) error {
	if err := jobs.RetryStatusWrite(ctx, func() error { return db.MarkFailed(ctx, job.ID, jobErr.Error()) }); err != nil {
		return err
	}
	p.failed.Add(1)

	sample, err := db.GetSample(ctx, job.SampleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	spec := jobs.Spec{SampleID: job.SampleID, Type: jobs.AnalyzeSample, ContentHash: sample.ContentHash}
	if err := jobs.RetryStatusWrite(ctx, func() error {
		_, err := db.RequeueJob(ctx, spec)
		return err
	}); err != nil {
		return err
	}
	p.work.Notify()
	return nil
}

func (p *Pool) inferenceLoop(ctx context.Context, index int) error {
	log := p.logger.WithWorker("inference", index)
	db, err := p.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	jobCtx := context.WithoutCancel(ctx)
	for {
		batch, ok := p.queue.popBatch(ctx, p.cfg.EmbedBatchMax, p.cfg.IdleWait)
		if !ok {
			return nil
		}
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, d := range batch {
			p.tracker.Dequeue(d.job.ID)
		}
		p.embedBatch(jobCtx, db, log, batch)
	}
}

func (p *Pool) embedBatch(ctx context.Context, db *storage.DB, log *logging.Logger, batch []decoded) {
	clips := make([]embedding.Clip, len(batch))
	for i, d := range batch {
		clips[i] = embedding.Clip{Samples: d.clip.Samples, SampleRate: d.clip.SampleRate}
	}
	vectors, errs := p.embedClips(ctx, clips)

	for i, d := range batch {
		err := errs[i]
		if err == nil {
			err = p.store(ctx, db, d.job, vectors[i])
		}
		p.complete(ctx, db, log.WithJob(d.job.ID, d.job.SampleID), d.job, err)
	}
}

// embedClips embeds clips in micro-batches. If a batch call fails, each
// clip is embedded on its own so one bad clip fails only its own job.
func (p *Pool) embedClips(ctx context.Context, clips []embedding.Clip) ([][]float32, []error) {
	errs := make([]error, len(clips))
	if len(clips) == 0 {
		return nil, errs
	}

	var vectors [][]float32
	err := func() (err error) {
		defer recoverPanic(&err)
		vectors, err = embedding.EmbedAll(ctx, p.embedder, clips, p.cfg.EmbedBatchMax)
		return err
	}()
	if err == nil && len(vectors) == len(clips) {
		return vectors, errs
	}

	vectors = make([][]float32, len(clips))
	for i, c := range clips {
		errs[i] = func() (err error) {
			defer recoverPanic(&err)
			vectors[i], err = p.embedder.Embed(ctx, c.Samples, c.SampleRate)
			return err
		}()
	}
	return vectors, errs
}

// prepare validates and normalizes an embedding for storage.
func (p *Pool) prepare(sampleID string, vec []float32) ([]float32, error) {
	if want := p.index.Params().Dim; len(vec) != want {
		return nil, &annindex.DimensionMismatchError{ModelID: p.embedder.ModelID(), SampleID: sampleID, Got: len(vec), Want: want}
	}
	out := append([]float32(nil), vec...)
	if !embedding.Normalize(out) {
		return nil, fmt.Errorf("%s: %w", sampleID, ErrDegenerateEmbedding)
	}
	return out, nil
}

// store writes an analysis result and adds it to the index.
func (p *Pool) store(ctx context.Context, db *storage.DB, job jobs.Claimed, raw []float32) error {
	vec, err := p.prepare(job.SampleID, raw)
	if err != nil {
		return err
	}
	model := p.embedder.ModelID()
	e := storage.Embedding{
		SampleID: job.SampleID,
		ModelID:  model,
		Dim:      len(vec),
		DType:    storage.DTypeF32,
		L2Normed: true,
		Vector:   vec,
	}
	if err := db.SaveAnalysis(ctx, job.ContentHash, e); err != nil {
		return err
	}
	if _, err := p.index.UpsertEmbedding(ctx, db, model, job.SampleID, vec); err != nil {
		return fmt.Errorf("indexing %s: %w", job.SampleID, err)
	}
	return nil
}

// heartbeatLoop touches claimed jobs on its own connection, independent of
// sweeps and flushes.
func (p *Pool) heartbeatLoop(ctx context.Context) error {
	db, err := p.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := db.TouchRunning(ctx, p.tracker.Inflight()); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) error {
	db, err := p.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p.sweep(ctx, db)
	}
}

// sweep returns stale running jobs to pending, prunes jobs for vanished
// samples, flushes indexes whose interval elapsed and queues rebuilds for
// stale dumps.
func (p *Pool) sweep(ctx context.Context, db *storage.DB) {
	res := Sweep(ctx, db, p.index, p.now().Add(-p.cfg.StaleAfter), p.logger)
	if res.Reset > 0 || len(res.Rebuilds) > 0 {
		p.work.Notify()
	}
}

// recoverPanic converts a panic into a permanent failure.
func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = Permanent(fmt.Errorf("panic: %v", r))
	}
}
