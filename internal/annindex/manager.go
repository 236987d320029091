// Package annindex owns the per-model approximate nearest-neighbor indexes
// built from the embeddings table.
//
// Each model moves through Uninitialized, Loaded, Dirty and Flushing. State
// is created lazily on first use, either from the dump on disk or by
// rebuilding from the embeddings table, and lives for the process lifetime.
// All access is serialized through one Manager.
package annindex

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultFlushMinInserts is the number of dirty inserts that forces a flush.
	DefaultFlushMinInserts = 64

	// DefaultFlushInterval bounds how long dirty inserts stay unpersisted.
	DefaultFlushInterval = 30 * time.Second

	// FileExt is the extension of index dumps.
	FileExt = ".ann"
)

// Load sources reported by Stats.
const (
	SourceDump    = "dump"
	SourceRebuild = "rebuild"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithFlushPolicy sets the insert threshold and interval of the flush policy.
func WithFlushPolicy(minInserts int, interval time.Duration) Option {
	return func(m *Manager) {
		if minInserts > 0 {
			m.flushMinInserts = minInserts
		}
		if interval > 0 {
			m.flushInterval = interval
		}
	}
}

// WithCompression sets the payload compression of dumps.
func WithCompression(c Compression) Option {
	return func(m *Manager) {
		m.compression = c
	}
}

// Manager owns the in-memory index of every model. Methods take the
// caller's store handle; the Manager never keeps one.
type Manager struct {
	mu     sync.Mutex
	dir    string
	params hnsw.Config
	models map[string]*state

	flushMinInserts int
	flushInterval   time.Duration
	compression     Compression
	now             func() time.Time
	logger          *logging.Logger
}

type state struct {
	modelID      string
	graph        *hnsw.Graph
	idMap        []string
	idLookup     map[string]uint32
	dirtyInserts int
	lastFlush    time.Time
	flushes      int
	source       string
	indexPath    string
}

// Item is one (sample, vector) pair for batch upserts.
type Item struct {
	SampleID string
	Vector   []float32
}

// Stats describes the in-memory state of one model.
type Stats struct {
	ModelID      string      `json:"model_id"`
	Count        int         `json:"count"`
	DirtyInserts int         `json:"dirty_inserts"`
	LastFlush    time.Time   `json:"last_flush"`
	Flushes      int         `json:"flushes"`
	Source       string      `json:"source"`
	IndexPath    string      `json:"index_path"`
	Params       hnsw.Config `json:"params"`
}

// RebuildResult summarizes a full rebuild.
type RebuildResult struct {
	ModelID string        `json:"model_id"`
	Count   int           `json:"count"`
	Skipped int           `json:"skipped"`
	Elapsed time.Duration `json:"elapsed"`
}

// NewManager creates a Manager that keeps dumps under dir. params applies
// to every model; Dim is required.
func NewManager(dir string, params hnsw.Config, opts ...Option) (*Manager, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		dir:             dir,
		params:          params,
		models:          make(map[string]*state),
		flushMinInserts: DefaultFlushMinInserts,
		flushInterval:   DefaultFlushInterval,
		compression:     CompressionZSTD,
		now:             time.Now,
		logger:          logging.NoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Params returns the graph parameters used for every model.
func (m *Manager) Params() hnsw.Config {
	return m.params
}

// Dir returns the directory holding index dumps.
func (m *Manager) Dir() string {
	return m.dir
}

// IndexPath returns the dump path of a model. The name carries a short hash
// of the raw id so ids that sanitize alike get distinct files.
func (m *Manager) IndexPath(modelID string) string {
	sum := blake2b.Sum256([]byte(modelID))
	return filepath.Join(m.dir, sanitizeModelID(modelID)+"-"+hex.EncodeToString(sum[:4])+FileExt)
}

func sanitizeModelID(modelID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, modelID)
}

// EnsureLoaded loads or rebuilds the state of a model if it is not yet in
// memory.
func (m *Manager) EnsureLoaded(ctx context.Context, db *storage.DB, modelID string) (err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.ensure(ctx, db, modelID)
	return err
}

// UpsertEmbedding adds one vector. A sample already in the index is a
// no-op and reports false. Dirty inserts may trigger a flush; a failed
// automatic flush is logged, marks the dump dirty and leaves the inserts
// queued for the next attempt.
func (m *Manager) UpsertEmbedding(ctx context.Context, db *storage.DB, modelID, sampleID string, vec []float32) (inserted bool, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.ensure(ctx, db, modelID)
	if err != nil {
		return false, err
	}
	inserted, err = m.insert(s, sampleID, vec)
	if err != nil || !inserted {
		return false, err
	}
	m.maybeFlush(ctx, db, s)
	return true, nil
}

// UpsertEmbeddingsBatch adds several vectors and returns how many were new.
// Every vector is validated before any is inserted.
func (m *Manager) UpsertEmbeddingsBatch(ctx context.Context, db *storage.DB, modelID string, items []Item) (inserted int, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.ensure(ctx, db, modelID)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if len(it.Vector) != m.params.Dim {
			return 0, &DimensionMismatchError{ModelID: modelID, SampleID: it.SampleID, Got: len(it.Vector), Want: m.params.Dim}
		}
	}
	for _, it := range items {
		ok, err := m.insert(s, it.SampleID, it.Vector)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	if inserted > 0 {
		m.maybeFlush(ctx, db, s)
	}
	return inserted, nil
}

// FlushPendingInserts persists a model's dirty inserts now. It is a no-op
// when the model is not loaded or has nothing to flush.
func (m *Manager) FlushPendingInserts(ctx context.Context, db *storage.DB, modelID string) (err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.models[modelID]
	if !ok || s.dirtyInserts == 0 {
		return nil
	}
	if err := m.flush(ctx, db, s); err != nil {
		m.markDirty(ctx, db, s)
		return err
	}
	return nil
}

// FlushDue flushes every loaded model the flush policy says is due. It
// returns the first error after trying all models.
func (m *Manager) FlushDue(ctx context.Context, db *storage.DB) (err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, s := range m.models {
		if !m.flushDue(s) {
			continue
		}
		if err := m.flush(ctx, db, s); err != nil {
			m.markDirty(ctx, db, s)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RebuildIndex discards the model's state, reconstructs it from the
// embeddings table and flushes once. The dirty marker is cleared only when
// the flush succeeds.
func (m *Manager) RebuildIndex(ctx context.Context, db *storage.DB, modelID string) (res RebuildResult, err error) {
	defer recoverError(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	log := m.logger.WithModel(modelID)

	s, skipped, err := m.build(ctx, db, modelID)
	if err != nil {
		log.LogRebuild(ctx, modelID, 0, 0, 0, err)
		return RebuildResult{ModelID: modelID}, err
	}
	m.models[modelID] = s

	if err := m.flush(ctx, db, s); err != nil {
		m.markDirty(ctx, db, s)
		log.LogRebuild(ctx, modelID, len(s.idMap), skipped, 0, err)
		return RebuildResult{ModelID: modelID, Count: len(s.idMap), Skipped: skipped}, err
	}
	if err := db.ClearAnnDirty(ctx, modelID); err != nil {
		return RebuildResult{ModelID: modelID, Count: len(s.idMap), Skipped: skipped}, err
	}

	res = RebuildResult{
		ModelID: modelID,
		Count:   len(s.idMap),
		Skipped: skipped,
		Elapsed: m.now().Sub(start),
	}
	log.LogRebuild(ctx, modelID, res.Count, res.Skipped, res.Elapsed, nil)
	return res, nil
}

// CheckStale compares each meta row with the embeddings table and enqueues
// a RebuildIndex job for every model whose dump is dirty, missing or out of
// date. It returns the models a rebuild was requested for.
func (m *Manager) CheckStale(ctx context.Context, db *storage.DB) (requested []string, err error) {
	defer recoverError(&err)

	metas, err := db.ListAnnMeta(ctx)
	if err != nil {
		return nil, err
	}
	byModel := make(map[string]storage.AnnIndexMeta, len(metas))
	for _, meta := range metas {
		byModel[meta.ModelID] = meta
	}
	models, err := db.ModelIDs(ctx)
	if err != nil {
		return nil, err
	}

	for _, modelID := range models {
		meta, ok := byModel[modelID]
		stale := !ok || meta.Dirty
		if !stale {
			n, err := db.CountEmbeddingsWithDim(ctx, modelID, m.params.Dim)
			if err != nil {
				return requested, err
			}
			if loaded, ok := m.loadedCount(modelID); ok {
				// Rows written ahead of their index insert are in flight,
				// not stale; only rows missing from the table are.
				stale = n < loaded
			} else {
				stale = n != meta.Count
			}
		}
		if !stale {
			continue
		}
		if err := requestRebuild(ctx, db, modelID); err != nil {
			return requested, err
		}
		requested = append(requested, modelID)
	}
	for _, meta := range metas {
		if meta.Dirty && !slices.Contains(models, meta.ModelID) {
			if err := requestRebuild(ctx, db, meta.ModelID); err != nil {
				return requested, err
			}
			requested = append(requested, meta.ModelID)
		}
	}
	return requested, nil
}

func (m *Manager) loadedCount(modelID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.models[modelID]
	if !ok {
		return 0, false
	}
	return len(s.idMap), true
}

// Stats reports the in-memory state of a model. The second result is false
// when the model has not been loaded.
func (m *Manager) Stats(modelID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.models[modelID]
	if !ok {
		return Stats{ModelID: modelID}, false
	}
	return Stats{
		ModelID:      modelID,
		Count:        len(s.idMap),
		DirtyInserts: s.dirtyInserts,
		LastFlush:    s.lastFlush,
		Flushes:      s.flushes,
		Source:       s.source,
		IndexPath:    s.indexPath,
		Params:       m.params,
	}, true
}

// Loaded returns the ids of models currently in memory.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.models))
	for id := range m.models {
		out = append(out, id)
	}
	return out
}

func (m *Manager) ensure(ctx context.Context, db *storage.DB, modelID string) (*state, error) {
	if s, ok := m.models[modelID]; ok {
		return s, nil
	}
	log := m.logger.WithModel(modelID)

	s, err := m.load(ctx, db, modelID)
	if err == nil {
		m.models[modelID] = s
		log.DebugContext(ctx, "index loaded from dump", "count", len(s.idMap))
		return s, nil
	}
	if !errors.Is(err, ErrIndexNotFound) {
		log.WarnContext(ctx, "index dump unusable, rebuilding", "error", err)
	}

	start := m.now()
	s, skipped, err := m.build(ctx, db, modelID)
	if err != nil {
		log.LogRebuild(ctx, modelID, 0, 0, 0, err)
		return nil, err
	}
	// The dump does not hold these vectors yet.
	s.dirtyInserts = len(s.idMap)
	m.models[modelID] = s
	log.LogRebuild(ctx, modelID, len(s.idMap), skipped, m.now().Sub(start), nil)
	return s, nil
}

// load reads the dump of a model and checks it against the meta row and the
// embeddings table.
func (m *Manager) load(ctx context.Context, db *storage.DB, modelID string) (*state, error) {
	meta, err := db.GetAnnMeta(ctx, modelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, err
	}

	path := meta.IndexPath
	if path == "" {
		path = m.IndexPath(modelID)
	}
	c, err := ReadContainer(path)
	if err != nil {
		return nil, err
	}

	if c.ModelID != modelID {
		return nil, fmt.Errorf("%w: dump holds model %q", ErrCorruptContainer, c.ModelID)
	}
	if c.Params != m.params {
		return nil, fmt.Errorf("index parameters changed: dump %+v, configured %+v", c.Params, m.params)
	}
	var metaParams hnsw.Config
	if err := json.Unmarshal([]byte(meta.ParamsJSON), &metaParams); err != nil || metaParams != c.Params {
		return nil, fmt.Errorf("meta params %s disagree with dump", meta.ParamsJSON)
	}
	if len(c.IDMap) != c.Graph.Len() {
		return nil, fmt.Errorf("%w: id map has %d entries, graph has %d", ErrCorruptContainer, len(c.IDMap), c.Graph.Len())
	}
	if meta.Count != len(c.IDMap) {
		return nil, fmt.Errorf("meta count %d disagrees with dump count %d", meta.Count, len(c.IDMap))
	}
	// Rows of another dimension were skipped by the build that wrote the dump.
	n, err := db.CountEmbeddingsWithDim(ctx, modelID, m.params.Dim)
	if err != nil {
		return nil, err
	}
	if n != len(c.IDMap) {
		return nil, fmt.Errorf("dump has %d vectors, embeddings table has %d", len(c.IDMap), n)
	}

	lookup := make(map[string]uint32, len(c.IDMap))
	for i, id := range c.IDMap {
		if _, dup := lookup[id]; dup {
			return nil, fmt.Errorf("%w: sample %s appears twice", ErrCorruptContainer, id)
		}
		lookup[id] = uint32(i)
	}

	if meta.Dirty {
		if err := requestRebuild(ctx, db, modelID); err != nil {
			m.logger.WarnContext(ctx, "requesting index rebuild failed", "model_id", modelID, "error", err)
		}
	}

	return &state{
		modelID:   modelID,
		graph:     c.Graph,
		idMap:     c.IDMap,
		idLookup:  lookup,
		lastFlush: meta.UpdatedAt,
		source:    SourceDump,
		indexPath: path,
	}, nil
}

// build scans the embeddings table in sample_id order into a fresh graph.
// Rows with the wrong dimension are skipped and counted.
func (m *Manager) build(ctx context.Context, db *storage.DB, modelID string) (*state, int, error) {
	graph, err := hnsw.New(m.params)
	if err != nil {
		return nil, 0, err
	}
	s := &state{
		modelID:   modelID,
		graph:     graph,
		idLookup:  make(map[string]uint32),
		lastFlush: m.now(),
		source:    SourceRebuild,
		indexPath: m.IndexPath(modelID),
	}

	skipped := 0
	err = db.ForEachEmbedding(ctx, modelID, func(e storage.Embedding) error {
		if len(e.Vector) != m.params.Dim {
			skipped++
			return nil
		}
		if _, err := m.insert(s, e.SampleID, e.Vector); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, skipped, fmt.Errorf("rebuilding index for %s: %w", modelID, err)
	}
	return s, skipped, nil
}

// insert appends one vector. The dense id always equals the id map length.
func (m *Manager) insert(s *state, sampleID string, vec []float32) (bool, error) {
	if _, ok := s.idLookup[sampleID]; ok {
		return false, nil
	}
	if len(vec) != m.params.Dim {
		return false, &DimensionMismatchError{ModelID: s.modelID, SampleID: sampleID, Got: len(vec), Want: m.params.Dim}
	}
	id, err := s.graph.Add(vec)
	if err != nil {
		return false, err
	}
	if int(id) != len(s.idMap) {
		return false, fmt.Errorf("index for %s out of sync: graph assigned %d, id map has %d", s.modelID, id, len(s.idMap))
	}
	s.idMap = append(s.idMap, sampleID)
	s.idLookup[sampleID] = id
	s.dirtyInserts++
	return true, nil
}

func (m *Manager) flushDue(s *state) bool {
	if s.dirtyInserts == 0 {
		return false
	}
	return s.dirtyInserts >= m.flushMinInserts || m.now().Sub(s.lastFlush) >= m.flushInterval
}

func (m *Manager) maybeFlush(ctx context.Context, db *storage.DB, s *state) {
	if !m.flushDue(s) {
		return
	}
	if err := m.flush(ctx, db, s); err != nil {
		m.markDirty(ctx, db, s)
	}
}

// flush writes the dump and its meta row. On error dirtyInserts and
// lastFlush are left untouched so the next attempt covers the same batch.
func (m *Manager) flush(ctx context.Context, db *storage.DB, s *state) error {
	start := m.now()
	err := m.writeDump(ctx, db, s)
	m.logger.LogFlush(ctx, s.modelID, len(s.idMap), m.now().Sub(start), err)
	if err != nil {
		return err
	}
	s.dirtyInserts = 0
	s.lastFlush = m.now()
	s.flushes++
	return nil
}

func (m *Manager) writeDump(ctx context.Context, db *storage.DB, s *state) error {
	path := m.IndexPath(s.modelID)
	c := &Container{
		ModelID: s.modelID,
		Params:  m.params,
		IDMap:   s.idMap,
		Graph:   s.graph,
	}
	if err := WriteContainer(path, c, m.compression); err != nil {
		return fmt.Errorf("flushing index for %s: %w", s.modelID, err)
	}
	params, err := json.Marshal(m.params)
	if err != nil {
		return fmt.Errorf("encoding index params: %w", err)
	}
	if err := db.UpsertAnnMeta(ctx, storage.AnnIndexMeta{
		ModelID:    s.modelID,
		IndexPath:  path,
		Count:      len(s.idMap),
		ParamsJSON: string(params),
		UpdatedAt:  m.now(),
	}); err != nil {
		return err
	}
	s.indexPath = path
	return nil
}

func (m *Manager) markDirty(ctx context.Context, db *storage.DB, s *state) {
	if err := db.MarkAnnDirty(ctx, s.modelID, m.IndexPath(s.modelID)); err != nil {
		m.logger.WarnContext(ctx, "marking index dirty failed", "model_id", s.modelID, "error", err)
	}
}

// requestRebuild queues the single RebuildIndex job of a model, reviving it
// if an earlier one already finished.
func requestRebuild(ctx context.Context, db *storage.DB, modelID string) error {
	_, err := db.RequeueJob(ctx, jobs.Spec{
		SampleID:    jobs.RebuildSampleID(modelID),
		Type:        jobs.RebuildIndex,
		ContentHash: modelID,
	})
	return err
}

// recoverError converts a panic into an error so none escapes the package.
func recoverError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("annindex: internal error: %v", r)
	}
}
