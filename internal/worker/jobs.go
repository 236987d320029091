package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/embedding"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
)

// BackfillSpec builds an EmbeddingBackfill job for the samples of one
// source. The payload is the JSON list of sample ids.
func BackfillSpec(sourceID string, sampleIDs []string) (jobs.Spec, error) {
	payload, err := json.Marshal(sampleIDs)
	if err != nil {
		return jobs.Spec{}, fmt.Errorf("encoding backfill payload: %w", err)
	}
	return jobs.Spec{
		SampleID:    jobs.BackfillSampleID(sourceID),
		Type:        jobs.EmbeddingBackfill,
		ContentHash: string(payload),
	}, nil
}

// EnqueueBackfill queues one backfill job per source for every sample that
// has no embedding for modelID. It returns the number of samples covered.
func EnqueueBackfill(ctx context.Context, db *storage.DB, modelID string) (int, error) {
	missing, err := db.SamplesMissingEmbedding(ctx, modelID, 0)
	if err != nil {
		return 0, err
	}
	bySource := make(map[string][]string)
	var order []string
	for _, id := range missing {
		src, _, err := storage.ParseSampleID(id)
		if err != nil {
			continue
		}
		if _, ok := bySource[src]; !ok {
			order = append(order, src)
		}
		bySource[src] = append(bySource[src], id)
	}

	covered := 0
	for _, src := range order {
		spec, err := BackfillSpec(src, bySource[src])
		if err != nil {
			return covered, err
		}
		if _, err := db.RequeueJob(ctx, spec); err != nil {
			return covered, err
		}
		covered += len(bySource[src])
	}
	return covered, nil
}

// runBackfill embeds every listed sample that still lacks an embedding.
// Samples that cannot be analyzed are skipped; a transient error fails the
// whole job so it is retried.
func (p *Pool) runBackfill(ctx context.Context, db *storage.DB, log *logging.Logger, job jobs.Claimed) error {
	var ids []string
	if err := json.Unmarshal([]byte(job.ContentHash), &ids); err != nil {
		return Permanent(fmt.Errorf("decoding backfill payload: %w", err))
	}

	model := p.embedder.ModelID()
	embedded, skipped := 0, 0
	skip := func(id string, err error) error {
		if Classify(err) == KindTransient {
			return err
		}
		log.Debug("backfill skipped sample", "sample", id, "error", err)
		skipped++
		return nil
	}

	for start := 0; start < len(ids); start += p.cfg.EmbedBatchMax {
		chunk := ids[start:min(start+p.cfg.EmbedBatchMax, len(ids))]

		var (
			ready []string
			clips []embedding.Clip
		)
		for _, id := range chunk {
			_, err := db.GetEmbedding(ctx, id, model)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			path, err := db.SamplePath(ctx, id)
			if err != nil {
				if err := skip(id, err); err != nil {
					return err
				}
				continue
			}
			clip, err := p.decoder.Decode(ctx, path)
			if err != nil {
				if err := skip(id, err); err != nil {
					return err
				}
				continue
			}
			ready = append(ready, id)
			clips = append(clips, embedding.Clip{Samples: clip.Samples, SampleRate: clip.SampleRate})
		}

		vectors, errs := p.embedClips(ctx, clips)
		var items []annindex.Item
		for i, id := range ready {
			if errs[i] != nil {
				if err := skip(id, errs[i]); err != nil {
					return err
				}
				continue
			}
			vec, err := p.prepare(id, vectors[i])
			if err != nil {
				if err := skip(id, err); err != nil {
					return err
				}
				continue
			}
			e := storage.Embedding{
				SampleID: id,
				ModelID:  model,
				Dim:      len(vec),
				DType:    storage.DTypeF32,
				L2Normed: true,
				Vector:   vec,
			}
			if err := db.SaveAnalysis(ctx, "", e); err != nil {
				if err := skip(id, err); err != nil {
					return err
				}
				continue
			}
			items = append(items, annindex.Item{SampleID: id, Vector: vec})
		}
		if len(items) > 0 {
			if _, err := p.index.UpsertEmbeddingsBatch(ctx, db, model, items); err != nil {
				return fmt.Errorf("indexing backfill batch: %w", err)
			}
			embedded += len(items)
		}
	}

	log.Info("backfill finished", "embedded", embedded, "skipped", skipped, "listed", len(ids))
	return nil
}

// runRebuild rebuilds the index named by a RebuildIndex job.
func (p *Pool) runRebuild(ctx context.Context, db *storage.DB, job jobs.Claimed) error {
	model := job.ContentHash
	if model == "" {
		model = strings.TrimPrefix(job.SampleID, jobs.RebuildSampleID(""))
	}
	if model == "" {
		return Permanent(fmt.Errorf("rebuild job %d names no model", job.ID))
	}
	_, err := p.index.RebuildIndex(ctx, db, model)
	return err
}
