// Package scan walks a source directory, records the audio files it finds as
// samples and queues analysis for new or changed content.
package scan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
)

// Result summarizes one scan of a source.
type Result struct {
	SourceID  string   `json:"source_id"`
	Root      string   `json:"root"`
	Scanned   int      `json:"scanned"`
	New       int      `json:"new"`
	Changed   int      `json:"changed"`
	Unchanged int      `json:"unchanged"`
	Removed   int      `json:"removed"`
	Enqueued  int      `json:"enqueued"`
	Errors    []string `json:"errors,omitempty"`
}

// Option configures a scan.
type Option func(*options)

type options struct {
	logger *logging.Logger
	rehash bool
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRehash forces every file to be hashed even when its size and mtime
// match the stored sample.
func WithRehash() Option {
	return func(o *options) { o.rehash = true }
}

// Run scans root as source sourceID. Unreadable files are reported in
// Result.Errors and skipped; database errors abort the scan.
func Run(ctx context.Context, db *storage.DB, sourceID, root string, opts ...Option) (*Result, error) {
	o := options{logger: logging.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if sourceID == "" || strings.Contains(sourceID, storage.SampleIDSeparator) {
		return nil, fmt.Errorf("invalid source id %q", sourceID)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", abs)
	}

	if err := db.UpsertSource(ctx, storage.Source{SourceID: sourceID, Root: abs}); err != nil {
		return nil, err
	}
	existing, err := db.ListSampleIDs(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	unseen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		unseen[id] = struct{}{}
	}

	res := &Result{SourceID: sourceID, Root: abs}
	invalidated := false

	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == abs {
				return err
			}
			res.Errors = append(res.Errors, err.Error())
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != abs && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !audio.IsSupported(path) {
			return nil
		}

		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		sampleID := storage.SampleID(sourceID, rel)
		delete(unseen, sampleID)
		res.Scanned++

		outcome, err := scanFile(ctx, db, sourceID, rel, path, o.rehash)
		if err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				o.logger.Warn("skipping unreadable file", "path", path, "error", err)
				res.Errors = append(res.Errors, err.Error())
				return nil
			}
			return err
		}
		switch outcome.kind {
		case fileNew:
			res.New++
		case fileChanged:
			res.Changed++
			invalidated = invalidated || outcome.invalidated
		default:
			res.Unchanged++
		}
		if outcome.enqueued {
			res.Enqueued++
		}
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("walking %s: %w", abs, walkErr)
	}

	for id := range unseen {
		n, err := db.DeleteEmbeddings(ctx, id)
		if err != nil {
			return res, err
		}
		if err := db.DeleteSample(ctx, id); err != nil {
			return res, err
		}
		invalidated = invalidated || n > 0
		res.Removed++
	}

	if invalidated {
		if _, err := db.MarkAllAnnDirty(ctx); err != nil {
			return res, err
		}
	}

	o.logger.Info("scan finished",
		"source", sourceID,
		"scanned", res.Scanned,
		"new", res.New,
		"changed", res.Changed,
		"removed", res.Removed,
		"enqueued", res.Enqueued,
	)
	return res, nil
}

type fileKind int

const (
	fileUnchanged fileKind = iota
	fileNew
	fileChanged
)

type fileOutcome struct {
	kind        fileKind
	enqueued    bool
	invalidated bool
}

func scanFile(ctx context.Context, db *storage.DB, sourceID, rel, path string, rehash bool) (fileOutcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileOutcome{}, err
	}
	sampleID := storage.SampleID(sourceID, rel)

	prev, err := db.GetSample(ctx, sampleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fileOutcome{}, err
	}
	if prev != nil && !rehash && prev.Size == info.Size() && prev.MTime == info.ModTime().UnixMilli() {
		return fileOutcome{kind: fileUnchanged}, nil
	}

	hash, err := HashFile(path)
	if err != nil {
		return fileOutcome{}, err
	}
	changed, err := db.UpsertSample(ctx, storage.Sample{
		SampleID:     sampleID,
		SourceID:     sourceID,
		RelativePath: filepath.ToSlash(rel),
		ContentHash:  hash,
		Size:         info.Size(),
		MTime:        info.ModTime().UnixMilli(),
	})
	if err != nil {
		return fileOutcome{}, err
	}
	if !changed {
		return fileOutcome{kind: fileUnchanged}, nil
	}

	out := fileOutcome{kind: fileNew}
	if prev != nil {
		out.kind = fileChanged
		n, err := db.DeleteEmbeddings(ctx, sampleID)
		if err != nil {
			return fileOutcome{}, err
		}
		out.invalidated = n > 0
	}
	queued, err := db.RequeueJob(ctx, jobs.Spec{SampleID: sampleID, Type: jobs.AnalyzeSample, ContentHash: hash})
	if err != nil {
		return fileOutcome{}, err
	}
	out.enqueued = queued
	return out, nil
}

// HashFile returns the hex blake2b-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("creating hash: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
