package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// SampleIDSeparator joins a source id and a relative path into a sample id.
const SampleIDSeparator = "::"

// Sample is a scanned audio file.
type Sample struct {
	SampleID     string     `json:"sample_id"`
	SourceID     string     `json:"source_id"`
	RelativePath string     `json:"relative_path"`
	ContentHash  string     `json:"content_hash"`
	Size         int64      `json:"size"`
	MTime        int64      `json:"mtime"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
}

// Source is a root directory that samples are scanned from.
type Source struct {
	SourceID string `json:"source_id"`
	Root     string `json:"root"`
}

// SampleID builds the stable id of a file inside a source.
func SampleID(sourceID, relativePath string) string {
	return sourceID + SampleIDSeparator + filepath.ToSlash(relativePath)
}

// ParseSampleID splits a sample id into its source id and relative path.
func ParseSampleID(sampleID string) (sourceID, relativePath string, err error) {
	src, rel, ok := strings.Cut(sampleID, SampleIDSeparator)
	if !ok || src == "" || rel == "" {
		return "", "", fmt.Errorf("malformed sample id %q", sampleID)
	}
	return src, rel, nil
}

// UpsertSource records a source root.
func (d *DB) UpsertSource(ctx context.Context, src Source) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sources (source_id, root) VALUES (?, ?)
		ON CONFLICT(source_id) DO UPDATE SET root = excluded.root
	`, src.SourceID, src.Root)
	if err != nil {
		return fmt.Errorf("upserting source: %w", err)
	}
	return nil
}

// GetSource looks up a source by id.
func (d *DB) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	var src Source
	err := d.db.QueryRowContext(ctx,
		`SELECT source_id, root FROM sources WHERE source_id = ?`, sourceID,
	).Scan(&src.SourceID, &src.Root)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying source: %w", err)
	}
	return &src, nil
}

// DeleteSource removes a source and every sample scanned from it.
func (d *DB) DeleteSource(ctx context.Context, sourceID string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("deleting samples: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("deleting source: %w", err)
		}
		return nil
	})
}

// UpsertSample inserts or updates a sample. It reports whether the content
// hash is new or changed, in which case the analysis marker is cleared.
func (d *DB) UpsertSample(ctx context.Context, s Sample) (changed bool, err error) {
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		qerr := tx.QueryRowContext(ctx,
			`SELECT content_hash FROM samples WHERE sample_id = ?`, s.SampleID,
		).Scan(&existing)
		switch {
		case errors.Is(qerr, sql.ErrNoRows):
			changed = true
		case qerr != nil:
			return fmt.Errorf("querying sample: %w", qerr)
		default:
			changed = existing != s.ContentHash
		}

		_, xerr := tx.ExecContext(ctx, `
			INSERT INTO samples (sample_id, source_id, relative_path, content_hash, size, mtime)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(sample_id) DO UPDATE SET
				content_hash = excluded.content_hash,
				size = excluded.size,
				mtime = excluded.mtime,
				analyzed_at = CASE WHEN samples.content_hash = excluded.content_hash
					THEN samples.analyzed_at ELSE NULL END
		`, s.SampleID, s.SourceID, s.RelativePath, s.ContentHash, s.Size, s.MTime)
		if xerr != nil {
			return fmt.Errorf("upserting sample: %w", xerr)
		}
		return nil
	})
	return changed, err
}

// GetSample looks up a sample by id.
func (d *DB) GetSample(ctx context.Context, sampleID string) (*Sample, error) {
	var s Sample
	var analyzed sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT sample_id, source_id, relative_path, content_hash, size, mtime, analyzed_at
		FROM samples WHERE sample_id = ?
	`, sampleID).Scan(&s.SampleID, &s.SourceID, &s.RelativePath, &s.ContentHash, &s.Size, &s.MTime, &analyzed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sample: %w", err)
	}
	s.AnalyzedAt = nullableMillis(analyzed)
	return &s, nil
}

// SamplePath resolves a sample id to an absolute file path via its source root.
func (d *DB) SamplePath(ctx context.Context, sampleID string) (string, error) {
	var root, rel string
	err := d.db.QueryRowContext(ctx, `
		SELECT src.root, s.relative_path
		FROM samples s JOIN sources src ON src.source_id = s.source_id
		WHERE s.sample_id = ?
	`, sampleID).Scan(&root, &rel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving sample path: %w", err)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

// ListSampleIDs returns the ids of every sample in a source, sorted.
func (d *DB) ListSampleIDs(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT sample_id FROM samples WHERE source_id = ? ORDER BY sample_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing samples: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning sample id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SamplesMissingEmbedding returns sample ids with no embedding for modelID.
func (d *DB) SamplesMissingEmbedding(ctx context.Context, modelID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT s.sample_id FROM samples s
		LEFT JOIN embeddings e ON e.sample_id = s.sample_id AND e.model_id = ?
		WHERE e.sample_id IS NULL
		ORDER BY s.sample_id
		LIMIT ?
	`, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying samples without embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning sample id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSample removes a sample row.
func (d *DB) DeleteSample(ctx context.Context, sampleID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM samples WHERE sample_id = ?`, sampleID); err != nil {
		return fmt.Errorf("deleting sample: %w", err)
	}
	return nil
}
