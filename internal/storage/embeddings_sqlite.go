package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// DTypeF32 is the only vector element type stored.
const DTypeF32 = "f32"

// ErrStaleContent is returned when a sample changed after its job was enqueued.
var ErrStaleContent = errors.New("sample content changed since job was enqueued")

// Embedding is one row of the embeddings table.
type Embedding struct {
	SampleID  string
	ModelID   string
	Dim       int
	DType     string
	L2Normed  bool
	Vector    []float32
	CreatedAt time.Time
}

// EncodeVector packs a vector as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector, checking its length
// against dim.
func DecodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("vector blob is %d bytes, want %d for dim %d", len(blob), 4*dim, dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return v, nil
}

const upsertEmbeddingSQL = `
	INSERT INTO embeddings (sample_id, model_id, dim, dtype, l2_normed, vec, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sample_id, model_id) DO UPDATE SET
		dim = excluded.dim,
		dtype = excluded.dtype,
		l2_normed = excluded.l2_normed,
		vec = excluded.vec,
		created_at = excluded.created_at
`

func (d *DB) embeddingArgs(e Embedding) []any {
	created := e.CreatedAt
	if created.IsZero() {
		created = d.clock()
	}
	dtype := e.DType
	if dtype == "" {
		dtype = DTypeF32
	}
	return []any{e.SampleID, e.ModelID, len(e.Vector), dtype, boolInt(e.L2Normed), EncodeVector(e.Vector), created.UnixMilli()}
}

// UpsertEmbedding writes one embedding row.
func (d *DB) UpsertEmbedding(ctx context.Context, e Embedding) error {
	if _, err := d.db.ExecContext(ctx, upsertEmbeddingSQL, d.embeddingArgs(e)...); err != nil {
		return fmt.Errorf("upserting embedding for %s: %w", e.SampleID, err)
	}
	return nil
}

// UpsertEmbeddings writes many embedding rows in one transaction.
func (d *DB) UpsertEmbeddings(ctx context.Context, es []Embedding) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertEmbeddingSQL)
		if err != nil {
			return fmt.Errorf("preparing embedding upsert: %w", err)
		}
		defer stmt.Close()
		for _, e := range es {
			if _, err := stmt.ExecContext(ctx, d.embeddingArgs(e)...); err != nil {
				return fmt.Errorf("upserting embedding for %s: %w", e.SampleID, err)
			}
		}
		return nil
	})
}

// SaveAnalysis stores the embedding computed for a sample and stamps the
// sample as analyzed, in one transaction. If contentHash is set and the
// sample's current hash differs, nothing is written and ErrStaleContent is
// returned.
func (d *DB) SaveAnalysis(ctx context.Context, contentHash string, e Embedding) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if contentHash != "" {
			var current string
			err := tx.QueryRowContext(ctx,
				`SELECT content_hash FROM samples WHERE sample_id = ?`, e.SampleID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sample %s: %w", e.SampleID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("querying sample hash: %w", err)
			}
			if current != contentHash {
				return fmt.Errorf("sample %s: %w", e.SampleID, ErrStaleContent)
			}
		}
		if _, err := tx.ExecContext(ctx, upsertEmbeddingSQL, d.embeddingArgs(e)...); err != nil {
			return fmt.Errorf("upserting embedding for %s: %w", e.SampleID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE samples SET analyzed_at = ? WHERE sample_id = ?`,
			d.clock().UnixMilli(), e.SampleID); err != nil {
			return fmt.Errorf("stamping sample analyzed: %w", err)
		}
		return nil
	})
}

// GetEmbedding loads one embedding.
func (d *DB) GetEmbedding(ctx context.Context, sampleID, modelID string) (*Embedding, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT sample_id, model_id, dim, dtype, l2_normed, vec, created_at
		FROM embeddings WHERE sample_id = ? AND model_id = ?
	`, sampleID, modelID)
	e, err := scanEmbedding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ForEachEmbedding streams every embedding of a model in sample_id order.
func (d *DB) ForEachEmbedding(ctx context.Context, modelID string, fn func(Embedding) error) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT sample_id, model_id, dim, dtype, l2_normed, vec, created_at
		FROM embeddings WHERE model_id = ? ORDER BY sample_id ASC
	`, modelID)
	if err != nil {
		return fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEmbeddings returns the number of embeddings stored for a model.
func (d *DB) CountEmbeddings(ctx context.Context, modelID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE model_id = ?`, modelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// CountEmbeddingsWithDim counts the embeddings of a model whose dimension
// is dim. Rows of any other dimension cannot be indexed.
func (d *DB) CountEmbeddingsWithDim(ctx context.Context, modelID string, dim int) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE model_id = ? AND dim = ?`, modelID, dim).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// ModelIDs returns every model id that has embeddings.
func (d *DB) ModelIDs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT model_id FROM embeddings ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning model id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEmbedding(r rowScanner) (*Embedding, error) {
	var e Embedding
	var blob []byte
	var normed int
	var created int64
	if err := r.Scan(&e.SampleID, &e.ModelID, &e.Dim, &e.DType, &normed, &blob, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning embedding: %w", err)
	}
	vec, err := DecodeVector(blob, e.Dim)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", e.SampleID, err)
	}
	e.Vector = vec
	e.L2Normed = normed != 0
	e.CreatedAt = time.UnixMilli(created)
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeleteEmbeddings removes every model's embedding of a sample and reports
// how many rows went away.
func (d *DB) DeleteEmbeddings(ctx context.Context, sampleID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM embeddings WHERE sample_id = ?`, sampleID)
	if err != nil {
		return 0, fmt.Errorf("deleting embeddings: %w", err)
	}
	return res.RowsAffected()
}
