package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AnnIndexMeta describes the persisted similarity index of one model.
// Dirty means the dump on disk may lag the embeddings table.
type AnnIndexMeta struct {
	ModelID    string    `json:"model_id"`
	IndexPath  string    `json:"index_path"`
	Count      int       `json:"count"`
	ParamsJSON string    `json:"params_json"`
	UpdatedAt  time.Time `json:"updated_at"`
	Dirty      bool      `json:"dirty"`
}

// UpsertAnnMeta records a successful flush. The dirty flag is preserved;
// only ClearAnnDirty resets it.
func (d *DB) UpsertAnnMeta(ctx context.Context, m AnnIndexMeta) error {
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = d.clock()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO ann_index_meta (model_id, index_path, count, params_json, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			index_path = excluded.index_path,
			count = excluded.count,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at
	`, m.ModelID, m.IndexPath, m.Count, m.ParamsJSON, updated.UnixMilli(), boolInt(m.Dirty))
	if err != nil {
		return fmt.Errorf("upserting index meta: %w", err)
	}
	return nil
}

// GetAnnMeta loads the meta row of a model.
func (d *DB) GetAnnMeta(ctx context.Context, modelID string) (*AnnIndexMeta, error) {
	var m AnnIndexMeta
	var updated int64
	var dirty int
	err := d.db.QueryRowContext(ctx, `
		SELECT model_id, index_path, count, params_json, updated_at, dirty
		FROM ann_index_meta WHERE model_id = ?
	`, modelID).Scan(&m.ModelID, &m.IndexPath, &m.Count, &m.ParamsJSON, &updated, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying index meta: %w", err)
	}
	m.UpdatedAt = time.UnixMilli(updated)
	m.Dirty = dirty != 0
	return &m, nil
}

// ListAnnMeta returns every meta row.
func (d *DB) ListAnnMeta(ctx context.Context) ([]AnnIndexMeta, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT model_id, index_path, count, params_json, updated_at, dirty
		FROM ann_index_meta ORDER BY model_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing index meta: %w", err)
	}
	defer rows.Close()

	var out []AnnIndexMeta
	for rows.Next() {
		var m AnnIndexMeta
		var updated int64
		var dirty int
		if err := rows.Scan(&m.ModelID, &m.IndexPath, &m.Count, &m.ParamsJSON, &updated, &dirty); err != nil {
			return nil, fmt.Errorf("scanning index meta: %w", err)
		}
		m.UpdatedAt = time.UnixMilli(updated)
		m.Dirty = dirty != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkAnnDirty flags a model's dump as stale, creating a placeholder meta
// row if none exists yet.
func (d *DB) MarkAnnDirty(ctx context.Context, modelID, indexPath string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO ann_index_meta (model_id, index_path, count, params_json, updated_at, dirty)
		VALUES (?, ?, 0, '{}', ?, 1)
		ON CONFLICT(model_id) DO UPDATE SET dirty = 1
	`, modelID, indexPath, d.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("marking index dirty: %w", err)
	}
	return nil
}

// ClearAnnDirty resets the stale flag after a confirmed rebuild.
func (d *DB) ClearAnnDirty(ctx context.Context, modelID string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE ann_index_meta SET dirty = 0 WHERE model_id = ?`, modelID); err != nil {
		return fmt.Errorf("clearing index dirty flag: %w", err)
	}
	return nil
}

// MarkAllAnnDirty flags every model's dump as stale. Used when embeddings are
// removed, which incremental inserts cannot express.
func (d *DB) MarkAllAnnDirty(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE ann_index_meta SET dirty = 1 WHERE dirty = 0`)
	if err != nil {
		return 0, fmt.Errorf("marking indexes dirty: %w", err)
	}
	return res.RowsAffected()
}
