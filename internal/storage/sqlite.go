package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a single SQLite connection. Each worker opens its own DB against
// the shared file; WAL mode lets readers proceed alongside the one writer.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// pragmas applied to every connection. Transactions begin IMMEDIATE so a
// claim takes the write lock up front instead of upgrading mid-transaction.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"

// OpenDB opens or creates a SQLite database at the given path.
func OpenDB(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += pragmas

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // one connection per DB handle; share the file, not the handle

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: db, path: path, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// SetClock overrides the time source used for timestamps.
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DB) clock() time.Time {
	return d.now()
}

// createSchema creates the database schema if it doesn't exist.
func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sources (
			source_id TEXT PRIMARY KEY,
			root TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS samples (
			sample_id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			mtime INTEGER NOT NULL,
			analyzed_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_samples_source ON samples(source_id);

		CREATE TABLE IF NOT EXISTS analysis_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sample_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			content_hash TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			running_at INTEGER,
			last_error TEXT,
			UNIQUE(sample_id, job_type)
		);

		CREATE INDEX IF NOT EXISTS idx_analysis_jobs_claim ON analysis_jobs(status, created_at, id);

		CREATE TABLE IF NOT EXISTS embeddings (
			sample_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			dim INTEGER NOT NULL,
			dtype TEXT NOT NULL,
			l2_normed INTEGER NOT NULL,
			vec BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (sample_id, model_id)
		);

		CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model_id, sample_id);

		CREATE TABLE IF NOT EXISTS ann_index_meta (
			model_id TEXT PRIMARY KEY,
			index_path TEXT NOT NULL,
			count INTEGER NOT NULL,
			params_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			dirty INTEGER NOT NULL DEFAULT 0
		);
	`

	_, err := db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing on success.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
