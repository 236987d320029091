package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matsen/samplesim/internal/jobs"
)

// JobCount is the number of jobs of one type in one status.
type JobCount struct {
	Type   string      `json:"job_type"`
	Status jobs.Status `json:"status"`
	Count  int         `json:"count"`
}

// EnqueueJob inserts a pending job. An existing row for the same
// (sample_id, job_type) is left untouched; inserted reports which happened.
func (d *DB) EnqueueJob(ctx context.Context, spec jobs.Spec) (inserted bool, err error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (sample_id, job_type, content_hash, status, attempts, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(sample_id, job_type) DO NOTHING
	`, spec.SampleID, spec.Type.String(), nullString(spec.ContentHash), d.clock().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("enqueueing job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EnqueueJobs inserts many pending jobs in one transaction and returns how
// many were new.
func (d *DB) EnqueueJobs(ctx context.Context, specs []jobs.Spec) (int, error) {
	inserted := 0
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO analysis_jobs (sample_id, job_type, content_hash, status, attempts, created_at)
			VALUES (?, ?, ?, 'pending', 0, ?)
			ON CONFLICT(sample_id, job_type) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("preparing enqueue: %w", err)
		}
		defer stmt.Close()

		now := d.clock().UnixMilli()
		for _, spec := range specs {
			res, err := stmt.ExecContext(ctx, spec.SampleID, spec.Type.String(), nullString(spec.ContentHash), now)
			if err != nil {
				return fmt.Errorf("enqueueing job for %s: %w", spec.SampleID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// RequeueJob inserts a pending job, or resets an existing done/failed row for
// the same (sample_id, job_type) back to pending with a fresh payload.
// Pending and running rows are left alone.
func (d *DB) RequeueJob(ctx context.Context, spec jobs.Spec) (queued bool, err error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (sample_id, job_type, content_hash, status, attempts, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(sample_id, job_type) DO UPDATE SET
			status = 'pending',
			content_hash = excluded.content_hash,
			attempts = 0,
			created_at = excluded.created_at,
			running_at = NULL,
			last_error = NULL
		WHERE analysis_jobs.status IN ('done', 'failed')
	`, spec.SampleID, spec.Type.String(), nullString(spec.ContentHash), d.clock().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("requeueing job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimNextJob claims the oldest pending job, or returns nil if there is none.
func (d *DB) ClaimNextJob(ctx context.Context) (*jobs.Claimed, error) {
	claimed, err := d.ClaimNextJobs(ctx, 1)
	if err != nil || len(claimed) == 0 {
		return nil, err
	}
	return &claimed[0], nil
}

// ClaimNextJobs moves up to limit pending jobs to running, oldest first
// (created_at, then id), incrementing attempts and stamping running_at.
// The select and update run in one IMMEDIATE transaction, so concurrent
// claimers on any connection to the same file never receive the same job.
func (d *DB) ClaimNextJobs(ctx context.Context, limit int) ([]jobs.Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}

	type row struct {
		claimed   jobs.Claimed
		createdAt int64
	}
	var rows []row

	knownSQL, knownArgs := knownTypes()
	args := append([]any{d.clock().UnixMilli()}, knownArgs...)
	args = append(args, limit)

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		rs, err := tx.QueryContext(ctx, `
			UPDATE analysis_jobs
			SET status = 'running', attempts = attempts + 1, running_at = ?
			WHERE id IN (
				SELECT id FROM analysis_jobs
				WHERE status = 'pending' AND job_type IN (`+knownSQL+`)
				ORDER BY created_at ASC, id ASC
				LIMIT ?
			)
			RETURNING id, sample_id, content_hash, job_type, attempts, created_at
		`, args...)
		if err != nil {
			return fmt.Errorf("claiming jobs: %w", err)
		}
		defer rs.Close()

		for rs.Next() {
			var r row
			var hash sql.NullString
			var typeName string
			if err := rs.Scan(&r.claimed.ID, &r.claimed.SampleID, &hash, &typeName, &r.claimed.Attempts, &r.createdAt); err != nil {
				return fmt.Errorf("scanning claimed job: %w", err)
			}
			typ, err := jobs.ParseType(typeName)
			if err != nil {
				return fmt.Errorf("job %d: %w", r.claimed.ID, err)
			}
			r.claimed.Type = typ
			r.claimed.ContentHash = hash.String
			rows = append(rows, r)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdAt != rows[j].createdAt {
			return rows[i].createdAt < rows[j].createdAt
		}
		return rows[i].claimed.ID < rows[j].claimed.ID
	})
	out := make([]jobs.Claimed, len(rows))
	for i, r := range rows {
		out[i] = r.claimed
	}
	return out, nil
}

// MarkDone moves a job to done and clears its last error.
func (d *DB) MarkDone(ctx context.Context, jobID int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'done', last_error = NULL WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}
	return nil
}

// MarkFailed moves a job to failed, keeping a truncated reason.
func (d *DB) MarkFailed(ctx context.Context, jobID int64, reason string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'failed', last_error = ? WHERE id = ?`,
		jobs.TruncateReason(reason), jobID)
	if err != nil {
		return fmt.Errorf("marking job failed: %w", err)
	}
	return nil
}

// MarkPending returns a job to the queue, recording why it was retried.
func (d *DB) MarkPending(ctx context.Context, jobID int64, reason string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'pending', running_at = NULL, last_error = ? WHERE id = ?`,
		nullString(jobs.TruncateReason(reason)), jobID)
	if err != nil {
		return fmt.Errorf("marking job pending: %w", err)
	}
	return nil
}

// TouchRunning refreshes the heartbeat of running jobs.
func (d *DB) TouchRunning(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE analysis_jobs SET running_at = ? WHERE status = 'running' AND id IN (%s)`,
		placeholders(len(ids)))
	args := make([]any, 0, len(ids)+1)
	args = append(args, d.clock().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touching running jobs: %w", err)
	}
	return nil
}

// ResetStaleRunning returns running jobs whose heartbeat is older than
// staleBefore to pending. Returns the number of jobs reset.
func (d *DB) ResetStaleRunning(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'pending', running_at = NULL
		WHERE status = 'running' AND (running_at IS NULL OR running_at < ?)
	`, staleBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("resetting stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetJobsToPending returns the given jobs to pending if they are still running.
func (d *DB) ResetJobsToPending(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`UPDATE analysis_jobs SET status = 'pending', running_at = NULL WHERE status = 'running' AND id IN (%s)`,
		placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resetting jobs to pending: %w", err)
	}
	return res.RowsAffected()
}

// PruneJobsForMissingSources deletes sample jobs whose sample no longer
// exists and backfill jobs whose source is gone. Running jobs are kept.
func (d *DB) PruneJobsForMissingSources(ctx context.Context) (int64, error) {
	var total int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM analysis_jobs
			WHERE job_type = ? AND status != 'running'
				AND sample_id NOT IN (SELECT sample_id FROM samples)
		`, jobs.AnalyzeSample.String())
		if err != nil {
			return fmt.Errorf("pruning sample jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `
			DELETE FROM analysis_jobs
			WHERE job_type = ? AND status != 'running'
				AND substr(sample_id, 1, instr(sample_id, '::') - 1) NOT IN (SELECT source_id FROM sources)
		`, jobs.EmbeddingBackfill.String())
		if err != nil {
			return fmt.Errorf("pruning backfill jobs: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

// GetJob looks up a job by id.
func (d *DB) GetJob(ctx context.Context, id int64) (*jobs.Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, sample_id, content_hash, job_type, status, attempts, created_at, running_at, last_error
		FROM analysis_jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// FindJob looks up the job for a (sample_id, job_type) pair.
func (d *DB) FindJob(ctx context.Context, sampleID string, typ jobs.Type) (*jobs.Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, sample_id, content_hash, job_type, status, attempts, created_at, running_at, last_error
		FROM analysis_jobs WHERE sample_id = ? AND job_type = ?
	`, sampleID, typ.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// JobCounts returns job totals grouped by type and status.
func (d *DB) JobCounts(ctx context.Context) ([]JobCount, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT job_type, status, COUNT(*) FROM analysis_jobs
		GROUP BY job_type, status ORDER BY job_type, status
	`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	var counts []JobCount
	for rows.Next() {
		var c JobCount
		if err := rows.Scan(&c.Type, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// CountJobs returns the number of jobs in the given status.
func (d *DB) CountJobs(ctx context.Context, status jobs.Status) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s jobs: %w", status, err)
	}
	return n, nil
}

// CountClaimable counts pending jobs this build knows how to run. Rows of
// other job types stay pending for a process that knows them.
func (d *DB) CountClaimable(ctx context.Context) (int, error) {
	knownSQL, args := knownTypes()
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_jobs WHERE status = 'pending' AND job_type IN (`+knownSQL+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting claimable jobs: %w", err)
	}
	return n, nil
}

// knownTypes returns the placeholder list and arguments matching every job
// type of this build.
func knownTypes() (string, []any) {
	marks := make([]string, len(jobs.Types))
	args := make([]any, len(jobs.Types))
	for i, t := range jobs.Types {
		marks[i] = "?"
		args[i] = t.String()
	}
	return strings.Join(marks, ", "), args
}

// FailedJobs lists failed jobs, most recent first.
func (d *DB) FailedJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, sample_id, content_hash, job_type, status, attempts, created_at, running_at, last_error
		FROM analysis_jobs WHERE status = 'failed'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying failed jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var hash, lastErr sql.NullString
	var createdAt int64
	var runningAt sql.NullInt64
	var status string
	if err := r.Scan(&job.ID, &job.SampleID, &hash, &job.TypeName, &status,
		&job.Attempts, &createdAt, &runningAt, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	// Unknown types keep Type zero; TypeName still names them.
	job.Type, _ = jobs.ParseType(job.TypeName)
	job.Status = jobs.Status(status)
	job.ContentHash = hash.String
	job.LastError = lastErr.String
	job.CreatedAt = time.UnixMilli(createdAt)
	job.RunningAt = nullableMillis(runningAt)
	return &job, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
