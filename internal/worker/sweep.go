package worker

import (
	"context"
	"errors"
	"time"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
)

// SweepResult reports what one maintenance sweep changed.
type SweepResult struct {
	Reset    int64    `json:"reset"`
	Pruned   int64    `json:"pruned"`
	Rebuilds []string `json:"rebuilds,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Sweep runs the periodic maintenance: running jobs whose heartbeat is
// older than staleBefore go back to pending, jobs of removed sources are
// dropped, due index flushes happen and stale indexes get a rebuild job.
// Failures are logged and collected; one failing step does not stop the
// others.
func Sweep(ctx context.Context, db *storage.DB, index *annindex.Manager, staleBefore time.Time, logger *logging.Logger) SweepResult {
	var res SweepResult
	fail := func(err error) {
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	reset, err := db.ResetStaleRunning(ctx, staleBefore)
	fail(err)
	pruned, perr := db.PruneJobsForMissingSources(ctx)
	fail(perr)
	res.Reset, res.Pruned = reset, pruned
	logger.LogSweep(ctx, reset, pruned, errors.Join(err, perr))

	if err := index.FlushDue(ctx, db); err != nil {
		logger.Warn("index flush failed during sweep", "error", err)
		fail(err)
	}
	requested, err := index.CheckStale(ctx, db)
	if err != nil {
		logger.Warn("index staleness check failed", "error", err)
		fail(err)
	}
	if len(requested) > 0 {
		logger.Info("queued index rebuilds", "models", requested)
	}
	res.Rebuilds = requested
	return res
}
