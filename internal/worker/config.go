package worker

import (
	"runtime"
	"time"

	"github.com/matsen/samplesim/internal/config"
)

// Defaults for Config fields left at zero.
const (
	DefaultClaimBatch        = 64
	DefaultEmbedBatchMax     = 16
	DefaultMaxAttempts       = 3
	DefaultStaleAfter        = 2 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultHeartbeatInterval = 4 * time.Second
	DefaultIdleWait          = 500 * time.Millisecond

	// reservedCPUs are left for the UI and the database.
	reservedCPUs = 2
)

// Config sizes the pool. Zero fields take defaults in Normalize.
type Config struct {
	// AnalysisWorkers run inference and write results.
	AnalysisWorkers int
	// DecodeWorkers claim jobs and decode audio.
	DecodeWorkers int
	// DecodeQueueTarget bounds the decoded clips waiting for inference.
	DecodeQueueTarget int
	// ClaimBatch caps how many jobs one claim takes.
	ClaimBatch int
	// EmbedBatchMax caps the clips per inference call.
	EmbedBatchMax int
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int

	StaleAfter        time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	// IdleWait is how long a worker sleeps on the wakeup signal before
	// polling the queue again.
	IdleWait time.Duration
}

// DefaultConfig returns the defaults for this machine.
func DefaultConfig() Config {
	return Config{}.Normalize()
}

// FromSettings maps user settings onto a Config. Unset values stay zero.
func FromSettings(s config.WorkerSettings) Config {
	return Config{
		AnalysisWorkers:   s.AnalysisWorkers,
		DecodeWorkers:     s.DecodeWorkers,
		DecodeQueueTarget: s.DecodeQueueTarget,
		ClaimBatch:        s.ClaimBatch,
		EmbedBatchMax:     s.EmbedBatchMax,
		MaxAttempts:       s.MaxAttempts,
		StaleAfter:        s.StaleAfter,
		SweepInterval:     s.SweepInterval,
	}
}

// Normalize fills zero fields with defaults derived from the CPU count.
func (c Config) Normalize() Config {
	return c.normalize(runtime.NumCPU())
}

func (c Config) normalize(cpus int) Config {
	if cpus < 1 {
		cpus = 1
	}
	if c.AnalysisWorkers <= 0 {
		c.AnalysisWorkers = max(cpus-reservedCPUs, 1)
	}
	if c.DecodeWorkers <= 0 {
		c.DecodeWorkers = min(max(2*c.AnalysisWorkers, 2), cpus)
	}
	if c.EmbedBatchMax <= 0 {
		c.EmbedBatchMax = DefaultEmbedBatchMax
	}
	if c.DecodeQueueTarget <= 0 {
		c.DecodeQueueTarget = max(c.EmbedBatchMax*c.AnalysisWorkers, 4)
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleWait <= 0 {
		c.IdleWait = DefaultIdleWait
	}
	return c
}

// claimSize is how many jobs one decode worker takes per claim: enough to
// fill its share of the decoded queue, never more than ClaimBatch.
func (c Config) claimSize() int {
	share := c.DecodeQueueTarget / c.DecodeWorkers
	return min(max(share, 1), c.ClaimBatch)
}
