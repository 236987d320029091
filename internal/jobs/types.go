// Package jobs defines analysis job kinds and the in-process coordination
// primitives shared by the claim protocol and the worker pool.
package jobs

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Type is the closed set of analysis job kinds.
type Type int

const (
	// AnalyzeSample decodes one sample and computes its embedding.
	AnalyzeSample Type = iota + 1
	// EmbeddingBackfill computes embeddings for a list of samples that lack one.
	EmbeddingBackfill
	// RebuildIndex reconstructs the similarity index of one model.
	RebuildIndex
)

// Types lists every job kind.
var Types = []Type{AnalyzeSample, EmbeddingBackfill, RebuildIndex}

// String returns the value stored in the job_type column.
func (t Type) String() string {
	switch t {
	case AnalyzeSample:
		return "analyze_sample"
	case EmbeddingBackfill:
		return "embedding_backfill"
	case RebuildIndex:
		return "rebuild_index"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType converts a job_type column value into a Type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown job type %q", s)
}

// Status is the job state machine: pending -> running -> done|failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transitions happen without a requeue.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one row of the analysis_jobs table.
type Job struct {
	ID          int64      `json:"id"`
	SampleID    string     `json:"sample_id"`
	ContentHash string     `json:"content_hash,omitempty"`
	Type        Type       `json:"-"`
	TypeName    string     `json:"job_type"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	RunningAt   *time.Time `json:"running_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Claimed is a job handed to exactly one worker by a claim.
// ContentHash doubles as the payload for backfill and rebuild jobs.
type Claimed struct {
	ID          int64
	SampleID    string
	ContentHash string
	Type        Type
	Attempts    int
}

// Spec describes a job to enqueue.
type Spec struct {
	SampleID    string
	Type        Type
	ContentHash string
}

// RebuildSampleID is the synthetic sample id carried by RebuildIndex jobs,
// so each model has at most one rebuild row.
func RebuildSampleID(modelID string) string {
	return "__ann__::" + modelID
}

// MaxReasonBytes bounds the last_error text kept for a failed job.
const MaxReasonBytes = 500

// TruncateReason shortens s to at most MaxReasonBytes without splitting a rune.
func TruncateReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxReasonBytes {
		return s
	}
	const ellipsis = "..."
	cut := MaxReasonBytes - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

// BackfillSampleID is the synthetic sample id carried by EmbeddingBackfill
// jobs for a source. It keeps the source prefix so pruning can find it.
func BackfillSampleID(sourceID string) string {
	return sourceID + "::__embedding_backfill__"
}
