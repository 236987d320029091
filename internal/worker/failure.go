package worker

import (
	"errors"
	"fmt"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/embedding"
	"github.com/matsen/samplesim/internal/storage"
)

// ErrPoolStopped is returned by operations on a pool that is shutting down.
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrDegenerateEmbedding is returned when an embedder produces a zero or
// non-finite vector that cannot be normalized.
var ErrDegenerateEmbedding = errors.New("embedding is zero or not finite")

// Kind says whether retrying a failed job can help.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Failure tags an error with its Kind, overriding Classify's defaults.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindTransient, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindPermanent, Err: err}
}

// Classify decides whether a job that failed with err should be retried.
// Input problems (undecodable audio, a missing sample, a vector of the wrong
// size) are permanent; I/O, database and service hiccups are transient.
func Classify(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	var dim *annindex.DimensionMismatchError
	var status *embedding.StatusError
	switch {
	case audio.Permanent(err),
		errors.As(err, &dim),
		errors.Is(err, embedding.ErrEmptyAudio),
		errors.Is(err, ErrDegenerateEmbedding),
		errors.Is(err, storage.ErrNotFound):
		return KindPermanent
	case errors.As(err, &status):
		if status.Temporary() {
			return KindTransient
		}
		return KindPermanent
	}
	return KindTransient
}
