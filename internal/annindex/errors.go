package annindex

import (
	"errors"
	"fmt"
)

var (
	// ErrNotIndexed is returned when a query names a sample that is not in
	// the index.
	ErrNotIndexed = errors.New("sample is not indexed")

	// ErrIndexNotFound is returned when no persisted dump exists.
	ErrIndexNotFound = errors.New("index dump not found")

	// ErrCorruptContainer is returned when a dump fails verification.
	ErrCorruptContainer = errors.New("corrupt index container")
)

// DimensionMismatchError reports a vector whose length differs from the
// index dimension. It is a validation error and never retried.
type DimensionMismatchError struct {
	ModelID  string
	SampleID string
	Got      int
	Want     int
}

func (e *DimensionMismatchError) Error() string {
	if e.SampleID == "" {
		return fmt.Sprintf("dimension mismatch for model %s: got %d, want %d", e.ModelID, e.Got, e.Want)
	}
	return fmt.Sprintf("dimension mismatch for %s (model %s): got %d, want %d", e.SampleID, e.ModelID, e.Got, e.Want)
}
