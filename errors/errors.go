// Package errors defines all exported error values for the flatsort library.
//
// This is the single source of truth for error values. Both the top-level
// flatsort package and its commands import from here, ensuring errors.Is and
// errors.As checks work across package boundaries.
package errors

import (
	"errors"
	"fmt"
)

// Configuration errors, returned by New before any pipeline work starts.
var (
	ErrNoKey              = errors.New("flatsort: sort key has no fields")
	ErrKeyFieldNegative   = errors.New("flatsort: sort key field index is negative")
	ErrChunkBytesInvalid  = errors.New("flatsort: max chunk bytes must be positive")
	ErrWorkersInvalid     = errors.New("flatsort: worker count must be positive")
	ErrRetryInvalid       = errors.New("flatsort: retry count and backoff must be non-negative")
	ErrTimeoutInvalid     = errors.New("flatsort: chunk sort timeout must be non-negative")
	ErrQuotaInvalid       = errors.New("flatsort: disk quota must be non-negative")
	ErrDelimiterInvalid   = errors.New("flatsort: delimiter is not a valid field separator")
	ErrCompressionInvalid = errors.New("flatsort: unknown compression codec")
)

// Runtime errors, surfaced inside a *PipelineError.
var (
	ErrQuotaExceeded = errors.New("flatsort: scratch disk quota exceeded")
	ErrChunkCorrupt  = errors.New("flatsort: chunk failed integrity verification")
	ErrScratchDir    = errors.New("flatsort: cannot create scratch directory")
)

// Phase identifies which pipeline stage an error originated in.
type Phase uint8

const (
	PhaseSplit Phase = iota + 1
	PhaseSort
	PhaseMerge
)

func (p Phase) String() string {
	switch p {
	case PhaseSplit:
		return "split"
	case PhaseSort:
		return "sort"
	case PhaseMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// NoChunk is the Chunk value for errors not tied to a particular chunk.
const NoChunk = int64(-1)

// PipelineError is the single structured error reported for a failed run.
// Phase names the stage that failed. For sort-phase failures Chunk holds the
// ordinal of the chunk whose sort failed permanently; otherwise it is NoChunk.
// The underlying cause (I/O error, context cancellation, ErrQuotaExceeded,
// ErrChunkCorrupt, ...) is reachable through Unwrap.
type PipelineError struct {
	Phase Phase
	Chunk int64
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("flatsort: %s chunk %d: %v", e.Phase, e.Chunk, e.Err)
	}
	return fmt.Sprintf("flatsort: %s: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Split wraps err as a split-phase pipeline error.
func Split(err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Phase: PhaseSplit, Chunk: NoChunk, Err: err}
}

// Sort wraps err as a sort-phase pipeline error for the given chunk ordinal.
func Sort(chunk int64, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Phase: PhaseSort, Chunk: chunk, Err: err}
}

// Merge wraps err as a merge-phase pipeline error.
func Merge(err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Phase: PhaseMerge, Chunk: NoChunk, Err: err}
}
