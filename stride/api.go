// Package stride provides a distributed segmented dataset cursor for
// rank-parallel training.
//
// Stride partitions an ordered dataset into contiguous global-index windows
// that advance in lockstep across a group of cooperating ranks. One
// coordinating rank materializes each window's index set and broadcasts it,
// so every rank holds an identical sequence before any rank proceeds.
// Progress is checkpointable without losing or duplicating samples across a
// restart.
package stride

import (
	"context"
	"fmt"
	"io"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Handle identifies one logical sample in the full dataset. The cursor never
// interprets it; it only indexes into the ordered sequence of handles.
type Handle struct {
	// Experiment names the experiment the sample belongs to.
	Experiment string `json:"exp" parquet:"exp"`

	// Run is the data-taking run number within the experiment.
	Run int `json:"run" parquet:"run"`

	// AccessMode selects how the remote source reads the run (e.g., "idx").
	AccessMode string `json:"access_mode" parquet:"access_mode"`

	// Detector names the detector whose readout is fetched.
	Detector string `json:"detector_name" parquet:"detector_name"`

	// Event is the event number within the run.
	Event int `json:"event" parquet:"event"`
}

// Array is a raw multi-dimensional array returned by a sample fetch.
//
// Data holds the elements in row-major order; Dtype names the element type
// using numpy-style strings (e.g., "float32").
type Array struct {
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
	Data  []byte `json:"-"`
}

// NumElems returns the number of elements implied by Shape.
func (a *Array) NumElems() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// -----------------------------------------------------------------------------
// Group transport
// -----------------------------------------------------------------------------

// MessageKind tags the payload carried by a broadcast Message.
type MessageKind int

// Message kinds. Receivers branch exhaustively on the kind rather than
// trusting an untyped payload.
const (
	// KindNone carries no payload (e.g., "no checkpoint exists").
	KindNone MessageKind = iota

	// KindIndexSet carries the materialized global indices of a window.
	KindIndexSet

	// KindCheckpoint carries a checkpoint record.
	KindCheckpoint
)

// Message is the single value type exchanged over a Group. Exactly one of
// Indices or Checkpoint is meaningful, selected by Kind.
type Message struct {
	Kind       MessageKind       `json:"kind"`
	Indices    []int             `json:"indices,omitempty"`
	Checkpoint *CheckpointRecord `json:"checkpoint,omitempty"`
}

// Group is the coordination channel between ranks.
//
// Broadcast and Barrier are group-wide blocking operations: no participant
// proceeds past the call until every participant has reached the matching
// call. Neither carries an internal timeout; abandoning a run is the job of
// an external supervisor, which must cancel ctx on every rank (a unilateral
// abort on one rank hangs the others at their next group operation).
type Group interface {
	// Rank returns this participant's 0-based rank id.
	Rank() int

	// WorldSize returns the total number of participants.
	WorldSize() int

	// Broadcast replicates the message held by the source rank to every
	// participant. On non-source ranks the input message is overwritten in
	// place with the source's value.
	Broadcast(ctx context.Context, msg *Message, source int) error

	// Barrier blocks until every participant has reached it.
	Barrier(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

// Store abstracts the persistent backend used for checkpoint records and run
// manifests.
//
// Implementations may target filesystems, S3, or in-memory maps. Unlike an
// immutable snapshot store, Put replaces any existing object at the path:
// a checkpoint is a single record that is rewritten in place.
type Store interface {
	// Put writes data to the given path, replacing any existing object.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// -----------------------------------------------------------------------------
// Sample fetch
// -----------------------------------------------------------------------------

// Fetcher resolves one dataset handle to a raw array from a remote source.
//
// Fetch failures are opaque to the cursor machinery: they propagate to the
// caller unretried. A source that has no data for the handle returns
// ErrNoData.
type Fetcher interface {
	Fetch(ctx context.Context, h Handle) (*Array, error)
}

// Transform rewrites a fetched array. Transforms are applied in order by
// SegmentedDataset.Sample.
type Transform interface {
	Apply(a *Array) (*Array, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrNoData indicates the remote source has no data for a handle.
	ErrNoData = errNoData{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errNoData struct{}

func (errNoData) Error() string { return "no data" }

// IndexError reports a local position outside the current window. It is fatal
// to the single request; callers must not ask beyond the reported Len().
type IndexError struct {
	Local int
	Start int
	End   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("stride: local index %d out of range for window [%d,%d)", e.Local, e.Start, e.End)
}
