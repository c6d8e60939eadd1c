package stride

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Cursor Configuration
// -----------------------------------------------------------------------------

// CursorConfig holds the configuration for a Cursor.
type CursorConfig struct {
	// Group is the coordination channel between ranks. Required.
	Group Group

	// Coordinator is the rank that materializes index sets and owns
	// persistent state. Must be a valid rank within the group.
	Coordinator int

	// SegmentSize is the number of samples each rank consumes per window.
	SegmentSize int

	// TotalSize is the length of the full dataset.
	TotalSize int
}

// Validate checks the configuration. Violations are fatal at construction and
// never retried.
func (c *CursorConfig) Validate() error {
	if c.Group == nil {
		return errors.New("stride: Group is required")
	}
	if c.TotalSize <= 0 {
		return fmt.Errorf("stride: TotalSize must be positive, got %d", c.TotalSize)
	}
	if c.SegmentSize*c.Group.WorldSize() <= 0 {
		return fmt.Errorf("stride: SegmentSize*WorldSize must be positive, got %d*%d",
			c.SegmentSize, c.Group.WorldSize())
	}
	if c.Coordinator < 0 || c.Coordinator >= c.Group.WorldSize() {
		return fmt.Errorf("stride: Coordinator %d outside world of size %d",
			c.Coordinator, c.Group.WorldSize())
	}
	return nil
}

// -----------------------------------------------------------------------------
// Cursor
// -----------------------------------------------------------------------------

// Cursor tracks the current global-index window assigned to the group.
//
// A cursor is created once per training run with start=0 and is mutated only
// through Advance and Reset. It is not safe for concurrent use within a rank;
// cross-rank agreement comes from the group operations inside Advance.
type Cursor struct {
	group       Group
	coordinator int
	segmentSize int
	totalSize   int

	start   int
	end     int
	indices []int
}

// NewCursor creates a cursor positioned at the start of the dataset.
// The index set is empty until the first Advance.
func NewCursor(cfg CursorConfig) (*Cursor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cursor{
		group:       cfg.Group,
		coordinator: cfg.Coordinator,
		segmentSize: cfg.SegmentSize,
		totalSize:   cfg.TotalSize,
	}
	c.start = 0
	c.end = c.Boundary(0)
	return c, nil
}

// Boundary returns the exclusive end of the window beginning at start,
// clamped to the dataset size.
func (c *Cursor) Boundary(start int) int {
	end := start + c.segmentSize*c.group.WorldSize()
	if end > c.totalSize {
		end = c.totalSize
	}
	return end
}

// Advance moves the window to begin at newStart and replicates the window's
// index set across the group. newStart must be non-negative; a negative value
// is rejected before any state changes or group traffic.
//
// The coordinator rank materializes the indices; every other rank receives
// that exact sequence over the broadcast channel and never recomputes it. The
// broadcast doubles as a synchronization barrier: no rank reads the new index
// set while another rank is still inside Advance.
//
// If the new window is empty the cursor has exhausted the dataset: it resets
// to the start and reports reset=true so upstream samplers can re-shuffle or
// stop.
func (c *Cursor) Advance(ctx context.Context, newStart int) (reset bool, err error) {
	if newStart < 0 {
		return false, fmt.Errorf("stride: window start must be non-negative, got %d", newStart)
	}
	c.start = newStart
	c.end = c.Boundary(newStart)

	msg := Message{Kind: KindNone}
	if c.group.Rank() == c.coordinator {
		indices := make([]int, 0, c.end-c.start)
		for i := c.start; i < c.end; i++ {
			indices = append(indices, i)
		}
		msg = Message{Kind: KindIndexSet, Indices: indices}
	}

	if err := c.group.Broadcast(ctx, &msg, c.coordinator); err != nil {
		return false, fmt.Errorf("stride: index set broadcast failed: %w", err)
	}
	if msg.Kind != KindIndexSet {
		return false, fmt.Errorf("stride: expected index set from coordinator, got message kind %d", msg.Kind)
	}
	c.indices = msg.Indices

	if len(c.indices) == 0 {
		c.Reset()
		return true, nil
	}
	return false, nil
}

// Reset returns the cursor to the start of the dataset and clears the index
// set. Calling Reset twice in a row is equivalent to calling it once.
func (c *Cursor) Reset() {
	c.start = 0
	c.end = c.Boundary(0)
	c.indices = nil
}

// Len returns the size of the current window. A dataset wrapper reports this
// as its length so downstream samplers see only the current window.
func (c *Cursor) Len() int {
	return c.end - c.start
}

// Start returns the inclusive start of the current window.
func (c *Cursor) Start() int { return c.start }

// End returns the exclusive end of the current window.
func (c *Cursor) End() int { return c.end }

// SegmentSize returns the per-rank segment size in effect.
func (c *Cursor) SegmentSize() int { return c.segmentSize }

// TotalSize returns the length of the full dataset.
func (c *Cursor) TotalSize() int { return c.totalSize }

// Indices returns the replicated index set for the current window. The slice
// is shared; callers must not mutate it.
func (c *Cursor) Indices() []int { return c.indices }

// GlobalIndex resolves a 0-based position within the current window to a
// global dataset index through the replicated index set. Out-of-range
// positions fail explicitly; there is no silent clamping.
func (c *Cursor) GlobalIndex(local int) (int, error) {
	if local < 0 || local >= len(c.indices) {
		return 0, &IndexError{Local: local, Start: c.start, End: c.end}
	}
	return c.indices[local], nil
}

// adoptSegmentSize overrides the per-rank segment size and recomputes the
// window end. Used by checkpoint reconciliation when a restored record was
// produced under a different batch size.
func (c *Cursor) adoptSegmentSize(n int) {
	c.segmentSize = n
	c.end = c.Boundary(c.start)
}
