package stride

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Segmented Dataset
// -----------------------------------------------------------------------------

// SegmentedDataset binds the full handle list, the group cursor, and the
// sample fetcher into the view one rank exposes to its data loader.
//
// The dataset borrows the handle list — it is externally supplied, immutable,
// and never mutated here — and owns no transport connection: each fetch opens
// and closes its own.
type SegmentedDataset struct {
	handles    []Handle
	cursor     *Cursor
	fetcher    Fetcher
	transforms []Transform
}

// DatasetOption configures SegmentedDataset construction.
type DatasetOption func(*SegmentedDataset)

// WithTransforms sets the transform pipeline applied to every fetched array,
// in order. Default: none.
func WithTransforms(transforms ...Transform) DatasetOption {
	return func(d *SegmentedDataset) {
		d.transforms = transforms
	}
}

// NewSegmentedDataset creates a dataset over the given handle list.
//
// The cursor's TotalSize must equal the handle count; a mismatch means the
// ranks would agree on windows over a different dataset than the one being
// served, which is exactly the divergence this layer exists to prevent.
func NewSegmentedDataset(handles []Handle, cursor *Cursor, fetcher Fetcher, opts ...DatasetOption) (*SegmentedDataset, error) {
	if cursor == nil {
		return nil, errors.New("stride: cursor is required")
	}
	if fetcher == nil {
		return nil, errors.New("stride: fetcher is required")
	}
	if len(handles) != cursor.TotalSize() {
		return nil, fmt.Errorf("stride: %d handles but cursor sized for %d", len(handles), cursor.TotalSize())
	}

	d := &SegmentedDataset{
		handles: handles,
		cursor:  cursor,
		fetcher: fetcher,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Len reports the size of the current window, not the whole dataset, so a
// downstream sampler or loader only ever iterates the segment assigned to
// this step.
func (d *SegmentedDataset) Len() int {
	return d.cursor.Len()
}

// Cursor returns the underlying cursor.
func (d *SegmentedDataset) Cursor() *Cursor {
	return d.cursor
}

// Advance moves every rank to the next contiguous window and blocks until the
// whole group holds the identical index set. The first Advance after
// construction or a reset materializes the window at the cursor's start;
// subsequent calls begin at the previous window's end. Reports reset=true when
// the dataset was exhausted and the cursor wrapped back to the start.
func (d *SegmentedDataset) Advance(ctx context.Context) (reset bool, err error) {
	if d.cursor.Indices() == nil {
		return d.cursor.Advance(ctx, d.cursor.Start())
	}
	return d.cursor.Advance(ctx, d.cursor.End())
}

// Sample fetches the sample at a 0-based position within the current window
// and applies the transform pipeline. Positions outside [0, Len()) fail with
// an IndexError.
func (d *SegmentedDataset) Sample(ctx context.Context, local int) (*Array, error) {
	global, err := d.cursor.GlobalIndex(local)
	if err != nil {
		return nil, err
	}

	arr, err := d.fetcher.Fetch(ctx, d.handles[global])
	if err != nil {
		return nil, err
	}

	for _, t := range d.transforms {
		arr, err = t.Apply(arr)
		if err != nil {
			return nil, fmt.Errorf("stride: transform failed: %w", err)
		}
	}
	return arr, nil
}
