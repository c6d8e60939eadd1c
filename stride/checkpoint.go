package stride

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// CheckpointRecord captures how far the dataset cursor has advanced and which
// per-rank segment size produced that progress. The pair is enough to detect
// a configuration change across a restart.
type CheckpointRecord struct {
	End                int `json:"end"`
	SegmentSizePerRank int `json:"segment_size_per_rank"`
}

// -----------------------------------------------------------------------------
// Checkpointer
// -----------------------------------------------------------------------------

// Checkpointer persists and restores cursor progress through a Store.
//
// Only the coordinator rank touches persistent storage; every other rank
// participates in the surrounding group operations so that no rank proceeds
// past a save or restore before the whole group has.
type Checkpointer struct {
	store       Store
	group       Group
	coordinator int
	log         *slog.Logger
}

// CheckpointerConfig holds the configuration for a Checkpointer.
type CheckpointerConfig struct {
	// Store is the persistent backend. Required. Only the coordinator's
	// Store is ever used, but passing one on every rank keeps construction
	// uniform.
	Store Store

	// Group is the coordination channel between ranks. Required.
	Group Group

	// Coordinator is the rank that owns persistent state.
	Coordinator int

	// Logger receives the reconciliation diagnostic. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks that required components are set.
func (c *CheckpointerConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("stride: checkpoint Store is required")
	}
	if c.Group == nil {
		return fmt.Errorf("stride: checkpoint Group is required")
	}
	if c.Coordinator < 0 || c.Coordinator >= c.Group.WorldSize() {
		return fmt.Errorf("stride: Coordinator %d outside world of size %d",
			c.Coordinator, c.Group.WorldSize())
	}
	return nil
}

// NewCheckpointer creates a Checkpointer.
func NewCheckpointer(cfg CheckpointerConfig) (*Checkpointer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		store:       cfg.Store,
		group:       cfg.Group,
		coordinator: cfg.Coordinator,
		log:         logger,
	}, nil
}

// Save persists the cursor's progress at path. Only the coordinator writes;
// the trailing barrier guarantees no rank resumes training before the save
// has completed, so a crash-restart race can never observe a half-written
// record.
//
// Every rank of the group must call Save.
func (cp *Checkpointer) Save(ctx context.Context, path string, cursor *Cursor) error {
	if cp.group.Rank() == cp.coordinator {
		rec := CheckpointRecord{
			End:                cursor.End(),
			SegmentSizePerRank: cursor.SegmentSize(),
		}
		data, err := jsonCodec.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("stride: encode checkpoint: %w", err)
		}
		if err := cp.store.Put(ctx, path, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("stride: write checkpoint: %w", err)
		}
	}
	if err := cp.group.Barrier(ctx); err != nil {
		return fmt.Errorf("stride: post-save barrier failed: %w", err)
	}
	return nil
}

// LoadAndBroadcast restores cursor progress from path.
//
// The coordinator reads the record (a missing file becomes an explicit
// "no checkpoint" message) and broadcasts it; every rank then applies the
// same record by advancing the cursor to the saved end. If the record was
// saved under a different per-rank segment size, the checkpoint's value is
// adopted and a warning is emitted — using the new configuration instead
// would desynchronize the window arithmetic against already-consumed indices.
//
// Returns whether a checkpoint was found and applied, and whether applying it
// exhausted the dataset and reset the cursor (a record saved at end==totalSize
// resumes as a fresh pass).
//
// Every rank of the group must call LoadAndBroadcast.
func (cp *Checkpointer) LoadAndBroadcast(ctx context.Context, path string, cursor *Cursor) (loaded, reset bool, err error) {
	msg := Message{Kind: KindNone}

	if cp.group.Rank() == cp.coordinator {
		rec, readErr := cp.read(ctx, path)
		if readErr != nil {
			return false, false, readErr
		}
		if rec != nil {
			msg = Message{Kind: KindCheckpoint, Checkpoint: rec}
		}
	}

	if err := cp.group.Broadcast(ctx, &msg, cp.coordinator); err != nil {
		return false, false, fmt.Errorf("stride: checkpoint broadcast failed: %w", err)
	}

	switch msg.Kind {
	case KindNone:
		// No checkpoint on disk; everyone starts fresh.
		if err := cp.group.Barrier(ctx); err != nil {
			return false, false, fmt.Errorf("stride: post-load barrier failed: %w", err)
		}
		return false, false, nil
	case KindCheckpoint:
		// fall through to apply
	default:
		return false, false, fmt.Errorf("stride: expected checkpoint from coordinator, got message kind %d", msg.Kind)
	}

	rec := msg.Checkpoint
	if rec.SegmentSizePerRank != cursor.SegmentSize() {
		cp.log.Warn("checkpoint segment size differs from configuration; adopting checkpoint value",
			"checkpoint", rec.SegmentSizePerRank,
			"configured", cursor.SegmentSize())
		cursor.adoptSegmentSize(rec.SegmentSizePerRank)
	}

	reset, err = cursor.Advance(ctx, rec.End)
	if err != nil {
		return false, false, err
	}

	if err := cp.group.Barrier(ctx); err != nil {
		return false, false, fmt.Errorf("stride: post-load barrier failed: %w", err)
	}
	return true, reset, nil
}

// read fetches and decodes the record, mapping a missing path to nil.
func (cp *Checkpointer) read(ctx context.Context, path string) (*CheckpointRecord, error) {
	rc, err := cp.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("stride: read checkpoint: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var rec CheckpointRecord
	if err := jsonCodec.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, fmt.Errorf("stride: decode checkpoint: %w", err)
	}
	if rec.End < 0 || rec.SegmentSizePerRank <= 0 {
		return nil, fmt.Errorf("stride: corrupt checkpoint record: end=%d segment_size_per_rank=%d",
			rec.End, rec.SegmentSizePerRank)
	}
	return &rec, nil
}
