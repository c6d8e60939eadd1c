package stride

import (
	"context"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Single-rank group
// -----------------------------------------------------------------------------

// Single is the degenerate Group for a world of one rank. Broadcast is the
// identity and Barrier returns immediately; no network participation is
// required.
type Single struct{}

// Rank returns 0.
func (Single) Rank() int { return 0 }

// WorldSize returns 1.
func (Single) WorldSize() int { return 1 }

// Broadcast validates the source and returns the caller's own message.
func (Single) Broadcast(ctx context.Context, _ *Message, source int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if source != 0 {
		return fmt.Errorf("stride: source rank %d outside world of size 1", source)
	}
	return nil
}

// Barrier returns immediately.
func (Single) Barrier(ctx context.Context) error {
	return ctx.Err()
}

var _ Group = Single{}

// -----------------------------------------------------------------------------
// Local in-process group
// -----------------------------------------------------------------------------

// localHub is the shared rendezvous state behind a set of Local groups.
type localHub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	world   int
	arrived int
	gen     uint64
	slot    *Message
}

// localGroup is one rank's view of a localHub.
type localGroup struct {
	hub  *localHub
	rank int
}

// NewLocal creates an in-process group of worldSize ranks sharing one
// rendezvous hub, returned as one Group per rank. It simulates coordination
// with goroutines instead of real multi-process rank IDs, which is the
// intended harness for tests and single-process development.
//
// Group operations block until every rank reaches the matching call. There is
// no internal timeout: cancellation is checked only on entry, so a rank that
// never calls the matching operation hangs the group, exactly as a real
// transport would.
func NewLocal(worldSize int) ([]Group, error) {
	if worldSize <= 0 {
		return nil, fmt.Errorf("stride: world size must be positive, got %d", worldSize)
	}
	hub := &localHub{world: worldSize}
	hub.cond = sync.NewCond(&hub.mu)

	groups := make([]Group, worldSize)
	for rank := range groups {
		groups[rank] = &localGroup{hub: hub, rank: rank}
	}
	return groups, nil
}

func (g *localGroup) Rank() int { return g.rank }

func (g *localGroup) WorldSize() int { return g.hub.world }

// Broadcast deposits the source's message in the hub and hands every other
// rank an independent copy. Receivers never share slice backing with the
// source or with each other, so no rank can perturb another's index set.
func (g *localGroup) Broadcast(ctx context.Context, msg *Message, source int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if source < 0 || source >= g.hub.world {
		return fmt.Errorf("stride: source rank %d outside world of size %d", source, g.hub.world)
	}

	if g.rank == source {
		g.hub.mu.Lock()
		g.hub.slot = copyMessage(msg)
		g.hub.mu.Unlock()
	}

	// First rendezvous: the slot is guaranteed set once the source arrives.
	g.hub.rendezvous()

	if g.rank != source {
		g.hub.mu.Lock()
		*msg = *copyMessage(g.hub.slot)
		g.hub.mu.Unlock()
	}

	// Second rendezvous: nobody starts the next operation until every rank
	// has copied out of the slot.
	g.hub.rendezvous()
	return nil
}

// Barrier blocks until every rank has reached it.
func (g *localGroup) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.hub.rendezvous()
	return nil
}

// rendezvous is a reusable generation barrier across all ranks of the hub.
func (h *localHub) rendezvous() {
	h.mu.Lock()
	defer h.mu.Unlock()

	gen := h.gen
	h.arrived++
	if h.arrived == h.world {
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return
	}
	for gen == h.gen {
		h.cond.Wait()
	}
}

// copyMessage returns a deep copy of msg.
func copyMessage(msg *Message) *Message {
	out := &Message{Kind: msg.Kind}
	if msg.Indices != nil {
		out.Indices = make([]int, len(msg.Indices))
		copy(out.Indices, msg.Indices)
	}
	if msg.Checkpoint != nil {
		rec := *msg.Checkpoint
		out.Checkpoint = &rec
	}
	return out
}

var _ Group = (*localGroup)(nil)
