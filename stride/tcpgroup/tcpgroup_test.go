package tcpgroup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumenforge/stride/stride"
)

func TestListenHub_InvalidWorldSize(t *testing.T) {
	if _, err := ListenHub("127.0.0.1:0", 0); err == nil {
		t.Fatal("expected error for zero world size, got nil")
	}
}

func TestJoin_InvalidRank(t *testing.T) {
	if _, err := Join(context.Background(), "127.0.0.1:1", 2, 2); err == nil {
		t.Fatal("expected error for rank outside world, got nil")
	}
}

// startHub runs a hub for worldSize ranks and returns its address and a
// channel carrying Serve's result.
func startHub(t *testing.T, worldSize int) (string, <-chan error) {
	t.Helper()
	hub, err := ListenHub("127.0.0.1:0", worldSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hub.Close() })

	served := make(chan error, 1)
	go func() { served <- hub.Serve(context.Background()) }()
	return hub.Addr(), served
}

func TestGroup_BroadcastAndBarrier(t *testing.T) {
	const world = 3
	const source = 1
	addr, served := startHub(t, world)

	received := make([]*stride.Message, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx := context.Background()

			g, err := Join(ctx, addr, rank, world)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = g.Close() }()

			if g.Rank() != rank || g.WorldSize() != world {
				t.Errorf("rank %d: identity = %d/%d", rank, g.Rank(), g.WorldSize())
			}

			msg := &stride.Message{}
			if rank == source {
				msg.Kind = stride.KindIndexSet
				msg.Indices = []int{10, 11, 12}
			}
			if err := g.Broadcast(ctx, msg, source); err != nil {
				errs[rank] = err
				return
			}
			received[rank] = msg

			errs[rank] = g.Barrier(ctx)
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < world; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		msg := received[rank]
		if msg.Kind != stride.KindIndexSet {
			t.Fatalf("rank %d: kind = %v", rank, msg.Kind)
		}
		if len(msg.Indices) != 3 || msg.Indices[0] != 10 || msg.Indices[2] != 12 {
			t.Fatalf("rank %d: indices = %v, want [10 11 12]", rank, msg.Indices)
		}
	}

	if err := <-served; err != nil {
		t.Fatalf("hub: %v", err)
	}
}

func TestGroup_CheckpointMessage(t *testing.T) {
	const world = 2
	addr, served := startHub(t, world)

	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx := context.Background()

			g, err := Join(ctx, addr, rank, world)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = g.Close() }()

			msg := &stride.Message{}
			if rank == 0 {
				msg.Kind = stride.KindCheckpoint
				msg.Checkpoint = &stride.CheckpointRecord{End: 8, SegmentSizePerRank: 2}
			}
			if err := g.Broadcast(ctx, msg, 0); err != nil {
				errs[rank] = err
				return
			}
			if msg.Checkpoint == nil || msg.Checkpoint.End != 8 || msg.Checkpoint.SegmentSizePerRank != 2 {
				t.Errorf("rank %d: checkpoint = %+v", rank, msg.Checkpoint)
			}
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if err := <-served; err != nil {
		t.Fatalf("hub: %v", err)
	}
}

func TestGroup_DrivesCursorAcrossProcess(t *testing.T) {
	// End-to-end: two ranks coordinate a cursor over the socket transport
	// exactly as two training processes would.
	const world = 2
	addr, served := startHub(t, world)

	indices := make([][]int, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx := context.Background()

			g, err := Join(ctx, addr, rank, world)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = g.Close() }()

			c, err := stride.NewCursor(stride.CursorConfig{
				Group:       g,
				Coordinator: 0,
				SegmentSize: 2,
				TotalSize:   10,
			})
			if err != nil {
				errs[rank] = err
				return
			}
			if _, err := c.Advance(ctx, 0); err != nil {
				errs[rank] = err
				return
			}
			indices[rank] = c.Indices()
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if len(indices[0]) != 4 {
		t.Fatalf("window holds %d indices, want 4", len(indices[0]))
	}
	for i := range indices[0] {
		if indices[0][i] != indices[1][i] {
			t.Fatalf("position %d: ranks disagree: %d vs %d", i, indices[0][i], indices[1][i])
		}
	}
	if err := <-served; err != nil {
		t.Fatalf("hub: %v", err)
	}
}

func TestJoin_CancelledWhileWaiting(t *testing.T) {
	// With only one of two ranks present the join ack never comes;
	// cancellation must unblock it.
	hub, err := ListenHub("127.0.0.1:0", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = hub.Close() }()
	go func() { _ = hub.Serve(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := Join(ctx, hub.Addr(), 0, 2); err == nil {
		t.Fatal("expected join to fail after cancellation, got nil")
	}
}
