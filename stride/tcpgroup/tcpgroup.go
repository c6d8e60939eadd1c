// Package tcpgroup provides a socket-backed stride.Group for multi-process
// training.
//
// One Hub hosts the rendezvous — by convention inside the process holding the
// coordinator role, though the Hub itself is rank-agnostic. Every rank joins
// the hub over TCP and then issues group operations as newline-delimited JSON
// frames:
//
//   - Broadcast: every rank sends a bcast frame for the round; the source's
//     frame carries the payload. The hub fans the identical payload out to
//     all ranks, including the source, whose receipt doubles as the
//     completion signal.
//   - Barrier: every rank sends an arrive frame; the hub releases all ranks
//     once the last one has arrived.
//
// Frames carry a per-group sequence number so a rank that skips an operation
// is detected as a protocol error instead of silently desynchronizing the
// group. Operations have no internal timeout: a rank that never sends its
// frame blocks everyone, and abandoning the run is the job of an external
// supervisor cancelling ctx on every rank.
package tcpgroup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	jsoniter "github.com/json-iterator/go"

	"github.com/lumenforge/stride/stride"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame operations.
const (
	opJoin    = "join"
	opJoined  = "joined"
	opBcast   = "bcast"
	opArrive  = "arrive"
	opRelease = "release"
)

// frame is the single wire message type, newline-delimited JSON.
type frame struct {
	Op   string          `json:"op"`
	Rank int             `json:"rank"`
	Src  int             `json:"src,omitempty"`
	Seq  uint64          `json:"seq"`
	Msg  *stride.Message `json:"msg,omitempty"`
}

// -----------------------------------------------------------------------------
// Hub
// -----------------------------------------------------------------------------

// Hub is the rendezvous point for one group of ranks.
type Hub struct {
	ln    net.Listener
	world int
}

// ListenHub starts a hub for worldSize ranks on addr (e.g. "127.0.0.1:0").
// Call Serve to run the rendezvous and Addr to learn the bound address.
func ListenHub(addr string, worldSize int) (*Hub, error) {
	if worldSize <= 0 {
		return nil, fmt.Errorf("tcpgroup: world size must be positive, got %d", worldSize)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpgroup: listen: %w", err)
	}
	return &Hub{ln: ln, world: worldSize}, nil
}

// Addr returns the hub's bound address, suitable for Join.
func (h *Hub) Addr() string {
	return h.ln.Addr().String()
}

// Close stops the hub's listener. Connected ranks observe their next group
// operation failing.
func (h *Hub) Close() error {
	return h.ln.Close()
}

// Serve accepts exactly worldSize joins and then relays group operations
// until every rank disconnects. It returns nil on a clean group shutdown.
//
// Serve blocks; run it on its own goroutine. Cancelling ctx closes all
// connections and unblocks the group.
func (h *Hub) Serve(ctx context.Context) error {
	conns := make([]net.Conn, h.world)
	readers := make([]*bufio.Reader, h.world)
	defer func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	stop := watchCancel(ctx, func() {
		_ = h.ln.Close()
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	})
	defer stop()

	// Membership phase: every rank joins exactly once.
	for joined := 0; joined < h.world; {
		conn, err := h.ln.Accept()
		if err != nil {
			return fmt.Errorf("tcpgroup: accept: %w", err)
		}
		r := bufio.NewReader(conn)

		var f frame
		if err := readFrame(r, &f); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tcpgroup: join: %w", err)
		}
		if f.Op != opJoin || f.Rank < 0 || f.Rank >= h.world {
			_ = conn.Close()
			return fmt.Errorf("tcpgroup: bad join frame op=%q rank=%d", f.Op, f.Rank)
		}
		if conns[f.Rank] != nil {
			_ = conn.Close()
			return fmt.Errorf("tcpgroup: duplicate join for rank %d", f.Rank)
		}
		conns[f.Rank] = conn
		readers[f.Rank] = r
		joined++
	}

	// Release the join rendezvous.
	for rank, conn := range conns {
		if err := writeFrame(conn, &frame{Op: opJoined, Rank: rank}); err != nil {
			return fmt.Errorf("tcpgroup: join ack to rank %d: %w", rank, err)
		}
	}

	// Operation rounds: gather one frame per rank, validate agreement,
	// fan out the result.
	for seq := uint64(1); ; seq++ {
		var ref frame
		var payload *stride.Message
		closed := 0

		for rank := 0; rank < h.world; rank++ {
			var f frame
			if err := readFrame(readers[rank], &f); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					closed++
					continue
				}
				return fmt.Errorf("tcpgroup: rank %d: %w", rank, err)
			}
			if closed > 0 {
				return fmt.Errorf("tcpgroup: rank %d sent a frame after another rank disconnected", rank)
			}
			if f.Seq != seq {
				return fmt.Errorf("tcpgroup: rank %d out of sequence: got %d want %d", rank, f.Seq, seq)
			}
			if rank == 0 {
				ref = f
			} else if f.Op != ref.Op || f.Src != ref.Src {
				return fmt.Errorf("tcpgroup: rank %d disagrees on operation: %s/%d vs %s/%d",
					rank, f.Op, f.Src, ref.Op, ref.Src)
			}
			if f.Op == opBcast && f.Rank == f.Src {
				if f.Msg == nil {
					return fmt.Errorf("tcpgroup: source rank %d sent empty broadcast", f.Rank)
				}
				payload = f.Msg
			}
		}

		if closed == h.world {
			return nil // clean group shutdown
		}
		if closed > 0 {
			return fmt.Errorf("tcpgroup: %d of %d ranks disconnected mid-run", closed, h.world)
		}

		switch ref.Op {
		case opBcast:
			if payload == nil {
				return fmt.Errorf("tcpgroup: broadcast round %d has no payload from source %d", seq, ref.Src)
			}
			out := frame{Op: opBcast, Src: ref.Src, Seq: seq, Msg: payload}
			for rank, conn := range conns {
				out.Rank = rank
				if err := writeFrame(conn, &out); err != nil {
					return fmt.Errorf("tcpgroup: fan-out to rank %d: %w", rank, err)
				}
			}
		case opArrive:
			out := frame{Op: opRelease, Seq: seq}
			for rank, conn := range conns {
				out.Rank = rank
				if err := writeFrame(conn, &out); err != nil {
					return fmt.Errorf("tcpgroup: release to rank %d: %w", rank, err)
				}
			}
		default:
			return fmt.Errorf("tcpgroup: unknown operation %q in round %d", ref.Op, seq)
		}
	}
}

// -----------------------------------------------------------------------------
// Group (client side)
// -----------------------------------------------------------------------------

// Group is one rank's connection to a Hub. It implements stride.Group.
//
// A Group is single-threaded with respect to group operations, matching the
// one-process-per-rank model: no intra-rank concurrency.
type Group struct {
	conn  net.Conn
	r     *bufio.Reader
	rank  int
	world int
	seq   uint64
}

// Join connects rank to the hub at addr and blocks until every rank of the
// group has joined.
func Join(ctx context.Context, addr string, rank, worldSize int) (*Group, error) {
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("tcpgroup: rank %d outside world of size %d", rank, worldSize)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpgroup: dial hub: %w", err)
	}

	g := &Group{
		conn:  conn,
		r:     bufio.NewReader(conn),
		rank:  rank,
		world: worldSize,
	}

	stop := watchCancel(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeFrame(conn, &frame{Op: opJoin, Rank: rank}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tcpgroup: join: %w", err)
	}
	var ack frame
	if err := readFrame(g.r, &ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tcpgroup: join ack: %w", err)
	}
	if ack.Op != opJoined {
		_ = conn.Close()
		return nil, fmt.Errorf("tcpgroup: expected join ack, got %q", ack.Op)
	}
	return g, nil
}

// Rank returns this participant's rank.
func (g *Group) Rank() int { return g.rank }

// WorldSize returns the total number of participants.
func (g *Group) WorldSize() int { return g.world }

// Broadcast replicates the source rank's message to every rank. All ranks,
// the source included, adopt the hub's fan-out copy, so the group holds
// byte-identical payloads.
func (g *Group) Broadcast(ctx context.Context, msg *stride.Message, source int) error {
	if source < 0 || source >= g.world {
		return fmt.Errorf("tcpgroup: source rank %d outside world of size %d", source, g.world)
	}

	stop := watchCancel(ctx, func() { _ = g.conn.Close() })
	defer stop()

	g.seq++
	out := frame{Op: opBcast, Rank: g.rank, Src: source, Seq: g.seq}
	if g.rank == source {
		out.Msg = msg
	}
	if err := writeFrame(g.conn, &out); err != nil {
		return fmt.Errorf("tcpgroup: broadcast send: %w", err)
	}

	var in frame
	if err := readFrame(g.r, &in); err != nil {
		return fmt.Errorf("tcpgroup: broadcast recv: %w", err)
	}
	if in.Op != opBcast || in.Seq != g.seq {
		return fmt.Errorf("tcpgroup: broadcast reply out of step: op=%q seq=%d want seq=%d", in.Op, in.Seq, g.seq)
	}
	if in.Msg == nil {
		return errors.New("tcpgroup: broadcast reply missing payload")
	}
	*msg = *in.Msg
	return nil
}

// Barrier blocks until every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	stop := watchCancel(ctx, func() { _ = g.conn.Close() })
	defer stop()

	g.seq++
	if err := writeFrame(g.conn, &frame{Op: opArrive, Rank: g.rank, Seq: g.seq}); err != nil {
		return fmt.Errorf("tcpgroup: barrier send: %w", err)
	}

	var in frame
	if err := readFrame(g.r, &in); err != nil {
		return fmt.Errorf("tcpgroup: barrier recv: %w", err)
	}
	if in.Op != opRelease || in.Seq != g.seq {
		return fmt.Errorf("tcpgroup: barrier reply out of step: op=%q seq=%d want seq=%d", in.Op, in.Seq, g.seq)
	}
	return nil
}

// Close leaves the group. The remaining ranks observe their next operation
// failing, so Close only belongs at the agreed end of a run.
func (g *Group) Close() error {
	return g.conn.Close()
}

var _ stride.Group = (*Group)(nil)

// -----------------------------------------------------------------------------
// Wire helpers
// -----------------------------------------------------------------------------

func writeFrame(conn net.Conn, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func readFrame(r *bufio.Reader, f *frame) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, f)
}

// watchCancel runs onCancel when ctx is cancelled, until the returned stop
// function is called. It is how an external supervisor unblocks an otherwise
// timeout-free group operation.
func watchCancel(ctx context.Context, onCancel func()) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			onCancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
