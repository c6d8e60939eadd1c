package shmfetch

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/lumenforge/stride/stride"
)

// Source provides arrays for handles. Implementations must be safe for
// concurrent use: every connection is served on its own goroutine.
type Source interface {
	// Lookup returns the array for the handle, or ok=false when the source
	// has no data for it.
	Lookup(h stride.Handle) (arr *stride.Array, ok bool)
}

// MapSource is an in-memory Source backed by a fixed map. The map must not
// be mutated after the server starts.
type MapSource map[stride.Handle]*stride.Array

// Lookup returns the array for the handle.
func (m MapSource) Lookup(h stride.Handle) (*stride.Array, bool) {
	arr, ok := m[h]
	return arr, ok
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server serves sample arrays over the fetch protocol. It exists for tests,
// examples, and local development; production deployments talk to the real
// event source.
type Server struct {
	ln         net.Listener
	source     Source
	sharedRoot string // "" selects the inline transport
	seq        atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerSharedRoot makes the server stage payloads as files under root
// (typically a tmpfs like /dev/shm) and hand clients the file name. Without
// it the server uses the inline transport.
func WithServerSharedRoot(root string) ServerOption {
	return func(s *Server) { s.sharedRoot = root }
}

// NewServer starts listening on addr (e.g. "127.0.0.1:0"). Call Serve to
// accept connections.
func NewServer(addr string, source Source, opts ...ServerOption) (*Server, error) {
	if source == nil {
		return nil, errors.New("shmfetch: source is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("shmfetch: listen: %w", err)
	}
	s := &Server{ln: ln, source: source}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until Close. Each connection carries exactly one
// fetch. Serve blocks; run it on its own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("shmfetch: accept: %w", err)
		}
		go s.handle(conn)
	}
}

// Close stops the listener. In-flight fetches complete.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)

	var req request
	if err := readJSONLine(r, &req); err != nil {
		return
	}

	arr, ok := s.source.Lookup(req.Handle)
	if !ok {
		_ = writeJSONLine(conn, &response{Status: statusNoData})
		return
	}

	if s.sharedRoot != "" {
		s.serveShared(conn, r, arr)
		return
	}
	s.serveInline(conn, r, arr)
}

// serveShared stages the payload as a file, names it to the client, and
// unlinks it after the ACK.
func (s *Server) serveShared(conn net.Conn, r *bufio.Reader, arr *stride.Array) {
	name := fmt.Sprintf("stride-%d-%d", os.Getpid(), s.seq.Add(1))
	path := filepath.Join(s.sharedRoot, name)

	if err := os.WriteFile(path, arr.Data, 0o644); err != nil {
		return
	}
	defer func() { _ = os.Remove(path) }()

	resp := response{Name: name, Shape: arr.Shape, Dtype: arr.Dtype, Transport: transportSHM}
	if err := writeJSONLine(conn, &resp); err != nil {
		return
	}
	awaitAck(r)
}

// serveInline sends the payload zstd-compressed on the connection.
func (s *Server) serveInline(conn net.Conn, r *bufio.Reader, arr *stride.Array) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return
	}
	compressed := enc.EncodeAll(arr.Data, nil)
	_ = enc.Close()

	resp := response{
		Shape:     arr.Shape,
		Dtype:     arr.Dtype,
		Transport: transportInline,
		Size:      len(compressed),
	}
	if err := writeJSONLine(conn, &resp); err != nil {
		return
	}
	if _, err := conn.Write(compressed); err != nil {
		return
	}
	awaitAck(r)
}

// awaitAck blocks until the client signals it has copied the payload out.
// The ACK gates the unlink; its exact content is not inspected.
func awaitAck(r *bufio.Reader) {
	_, _ = r.ReadBytes('\n')
}
