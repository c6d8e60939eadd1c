// Package shmfetch fetches raw sample arrays from a remote event source.
//
// Each fetch opens its own TCP connection, sends one JSON request naming the
// dataset handle, and receives one JSON response describing the array. The
// payload travels out-of-band through a shared-memory-backed file that the
// client maps read-only and copies out of, acknowledging with "ACK" so the
// server can unlink it. For clients without a shared tmpfs with the server,
// the inline transport sends the payload zstd-compressed on the same
// connection instead.
//
// Ranks fetch independently and concurrently over their own connections; no
// cross-rank coordination happens here, since the replicated index set
// already guarantees each sample belongs to exactly one rank.
package shmfetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"

	"github.com/lumenforge/stride/stride"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSharedRoot is where shared-memory payload files appear on Linux.
const DefaultSharedRoot = "/dev/shm"

// Transport modes named in fetch responses.
const (
	transportSHM    = "shm"
	transportInline = "inline"
)

// request is the wire request. The handle's fields flatten into the object,
// matching the remote source's protocol.
type request struct {
	stride.Handle
	Mode string `json:"mode"`
}

// response is the wire response.
type response struct {
	// Status is empty on success, "no_data" when the source has nothing
	// for the handle.
	Status string `json:"status,omitempty"`

	// Name is the shared-memory file name for the shm transport.
	Name string `json:"name,omitempty"`

	Shape []int  `json:"shape,omitempty"`
	Dtype string `json:"dtype,omitempty"`

	// Transport is "shm" (default) or "inline".
	Transport string `json:"transport,omitempty"`

	// Size is the compressed payload length for the inline transport.
	Size int `json:"size,omitempty"`
}

const statusNoData = "no_data"

// -----------------------------------------------------------------------------
// Fetcher
// -----------------------------------------------------------------------------

// Fetcher implements stride.Fetcher against a remote sample server.
type Fetcher struct {
	addr       string
	sharedRoot string
	mode       string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSharedRoot sets the directory where the server's shared-memory files
// are visible to this client. Default: DefaultSharedRoot.
func WithSharedRoot(root string) Option {
	return func(f *Fetcher) { f.sharedRoot = root }
}

// WithMode sets the request mode field (e.g. "image", "calib").
// Default: "image".
func WithMode(mode string) Option {
	return func(f *Fetcher) { f.mode = mode }
}

// New creates a Fetcher for the server at addr.
func New(addr string, opts ...Option) *Fetcher {
	f := &Fetcher{
		addr:       addr,
		sharedRoot: DefaultSharedRoot,
		mode:       "image",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves one handle to a raw array. Returns stride.ErrNoData when the
// source has no data for the handle. Failures are not retried here; retry
// policy belongs to the caller.
func (f *Fetcher) Fetch(ctx context.Context, h stride.Handle) (*stride.Array, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("shmfetch: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := watchCancel(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeJSONLine(conn, &request{Handle: h, Mode: f.mode}); err != nil {
		return nil, fmt.Errorf("shmfetch: send request: %w", err)
	}

	r := bufio.NewReader(conn)
	var resp response
	if err := readJSONLine(r, &resp); err != nil {
		return nil, fmt.Errorf("shmfetch: read response: %w", err)
	}
	if resp.Status == statusNoData {
		return nil, stride.ErrNoData
	}

	arr := &stride.Array{Shape: resp.Shape, Dtype: resp.Dtype}
	want := arr.NumElems() * dtypeSize(resp.Dtype)

	switch resp.Transport {
	case "", transportSHM:
		arr.Data, err = f.readShared(resp.Name, want)
	case transportInline:
		arr.Data, err = readInline(r, resp.Size, want)
	default:
		return nil, fmt.Errorf("shmfetch: unknown transport %q", resp.Transport)
	}
	if err != nil {
		return nil, err
	}

	// Acknowledge so the server can release the payload.
	if _, err := conn.Write([]byte("ACK\n")); err != nil {
		return nil, fmt.Errorf("shmfetch: send ack: %w", err)
	}
	return arr, nil
}

// readShared maps the named shared file read-only and copies the payload out.
// The copy must happen before the ACK: once acknowledged the server unlinks
// the file.
func (f *Fetcher) readShared(name string, want int) ([]byte, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("shmfetch: invalid shared file name %q", name)
	}

	file, err := os.Open(filepath.Join(f.sharedRoot, name))
	if err != nil {
		return nil, fmt.Errorf("shmfetch: open shared file: %w", err)
	}
	defer func() { _ = file.Close() }()

	mapped, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shmfetch: map shared file: %w", err)
	}
	defer func() { _ = mapped.Unmap() }()

	if want > 0 && len(mapped) != want {
		return nil, fmt.Errorf("shmfetch: shared file holds %d bytes, shape implies %d", len(mapped), want)
	}

	data := make([]byte, len(mapped))
	copy(data, mapped)
	return data, nil
}

// readInline reads size compressed bytes from the connection and returns the
// decompressed payload.
func readInline(r io.Reader, size, want int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmfetch: inline transport with size %d", size)
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("shmfetch: read inline payload: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("shmfetch: decompress inline payload: %w", err)
	}
	if want > 0 && len(data) != want {
		return nil, fmt.Errorf("shmfetch: inline payload holds %d bytes, shape implies %d", len(data), want)
	}
	return data, nil
}

// dtypeSize returns the element width for numpy-style dtype names, or 0 when
// unknown (size validation is then skipped).
func dtypeSize(dtype string) int {
	switch dtype {
	case "float64", "int64", "uint64":
		return 8
	case "float32", "int32", "uint32":
		return 4
	case "float16", "int16", "uint16":
		return 2
	case "int8", "uint8", "bool":
		return 1
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// Wire helpers
// -----------------------------------------------------------------------------

func writeJSONLine(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func readJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// watchCancel runs onCancel when ctx is cancelled, until the returned stop
// function is called.
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

var _ stride.Fetcher = (*Fetcher)(nil)
