// Package memory implements an nbd.Backend held in RAM.
package memory

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/rclone/unbd/nbd"
	"golang.org/x/net/context"
)

// Backend implements nbd.Backend over a byte slice. Closing it keeps the
// data so one Backend can be handed to several connections.
type Backend struct {
	mu   sync.RWMutex
	data []byte
}

// New makes a backend holding a copy of data
func New(data []byte) *Backend {
	return &Backend{data: append([]byte(nil), data...)}
}

// Bytes returns a copy of the current contents
func (mb *Backend) Bytes() []byte {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return append([]byte(nil), mb.data...)
}

// WriteAt implements Backend.WriteAt
func (mb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if offset < 0 || offset > int64(len(mb.data)) {
		return 0, io.EOF
	}
	n := copy(mb.data[offset:], b)
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadAt implements Backend.ReadAt
func (mb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if offset < 0 || offset >= int64(len(mb.data)) {
		return 0, io.EOF
	}
	n := copy(b, mb.data[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// TrimAt implements Backend.TrimAt
func (mb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements Backend.Flush
func (mb *Backend) Flush(ctx context.Context) error {
	return nil
}

// Close implements Backend.Close
func (mb *Backend) Close(ctx context.Context) error {
	return nil
}

// Geometry implements Backend.Geometry
func (mb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return uint64(len(mb.data)), 1, nbd.DefaultMaximumBlockSize, nil
}

// NewFromConfig makes a zero filled backend of the "size" driver
// parameter, or one seeded with the "content" parameter
func NewFromConfig(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	if content, ok := ec.DriverParameters["content"]; ok {
		return New([]byte(content)), nil
	}
	size, err := units.RAMInBytes(ec.DriverParameters["size"])
	if err != nil {
		return nil, errors.Wrapf(err, "export %s: bad size", ec.Name)
	}
	return &Backend{data: make([]byte, size)}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("memory", NewFromConfig)
}
