//go:build linux

package aiofile

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rclone/unbd/nbd"
	"github.com/traetox/goaio"
	"golang.org/x/net/context"
)

// Backend implements nbd.Backend
type Backend struct {
	aio  *goaio.AIO
	size uint64
}

// WriteAt implements Backend.WriteAt
func (ab *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	id, err := ab.aio.WriteAt(b, offset)
	if err != nil {
		return 0, err
	}
	n, err := ab.aio.WaitFor(id)
	if err != nil || !fua {
		return n, err
	}
	if err := ab.aio.Flush(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadAt implements Backend.ReadAt
func (ab *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	id, err := ab.aio.ReadAt(b, offset)
	if err != nil {
		return 0, err
	}
	return ab.aio.WaitFor(id)
}

// TrimAt implements Backend.TrimAt
func (ab *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements Backend.Flush
func (ab *Backend) Flush(ctx context.Context) error {
	return ab.aio.Flush()
}

// Close implements Backend.Close
func (ab *Backend) Close(ctx context.Context) error {
	return ab.aio.Close()
}

// Geometry implements Backend.Geometry
func (ab *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, error) {
	return ab.size, 1, nbd.DefaultMaximumBlockSize, nil
}

// New opens the image named by the "path" driver parameter
func New(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	path := ec.DriverParameters["path"]
	if path == "" {
		return nil, errors.Newf("export %s: aiofile driver needs a path", ec.Name)
	}
	perms := os.O_RDWR
	if ec.ReadOnly {
		perms = os.O_RDONLY
	}
	if s, err := nbd.IsTrue(ec.DriverParameters["sync"]); err != nil {
		return nil, err
	} else if s {
		perms |= os.O_SYNC
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	aio, err := goaio.NewAIO(path, perms, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "can not open %s for aio", path)
	}
	return &Backend{
		aio:  aio,
		size: uint64(stat.Size()),
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("aiofile", New)
}
