// Package file implements an nbd.Backend for serving from an image file.
package file

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/gofrs/flock"
	"github.com/rclone/unbd/nbd"
	"golang.org/x/net/context"
)

// Backend implements nbd.Backend
type Backend struct {
	file *os.File
	lock *flock.Flock
	size uint64
}

// WriteAt implements Backend.WriteAt
func (fb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	n, err := fb.file.WriteAt(b, offset)
	if err != nil || !fua {
		return n, err
	}
	err = fb.file.Sync()
	if err != nil {
		return 0, err
	}
	return n, err
}

// ReadAt implements Backend.ReadAt
func (fb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	return fb.file.ReadAt(b, offset)
}

// TrimAt implements Backend.TrimAt
func (fb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements Backend.Flush
func (fb *Backend) Flush(ctx context.Context) error {
	return fb.file.Sync()
}

// Close implements Backend.Close
func (fb *Backend) Close(ctx context.Context) error {
	err := fb.file.Close()
	if uerr := fb.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Geometry implements Backend.Geometry
func (fb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, error) {
	return fb.size, 1, nbd.DefaultMaximumBlockSize, nil
}

// New opens the image named by the "path" driver parameter.
//
// If "size" is given (e.g. "64M") the image is created or extended to at
// least that size. The image is locked for the life of the backend so two
// exports can not write the same file.
func New(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	path := ec.DriverParameters["path"]
	if path == "" {
		return nil, errors.Newf("export %s: file driver needs a path", ec.Name)
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
	var want int64
	if s := ec.DriverParameters["size"]; s != "" {
		var err error
		if want, err = units.RAMInBytes(s); err != nil {
			return nil, errors.Wrapf(err, "export %s: bad size", ec.Name)
		}
		if !ec.ReadOnly {
			perms |= os.O_CREATE
		}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "can not lock %s", path)
	}
	if !locked {
		return nil, errors.Newf("%s is in use by another export", path)
	}

	file, err := os.OpenFile(path, perms, 0666)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	fail := func(err error) (nbd.Backend, error) {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		return fail(err)
	}
	size := stat.Size()
	if want > size && !ec.ReadOnly {
		if err := file.Truncate(want); err != nil {
			return fail(err)
		}
		size = want
	}
	return &Backend{
		file: file,
		lock: lock,
		size: uint64(size),
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("file", New)
}
