// Package blockdev exposes an NBD session as a block device to a
// filesystem mount layer: block addressed reads and writes plus the
// mount layer's integer coded ioctl operations.
package blockdev

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/rclone/unbd/nbd"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// Ioctl operations. The numbering belongs to the mount layer.
const (
	IoctlInit       = 1
	IoctlDeinit     = 2
	IoctlSync       = 3
	IoctlBlockCount = 4
	IoctlBlockSize  = 5
	IoctlBlockErase = 6
)

// DefaultBlockSize is used by Connect when no block size is given
const DefaultBlockSize = 512

// ErrUnsupportedOp is returned by Ioctl for unknown operations
var ErrUnsupportedOp = errors.New("blockdev: unsupported ioctl")

// Session is the part of *nbd.Client a Device uses
type Session interface {
	Open(ctx context.Context) error
	Close() error
	Size() (uint64, error)
	ReadInto(offset uint64, buf []byte) error
	Write(offset uint64, buf []byte) error
}

// Device translates block numbers into byte offsets on a Session
type Device struct {
	session   Session
	blockSize uint64
	logger    logrus.FieldLogger
}

// New wraps session with the given block size
func New(session Session, blockSize int, logger logrus.FieldLogger) (*Device, error) {
	if blockSize <= 0 {
		return nil, errors.Newf("blockdev: invalid block size %d", blockSize)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Device{
		session:   session,
		blockSize: uint64(blockSize),
		logger:    logger,
	}, nil
}

// Connect makes a Device over a new, unopened client for cfg. The session
// is opened by IoctlInit.
func Connect(cfg nbd.ClientConfig, blockSize int, logger logrus.FieldLogger) (*Device, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return New(nbd.NewClient(cfg, logger, nil), blockSize, logger)
}

// BlockSize returns the configured block size
func (d *Device) BlockSize() int {
	return int(d.blockSize)
}

// offset maps a block number and intra block offset to a byte offset
func (d *Device) offset(block uint64, off uint64) (uint64, error) {
	if block > (math.MaxUint64-off)/d.blockSize {
		return 0, errors.Newf("blockdev: block %d offset %d overflows", block, off)
	}
	return block*d.blockSize + off, nil
}

// ReadBlocks fills buf from block onwards, starting off bytes into block
func (d *Device) ReadBlocks(block uint64, buf []byte, off uint64) error {
	pos, err := d.offset(block, off)
	if err != nil {
		return err
	}
	return d.session.ReadInto(pos, buf)
}

// WriteBlocks writes buf from block onwards, starting off bytes into block
func (d *Device) WriteBlocks(block uint64, buf []byte, off uint64) error {
	pos, err := d.offset(block, off)
	if err != nil {
		return err
	}
	return d.session.Write(pos, buf)
}

// BlockCount returns the number of whole blocks in the export. Bytes past
// the last whole block are not addressable.
func (d *Device) BlockCount() (uint64, error) {
	size, err := d.session.Size()
	if err != nil {
		return 0, err
	}
	return size / d.blockSize, nil
}

// Init opens the session if it is not open already
func (d *Device) Init(ctx context.Context) error {
	return d.session.Open(ctx)
}

// Deinit closes the session. Close errors are logged, never returned, so
// an unmount always completes.
func (d *Device) Deinit() {
	if err := d.session.Close(); err != nil {
		d.logger.WithError(err).Warn("Ignoring error closing session")
	}
}

// Ioctl performs a mount layer control operation
func (d *Device) Ioctl(op int, arg int) (int, error) {
	switch op {
	case IoctlInit:
		if err := d.Init(context.Background()); err != nil {
			return 0, err
		}
		return 0, nil
	case IoctlDeinit:
		d.Deinit()
		return 0, nil
	case IoctlSync:
		return 0, nil
	case IoctlBlockCount:
		n, err := d.BlockCount()
		if err != nil {
			return 0, err
		}
		if n > math.MaxInt {
			return 0, errors.Newf("blockdev: %d blocks do not fit in an int", n)
		}
		return int(n), nil
	case IoctlBlockSize:
		return int(d.blockSize), nil
	case IoctlBlockErase:
		// NBD has no erase; blocks are simply overwritten
		return 0, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedOp, "op %d", op)
}
