package nbd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

// DialFunc supplies the byte stream a session runs over
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client is a session with one export of an NBD server.
//
// Only one request is ever on the wire: every operation holds the client
// mutex from sending its request until the reply (and any payload) has been
// read, so a Client may be shared between goroutines.
type Client struct {
	cfg    ClientConfig
	dial   DialFunc
	logger logrus.FieldLogger

	mu    sync.Mutex
	conn  net.Conn      // nil while closed
	rd    *bufio.Reader // buffered reads from conn
	size  uint64        // export size, valid while open
	flags uint16        // transmission flags, valid while open

	req [RequestSize]byte // scratch request header
	rep [ReplySize]byte   // scratch reply header
}

// NewClient makes a closed session for cfg. If dial is nil the transport
// is dialled with net.Dialer on cfg.Protocol and cfg.Address.
func NewClient(cfg ClientConfig, logger logrus.FieldLogger, dial DialFunc) *Client {
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		cfg:    cfg,
		dial:   dial,
		logger: logger.WithFields(logrus.Fields{"address": cfg.Address, "export": cfg.Export}),
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, cfg.Protocol, cfg.Address)
		}
	}
	return c
}

// Dial makes a client for cfg and opens it
func Dial(ctx context.Context, cfg ClientConfig, logger logrus.FieldLogger) (*Client, error) {
	c := NewClient(cfg, logger, nil)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open connects, performs the handshake and selects the export. The
// connect timeout bounds all three. Opening an open session does nothing.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.logger.Debug("Connecting")
	conn, err := c.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "can not connect to %s", c.cfg.Address)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "can not set handshake deadline")
		}
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)

	if err := c.handshake(); err != nil {
		c.drop(err)
		return err
	}
	size, flags, err := c.selectExport()
	if err != nil {
		c.drop(err)
		return err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.drop(err)
		return errors.Wrap(err, "can not clear handshake deadline")
	}
	c.size = size
	c.flags = flags
	c.logger.WithField("size", size).Debug("Export selected")
	return nil
}

// handshake reads the greeting and answers with our client flags
func (c *Client) handshake() error {
	var greeting [GreetingSize]byte
	if _, err := io.ReadFull(c.rd, greeting[:]); err != nil {
		return newError(KindHandshake, "read greeting", err)
	}
	c.trace("Rx", greeting[:])
	if greeting != Greeting {
		return newError(KindHandshake, "read greeting", fmt.Errorf("unexpected greeting %q", greeting[:]))
	}
	var flags [4]byte
	binary.BigEndian.PutUint32(flags[:], ClientHandshakeFlags)
	if err := c.send(flags[:]); err != nil {
		return errors.Wrap(err, "can not send client flags")
	}
	return nil
}

// selectExport sends NBD_OPT_EXPORT_NAME and reads the export details
func (c *Client) selectExport() (uint64, uint16, error) {
	name := []byte(c.cfg.Export)
	opt := make([]byte, 16+len(name))
	binary.BigEndian.PutUint64(opt[0:8], OptsMagic)
	binary.BigEndian.PutUint32(opt[8:12], OptExportName)
	binary.BigEndian.PutUint32(opt[12:16], uint32(len(name)))
	copy(opt[16:], name)
	if err := c.send(opt); err != nil {
		return 0, 0, errors.Wrap(err, "can not send export name")
	}

	var details [ExportDetailsSize]byte
	if _, err := io.ReadFull(c.rd, details[:]); err != nil {
		// servers drop the connection for an unknown export
		return 0, 0, newError(KindExport, fmt.Sprintf("select %q", c.cfg.Export), err)
	}
	c.trace("Rx", details[:])
	return binary.BigEndian.Uint64(details[0:8]), binary.BigEndian.Uint16(details[8:10]), nil
}

// IsOpen reports whether the session is open
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Size returns the export size negotiated by Open
func (c *Client) Size() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, newError(KindClosed, "size", nil)
	}
	return c.size, nil
}

// ReadOnly reports whether the server flagged the export read only
func (c *Client) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.flags&FlagReadOnly != 0
}

// Read returns length bytes starting at offset
func (c *Client) Read(offset uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := c.ReadInto(offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInto fills buf with the bytes starting at offset. It either fills
// all of buf or returns an error.
func (c *Client) ReadInto(offset uint64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("read", len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	EncodeRequest(&c.req, CmdRead, offset, uint32(len(buf)))
	c.trace("Tx", c.req[:])
	if err := c.send(c.req[:]); err != nil {
		c.drop(err)
		return errors.Wrap(err, "can not send read request")
	}
	if err := c.receiveReply("read"); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		c.drop(err)
		return errors.Wrapf(err, "can not read %d bytes at offset %d", len(buf), offset)
	}
	return nil
}

// Write writes buf at offset
func (c *Client) Write(offset uint64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("write", len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	EncodeRequest(&c.req, CmdWrite, offset, uint32(len(buf)))
	c.trace("Tx", c.req[:])
	bufs := net.Buffers{c.req[:], buf}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		c.drop(err)
		return errors.Wrapf(err, "can not send %d bytes at offset %d", len(buf), offset)
	}
	return c.receiveReply("write")
}

// ReadAt implements io.ReaderAt
func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("negative offset %d", off)
	}
	if err := c.ReadInto(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt
func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("negative offset %d", off)
	}
	if err := c.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a disconnect and closes the transport. No reply is expected.
// Closing a closed session does nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	var err error
	EncodeRequest(&c.req, CmdDisc, 0, 0)
	c.trace("Tx", c.req[:])
	if derr := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); derr != nil {
		err = errors.Wrap(derr, "can not set disconnect deadline")
	}
	if serr := c.send(c.req[:]); serr != nil {
		err = multierr.Append(err, errors.Wrap(serr, "can not send disconnect"))
	}
	err = multierr.Append(err, c.conn.Close())
	c.reset()
	c.logger.Debug("Disconnected")
	return err
}

// check validates an I/O request against the session state
func (c *Client) check(op string, length int) error {
	if c.conn == nil {
		return newError(KindClosed, op, nil)
	}
	if uint64(length) > math.MaxUint32 {
		return errors.Newf("%s of %d bytes exceeds the request length limit", op, length)
	}
	return nil
}

// receiveReply reads and checks a reply header. Framing failures leave
// the wire in an unknown state so the transport is dropped; a server
// error does not.
func (c *Client) receiveReply(op string) error {
	if _, err := io.ReadFull(c.rd, c.rep[:]); err != nil {
		c.drop(err)
		return errors.Wrapf(err, "can not read %s reply", op)
	}
	c.trace("Rx", c.rep[:])
	rep, err := DecodeReply(c.rep[:])
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Op = op
		}
		c.drop(err)
		return err
	}
	if rep.Handle != 0 {
		err := newError(KindProtocol, op, fmt.Errorf("unexpected handle %d", rep.Handle))
		c.drop(err)
		return err
	}
	if rep.Error != 0 {
		return &Error{Kind: KindServer, Op: op, Errno: rep.Error}
	}
	return nil
}

func (c *Client) send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// drop closes the transport without a disconnect after a failure
func (c *Client) drop(cause error) {
	c.logger.WithError(cause).Warn("Dropping connection")
	_ = c.conn.Close()
	c.reset()
}

func (c *Client) reset() {
	c.conn = nil
	c.rd = nil
	c.size = 0
	c.flags = 0
}

func (c *Client) trace(dir string, b []byte) {
	if c.cfg.Debug {
		c.logger.Debugf("%s: % x", dir, b)
	}
}
