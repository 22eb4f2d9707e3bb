package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

// DefaultWorkers is default number of workers
var DefaultWorkers = 5

// DefaultMaximumBlockSize is the largest request accepted unless the
// backend or the export config says otherwise
const DefaultMaximumBlockSize = 32 * 1024 * 1024

// ConnectionParameters holds parameters for each inbound connection
type ConnectionParameters struct {
	ConnectionTimeout time.Duration // maximum time to complete negotiation
}

// Connection is one client session on a Listener. Requests flow from
// Receive through the Dispatch workers to Transmit over rxCh and txCh.
type Connection struct {
	params   *ConnectionParameters
	conn     net.Conn
	logger   logrus.FieldLogger
	listener *Listener
	export   *Export // nil until negotiated
	backend  Backend
	wg       sync.WaitGroup // Receive, Transmit and the workers
	rxCh     chan RequestReply
	txCh     chan RequestReply
	name     string // remote address, for logging

	disconnectReceived int64 // set atomically once CmdDisc is read
	numInflight        int64 // requests received but not yet replied to

	killCh    chan struct{} // closed when any goroutine exits
	killed    bool
	killMutex sync.Mutex

	debug bool // log every header
}

// Export is a negotiated export
type Export struct {
	size             uint64 // rounded down to minimumBlockSize
	minimumBlockSize uint64 // power of two; offsets and lengths must be multiples
	maximumBlockSize uint64 // longest request served
	exportFlags      uint16 // transmission flags sent to the client
	name             string
	description      string
	readonly         bool
	workers          int
}

// RequestReply carries one request and its reply between the goroutines
type RequestReply struct {
	nbdReq  Request
	nbdRep  Reply
	reqData []byte // write payload
	repData []byte // read payload
	flags   uint64 // CmdT* flags of the command
}

// newConnection returns a new Connection object
func newConnection(listener *Listener, logger logrus.FieldLogger, conn net.Conn) *Connection {
	return &Connection{
		conn:     conn,
		listener: listener,
		logger:   logger,
		params: &ConnectionParameters{
			ConnectionTimeout: time.Second * 5,
		},
	}
}

// errnoFor translates an error returned by a backend into an NBD error
func errnoFor(err error) uint32 {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return EINVAL
	}
	return EIO
}

// isClosedErr reports errors from our own Close of the connection, used to
// unblock reads and writes; these are not logged
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Kill closes the kill channel once, which ends Serve
func (c *Connection) Kill(ctx context.Context) {
	c.killMutex.Lock()
	defer c.killMutex.Unlock()
	if !c.killed {
		close(c.killCh)
		c.killed = true
	}
}

func (c *Connection) binaryRead(r io.Reader, data any) error {
	if err := binary.Read(r, binary.BigEndian, data); err != nil {
		return err
	}
	if c.debug {
		c.logger.Debugf("Rx: %#v", data)
	}
	return nil
}

func (c *Connection) binaryWrite(w io.Writer, data any) error {
	if c.debug {
		c.logger.Debugf("Tx: %#v", data)
	}
	return binary.Write(w, binary.BigEndian, data)
}

// checkRange returns the NBD error for a request that may not be served
func (c *Connection) checkRange(req *Request) uint32 {
	length := uint64(req.Length)
	e := c.export
	switch {
	case length == 0:
		return EINVAL
	case length > e.size || req.Offset > e.size-length:
		return EINVAL
	case length > e.maximumBlockSize:
		return EINVAL
	case length&(e.minimumBlockSize-1) != 0 || req.Offset&(e.minimumBlockSize-1) != 0:
		return EINVAL
	}
	return 0
}

// Receive is the goroutine that handles decoding connection data from the socket
func (c *Connection) Receive(ctx context.Context) {
	defer func() {
		c.logger.Debug("Receiver exiting")
		c.Kill(ctx)
		c.wg.Done()
	}()
	var hdr [RequestSize]byte
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				c.logger.Info("Client timeout, closing connection")
			case isClosedErr(err):
				// Don't report this - we closed it
			case err == io.EOF:
				c.logger.Warn("Client closed connection abruptly")
			default:
				c.logger.WithError(err).Error("Could not read request")
			}
			return
		}
		nbdReq, _ := DecodeRequest(hdr[:])
		if c.debug {
			c.logger.Debugf("Rx: %#v", nbdReq)
		}
		if nbdReq.Magic != RequestMagic {
			c.logger.Error("Bad magic number in request")
			return
		}

		req := RequestReply{
			nbdReq: nbdReq,
			nbdRep: Reply{
				Magic:  ReplyMagic,
				Handle: nbdReq.Handle,
			},
		}

		var ok bool
		if req.flags, ok = CmdTypeMap[int(nbdReq.CommandType)]; !ok {
			c.logger.Errorf("Unknown command %d", nbdReq.CommandType)
			return
		}

		if req.flags&CmdTSetDisconnectReceived != 0 {
			// no further commands may be processed after a disconnect
			atomic.StoreInt64(&c.disconnectReceived, 1)
		}

		if req.flags&CmdTCheckLengthOffset != 0 {
			req.nbdRep.Error = c.checkRange(&nbdReq)
		}
		if req.nbdRep.Error == 0 && req.flags&CmdTCheckNotReadOnly != 0 && c.export.readonly {
			req.nbdRep.Error = EPERM
		}

		if req.flags&CmdTReqPayload != 0 {
			if req.nbdRep.Error != 0 {
				// keep the stream in step with the client
				if err := skip(c.conn, nbdReq.Length); err != nil {
					c.logger.WithError(err).Error("Could not drain rejected write")
					return
				}
			} else {
				req.reqData = make([]byte, nbdReq.Length)
				if _, err := io.ReadFull(c.conn, req.reqData); err != nil {
					if !isClosedErr(err) {
						c.logger.WithError(err).Error("Could not read data to write")
					}
					return
				}
			}
		}

		atomic.AddInt64(&c.numInflight, 1) // one more in flight
		ch := c.rxCh
		if req.nbdRep.Error != 0 {
			c.logger.WithFields(logrus.Fields{
				"cmd":    nbdReq.CommandType,
				"offset": nbdReq.Offset,
				"length": nbdReq.Length,
				"errno":  req.nbdRep.Error,
			}).Info("Rejecting request")
			ch = c.txCh
		}
		select {
		case ch <- req:
		case <-ctx.Done():
			return
		}
		// if we've received a disconnect, just sit waiting for the
		// context to indicate we've done
		if atomic.LoadInt64(&c.disconnectReceived) > 0 {
			<-ctx.Done()
			return
		}
	}
}

// Dispatch is the goroutine used to process received items, passing the reply to the transmit goroutine
//
// one of these is run for each worker
func (c *Connection) Dispatch(ctx context.Context, n int) {
	defer func() {
		c.logger.Debugf("Dispatcher %d exiting", n)
		c.Kill(ctx)
		c.wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.rxCh:
			if !ok {
				return
			}
			offset := int64(req.nbdReq.Offset)
			length := int(req.nbdReq.Length)
			switch req.nbdReq.CommandType {
			case CmdRead:
				req.repData = make([]byte, length)
				n, err := c.backend.ReadAt(ctx, req.repData, offset)
				if err != nil || n != length {
					c.logger.WithError(err).Warnf("Read I/O error (%d != %d) at offset %d", n, length, offset)
					req.nbdRep.Error = errnoFor(err)
					req.repData = nil
				}
			case CmdWrite:
				fua := req.nbdReq.CommandFlags&1 != 0
				n, err := c.backend.WriteAt(ctx, req.reqData, offset, fua)
				if err != nil || n != length {
					c.logger.WithError(err).Warnf("Write I/O error (%d != %d) at offset %d", n, length, offset)
					req.nbdRep.Error = errnoFor(err)
				}
			case CmdFlush:
				if err := c.backend.Flush(ctx); err != nil {
					c.logger.WithError(err).Warn("Flush I/O error")
					req.nbdRep.Error = errnoFor(err)
				}
			case CmdTrim:
				if _, err := c.backend.TrimAt(ctx, length, offset); err != nil {
					c.logger.WithError(err).Warn("Trim I/O error")
					req.nbdRep.Error = errnoFor(err)
				}
			case CmdDisc:
				c.waitForInflight(ctx, 1) // this request is itself in flight, so 1 is permissible
				_ = c.backend.Flush(ctx)
				c.logger.Info("Client requested disconnect")
				return
			}
			select {
			case c.txCh <- req:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Connection) waitForInflight(ctx context.Context, limit int64) {
	for atomic.LoadInt64(&c.numInflight) > limit {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Transmit is the goroutine run to transmit the processed requests (now replies)
func (c *Connection) Transmit(ctx context.Context) {
	defer func() {
		c.logger.Debug("Transmitter exiting")
		c.Kill(ctx)
		c.wg.Done()
	}()
	var hdr [ReplySize]byte
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.txCh:
			if !ok {
				return
			}
			EncodeReply(&hdr, req.nbdRep.Error, req.nbdRep.Handle)
			if c.debug {
				c.logger.Debugf("Tx: %#v", req.nbdRep)
			}
			bufs := net.Buffers{hdr[:]}
			if req.nbdRep.Error == 0 && req.repData != nil {
				bufs = append(bufs, req.repData)
			}
			if _, err := bufs.WriteTo(c.conn); err != nil {
				c.logger.WithError(err).Error("Can not write reply")
				return
			}
			atomic.AddInt64(&c.numInflight, -1) // one less in flight
		}
	}
}

// Serve negotiates, then starts all the goroutines for processing a connection, then waits for them to be ended
func (c *Connection) Serve(parentCtx context.Context) {
	ctx, cancelFunc := context.WithCancel(parentCtx)

	c.rxCh = make(chan RequestReply, 1024)
	c.txCh = make(chan RequestReply, 1024)
	c.killCh = make(chan struct{})

	c.name = c.conn.RemoteAddr().String()
	if c.name == "" {
		c.name = "[unknown]"
	}
	c.logger = c.logger.WithField("client", c.name)

	defer func() {
		var err error
		if c.backend != nil {
			err = c.backend.Close(ctx)
		}
		err = multierr.Append(err, c.conn.Close())
		cancelFunc()
		c.Kill(ctx) // to ensure the kill channel is closed
		c.wg.Wait()
		close(c.rxCh)
		close(c.txCh)
		if err != nil && !isClosedErr(err) {
			c.logger.WithError(err).Warn("Error closing connection")
		}
		c.logger.Info("Closed connection")
	}()

	if err := c.Negotiate(ctx); err != nil {
		c.logger.WithError(err).Info("Negotiation failed")
		return
	}

	c.logger = c.logger.WithField("export", c.export.name)

	workers := c.export.workers
	if workers < 1 {
		workers = DefaultWorkers
	}

	c.logger.Infof("Negotiation succeeded, serving with %d worker(s)", workers)

	c.wg.Add(2)
	go c.Receive(ctx)
	go c.Transmit(ctx)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.Dispatch(ctx, i)
	}

	// Wait until either we are explicitly killed or one of our
	// workers dies
	select {
	case <-c.killCh:
		c.logger.Debug("Worker forced close")
	case <-ctx.Done():
		c.logger.Debug("Parent forced close")
	}
}

// skip bytes
func skip(r io.Reader, n uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// Negotiate negotiates a connection
func (c *Connection) Negotiate(ctx context.Context) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.params.ConnectionTimeout)); err != nil {
		return err
	}

	// We send a newstyle header
	nsh := NewStyleHeader{
		Magic:       NbdMagic,
		OptsMagic:   OptsMagic,
		GlobalFlags: FlagFixedNewstyle,
	}
	if !c.listener.disableNoZeroes {
		nsh.GlobalFlags |= FlagNoZeroes
	}
	if err := c.binaryWrite(c.conn, nsh); err != nil {
		return errors.Wrap(err, "can not write magic header")
	}

	// next they send client flags
	var clf ClientFlags
	if err := c.binaryRead(c.conn, &clf); err != nil {
		return errors.Wrap(err, "can not read client flags")
	}

	// now we get options
	for c.export == nil {
		var opt ClientOpt
		if err := c.binaryRead(c.conn, &opt); err != nil {
			return errors.Wrap(err, "can not read option (perhaps client dropped the connection)")
		}
		if opt.Magic != OptsMagic {
			return errors.New("bad option magic")
		}
		if opt.Len > 65536 {
			return errors.New("option is too long")
		}
		switch opt.ID {
		case OptExportName:
			name := make([]byte, opt.Len)
			if _, err := io.ReadFull(c.conn, name); err != nil {
				return errors.Wrap(err, "incomplete name")
			}
			if len(name) == 0 {
				name = []byte(c.listener.defaultExport)
			}
			// there is no error reply to NBD_OPT_EXPORT_NAME, so any
			// failure from here on drops the connection
			ec, err := c.getExportConfig(string(name))
			if err != nil {
				return err
			}
			export, err := c.connectExport(ctx, ec)
			if err != nil {
				return err
			}
			ed := ExportDetails{
				Size:  export.size,
				Flags: export.exportFlags,
			}
			if err := c.binaryWrite(c.conn, ed); err != nil {
				return errors.Wrap(err, "can not write export details")
			}
			if clf.Flags&FlagCNoZeroes == 0 {
				// send 124 bytes of zeroes.
				if _, err := c.conn.Write(make([]byte, 124)); err != nil {
					return errors.Wrap(err, "can not write zeroes")
				}
			}
			c.export = export
			c.debug = ec.Debug
		case OptList:
			for _, e := range c.listener.exports {
				name := []byte(e.Name)
				or := OptReply{
					Magic:  RepMagic,
					ID:     opt.ID,
					Type:   RepServer,
					Length: uint32(len(name) + 4),
				}
				if err := c.binaryWrite(c.conn, or); err != nil {
					return errors.Wrap(err, "can not send list item")
				}
				if err := c.binaryWrite(c.conn, uint32(len(name))); err != nil {
					return errors.Wrap(err, "can not send list name length")
				}
				if _, err := c.conn.Write(name); err != nil {
					return errors.Wrap(err, "can not send list name")
				}
			}
			if err := c.optReply(opt.ID, RepAck); err != nil {
				return errors.Wrap(err, "can not send list ack")
			}
		case OptAbort:
			if err := c.optReply(opt.ID, RepAck); err != nil {
				return errors.Wrap(err, "can not send abort ack")
			}
			return errors.New("connection aborted by client")
		default:
			// eat the option
			if err := skip(c.conn, opt.Len); err != nil {
				return err
			}
			if err := c.optReply(opt.ID, RepErrUnsup); err != nil {
				return errors.Wrap(err, "can not reply to unsupported option")
			}
		}
	}

	return c.conn.SetDeadline(time.Time{})
}

func (c *Connection) optReply(id uint32, typ uint32) error {
	return c.binaryWrite(c.conn, OptReply{
		Magic: RepMagic,
		ID:    id,
		Type:  typ,
	})
}

// getExportConfig finds the config for a given export name
func (c *Connection) getExportConfig(name string) (*ExportConfig, error) {
	for i := range c.listener.exports {
		if c.listener.exports[i].Name == name {
			return &c.listener.exports[i], nil
		}
	}
	return nil, errors.Newf("no such export %q", name)
}

// round a uint64 up to the next power of two
func roundUpToNextPowerOfTwo(x uint64) uint64 {
	var r uint64 = 1
	for i := 0; i < 64; i++ {
		if x <= r {
			return r
		}
		r = r << 1
	}
	return 0 // won't fit in uint64 :-(
}

// connectExport generates an export for a given config, and connects to it using the chosen backend
func (c *Connection) connectExport(ctx context.Context, ec *ExportConfig) (*Export, error) {
	backend, err := NewBackend(ctx, ec)
	if err != nil {
		return nil, err
	}
	size, minimumBlockSize, maximumBlockSize, err := backend.Geometry(ctx)
	if err != nil {
		_ = backend.Close(ctx)
		return nil, err
	}
	c.backend = backend
	if ec.MinimumBlockSize != 0 {
		minimumBlockSize = ec.MinimumBlockSize
	}
	if ec.MaximumBlockSize != 0 {
		maximumBlockSize = ec.MaximumBlockSize
	}
	if minimumBlockSize == 0 {
		minimumBlockSize = 1
	}
	if maximumBlockSize == 0 {
		maximumBlockSize = DefaultMaximumBlockSize
	}
	minimumBlockSize = roundUpToNextPowerOfTwo(minimumBlockSize)
	flags := FlagHasFlags | FlagSendFlush | FlagSendTrim
	if ec.ReadOnly {
		flags |= FlagReadOnly
	}
	return &Export{
		size:             size & ^(minimumBlockSize - 1),
		exportFlags:      flags,
		name:             ec.Name,
		description:      ec.Description,
		readonly:         ec.ReadOnly,
		workers:          ec.Workers,
		minimumBlockSize: minimumBlockSize,
		maximumBlockSize: maximumBlockSize,
	}, nil
}
