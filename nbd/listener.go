package nbd

import (
	"net"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// Listener accepts connections for one ServerConfig
type Listener struct {
	logger          logrus.FieldLogger
	protocol        string
	addr            string
	exports         []ExportConfig
	defaultExport   string
	disableNoZeroes bool
	listener        net.Listener
}

// NewListener binds the address of s. Listen must be called to serve.
func NewListener(logger logrus.FieldLogger, s ServerConfig) (*Listener, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	protocol := s.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	for i := range s.Exports {
		if _, ok := BackendMap[s.Exports[i].driverName()]; !ok {
			return nil, errors.Newf("export %s: no such driver %q (known: %v)", s.Exports[i].Name, s.Exports[i].Driver, GetBackendNames())
		}
	}
	if protocol == "unix" {
		// only clear a stale socket, never some other file at the path
		if fi, err := os.Lstat(s.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(s.Address)
		}
	}
	nl, err := net.Listen(protocol, s.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "can not listen on %s:%s", protocol, s.Address)
	}
	return &Listener{
		logger:          logger,
		protocol:        protocol,
		addr:            s.Address,
		exports:         s.Exports,
		defaultExport:   s.DefaultExport,
		disableNoZeroes: s.DisableNoZeroes,
		listener:        nl,
	}, nil
}

// Addr returns the bound address, useful when listening on port 0
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting connections
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Listen accepts connections until ctx is done. Each connection runs in
// sessionParentCtx and is tracked by sessionWaitGroup so sessions may
// outlive the listener.
func (l *Listener) Listen(ctx context.Context, sessionParentCtx context.Context, sessionWaitGroup *sync.WaitGroup) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !isClosedErr(err) {
				l.logger.WithError(err).Error("Accept failed")
			}
			return
		}
		l.logger.WithField("client", conn.RemoteAddr().String()).Info("Connect")
		c := newConnection(l, l.logger, conn)
		sessionWaitGroup.Add(1)
		go func() {
			defer sessionWaitGroup.Done()
			c.Serve(sessionParentCtx)
		}()
	}
}

func (ec *ExportConfig) driverName() string {
	return strings.ToLower(ec.Driver)
}
