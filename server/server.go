// Package server runs the NBD servers described by a configuration file,
// optionally as a daemon.
package server

import (
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/rclone/unbd/nbd"
	"github.com/sevlyar/go-daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// Options controls Run
type Options struct {
	ConfigFile string // path to the yaml configuration
	PidFile    string // pid file to write, empty for none
	LogFile    string // overrides logging.file from the configuration
	Foreground bool   // do not daemonize
	Debug      bool   // overrides logging.level with debug
	JSON       bool   // overrides logging.json
}

// Control structure is used to sync an asynchronous quit
type Control struct {
	quit chan struct{}
	once sync.Once
}

// NewControl returns a Control for passing to Run
func NewControl() *Control {
	return &Control{quit: make(chan struct{})}
}

// Quit asks Run to stop. It may be called more than once.
func (c *Control) Quit() {
	c.once.Do(func() { close(c.quit) })
}

// Run daemonizes unless opts.Foreground is set, then serves the
// configuration until interrupted, terminated or told to quit through
// control. SIGHUP reloads the configuration.
//
// In the parent of a daemon Run returns as soon as the child has started.
func Run(opts Options, control *Control) error {
	if control == nil {
		control = NewControl()
	}
	if opts.ConfigFile == "" {
		return errors.New("no configuration file given")
	}
	// a daemon runs in /
	var err error
	if opts.ConfigFile, err = filepath.Abs(opts.ConfigFile); err != nil {
		return err
	}

	if opts.Foreground {
		if opts.PidFile != "" {
			pid, err := daemon.CreatePidFile(opts.PidFile, 0644)
			if err != nil {
				return errors.Wrapf(err, "can not write pid file %s", opts.PidFile)
			}
			defer func() { _ = pid.Remove() }()
		}
		return RunConfig(opts, control)
	}

	dctx := &daemon.Context{
		PidFileName: opts.PidFile,
		PidFilePerm: 0644,
		WorkDir:     "/",
		Umask:       027,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return errors.Wrap(err, "can not daemonize")
	}
	if child != nil {
		return nil
	}
	defer func() { _ = dctx.Release() }()
	return RunConfig(opts, control)
}

// loadConfig reads the configuration and builds its logger
func loadConfig(opts Options) (*nbd.Config, *logrus.Logger, io.Closer, error) {
	c, err := nbd.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, nil, nil, err
	}
	lc := c.Logging
	if opts.LogFile != "" {
		lc.File = opts.LogFile
	}
	if opts.Debug {
		lc.Level = "debug"
	}
	lc.JSON = lc.JSON || opts.JSON
	logger, closer, err := NewLogger(lc, logrus.Fields{"cmd": "unbd", "pid": os.Getpid()})
	if err != nil {
		return nil, nil, nil, err
	}
	return c, logger, closer, nil
}

// RunConfig serves the configuration in the current process.
//
// Sessions run in a context of their own so that a reload only replaces
// the listeners; established sessions carry on until their clients
// disconnect or Run returns.
func RunConfig(opts Options, control *Control) error {
	if control == nil {
		control = NewControl()
	}
	c, logger, closer, err := loadConfig(opts)
	if err != nil {
		return err
	}
	// sessions may still log through a replaced logger, so log files are
	// only closed on exit
	closers := []io.Closer{closer}
	defer func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}()

	sessionParentCtx, sessionCancelFunc := context.WithCancel(context.Background())
	var sessionWaitGroup sync.WaitGroup
	defer func() {
		sessionCancelFunc()
		sessionWaitGroup.Wait()
		logger.Info("Shutdown complete")
	}()

	intr := make(chan os.Signal, 1)
	term := make(chan os.Signal, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(intr, os.Interrupt)
	signal.Notify(term, syscall.SIGTERM)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(intr)
	defer signal.Stop(term)
	defer signal.Stop(hup)

	logger.WithField("backends", nbd.GetBackendNames()).Info("Starting")
	for {
		var wg sync.WaitGroup
		configCtx, configCancelFunc := context.WithCancel(context.Background())
		for _, s := range c.Servers {
			wg.Add(1)
			go func(s nbd.ServerConfig) {
				defer wg.Done()
				nbd.StartServer(configCtx, sessionParentCtx, &sessionWaitGroup, logger, s)
			}(s)
		}

		stop := func(reason string) {
			logger.Info(reason)
			configCancelFunc()
			wg.Wait()
		}
		select {
		case <-control.quit:
			stop("Quit requested")
			return nil
		case <-intr:
			stop("Interrupt signal received")
			return nil
		case <-term:
			stop("Terminate signal received")
			return nil
		case <-hup:
			stop("Reload signal received; reloading configuration")
		}

		nc, nlogger, ncloser, err := loadConfig(opts)
		if err != nil {
			logger.WithError(err).Error("Could not reload configuration; keeping the old one")
			continue
		}
		c, logger = nc, nlogger
		closers = append(closers, ncloser)
	}
}
