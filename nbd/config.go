package nbd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
	"gopkg.in/yaml.v2"
)

// Config is the top level of the yaml configuration file
type Config struct {
	Servers []ServerConfig // array of server configs
	Logging LogConfig      // logging configuration
}

// ServerConfig holds the config that applies to each server (i.e. listener)
type ServerConfig struct {
	Protocol        string         // protocol it should listen on (in net.Conn form)
	Address         string         // address to listen on
	DefaultExport   string         // name of default export
	Exports         []ExportConfig // array of configurations of exported items
	DisableNoZeroes bool           // Disable NoZereos extension
}

// ExportConfig holds the config for one exported item
type ExportConfig struct {
	Name             string                 // name of the export
	Description      string                 // description of export
	Driver           string                 // name of the driver
	ReadOnly         bool                   // true of the export should be opened readonly
	Workers          int                    // number of concurrent workers
	MinimumBlockSize uint64                 // minimum block size
	MaximumBlockSize uint64                 // maximum request length
	Debug            bool                   // hex dump every header
	DriverParameters DriverParametersConfig `yaml:",inline"` // driver parameters. These are an arbitrary map. Inline means they go aside the foregoing
}

// LogConfig configures logging of the server process
type LogConfig struct {
	Level string // logrus level name, default info
	JSON  bool   // use the JSON formatter
	File  string // log to this file rather than stderr
}

// DriverParametersConfig is an arbitrary map of other parameters in string format
type DriverParametersConfig map[string]string

// ClientConfig holds what a client needs to reach one export
type ClientConfig struct {
	Protocol string        // network for net.Dial, default tcp
	Address  string        // host:port or socket path
	Export   string        // export name, empty selects the default export
	Timeout  time.Duration // bound on connect + handshake
	Debug    bool          // hex dump every header
}

// DefaultConnectTimeout bounds connect and handshake
const DefaultConnectTimeout = 10 * time.Second

// DefaultClientConfig returns a config for the default export on localhost
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Protocol: "tcp",
		Address:  fmt.Sprintf("localhost:%d", DefaultPort),
		Timeout:  DefaultConnectTimeout,
	}
}

// ParseConfig parses a yaml configuration
func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "can not parse configuration")
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Protocol == "" {
			s.Protocol = "tcp"
		}
		if s.Address == "" {
			return nil, errors.Newf("server %d has no address", i)
		}
		for _, e := range s.Exports {
			if e.Name == "" {
				return nil, errors.Newf("server %s:%s has an export with no name", s.Protocol, s.Address)
			}
		}
	}
	return c, nil
}

// LoadConfig reads and parses a yaml configuration file
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can not read configuration %s", path)
	}
	return ParseConfig(b)
}

// IsTrue determines whether an argument is true
func IsTrue(v string) (bool, error) {
	if v == "true" {
		return true, nil
	} else if v == "false" || v == "" {
		return false, nil
	}
	return false, fmt.Errorf("unknown boolean value: %s", v)
}

// IsTrueFalse determines whether an argument is true or fals
func IsTrueFalse(v string) (bool, bool, error) {
	if v == "true" {
		return true, false, nil
	} else if v == "false" {
		return false, true, nil
	} else if v == "" {
		return false, false, nil
	}
	return false, false, fmt.Errorf("unknown boolean value: %s", v)
}

// StartServer starts a single server.
//
// A parent context is given in which the listener runs, as well as a session context in which the sessions (connections) themselves run.
// This enables the sessions to be retained when the listener is cancelled on a SIGHUP
func StartServer(parentCtx context.Context, sessionParentCtx context.Context, sessionWaitGroup *sync.WaitGroup, logger logrus.FieldLogger, s ServerConfig) {
	ctx, cancelFunc := context.WithCancel(parentCtx)

	logger = logger.WithField("server", s.Protocol+":"+s.Address)
	defer func() {
		cancelFunc()
		logger.Info("Stopping server")
	}()

	logger.Info("Starting server")

	if l, err := NewListener(logger, s); err != nil {
		logger.WithError(err).Error("Could not create listener")
	} else {
		l.Listen(ctx, sessionParentCtx, sessionWaitGroup)
	}
}
