// Package app is the unbd command line: a configured NBD server plus
// client commands to inspect, read and write exports.
package app

import (
	"net"
	"strconv"
	"strings"

	"github.com/rclone/unbd/nbd"
	"github.com/rclone/unbd/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// New returns the unbd application
func New() *cli.App {
	a := cli.NewApp()
	a.Name = "unbd"
	a.Usage = "serve and access Network Block Device exports"
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log at debug level, with a hex dump of every header",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "log in JSON",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: nbd.DefaultConnectTimeout,
			Usage: "bound on connect and handshake",
		},
	}
	a.Commands = []cli.Command{
		ServeCmd(),
		InfoCmd(),
		ReadCmd(),
		WriteCmd(),
	}
	return a
}

// newLogger makes the logger for a client command
func newLogger(c *cli.Context) (logrus.FieldLogger, func(), error) {
	lc := nbd.LogConfig{JSON: c.GlobalBool("json")}
	if c.GlobalBool("debug") {
		lc.Level = "debug"
	}
	logger, closer, err := server.NewLogger(lc, logrus.Fields{"cmd": c.Command.Name})
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = closer.Close() }, nil
}

// clientConfig builds the client config for the ADDR argument
func clientConfig(c *cli.Context) (nbd.ClientConfig, error) {
	if c.NArg() != 1 {
		return nbd.ClientConfig{}, cli.NewExitError("expecting exactly one ADDR argument", 1)
	}
	cfg := nbd.DefaultClientConfig()
	cfg.Protocol, cfg.Address = parseAddress(c.Args().First())
	cfg.Export = c.String("export")
	cfg.Timeout = c.GlobalDuration("timeout")
	cfg.Debug = c.GlobalBool("debug")
	return cfg, nil
}

// parseAddress maps ADDR onto a network and address. Paths are unix
// sockets, anything else is TCP with the NBD port as default.
func parseAddress(addr string) (string, string) {
	if strings.Contains(addr, "/") {
		return "unix", addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(nbd.DefaultPort))
	}
	return "tcp", addr
}

var exportFlag = cli.StringFlag{
	Name:  "export",
	Usage: "export name, empty for the server's default",
}
