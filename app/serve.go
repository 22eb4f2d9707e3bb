package app

import (
	"github.com/rclone/unbd/server"
	"github.com/urfave/cli"
)

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "run the NBD servers described by a configuration file",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Value: "/etc/unbd.yaml",
				Usage: "path to the yaml configuration",
			},
			cli.BoolFlag{
				Name:  "foreground, f",
				Usage: "run in the foreground rather than as a daemon",
			},
			cli.StringFlag{
				Name:  "pid-file",
				Value: "/var/run/unbd.pid",
			},
			cli.StringFlag{
				Name:  "log-file",
				Usage: "log here rather than where the configuration says",
			},
		},
		Action: func(c *cli.Context) error {
			return server.Run(server.Options{
				ConfigFile: c.String("config"),
				PidFile:    c.String("pid-file"),
				LogFile:    c.String("log-file"),
				Foreground: c.Bool("foreground"),
				Debug:      c.GlobalBool("debug"),
				JSON:       c.GlobalBool("json"),
			}, nil)
		},
	}
}
