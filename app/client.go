package app

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/rclone/unbd/blockdev"
	"github.com/rclone/unbd/nbd"
	"github.com/urfave/cli"
	"golang.org/x/net/context"
)

// chunkSize is the largest request the client commands send
const chunkSize = 1024 * 1024

func InfoCmd() cli.Command {
	return cli.Command{
		Name:      "info",
		Usage:     "show the size and block geometry of an export",
		ArgsUsage: "ADDR",
		Flags: []cli.Flag{
			exportFlag,
			cli.StringFlag{
				Name:  "block-size",
				Value: "512",
				Usage: "block size to report the geometry in: 512, 1024, 2048 or 4096 (or 1k, 2k, 4k)",
			},
		},
		Action: info,
	}
}

func ReadCmd() cli.Command {
	return cli.Command{
		Name:      "read",
		Usage:     "copy bytes from an export",
		ArgsUsage: "ADDR",
		Flags: []cli.Flag{
			exportFlag,
			cli.Uint64Flag{
				Name: "offset",
			},
			cli.StringFlag{
				Name:  "length",
				Usage: "number of bytes, e.g. 4096 or 1M",
			},
			cli.StringFlag{
				Name:  "output, o",
				Usage: "file to write to rather than stdout",
			},
		},
		Action: read,
	}
}

func WriteCmd() cli.Command {
	return cli.Command{
		Name:      "write",
		Usage:     "copy bytes to an export",
		ArgsUsage: "ADDR",
		Flags: []cli.Flag{
			exportFlag,
			cli.Uint64Flag{
				Name: "offset",
			},
			cli.StringFlag{
				Name:  "input, i",
				Usage: "file to read from rather than stdin",
			},
		},
		Action: write,
	}
}

func info(c *cli.Context) error {
	cfg, err := clientConfig(c)
	if err != nil {
		return err
	}
	bs, err := units.RAMInBytes(c.String("block-size"))
	if err != nil {
		return errors.Wrap(err, "bad --block-size")
	}
	switch bs {
	case 512, 1024, 2048, 4096:
	default:
		return cli.NewExitError(fmt.Sprintf("block size %d is not one of 512, 1024, 2048 or 4096", bs), 1)
	}
	logger, done, err := newLogger(c)
	if err != nil {
		return err
	}
	defer done()

	client := nbd.NewClient(cfg, logger, nil)
	dev, err := blockdev.New(client, int(bs), logger)
	if err != nil {
		return err
	}
	if _, err := dev.Ioctl(blockdev.IoctlInit, 0); err != nil {
		return err
	}
	defer func() { _, _ = dev.Ioctl(blockdev.IoctlDeinit, 0) }()

	size, err := client.Size()
	if err != nil {
		return err
	}
	blockSize, err := dev.Ioctl(blockdev.IoctlBlockSize, 0)
	if err != nil {
		return err
	}
	count, err := dev.Ioctl(blockdev.IoctlBlockCount, 0)
	if err != nil {
		return err
	}
	export := cfg.Export
	if export == "" {
		export = "(default)"
	}
	w := c.App.Writer
	fmt.Fprintf(w, "export:     %s\n", export)
	fmt.Fprintf(w, "size:       %s (%d bytes)\n", units.BytesSize(float64(size)), size)
	fmt.Fprintf(w, "block size: %d\n", blockSize)
	fmt.Fprintf(w, "blocks:     %d\n", count)
	fmt.Fprintf(w, "read only:  %v\n", client.ReadOnly())
	return nil
}

func read(c *cli.Context) error {
	cfg, err := clientConfig(c)
	if err != nil {
		return err
	}
	length, err := units.RAMInBytes(c.String("length"))
	if err != nil {
		return errors.Wrap(err, "bad --length")
	}
	if length < 0 {
		return cli.NewExitError("--length must not be negative", 1)
	}
	logger, done, err := newLogger(c)
	if err != nil {
		return err
	}
	defer done()

	out := c.App.Writer
	if name := c.String("output"); name != "" {
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	client, err := nbd.Dial(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	offset := c.Uint64("offset")
	buf := make([]byte, min(length, chunkSize))
	for length > 0 {
		n := min(length, chunkSize)
		if err := client.ReadInto(offset, buf[:n]); err != nil {
			return err
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		offset += uint64(n)
		length -= n
	}
	return nil
}

func write(c *cli.Context) error {
	cfg, err := clientConfig(c)
	if err != nil {
		return err
	}
	logger, done, err := newLogger(c)
	if err != nil {
		return err
	}
	defer done()

	var in io.Reader = os.Stdin
	if name := c.String("input"); name != "" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	client, err := nbd.Dial(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	offset := c.Uint64("offset")
	var total uint64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			if err := client.Write(offset+total, buf[:n]); err != nil {
				_ = client.Close()
				return err
			}
			total += uint64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			_ = client.Close()
			return rerr
		}
	}
	logger.WithField("bytes", total).Info("Written")
	return client.Close()
}
