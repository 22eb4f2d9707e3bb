package nbd_test

import (
	"bytes"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/rclone/unbd/backend/file"
	"github.com/rclone/unbd/backend/memory"
	"github.com/rclone/unbd/nbd"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/context"
)

// leak check runs after every t.Cleanup
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startServer runs a listener for s on a unix socket until the test ends
func startServer(t *testing.T, s nbd.ServerConfig) string {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s.Protocol = "unix"
	s.Address = filepath.Join(t.TempDir(), "nbd.sock")
	l, err := nbd.NewListener(logger, s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var sessions sync.WaitGroup
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		l.Listen(ctx, ctx, &sessions)
	}()
	t.Cleanup(func() {
		cancel()
		<-listening
		sessions.Wait()
	})
	return s.Address
}

// memoryExport serves mb under the export name
func memoryExport(t *testing.T, name string, mb *memory.Backend) nbd.ExportConfig {
	driver := "test-" + t.Name()
	nbd.RegisterBackend(driver, func(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
		return mb, nil
	})
	return nbd.ExportConfig{Name: name, Driver: driver}
}

func connect(t *testing.T, addr, export string) *nbd.Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := nbd.Dial(context.Background(), nbd.ClientConfig{
		Protocol: "unix",
		Address:  addr,
		Export:   export,
		Timeout:  5 * time.Second,
	}, logger)
	require.NoError(t, err)
	return c
}

func helloServer(t *testing.T) (*nbd.Client, *memory.Backend) {
	mb := memory.New([]byte("Hello world"))
	addr := startServer(t, nbd.ServerConfig{
		Exports: []nbd.ExportConfig{memoryExport(t, "hello", mb)},
	})
	return connect(t, addr, "hello"), mb
}

func TestServeRead(t *testing.T) {
	c, _ := helloServer(t)

	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)

	b, err := c.Read(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(b))

	b, err = c.Read(6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))

	require.NoError(t, c.Close())
}

func TestServeReadOutOfBounds(t *testing.T) {
	c, _ := helloServer(t)

	_, err := c.Read(10, 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, nbd.ErrServer)
	errno, ok := nbd.Errno(err)
	require.True(t, ok)
	assert.Equal(t, uint32(nbd.EINVAL), errno)

	b, err := c.Read(10, 1)
	require.NoError(t, err)
	assert.Equal(t, "d", string(b))

	require.NoError(t, c.Close())
}

func TestServeWrite(t *testing.T) {
	c, mb := helloServer(t)

	require.NoError(t, c.Write(0, []byte("hola ")))
	b, err := c.Read(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hola  world", string(b))
	assert.Equal(t, "hola  world", string(mb.Bytes()))

	require.NoError(t, c.Close())
}

func TestServeWriteOutOfBounds(t *testing.T) {
	c, mb := helloServer(t)

	err := c.Write(10, []byte("xxx"))
	assert.ErrorIs(t, err, nbd.ErrServer)
	assert.True(t, c.IsOpen())
	assert.Equal(t, "Hello world", string(mb.Bytes()))

	// the rejected payload was drained so the next request is in step
	require.NoError(t, c.Write(10, []byte("D")))
	assert.Equal(t, "Hello worlD", string(mb.Bytes()))

	require.NoError(t, c.Close())
}

func TestServeDefaultExport(t *testing.T) {
	mb := memory.New([]byte("default"))
	addr := startServer(t, nbd.ServerConfig{
		DefaultExport: "foo",
		Exports:       []nbd.ExportConfig{memoryExport(t, "foo", mb)},
	})
	c := connect(t, addr, "")
	b, err := c.Read(0, 7)
	require.NoError(t, err)
	assert.Equal(t, "default", string(b))
	require.NoError(t, c.Close())
}

func TestServeUnknownExport(t *testing.T) {
	mb := memory.New([]byte("x"))
	addr := startServer(t, nbd.ServerConfig{
		Exports: []nbd.ExportConfig{memoryExport(t, "foo", mb)},
	})
	c := nbd.NewClient(nbd.ClientConfig{Protocol: "unix", Address: addr, Export: "bar", Timeout: 5 * time.Second}, nil, nil)
	err := c.Open(context.Background())
	assert.ErrorIs(t, err, nbd.ErrExport)
	assert.False(t, c.IsOpen())
}

func TestServeNoZeroesDisabled(t *testing.T) {
	mb := memory.New([]byte("x"))
	addr := startServer(t, nbd.ServerConfig{
		DisableNoZeroes: true,
		Exports:         []nbd.ExportConfig{memoryExport(t, "foo", mb)},
	})
	c := nbd.NewClient(nbd.ClientConfig{Protocol: "unix", Address: addr, Export: "foo", Timeout: 5 * time.Second}, nil, nil)
	err := c.Open(context.Background())
	assert.ErrorIs(t, err, nbd.ErrHandshake)
}

func TestServeReadOnly(t *testing.T) {
	mb := memory.New([]byte("Hello world"))
	ec := memoryExport(t, "ro", mb)
	ec.ReadOnly = true
	addr := startServer(t, nbd.ServerConfig{Exports: []nbd.ExportConfig{ec}})
	c := connect(t, addr, "ro")
	assert.True(t, c.ReadOnly())

	err := c.Write(0, []byte("hola"))
	errno, ok := nbd.Errno(err)
	require.True(t, ok)
	assert.Equal(t, uint32(nbd.EPERM), errno)
	assert.Equal(t, "Hello world", string(mb.Bytes()))

	b, err := c.Read(0, 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(b))
	require.NoError(t, c.Close())
}

func TestServeFileRoundTrip(t *testing.T) {
	addr := startServer(t, nbd.ServerConfig{
		Exports: []nbd.ExportConfig{{
			Name:   "disk",
			Driver: "file",
			DriverParameters: nbd.DriverParametersConfig{
				"path": filepath.Join(t.TempDir(), "disk.img"),
				"size": "64k",
			},
		}},
	})
	c := connect(t, addr, "disk")
	size, err := c.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(64*1024), size)

	rnd := rand.New(rand.NewSource(1))
	want := make([]byte, size)
	for i := 0; i < 32; i++ {
		off := rnd.Intn(int(size) - 1)
		n := 1 + rnd.Intn(int(size)-off)
		if n > 4096 {
			n = 4096
		}
		chunk := make([]byte, n)
		_, _ = rnd.Read(chunk)
		copy(want[off:], chunk)
		_, err := c.WriteAt(chunk, int64(off))
		require.NoError(t, err)
	}
	got := make([]byte, size)
	_, err = c.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))
	require.NoError(t, c.Close())
}

func TestServeSharedClient(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 64)
	mb := memory.New(data)
	addr := startServer(t, nbd.ServerConfig{
		Exports: []nbd.ExportConfig{memoryExport(t, "shared", mb)},
	})
	c := connect(t, addr, "shared")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				off := (g*37 + i*16) % (len(data) - 16)
				b, err := c.Read(uint64(off), 16)
				if assert.NoError(t, err) {
					assert.Equal(t, data[off:off+16], b)
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, c.Close())
}

func TestListenerKeepsRegularFile(t *testing.T) {
	mb := memory.New(make([]byte, 512))
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("precious"), 0600))

	logger, _ := test.NewNullLogger()
	_, err := nbd.NewListener(logger, nbd.ServerConfig{
		Protocol: "unix",
		Address:  path,
		Exports:  []nbd.ExportConfig{memoryExport(t, "disk", mb)},
	})
	require.Error(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(b))
}

func TestListenerReplacesStaleSocket(t *testing.T) {
	mb := memory.New(make([]byte, 512))
	path := filepath.Join(t.TempDir(), "nbd.sock")
	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Lstat(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	l, err := nbd.NewListener(logger, nbd.ServerConfig{
		Protocol: "unix",
		Address:  path,
		Exports:  []nbd.ExportConfig{memoryExport(t, "disk", mb)},
	})
	require.NoError(t, err)
	assert.Equal(t, path, l.Addr().String())
	require.NoError(t, l.Close())
}
