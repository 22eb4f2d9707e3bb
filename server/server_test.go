package server

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"text/template"
	"time"

	_ "github.com/rclone/unbd/backend/file"
	_ "github.com/rclone/unbd/backend/memory"
	"github.com/rclone/unbd/nbd"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

const ConfigTemplate = `
servers:
- protocol: unix
  address: {{.TempDir}}/nbd.sock
  defaultexport: foo
  exports:
  - name: foo
    driver: memory
    content: {{.Content}}
    workers: 20
  - name: bar
    driver: file
    readonly: {{.ReadOnly}}
    path: {{.TempDir}}/nbd.img
    size: 1M
logging:
  level: debug
  file: {{.TempDir}}/unbd.log
`

type TestConfig struct {
	TempDir  string
	Content  string
	ReadOnly bool
}

type NbdInstance struct {
	t        *testing.T
	control  *Control
	done     chan error
	conn     net.Conn
	confFile string
	TestConfig
}

func StartNbd(t *testing.T, tc TestConfig) *NbdInstance {
	ni := &NbdInstance{
		t:          t,
		control:    NewControl(),
		done:       make(chan error, 1),
		TestConfig: tc,
	}
	ni.TempDir = t.TempDir()
	if ni.Content == "" {
		ni.Content = "Hello world"
	}
	ni.confFile = filepath.Join(ni.TempDir, "unbd.yaml")
	ni.WriteConfig()

	go func() {
		ni.done <- Run(Options{ConfigFile: ni.confFile, Foreground: true}, ni.control)
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(ni.SocketPath())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "server did not start")
	return ni
}

func (ni *NbdInstance) WriteConfig() {
	tpl := template.Must(template.New("config").Parse(ConfigTemplate))
	cf, err := os.Create(ni.confFile)
	require.NoError(ni.t, err)
	require.NoError(ni.t, tpl.Execute(cf, ni.TestConfig))
	require.NoError(ni.t, cf.Close())
}

func (ni *NbdInstance) SocketPath() string {
	return filepath.Join(ni.TempDir, "nbd.sock")
}

func (ni *NbdInstance) Close() {
	if ni.conn != nil {
		_ = ni.conn.Close()
	}
	ni.control.Quit()
	select {
	case err := <-ni.done:
		assert.NoError(ni.t, err)
	case <-time.After(5 * time.Second):
		ni.t.Error("server did not stop")
	}
}

func (ni *NbdInstance) Client(export string) *nbd.Client {
	logger, _ := test.NewNullLogger()
	return nbd.NewClient(nbd.ClientConfig{
		Protocol: "unix",
		Address:  ni.SocketPath(),
		Export:   export,
		Timeout:  5 * time.Second,
	}, logger, nil)
}

// Connect does the fixed newstyle handshake by hand and lists the exports
func (ni *NbdInstance) Connect(t *testing.T) ([]string, error) {
	var err error
	ni.conn, err = net.Dial("unix", ni.SocketPath())
	if err != nil {
		return nil, err
	}
	_ = ni.conn.SetDeadline(time.Now().Add(time.Second))

	var nsh nbd.NewStyleHeader
	if err = binary.Read(ni.conn, binary.BigEndian, &nsh); err != nil {
		return nil, fmt.Errorf("read of header errored: %w", err)
	}
	if nsh.Magic != nbd.NbdMagic || nsh.OptsMagic != nbd.OptsMagic {
		return nil, fmt.Errorf("bad magic")
	}
	if nsh.GlobalFlags != nbd.FlagFixedNewstyle|nbd.FlagNoZeroes {
		return nil, fmt.Errorf("unexpected handshake flags %x", nsh.GlobalFlags)
	}
	clientFlags := nbd.ClientFlags{Flags: nbd.FlagCFixedNewstyle | nbd.FlagCNoZeroes}
	if err = binary.Write(ni.conn, binary.BigEndian, clientFlags); err != nil {
		return nil, fmt.Errorf("could not send client flags: %w", err)
	}

	listOpt := nbd.ClientOpt{
		Magic: nbd.OptsMagic,
		ID:    nbd.OptList,
		Len:   0,
	}
	if err = binary.Write(ni.conn, binary.BigEndian, listOpt); err != nil {
		return nil, fmt.Errorf("could not send list option: %w", err)
	}

	var exports []string
listloop:
	for {
		var listOptReply nbd.OptReply
		if err := binary.Read(ni.conn, binary.BigEndian, &listOptReply); err != nil {
			return nil, fmt.Errorf("could not receive list option reply: %w", err)
		}
		if listOptReply.Magic != nbd.RepMagic {
			return nil, fmt.Errorf("list option reply had wrong magic (%x)", listOptReply.Magic)
		}
		if listOptReply.ID != nbd.OptList {
			return nil, fmt.Errorf("list option reply had wrong id")
		}
		switch listOptReply.Type {
		case nbd.RepAck:
			break listloop
		case nbd.RepServer:
			var namelen uint32
			if err := binary.Read(ni.conn, binary.BigEndian, &namelen); err != nil {
				return nil, fmt.Errorf("could not receive list option reply name length: %w", err)
			}
			name := make([]byte, namelen)
			if err := binary.Read(ni.conn, binary.BigEndian, &name); err != nil {
				return nil, fmt.Errorf("could not receive list option reply name: %w", err)
			}
			t.Logf("Found export '%s'", string(name))
			exports = append(exports, string(name))
		default:
			return nil, fmt.Errorf("list option reply type was unexpected")
		}
	}
	return exports, nil
}

// Option sends an option with no data and returns the reply type
func (ni *NbdInstance) Option(id uint32) (uint32, error) {
	opt := nbd.ClientOpt{
		Magic: nbd.OptsMagic,
		ID:    id,
	}
	if err := binary.Write(ni.conn, binary.BigEndian, opt); err != nil {
		return 0, fmt.Errorf("could not send option %d: %w", id, err)
	}
	var optReply nbd.OptReply
	if err := binary.Read(ni.conn, binary.BigEndian, &optReply); err != nil {
		return 0, fmt.Errorf("could not receive option reply: %w", err)
	}
	if optReply.Magic != nbd.RepMagic {
		return 0, fmt.Errorf("option reply had wrong magic (%x)", optReply.Magic)
	}
	if optReply.ID != id {
		return 0, fmt.Errorf("option reply had wrong id")
	}
	if optReply.Length != 0 {
		return 0, fmt.Errorf("option reply had bogus length")
	}
	return optReply.Type, nil
}

func TestConnection(t *testing.T) {
	ni := StartNbd(t, TestConfig{})
	defer ni.Close()

	exports, err := ni.Connect(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, exports)

	// unknown options are refused without dropping the connection
	typ, err := ni.Option(99)
	require.NoError(t, err)
	assert.Equal(t, uint32(nbd.RepErrUnsup), typ)

	typ, err = ni.Option(nbd.OptAbort)
	require.NoError(t, err)
	assert.Equal(t, uint32(nbd.RepAck), typ)
}

func TestClientIntegrity(t *testing.T) {
	ni := StartNbd(t, TestConfig{})
	defer ni.Close()

	c := ni.Client("")
	require.NoError(t, c.Open(context.Background()))
	b, err := c.Read(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(b))
	require.NoError(t, c.Close())

	c = ni.Client("bar")
	require.NoError(t, c.Open(context.Background()))
	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024*1024), size)

	// several clients may write different parts of one export
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			block := make([]byte, 4096)
			for j := range block {
				block[j] = byte(i + 1)
			}
			assert.NoError(t, c.Write(uint64(i)*4096, block))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		b, err := c.Read(uint64(i)*4096, 4096)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), b[0])
		assert.Equal(t, byte(i+1), b[4095])
	}
	require.NoError(t, c.Close())

	log, err := os.ReadFile(filepath.Join(ni.TempDir, "unbd.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "Starting server")
}

func TestReadOnlyExport(t *testing.T) {
	ni := StartNbd(t, TestConfig{ReadOnly: true})
	defer ni.Close()

	// the image must exist for a read only export
	require.NoError(t, os.WriteFile(filepath.Join(ni.TempDir, "nbd.img"), make([]byte, 4096), 0600))

	c := ni.Client("bar")
	require.NoError(t, c.Open(context.Background()))
	assert.True(t, c.ReadOnly())
	err := c.Write(0, []byte("x"))
	assert.ErrorIs(t, err, nbd.ErrServer)
	errno, _ := nbd.Errno(err)
	assert.Equal(t, uint32(nbd.EPERM), errno)
	require.NoError(t, c.Close())
}

func TestReload(t *testing.T) {
	ni := StartNbd(t, TestConfig{})
	defer ni.Close()

	before := ni.Client("foo")
	require.NoError(t, before.Open(context.Background()))

	ni.Content = "Hola mundo!"
	ni.WriteConfig()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	// new connections see the new configuration
	require.Eventually(t, func() bool {
		c := ni.Client("foo")
		if c.Open(context.Background()) != nil {
			return false
		}
		defer func() { _ = c.Close() }()
		b, err := c.Read(0, 11)
		return err == nil && string(b) == "Hola mundo!"
	}, 5*time.Second, 20*time.Millisecond)

	// and the established session carries on
	b, err := before.Read(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(b))
	require.NoError(t, before.Close())
}

func TestRunNoConfig(t *testing.T) {
	assert.Error(t, Run(Options{Foreground: true}, nil))
	assert.Error(t, Run(Options{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml"), Foreground: true}, nil))
}
