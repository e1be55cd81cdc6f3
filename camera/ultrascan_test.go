package camera

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/stream"
)

// fakeServer answers every command with handle(cmd) over an in-memory pipe.
type fakeServer struct {
	mx       sync.Mutex
	commands []string
}

func (s *fakeServer) received() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.commands...)
}

func startServer(t *testing.T, handle func(cmd string) string) (*fakeServer, labinst.Transport) {
	t.Helper()
	client, peer := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = peer.Close()
	})
	srv := &fakeServer{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := peer.Read(buf)
			if err != nil {
				return
			}
			cmd := string(buf[:n])
			srv.mx.Lock()
			srv.commands = append(srv.commands, cmd)
			srv.mx.Unlock()
			if _, err := peer.Write([]byte(handle(cmd))); err != nil {
				return
			}
		}
	}()
	return srv, stream.New(client, stream.WithTimeout(2*time.Second))
}

func versionOr(resp func(cmd string) string) func(string) string {
	return func(cmd string) string {
		if cmd == "ULTRASCAN;VERSION" {
			return "1.2.0"
		}
		return resp(cmd)
	}
}

func writeFrame(t *testing.T, path string, samples map[int]int32) {
	t.Helper()
	raw := make([]byte, FrameSize*FrameSize*sampleSize)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(raw[i*sampleSize:], uint32(v))
	}
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func TestNew(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		_, transport := startServer(t, versionOr(func(string) string { return "OK" }))
		c, err := New(context.Background(), transport)
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", c.Version())
		require.NoError(t, c.Close())
	})
	t.Run("old plugin", func(t *testing.T) {
		_, transport := startServer(t, func(string) string { return "ERR" })
		_, err := New(context.Background(), transport)
		var fault *labinst.InstrumentFault
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, labinst.ErrIncompatibleServer)
	})
	t.Run("unexpected version is accepted", func(t *testing.T) {
		_, transport := startServer(t, func(string) string { return "OK" })
		c, err := New(context.Background(), transport)
		require.NoError(t, err)
		assert.Equal(t, "OK", c.Version())
	})
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), addr)
	assert.ErrorIs(t, err, labinst.ErrIncompatibleServer)
}

func TestInsert(t *testing.T) {
	srv, transport := startServer(t, versionOr(func(string) string { return "OK" }))
	c, err := New(context.Background(), transport)
	require.NoError(t, err)

	require.NoError(t, c.Insert(context.Background(), true))
	require.NoError(t, c.Insert(context.Background(), false))
	assert.Equal(t, []string{"ULTRASCAN;VERSION", "ULTRASCAN;INSERT;TRUE", "ULTRASCAN;INSERT;FALSE"}, srv.received())
}

func TestSendCommandError(t *testing.T) {
	_, transport := startServer(t, versionOr(func(string) string { return "ERR" }))
	c, err := New(context.Background(), transport)
	require.NoError(t, err)

	_, err = c.SendCommand(context.Background(), 0, "ULTRASCAN;", "INSERT;", "TRUE")
	var perr *labinst.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ULTRASCAN;INSERT;TRUE", perr.Command)
	assert.Equal(t, "ERR", perr.Response)
}

func TestAcquireImage(t *testing.T) {
	dir := t.TempDir()
	srv, transport := startServer(t, versionOr(func(cmd string) string {
		args := strings.Split(strings.TrimPrefix(cmd, "ULTRASCAN;ACQUIRE;"), ",")
		writeFrame(t, args[3], map[int]int32{
			0:                       40000,
			1:                       -40000,
			FrameSize + 2:           1234,
			FrameSize*FrameSize - 1: -5,
		})
		return "OK"
	}))
	c, err := New(context.Background(), transport, WithTempDir(dir))
	require.NoError(t, err)

	f, err := c.AcquireImage(context.Background(), 10*time.Millisecond, WithDarkRemoval(false))
	require.NoError(t, err)
	assert.Equal(t, FrameSize, f.Width)
	assert.Equal(t, FrameSize, f.Height)
	assert.Len(t, f.Pix, FrameSize*FrameSize)
	assert.Equal(t, int16(32767), f.At(0, 0))
	assert.Equal(t, int16(-32768), f.At(0, 1))
	assert.Equal(t, int16(1234), f.At(1, 2))
	assert.Equal(t, int16(-5), f.At(FrameSize-1, FrameSize-1))

	cmds := srv.received()
	assert.Equal(t, "ULTRASCAN;ACQUIRE;0.010,False,True,"+filepath.Join(dir, frameFile), cmds[len(cmds)-1])
}

func TestAcquireImageFailures(t *testing.T) {
	t.Run("negative exposure", func(t *testing.T) {
		srv, transport := startServer(t, versionOr(func(string) string { return "OK" }))
		c, err := New(context.Background(), transport)
		require.NoError(t, err)
		_, err = c.AcquireImage(context.Background(), -time.Second)
		var cerr *labinst.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Len(t, srv.received(), 1)
	})
	t.Run("stale frame is never returned", func(t *testing.T) {
		dir := t.TempDir()
		writeFrame(t, filepath.Join(dir, frameFile), nil)
		_, transport := startServer(t, versionOr(func(string) string { return "OK" }))
		c, err := New(context.Background(), transport, WithTempDir(dir))
		require.NoError(t, err)
		_, err = c.AcquireImage(context.Background(), 0)
		var fault *labinst.InstrumentFault
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("short frame", func(t *testing.T) {
		dir := t.TempDir()
		_, transport := startServer(t, versionOr(func(cmd string) string {
			_ = os.WriteFile(filepath.Join(dir, frameFile), make([]byte, 1024), 0o600)
			return "OK"
		}))
		c, err := New(context.Background(), transport, WithTempDir(dir))
		require.NoError(t, err)
		_, err = c.AcquireImage(context.Background(), 0)
		var fault *labinst.InstrumentFault
		require.ErrorAs(t, err, &fault)
	})
	t.Run("server error", func(t *testing.T) {
		_, transport := startServer(t, versionOr(func(string) string { return "ERR" }))
		c, err := New(context.Background(), transport, WithTempDir(t.TempDir()))
		require.NoError(t, err)
		_, err = c.AcquireImage(context.Background(), 0)
		var perr *labinst.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.True(t, strings.HasPrefix(perr.Command, "ULTRASCAN;ACQUIRE;0.000,True,True,"))
	})
	t.Run("cancelled during exposure", func(t *testing.T) {
		_, transport := startServer(t, versionOr(func(string) string { return "OK" }))
		c, err := New(context.Background(), transport, WithTempDir(t.TempDir()))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = c.AcquireImage(ctx, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("cancelled exposure leaves the connection unusable", func(t *testing.T) {
		srv, transport := startServer(t, versionOr(func(cmd string) string {
			if strings.HasPrefix(cmd, "ULTRASCAN;ACQUIRE;") {
				return "ERR"
			}
			return "OK"
		}))
		c, err := New(context.Background(), transport, WithTempDir(t.TempDir()))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = c.AcquireImage(ctx, time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// the pending ERR of the acquisition must not be read as the insert reply
		err = c.Insert(context.Background(), true)
		var fault *labinst.InstrumentFault
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, labinst.ErrDesynchronized)
		var perr *labinst.ProtocolError
		assert.False(t, errors.As(err, &perr))
		assert.NotContains(t, srv.received(), "ULTRASCAN;INSERT;TRUE")

		_, err = c.AcquireImage(context.Background(), 0)
		assert.ErrorIs(t, err, labinst.ErrDesynchronized)
	})
}

func TestDecodeFrame(t *testing.T) {
	raw := make([]byte, FrameSize*FrameSize*sampleSize)
	binary.LittleEndian.PutUint32(raw, uint32(int32(70000)))
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, int16(32767), f.Pix[0])
	assert.Equal(t, byte(0x70), raw[0], "input must not be modified")
	s := f.Stats()
	assert.Equal(t, int16(0), s.Min)
	assert.Equal(t, int16(32767), s.Max)
	assert.InDelta(t, 32767.0/float64(FrameSize*FrameSize), s.Mean, 1e-9)

	_, err = DecodeFrame(raw[:len(raw)-4])
	assert.Error(t, err)

	_, err = ReadFrame(filepath.Join(t.TempDir(), "missing.dat"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
