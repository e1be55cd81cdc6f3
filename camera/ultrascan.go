// Package camera drives a Gatan Ultrascan 895 through the camera server
// plugin running inside the microscopy suite. Commands travel over TCP,
// frames come back through a file in a directory shared with the server.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/codec"
	"github.com/mklimuk/labinst/instctx"
	"github.com/mklimuk/labinst/tcp"
)

const (
	Name        = "ultrascan895"
	DefaultAddr = "127.0.0.1:42057"

	frameFile = "labinst_frame.dat"
)

// Protocol is the acknowledgement vocabulary of the camera server. Replies
// are never terminated and fit in 10 bytes.
var Protocol = codec.Dialect{
	Name:       Name,
	OKToken:    "OK",
	ErrorToken: "ERR",
	Version:    regexp.MustCompile(`^v?\d+(\.\d+)+$`),
	StatusSize: 10,
}

type Opts struct {
	TempDir  string
	Logger   *slog.Logger
	DialOpts []tcp.DialOpt
}

type Opt func(*Opts)

// WithTempDir sets the directory the server writes frames to. It must be
// reachable under the same path by both sides.
func WithTempDir(dir string) Opt {
	return func(o *Opts) {
		o.TempDir = dir
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func WithDialOpts(opts ...tcp.DialOpt) Opt {
	return func(o *Opts) {
		o.DialOpts = append(o.DialOpts, opts...)
	}
}

type AcquireOpts struct {
	RemoveDark    bool
	NormalizeGain bool
}

type AcquireOpt func(*AcquireOpts)

func WithDarkRemoval(on bool) AcquireOpt {
	return func(o *AcquireOpts) {
		o.RemoveDark = on
	}
}

func WithGainNormalization(on bool) AcquireOpt {
	return func(o *AcquireOpts) {
		o.NormalizeGain = on
	}
}

type Ultrascan895 struct {
	mx      sync.Mutex
	guard   *labinst.Guarded
	session *codec.Session
	version string
	opts    Opts
}

// Dial connects to the camera server at addr (DefaultAddr when empty).
func Dial(ctx context.Context, addr string, opts ...Opt) (*Ultrascan895, error) {
	o := newOpts(opts)
	if addr == "" {
		addr = DefaultAddr
	}
	conn, err := tcp.Dial(ctx, addr, o.DialOpts...)
	if err != nil {
		return nil, &labinst.InstrumentFault{
			Instrument: Name,
			Op:         "dial",
			Err:        fmt.Errorf("%w, make sure the microscopy suite is running: %w", labinst.ErrIncompatibleServer, err),
		}
	}
	return New(ctx, conn, opts...)
}

// New takes ownership of transport and probes the server version. The
// transport is closed when the probe fails.
func New(ctx context.Context, transport labinst.Transport, opts ...Opt) (*Ultrascan895, error) {
	guard := labinst.Guard(Name, transport)
	c := &Ultrascan895{
		guard:   guard,
		session: codec.NewSession(guard, Protocol),
		opts:    newOpts(opts),
	}
	resp, err := c.session.Status(ctx, "ULTRASCAN;VERSION")
	if err != nil {
		_ = guard.Close()
		return nil, &labinst.InstrumentFault{
			Instrument: Name,
			Op:         "version probe",
			Err:        fmt.Errorf("%w, the server plugin may be too old: %w", labinst.ErrIncompatibleServer, err),
		}
	}
	if resp.Kind != codec.KindVersion {
		c.logger(ctx).Warn("unexpected camera server version", "version", resp.Body)
	}
	c.version = resp.Body
	return c, nil
}

func newOpts(opts []Opt) Opts {
	o := Opts{TempDir: os.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Ultrascan895) logger(ctx context.Context) *slog.Logger {
	if c.opts.Logger != nil {
		return c.opts.Logger
	}
	return instctx.Logger(ctx)
}

// Version returns the server plugin version reported at connection time.
func (c *Ultrascan895) Version() string {
	return c.version
}

// FramePath is the side channel file frames are transferred through.
func (c *Ultrascan895) FramePath() string {
	return filepath.Join(c.opts.TempDir, frameFile)
}

// SendCommand joins parts into one command, writes it and reads the
// acknowledgement after wait has elapsed. An ERR acknowledgement is returned
// as *labinst.ProtocolError.
func (c *Ultrascan895) SendCommand(ctx context.Context, wait time.Duration, parts ...string) (codec.Response, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.send(ctx, wait, parts...)
}

func (c *Ultrascan895) send(ctx context.Context, wait time.Duration, parts ...string) (codec.Response, error) {
	cmd := strings.Join(parts, "")
	resp, err := c.session.Exchange(ctx, cmd, wait)
	if err != nil {
		return resp, labinst.Fault(Name, "send command", err)
	}
	return resp, nil
}

// Insert moves the camera into the beam, or retracts it when toggle is false.
func (c *Ultrascan895) Insert(ctx context.Context, toggle bool) error {
	_, err := c.SendCommand(ctx, 0, "ULTRASCAN;INSERT;", strings.ToUpper(strconv.FormatBool(toggle)))
	return err
}

// AcquireImage exposes the camera for exposure and returns the clamped
// frame. Dark removal and gain normalization are on unless switched off.
// The acknowledgement is read once the exposure time has elapsed.
func (c *Ultrascan895) AcquireImage(ctx context.Context, exposure time.Duration, opts ...AcquireOpt) (*Frame, error) {
	o := AcquireOpts{RemoveDark: true, NormalizeGain: true}
	for _, opt := range opts {
		opt(&o)
	}
	if exposure < 0 {
		return nil, &labinst.ConfigurationError{Param: "exposure", Value: exposure, Reason: "must not be negative"}
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	path := c.FramePath()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, labinst.Fault(Name, "acquire image", fmt.Errorf("could not remove stale frame: %w", err))
	}
	cmd := fmt.Sprintf("ULTRASCAN;ACQUIRE;%.3f,%s,%s,%s", exposure.Seconds(), title(o.RemoveDark), title(o.NormalizeGain), path)
	c.logger(ctx).Debug("acquiring frame", "exposure", exposure, "path", path)
	if _, err := c.send(ctx, exposure, cmd); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(path)
	if err != nil {
		return nil, labinst.Fault(Name, "acquire image", err)
	}
	return frame, nil
}

// Close closes the connection to the server. Subsequent calls are no-ops.
func (c *Ultrascan895) Close() error {
	return c.guard.Close()
}

// title renders booleans the way the server plugin parses them.
func title(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
