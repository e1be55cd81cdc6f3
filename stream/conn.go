// Package stream adapts any byte stream (TCP socket, serial port) to the
// labinst.Transport contract.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/instctx"
)

var _ labinst.Transport = &Conn{}

var ErrResponseTooLong = errors.New("response does not fit the read buffer")

type deadliner interface {
	SetDeadline(t time.Time) error
}

type ConnOpts struct {
	// Terminator ends a response. Without one a read returns the bytes of a
	// single receive, which suits fixed-size replies from undelimited devices.
	Terminator    byte
	HasTerminator bool
	// Timeout bounds every operation that carries no ctx deadline of its own.
	Timeout time.Duration
}

type ConnOpt func(*ConnOpts)

func WithTerminator(term byte) ConnOpt {
	return func(o *ConnOpts) {
		o.Terminator = term
		o.HasTerminator = true
	}
}

func WithTimeout(timeout time.Duration) ConnOpt {
	return func(o *ConnOpts) {
		o.Timeout = timeout
	}
}

// Conn is a labinst.Transport over an io.ReadWriteCloser. It is safe for
// concurrent use; each call holds the connection for its whole duration.
type Conn struct {
	mx     sync.Mutex
	rwc    io.ReadWriteCloser
	config ConnOpts
}

func New(rwc io.ReadWriteCloser, opts ...ConnOpt) *Conn {
	var config ConnOpts
	for _, opt := range opts {
		opt(&config)
	}
	return &Conn{rwc: rwc, config: config}
}

func (c *Conn) Write(ctx context.Context, payload []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.write(ctx, payload)
}

func (c *Conn) Read(ctx context.Context, buffer []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.read(ctx, buffer)
}

func (c *Conn) Query(ctx context.Context, command []byte, buffer []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	n, err := c.write(ctx, command)
	if err != nil {
		return 0, err
	}
	if n < len(command) {
		return 0, fmt.Errorf("query: %w (%d of %d bytes)", labinst.ErrShortWrite, n, len(command))
	}
	return c.read(ctx, buffer)
}

// Close closes the underlying stream. It does not wait for a pending call,
// which makes it the way to abort a blocked read.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func (c *Conn) write(ctx context.Context, payload []byte) (int, error) {
	ctx, release, err := c.arm(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	instctx.DumpWire(ctx, "tx", payload)
	n, err := c.rwc.Write(payload)
	if err != nil {
		return n, c.wrap(ctx, "write", err)
	}
	return n, nil
}

func (c *Conn) read(ctx context.Context, buffer []byte) (int, error) {
	ctx, release, err := c.arm(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	var n int
	if c.config.HasTerminator {
		n, err = c.readTerminated(ctx, buffer)
	} else {
		n, err = c.readOnce(ctx, buffer)
	}
	instctx.DumpWire(ctx, "rx", buffer[:n])
	return n, err
}

func (c *Conn) readOnce(ctx context.Context, buffer []byte) (int, error) {
	for {
		n, err := c.rwc.Read(buffer)
		if err != nil {
			return n, c.wrap(ctx, "read", err)
		}
		if n > 0 {
			return n, nil
		}
		// serial ports report an expired inter-byte timeout as an empty read
		if ctx.Err() != nil {
			return 0, c.wrap(ctx, "read", ctx.Err())
		}
	}
}

func (c *Conn) readTerminated(ctx context.Context, buffer []byte) (int, error) {
	total := 0
	for total < len(buffer) {
		n, err := c.rwc.Read(buffer[total:])
		if n > 0 && bytes.IndexByte(buffer[total:total+n], c.config.Terminator) >= 0 {
			return total + n, nil
		}
		total += n
		if err != nil {
			return total, c.wrap(ctx, "read", err)
		}
		if n == 0 && ctx.Err() != nil {
			return total, c.wrap(ctx, "read", ctx.Err())
		}
	}
	return total, ErrResponseTooLong
}

// arm maps the ctx deadline and cancellation onto the stream when it supports
// deadlines. The returned func must be called once the operation completes.
func (c *Conn) arm(ctx context.Context) (context.Context, func(), error) {
	var cancel context.CancelFunc = func() {}
	if _, ok := ctx.Deadline(); !ok && c.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return ctx, nil, err
	}
	d, ok := c.rwc.(deadliner)
	if !ok {
		return ctx, cancel, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return ctx, func() {
		stop()
		_ = d.SetDeadline(time.Time{})
		cancel()
	}, nil
}

func (c *Conn) wrap(ctx context.Context, op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
