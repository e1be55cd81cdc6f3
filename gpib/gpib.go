// Package gpib reaches GPIB instruments through a Prologix GPIB-USB
// controller attached to a serial port.
package gpib

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	bugst "go.bug.st/serial"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/instctx"
)

var _ labinst.Transport = &Conn{}
var _ labinst.EventWaiter = &Conn{}

// controller is the subset of the Prologix controller used here.
type controller interface {
	io.ReadWriter
	Query(cmd string) (string, error)
	ServiceRequest() (bool, error)
	ClearDevice() error
	FrontPanel(local bool) error
}

type ConnOpts struct {
	BaudRate     int
	WriteDelay   time.Duration
	PollInterval time.Duration
	ClearOnOpen  bool
}

type ConnOpt func(*ConnOpts)

func WithBaudRate(baud int) ConnOpt {
	return func(o *ConnOpts) {
		o.BaudRate = baud
	}
}

// WithWriteDelay spaces controller commands for slow instruments.
func WithWriteDelay(delay time.Duration) ConnOpt {
	return func(o *ConnOpts) {
		o.WriteDelay = delay
	}
}

// WithPollInterval sets how often the SRQ line is sampled while waiting.
func WithPollInterval(interval time.Duration) ConnOpt {
	return func(o *ConnOpts) {
		o.PollInterval = interval
	}
}

// WithClearOnOpen sends Selected Device Clear when the connection opens.
func WithClearOnOpen(clear bool) ConnOpt {
	return func(o *ConnOpts) {
		o.ClearOnOpen = clear
	}
}

// Conn is a GPIB instrument reached through a Prologix controller.
type Conn struct {
	mx       sync.Mutex
	ctrl     controller
	port     io.Closer
	address  Address
	interval time.Duration
}

// Open opens the controller on serial port portName and addresses the
// instrument at resource, e.g. "GPIB::15".
func Open(portName, resource string, opts ...ConnOpt) (*Conn, error) {
	config := ConnOpts{
		BaudRate:     115200,
		PollInterval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&config)
	}
	addr, err := ParseAddress(resource)
	if err != nil {
		return nil, err
	}
	port, err := bugst.Open(portName, &bugst.Mode{BaudRate: config.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("could not open controller port %s: %w", portName, err)
	}
	ctrlOpts := []prologix.ControllerOption{}
	if config.WriteDelay > 0 {
		ctrlOpts = append(ctrlOpts, prologix.WithWriteDelay(config.WriteDelay))
	}
	if addr.Secondary >= 0 {
		ctrlOpts = append(ctrlOpts, prologix.WithSecondaryAddress(addr.Secondary))
	}
	ctrl, err := prologix.NewController(port, addr.Primary, config.ClearOnOpen, ctrlOpts...)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("could not set up controller for %s: %w", addr, err)
	}
	return newConn(ctrl, port, addr, config.PollInterval), nil
}

func newConn(ctrl controller, port io.Closer, addr Address, interval time.Duration) *Conn {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Conn{ctrl: ctrl, port: port, address: addr, interval: interval}
}

func (c *Conn) Address() Address {
	return c.address
}

func (c *Conn) Write(ctx context.Context, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	instctx.DumpWire(ctx, "tx", payload)
	n, err := c.ctrl.Write(payload)
	if err != nil {
		return n, fmt.Errorf("gpib %s: write: %w", c.address, err)
	}
	return n, nil
}

func (c *Conn) Read(ctx context.Context, buffer []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	n, err := c.ctrl.Read(buffer)
	if err != nil && !(err == io.EOF && n > 0) {
		return n, fmt.Errorf("gpib %s: read: %w", c.address, err)
	}
	instctx.DumpWire(ctx, "rx", buffer[:n])
	return n, nil
}

func (c *Conn) Query(ctx context.Context, command []byte, buffer []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	instctx.DumpWire(ctx, "tx", command)
	resp, err := c.ctrl.Query(string(command))
	if err != nil && !(err == io.EOF && resp != "") {
		return 0, fmt.Errorf("gpib %s: query: %w", c.address, err)
	}
	if len(resp) > len(buffer) {
		return 0, fmt.Errorf("gpib %s: query: response of %d bytes exceeds buffer of %d", c.address, len(resp), len(buffer))
	}
	n := copy(buffer, resp)
	instctx.DumpWire(ctx, "rx", buffer[:n])
	return n, nil
}

// WaitForEvent samples the SRQ line until it is asserted, timeout elapses or
// ctx is done.
func (c *Conn) WaitForEvent(ctx context.Context, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		srq, err := c.serviceRequest()
		if err != nil {
			return false, err
		}
		if srq {
			return true, nil
		}
		if timeout == 0 {
			return false, nil
		}
		select {
		case <-ticker.C:
		case <-expired:
			return c.serviceRequest()
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *Conn) serviceRequest() (bool, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	srq, err := c.ctrl.ServiceRequest()
	if err != nil {
		return false, fmt.Errorf("gpib %s: service request: %w", c.address, err)
	}
	return srq, nil
}

// Clear sends Selected Device Clear to the instrument.
func (c *Conn) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.ctrl.ClearDevice()
}

// Close hands the front panel back to the operator and closes the port. When
// an exchange is still in flight the port is closed right away to abort it.
func (c *Conn) Close() error {
	var panelErr error
	if c.mx.TryLock() {
		panelErr = c.ctrl.FrontPanel(true)
		c.mx.Unlock()
	}
	if err := c.port.Close(); err != nil {
		return fmt.Errorf("gpib %s: close: %w", c.address, err)
	}
	if panelErr != nil {
		return fmt.Errorf("gpib %s: return to local: %w", c.address, panelErr)
	}
	return nil
}
