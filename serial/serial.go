// Package serial opens RS-232 and RS485 ports as instrument transports.
package serial

import (
	"fmt"
	"strings"
	"time"

	bugst "go.bug.st/serial"

	"github.com/mklimuk/labinst/stream"
)

type PortOpts struct {
	BaudRate int
	DataBits int
	Parity   bugst.Parity
	StopBits bugst.StopBits
	// ReadTimeout is the interval after which an idle read returns empty so
	// that context cancellation gets a chance to be observed.
	ReadTimeout time.Duration
	ConnOpts    []stream.ConnOpt

	// RS485 only
	RTSLevelForTx bool
	DelayBeforeTx time.Duration
	DelayAfterTx  time.Duration
}

type PortOpt func(*PortOpts)

func WithBaudRate(baud int) PortOpt {
	return func(o *PortOpts) {
		o.BaudRate = baud
	}
}

func WithDataBits(bits int) PortOpt {
	return func(o *PortOpts) {
		o.DataBits = bits
	}
}

func WithParity(parity bugst.Parity) PortOpt {
	return func(o *PortOpts) {
		o.Parity = parity
	}
}

func WithStopBits(stop bugst.StopBits) PortOpt {
	return func(o *PortOpts) {
		o.StopBits = stop
	}
}

func WithReadTimeout(timeout time.Duration) PortOpt {
	return func(o *PortOpts) {
		o.ReadTimeout = timeout
	}
}

func WithConnOpts(opts ...stream.ConnOpt) PortOpt {
	return func(o *PortOpts) {
		o.ConnOpts = append(o.ConnOpts, opts...)
	}
}

// WithTxDelays sets the RS485 settle times around a transmission.
func WithTxDelays(before, after time.Duration) PortOpt {
	return func(o *PortOpts) {
		o.DelayBeforeTx = before
		o.DelayAfterTx = after
	}
}

// WithRTSLevelForTx sets the RTS level that enables the RS485 driver.
func WithRTSLevelForTx(level bool) PortOpt {
	return func(o *PortOpts) {
		o.RTSLevelForTx = level
	}
}

func defaultOpts() PortOpts {
	return PortOpts{
		BaudRate:      9600,
		DataBits:      8,
		Parity:        bugst.NoParity,
		StopBits:      bugst.OneStopBit,
		ReadTimeout:   100 * time.Millisecond,
		RTSLevelForTx: true,
	}
}

// Open opens an RS-232 port, e.g. /dev/ttyUSB0 or COM3.
func Open(name string, opts ...PortOpt) (*stream.Conn, error) {
	config := defaultOpts()
	for _, opt := range opts {
		opt(&config)
	}
	port, err := open(name, config)
	if err != nil {
		return nil, err
	}
	return stream.New(port, config.ConnOpts...), nil
}

// OpenRS485 opens a half-duplex RS485 port. The driver is enabled through RTS
// for the duration of each write only.
func OpenRS485(name string, opts ...PortOpt) (*stream.Conn, error) {
	config := defaultOpts()
	for _, opt := range opts {
		opt(&config)
	}
	port, err := open(name, config)
	if err != nil {
		return nil, err
	}
	half, err := newHalfDuplex(port, config)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return stream.New(half, config.ConnOpts...), nil
}

func open(name string, config PortOpts) (bugst.Port, error) {
	port, err := bugst.Open(name, &bugst.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		Parity:   config.Parity,
		StopBits: config.StopBits,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", name, err)
	}
	if config.ReadTimeout > 0 {
		if err := port.SetReadTimeout(config.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("could not set read timeout on %s: %w", name, err)
		}
	}
	return port, nil
}

// ParseParity accepts none, odd, even, mark and space.
func ParseParity(s string) (bugst.Parity, error) {
	switch strings.ToLower(s) {
	case "", "n", "none":
		return bugst.NoParity, nil
	case "o", "odd":
		return bugst.OddParity, nil
	case "e", "even":
		return bugst.EvenParity, nil
	case "m", "mark":
		return bugst.MarkParity, nil
	case "s", "space":
		return bugst.SpaceParity, nil
	}
	return bugst.NoParity, fmt.Errorf("unknown parity %q", s)
}

// ParseStopBits accepts 1, 1.5 and 2.
func ParseStopBits(s string) (bugst.StopBits, error) {
	switch s {
	case "", "1":
		return bugst.OneStopBit, nil
	case "1.5":
		return bugst.OnePointFiveStopBits, nil
	case "2":
		return bugst.TwoStopBits, nil
	}
	return bugst.OneStopBit, fmt.Errorf("unknown stop bits %q", s)
}
