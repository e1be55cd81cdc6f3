package config

import (
	"context"
	"fmt"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/gpib"
	"github.com/mklimuk/labinst/serial"
	"github.com/mklimuk/labinst/stream"
	"github.com/mklimuk/labinst/tcp"
)

// Open connects to the instrument described by c. Stream transports
// (serial, rs485, tcp) delimit replies with term.
func (c Connection) Open(ctx context.Context, term byte) (labinst.Transport, error) {
	connOpts := []stream.ConnOpt{stream.WithTerminator(term)}
	if c.Timeout.Duration > 0 {
		connOpts = append(connOpts, stream.WithTimeout(c.Timeout.Duration))
	}
	switch c.Transport {
	case TransportGPIB:
		opts := []gpib.ConnOpt{gpib.WithClearOnOpen(true)}
		if c.BaudRate > 0 {
			opts = append(opts, gpib.WithBaudRate(c.BaudRate))
		}
		if c.WriteDelay.Duration > 0 {
			opts = append(opts, gpib.WithWriteDelay(c.WriteDelay.Duration))
		}
		conn, err := gpib.Open(c.Port, c.Address, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case TransportSerial, TransportRS485:
		opts, err := c.portOpts(connOpts)
		if err != nil {
			return nil, err
		}
		open := serial.Open
		if c.Transport == TransportRS485 {
			open = serial.OpenRS485
		}
		return streamTransport(open(c.Port, opts...))
	case TransportTCP:
		return streamTransport(tcp.Dial(ctx, c.Address, tcp.WithConnOpts(connOpts...)))
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

// streamTransport avoids handing out a typed nil connection as a non-nil Transport.
func streamTransport(conn *stream.Conn, err error) (labinst.Transport, error) {
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c Connection) portOpts(connOpts []stream.ConnOpt) ([]serial.PortOpt, error) {
	parity, err := serial.ParseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := serial.ParseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	opts := []serial.PortOpt{
		serial.WithParity(parity),
		serial.WithStopBits(stop),
		serial.WithConnOpts(connOpts...),
	}
	if c.BaudRate > 0 {
		opts = append(opts, serial.WithBaudRate(c.BaudRate))
	}
	if c.WriteDelay.Duration > 0 {
		opts = append(opts, serial.WithTxDelays(0, c.WriteDelay.Duration))
	}
	return opts, nil
}
