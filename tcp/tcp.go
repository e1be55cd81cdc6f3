// Package tcp opens stream transports to instrument servers over TCP.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mklimuk/labinst/stream"
)

type DialOpts struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
	ConnOpts    []stream.ConnOpt
}

type DialOpt func(*DialOpts)

func WithDialTimeout(timeout time.Duration) DialOpt {
	return func(o *DialOpts) {
		o.DialTimeout = timeout
	}
}

func WithKeepAlive(period time.Duration) DialOpt {
	return func(o *DialOpts) {
		o.KeepAlive = period
	}
}

// WithConnOpts passes options to the underlying stream connection.
func WithConnOpts(opts ...stream.ConnOpt) DialOpt {
	return func(o *DialOpts) {
		o.ConnOpts = append(o.ConnOpts, opts...)
	}
}

// Dial connects to addr (host:port).
func Dial(ctx context.Context, addr string, opts ...DialOpt) (*stream.Conn, error) {
	config := DialOpts{
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	dialer := net.Dialer{Timeout: config.DialTimeout, KeepAlive: config.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	return stream.New(conn, config.ConnOpts...), nil
}
