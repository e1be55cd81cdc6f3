package labinst

import (
	"context"
	"sync"
	"time"
)

var _ Transport = &Guarded{}
var _ EventWaiter = &Guarded{}

// Guarded applies the fault translation policy to every operation of the
// wrapped transport: any error coming from the medium is re-raised as an
// InstrumentFault wrapping a TransportFault. It also owns the connection
// lifecycle, so the transport is closed exactly once and never used after.
type Guarded struct {
	name      string
	transport Transport

	mx     sync.RWMutex
	closed bool
}

// Guard wraps transport for the instrument called name. Drivers call it once,
// when they are constructed.
func Guard(name string, transport Transport) *Guarded {
	if g, ok := transport.(*Guarded); ok {
		return g
	}
	return &Guarded{name: name, transport: transport}
}

func (g *Guarded) Name() string {
	return g.name
}

func (g *Guarded) Write(ctx context.Context, payload []byte) (int, error) {
	if err := g.usable("write"); err != nil {
		return 0, err
	}
	n, err := g.transport.Write(ctx, payload)
	if err != nil {
		return n, g.translate("write", err)
	}
	if n < len(payload) {
		return n, &InstrumentFault{Instrument: g.name, Op: "write", Err: ErrShortWrite}
	}
	return n, nil
}

func (g *Guarded) Read(ctx context.Context, buffer []byte) (int, error) {
	if err := g.usable("read"); err != nil {
		return 0, err
	}
	n, err := g.transport.Read(ctx, buffer)
	if err != nil {
		return n, g.translate("read", err)
	}
	return n, nil
}

func (g *Guarded) Query(ctx context.Context, command []byte, buffer []byte) (int, error) {
	if err := g.usable("query"); err != nil {
		return 0, err
	}
	n, err := g.transport.Query(ctx, command, buffer)
	if err != nil {
		return n, g.translate("query", err)
	}
	return n, nil
}

// SupportsEvents reports whether the wrapped transport can wait for device events.
func (g *Guarded) SupportsEvents() bool {
	_, ok := g.transport.(EventWaiter)
	return ok
}

func (g *Guarded) WaitForEvent(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := g.usable("wait for event"); err != nil {
		return false, err
	}
	waiter, ok := g.transport.(EventWaiter)
	if !ok {
		return false, &InstrumentFault{Instrument: g.name, Op: "wait for event", Err: ErrEventsUnsupported}
	}
	seen, err := waiter.WaitForEvent(ctx, timeout)
	if err != nil {
		return false, g.translate("wait for event", err)
	}
	return seen, nil
}

// Close closes the wrapped transport. Subsequent calls are no-ops.
func (g *Guarded) Close() error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.transport.Close(); err != nil {
		return g.translate("close", err)
	}
	return nil
}

func (g *Guarded) usable(op string) error {
	g.mx.RLock()
	defer g.mx.RUnlock()
	if g.closed {
		return &InstrumentFault{Instrument: g.name, Op: op, Err: ErrClosed}
	}
	return nil
}

func (g *Guarded) translate(op string, err error) error {
	return &InstrumentFault{Instrument: g.name, Op: op, Err: &TransportFault{Err: err}}
}
