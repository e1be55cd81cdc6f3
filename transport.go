package labinst

import (
	"context"
	"time"
)

// NoTimeout makes WaitForEvent block until the event arrives or the context is done.
const NoTimeout time.Duration = -1

type Writer interface {
	Write(ctx context.Context, payload []byte) (int, error)
}

type Reader interface {
	Read(ctx context.Context, buffer []byte) (int, error)
}

// Querier performs a write followed by the matching read as one exchange.
// No other exchange may interleave on the same connection in between.
type Querier interface {
	Query(ctx context.Context, command []byte, buffer []byte) (int, error)
}

// Transport is the only surface instrument drivers talk to. GPIB resources,
// serial and RS485 ports and TCP streams all implement it.
type Transport interface {
	Writer
	Reader
	Querier
	Close() error
}

// EventWaiter is implemented by transports that can observe a device-side
// completion signal, e.g. the GPIB service request line.
type EventWaiter interface {
	// WaitForEvent reports whether the signal was observed within timeout.
	// A timeout of 0 checks once, NoTimeout waits until ctx is done.
	WaitForEvent(ctx context.Context, timeout time.Duration) (bool, error)
}
