package serial

import (
	"fmt"
	"io"
	"time"
)

// rtsPort is the part of a serial port the half-duplex driver needs.
type rtsPort interface {
	io.ReadWriteCloser
	SetRTS(rts bool) error
	Drain() error
}

type halfDuplex struct {
	port        rtsPort
	txLevel     bool
	delayBefore time.Duration
	delayAfter  time.Duration
}

func newHalfDuplex(port rtsPort, config PortOpts) (*halfDuplex, error) {
	h := &halfDuplex{
		port:        port,
		txLevel:     config.RTSLevelForTx,
		delayBefore: config.DelayBeforeTx,
		delayAfter:  config.DelayAfterTx,
	}
	// start in receive mode
	if err := port.SetRTS(!h.txLevel); err != nil {
		return nil, fmt.Errorf("could not set RTS for receive: %w", err)
	}
	return h, nil
}

func (h *halfDuplex) Write(p []byte) (int, error) {
	if err := h.port.SetRTS(h.txLevel); err != nil {
		return 0, fmt.Errorf("could not set RTS for transmit: %w", err)
	}
	if h.delayBefore > 0 {
		time.Sleep(h.delayBefore)
	}
	n, err := h.port.Write(p)
	// the line must go back to receive mode even if the write failed
	drainErr := h.port.Drain()
	if h.delayAfter > 0 {
		time.Sleep(h.delayAfter)
	}
	rtsErr := h.port.SetRTS(!h.txLevel)
	switch {
	case err != nil:
		return n, err
	case drainErr != nil:
		return n, fmt.Errorf("could not drain transmit buffer: %w", drainErr)
	case rtsErr != nil:
		return n, fmt.Errorf("could not set RTS for receive: %w", rtsErr)
	}
	return n, nil
}

func (h *halfDuplex) Read(p []byte) (int, error) {
	return h.port.Read(p)
}

func (h *halfDuplex) Close() error {
	return h.port.Close()
}
