// Package trigger drives a host GPIO line wired to the trigger link input of
// an instrument.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const DefaultWidth = 10 * time.Microsecond

var ErrPinNotFound = errors.New("gpio pin not found")

// Pin is the part of gpio.PinOut the pulser needs.
type Pin interface {
	Out(l gpio.Level) error
	String() string
}

type Pulser struct {
	mx  sync.Mutex
	pin Pin
}

// Open initializes periph host drivers and resolves pinName (e.g. GPIO17).
// The line is driven low.
func Open(pinName string) (*Pulser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, pinName)
	}
	return New(pin)
}

func New(pin Pin) (*Pulser, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("could not drive %s low: %w", pin, err)
	}
	return &Pulser{pin: pin}, nil
}

// Pulse drives the line high for width and back low. The line is driven low
// even when ctx is done before width elapses.
func (p *Pulser) Pulse(ctx context.Context, width time.Duration) error {
	if width <= 0 {
		width = DefaultWidth
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.pin.Out(gpio.High); err != nil {
		return fmt.Errorf("could not drive %s high: %w", p.pin, err)
	}
	timer := time.NewTimer(width)
	defer timer.Stop()
	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if err := p.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("could not drive %s low: %w", p.pin, err)
	}
	return waitErr
}
