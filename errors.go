package labinst

import (
	"errors"
	"fmt"
)

var (
	ErrShortWrite         = errors.New("short write")
	ErrClosed             = errors.New("connection closed")
	ErrCompletionTimeout  = errors.New("completion signal not observed before timeout")
	ErrEventsUnsupported  = errors.New("transport cannot wait for device events")
	ErrIncompatibleServer = errors.New("incompatible or absent server")
	// ErrDesynchronized is returned once a reply was left unread on the
	// connection. The instrument has to be reopened.
	ErrDesynchronized = errors.New("connection out of sync with the device, reopen it")
)

// InstrumentFault is the single failure kind surfaced to callers when an
// instrument did not respond as expected: transport failures and acquisition
// timeouts both end up here.
type InstrumentFault struct {
	Instrument string
	Op         string
	Err        error
}

func (f *InstrumentFault) Error() string {
	switch {
	case f.Instrument != "" && f.Op != "":
		return fmt.Sprintf("%s: %s: %v", f.Instrument, f.Op, f.Err)
	case f.Instrument != "":
		return fmt.Sprintf("%s: %v", f.Instrument, f.Err)
	case f.Op != "":
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("instrument fault: %v", f.Err)
}

func (f *InstrumentFault) Unwrap() error {
	return f.Err
}

// TransportFault marks an error raised by the underlying medium
// (I/O error, connection reset, low level timeout).
type TransportFault struct {
	Err error
}

func (f *TransportFault) Error() string {
	return fmt.Sprintf("transport fault: %v", f.Err)
}

func (f *TransportFault) Unwrap() error {
	return f.Err
}

// ProtocolError is returned when the device explicitly reports a failure.
type ProtocolError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "device reported an error"
	}
	return fmt.Sprintf("%s (command %q, response %q)", reason, e.Command, e.Response)
}

// ConfigurationError is returned before any command is sent when a caller
// supplied parameter is out of its valid range.
type ConfigurationError struct {
	Param  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Param, e.Value, e.Reason)
}

// Fault wraps err into an InstrumentFault unless it already is one or is a
// ProtocolError or ConfigurationError, which are surfaced as they are.
func Fault(instrument, op string, err error) error {
	if err == nil {
		return nil
	}
	var fault *InstrumentFault
	var perr *ProtocolError
	var cerr *ConfigurationError
	if errors.As(err, &fault) || errors.As(err, &perr) || errors.As(err, &cerr) {
		return err
	}
	return &InstrumentFault{Instrument: instrument, Op: op, Err: err}
}
