// Package electrometer drives a Keithley 6514 electrometer over any
// labinst transport using SCPI commands.
package electrometer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/codec"
	"github.com/mklimuk/labinst/instctx"
)

const (
	Name = "keithley6514"

	MaxBufferPoints = 2500
	MinNPLC         = 0.01
	MaxNPLC         = 10.0

	DefaultPollInterval = 50 * time.Millisecond
	restoreTimeout      = 5 * time.Second
	// readout of a single interleaved value, sign, mantissa, exponent and separator
	valueSize = 32
)

var (
	TriggerSources       = []string{"IMM", "TLIN"}
	MeasurementFunctions = []string{"VOLT", "CURR", "RES", "CHAR"}
)

// SCPI is the dialect spoken by the 6514. A successful *IDN? reply is
// classified as a version.
var SCPI = codec.Dialect{
	Name:       Name,
	Terminator: "\n",
	Version:    regexp.MustCompile(`^KEITHLEY INSTRUMENTS INC\.,MODEL 6514`),
	StatusSize: 64,
}

var initSequence = []string{
	"*RST;*CLS",
	"FORM:ELEM READ, TIME",
	"STAT:PRES",
	"STAT:MEAS:ENAB 512",
	"VOLT:NPLC 0.01",
}

type Opts struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Opt func(*Opts)

// WithPollInterval sets the status byte polling period used when the
// transport cannot wait for service requests.
func WithPollInterval(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

type AcquireOpts struct {
	NPLC    float64
	Timeout time.Duration
}

type AcquireOpt func(*AcquireOpts)

// WithNPLC sets the integration time in power line cycles.
func WithNPLC(nplc float64) AcquireOpt {
	return func(o *AcquireOpts) {
		o.NPLC = nplc
	}
}

// WithTimeout bounds the wait for the buffer full signal. labinst.NoTimeout
// (the default) waits until the signal or context cancellation.
func WithTimeout(d time.Duration) AcquireOpt {
	return func(o *AcquireOpts) {
		o.Timeout = d
	}
}

type Keithley6514 struct {
	mx       sync.Mutex
	stateMx  sync.RWMutex
	state    State
	guard    *labinst.Guarded
	session  *codec.Session
	function string
	opts     Opts
}

// Open takes ownership of transport, resets the instrument and configures
// it for fast buffered readings. The transport is closed when initialization
// fails.
func Open(ctx context.Context, transport labinst.Transport, opts ...Opt) (*Keithley6514, error) {
	o := Opts{PollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	guard := labinst.Guard(Name, transport)
	k := &Keithley6514{
		guard:    guard,
		session:  codec.NewSession(guard, SCPI),
		function: "VOLT",
		opts:     o,
	}
	for _, cmd := range initSequence {
		if err := k.session.Send(ctx, cmd); err != nil {
			_ = guard.Close()
			return nil, labinst.Fault(Name, "open", err)
		}
	}
	return k, nil
}

// State returns the current acquisition phase.
func (k *Keithley6514) State() State {
	k.stateMx.RLock()
	defer k.stateMx.RUnlock()
	return k.state
}

func (k *Keithley6514) setState(ctx context.Context, s State) {
	k.stateMx.Lock()
	prev := k.state
	k.state = s
	k.stateMx.Unlock()
	if prev != s {
		k.logger(ctx).Debug("acquisition state", "from", prev, "to", s)
	}
}

func (k *Keithley6514) logger(ctx context.Context) *slog.Logger {
	if k.opts.Logger != nil {
		return k.opts.Logger
	}
	return instctx.Logger(ctx)
}

// AcquireBuffered fills the instrument buffer with num readings and returns
// them with their time stamps. Parameters are validated before anything is
// sent. Autozero, zero check and the display are switched off for the
// acquisition and restored to their previous values on every exit path.
func (k *Keithley6514) AcquireBuffered(ctx context.Context, num int, opts ...AcquireOpt) (s Series, err error) {
	o := AcquireOpts{NPLC: MinNPLC, Timeout: labinst.NoTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if num < 1 || num > MaxBufferPoints {
		return Series{}, &labinst.ConfigurationError{Param: "buffer size", Value: num, Reason: fmt.Sprintf("must be between 1 and %d", MaxBufferPoints)}
	}
	if o.NPLC < MinNPLC || o.NPLC > MaxNPLC {
		return Series{}, &labinst.ConfigurationError{Param: "nplc", Value: o.NPLC, Reason: fmt.Sprintf("must be between %.2f and %.0f", MinNPLC, MaxNPLC)}
	}

	k.mx.Lock()
	defer k.mx.Unlock()

	k.setState(ctx, StateConfiguring)
	defer k.setState(ctx, StateIdle)

	saved, err := k.readToggles(ctx)
	if err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	defer func() {
		// restore even when the caller context is already done
		rctx, cancel := detached(ctx)
		defer cancel()
		if rerr := k.restoreToggles(rctx, saved); rerr != nil {
			if err == nil {
				err = labinst.Fault(Name, "restore settings", rerr)
				return
			}
			k.logger(ctx).Warn("could not restore instrument settings", "error", rerr)
		}
	}()

	setup := []string{
		fmt.Sprintf("%s:NPLC %.2f", k.function, o.NPLC),
		fmt.Sprintf("TRIG:COUN %d", num),
		"*SRE 9",
		"TRAC:CLE",
		fmt.Sprintf("TRAC:POIN %d", num),
		"TRAC:FEED SENS1",
		"TRAC:FEED:CONT NEXT",
	}
	for _, cmd := range setup {
		if err := k.session.Send(ctx, cmd); err != nil {
			return Series{}, labinst.Fault(Name, "acquire buffered", err)
		}
	}
	if err := k.disableToggles(ctx); err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	if err := k.session.Send(ctx, "INIT"); err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	k.setState(ctx, StateArmed)

	k.setState(ctx, StateAwaitingCompletion)
	done, err := k.waitForCompletion(ctx, o.Timeout)
	if err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	if !done {
		k.setState(ctx, StateTimedOut)
		actx, cancel := detached(ctx)
		aerr := k.session.Send(actx, "ABOR")
		cancel()
		if aerr != nil {
			k.logger(ctx).Warn("could not abort acquisition", "error", aerr)
		}
		return Series{}, &labinst.InstrumentFault{
			Instrument: Name,
			Op:         "acquire buffered",
			Err:        fmt.Errorf("buffer did not fill before timeout: %w", labinst.ErrCompletionTimeout),
		}
	}

	k.setState(ctx, StateDraining)
	if err := k.session.Send(ctx, "*CLS"); err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	resp, err := k.session.Query(ctx, "TRAC:DATA?", 2*num*valueSize)
	if err != nil {
		return Series{}, labinst.Fault(Name, "acquire buffered", err)
	}
	s, err = DecodeInterleaved(resp.Body, num)
	if err != nil {
		return Series{}, &labinst.InstrumentFault{
			Instrument: Name,
			Op:         "acquire buffered",
			Err:        &labinst.ProtocolError{Command: "TRAC:DATA?", Response: abbreviate(resp.Body), Reason: err.Error()},
		}
	}
	return s, nil
}

func (k *Keithley6514) waitForCompletion(ctx context.Context, timeout time.Duration) (bool, error) {
	if k.guard.SupportsEvents() {
		return k.guard.WaitForEvent(ctx, timeout)
	}
	return k.pollCompletion(ctx, timeout)
}

// pollCompletion reads the status byte until its measurement summary bit is set.
func (k *Keithley6514) pollCompletion(ctx context.Context, timeout time.Duration) (bool, error) {
	interval := k.opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if timeout != labinst.NoTimeout {
		timer := time.NewTimer(max(timeout, 0))
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := k.session.Status(ctx, "*STB?")
		if err != nil {
			return false, err
		}
		stb, err := strconv.Atoi(resp.Body)
		if err != nil {
			return false, &labinst.ProtocolError{Command: "*STB?", Response: resp.Body, Reason: "status byte is not an integer"}
		}
		if stb&1 != 0 {
			return true, nil
		}
		if timeout == 0 {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (k *Keithley6514) readToggles(ctx context.Context) (toggles, error) {
	var t toggles
	var err error
	if t.autozero, err = k.queryBool(ctx, "SYST:AZER?"); err != nil {
		return t, err
	}
	if t.zeroCheck, err = k.queryBool(ctx, "SYST:ZCH?"); err != nil {
		return t, err
	}
	if t.display, err = k.queryBool(ctx, "DISP:ENAB?"); err != nil {
		return t, err
	}
	return t, nil
}

// detached outlives the cancellation of ctx but is bounded by restoreTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
}

// disableToggles switches off autozero first and the display last.
func (k *Keithley6514) disableToggles(ctx context.Context) error {
	return k.sendAll(ctx,
		"SYST:AZER OFF",
		"SYST:ZCH OFF",
		"DISP:ENAB OFF",
	)
}

// restoreToggles undoes disableToggles in reverse order.
func (k *Keithley6514) restoreToggles(ctx context.Context, t toggles) error {
	return k.sendAll(ctx,
		"DISP:ENAB "+onOff(t.display),
		"SYST:ZCH "+onOff(t.zeroCheck),
		"SYST:AZER "+onOff(t.autozero),
	)
}

func (k *Keithley6514) sendAll(ctx context.Context, cmds ...string) error {
	for _, cmd := range cmds {
		if err := k.session.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keithley6514) queryBool(ctx context.Context, cmd string) (bool, error) {
	resp, err := k.session.Status(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp.Body) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	}
	return false, &labinst.ProtocolError{Command: cmd, Response: resp.Body, Reason: "expected a boolean"}
}

func (k *Keithley6514) query(ctx context.Context, op, cmd string) (string, error) {
	k.mx.Lock()
	defer k.mx.Unlock()
	resp, err := k.session.Status(ctx, cmd)
	if err != nil {
		return "", labinst.Fault(Name, op, err)
	}
	return resp.Body, nil
}

func (k *Keithley6514) send(ctx context.Context, op string, cmds ...string) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	for _, cmd := range cmds {
		if err := k.session.Send(ctx, cmd); err != nil {
			return labinst.Fault(Name, op, err)
		}
	}
	return nil
}

// Identify returns the *IDN? reply of the instrument.
func (k *Keithley6514) Identify(ctx context.Context) (string, error) {
	k.mx.Lock()
	defer k.mx.Unlock()
	resp, err := k.session.Query(ctx, "*IDN?", 256)
	if err != nil {
		return "", labinst.Fault(Name, "identify", err)
	}
	if resp.Kind != codec.KindVersion {
		return resp.Body, &labinst.ProtocolError{Command: "*IDN?", Response: resp.Body, Reason: "not a Keithley 6514"}
	}
	return resp.Body, nil
}

func (k *Keithley6514) TriggerSource(ctx context.Context) (string, error) {
	return k.query(ctx, "trigger source", "TRIG:SOUR?")
}

// SetTriggerSource selects immediate (IMM) or trigger link (TLIN) triggering.
func (k *Keithley6514) SetTriggerSource(ctx context.Context, source string) error {
	source = strings.ToUpper(source)
	if !slices.Contains(TriggerSources, source) {
		return &labinst.ConfigurationError{Param: "trigger source", Value: source, Reason: "must be one of " + strings.Join(TriggerSources, ", ")}
	}
	return k.send(ctx, "set trigger source", "TRIG:SOUR "+source)
}

func (k *Keithley6514) InputTriggerLine(ctx context.Context) (int, error) {
	body, err := k.query(ctx, "input trigger line", "TRIG:TCON:ASYN:ILIN?")
	if err != nil {
		return 0, err
	}
	line, err := strconv.Atoi(body)
	if err != nil {
		return 0, &labinst.ProtocolError{Command: "TRIG:TCON:ASYN:ILIN?", Response: body, Reason: "trigger line is not an integer"}
	}
	return line, nil
}

func (k *Keithley6514) SetInputTriggerLine(ctx context.Context, line int) error {
	if line < 1 || line > 6 {
		return &labinst.ConfigurationError{Param: "input trigger line", Value: line, Reason: "must be between 1 and 6"}
	}
	return k.send(ctx, "set input trigger line", fmt.Sprintf("TRIG:TCON:ASYN:ILIN %d", line))
}

// MeasurementFunction returns the configured function, e.g. VOLT:DC.
func (k *Keithley6514) MeasurementFunction(ctx context.Context) (string, error) {
	body, err := k.query(ctx, "measurement function", "CONF?")
	if err != nil {
		return "", err
	}
	return strings.Trim(body, `"`), nil
}

// SetMeasurementFunction switches to VOLT, CURR, RES or CHAR and resets the
// integration time of that function to the fastest setting.
func (k *Keithley6514) SetMeasurementFunction(ctx context.Context, function string) error {
	function = strings.ToUpper(function)
	if !slices.Contains(MeasurementFunctions, function) {
		return &labinst.ConfigurationError{Param: "measurement function", Value: function, Reason: "must be one of " + strings.Join(MeasurementFunctions, ", ")}
	}
	if err := k.send(ctx, "set measurement function", "CONF:"+function, fmt.Sprintf("%s:NPLC %.2f", function, MinNPLC)); err != nil {
		return err
	}
	k.mx.Lock()
	k.function = function
	k.mx.Unlock()
	return nil
}

func (k *Keithley6514) Display(ctx context.Context) (bool, error) {
	return k.queryToggle(ctx, "display", "DISP:ENAB?")
}

func (k *Keithley6514) Autozero(ctx context.Context) (bool, error) {
	return k.queryToggle(ctx, "autozero", "SYST:AZER?")
}

func (k *Keithley6514) ZeroCheck(ctx context.Context) (bool, error) {
	return k.queryToggle(ctx, "zero check", "SYST:ZCH?")
}

func (k *Keithley6514) ToggleDisplay(ctx context.Context, on bool) error {
	return k.send(ctx, "toggle display", "DISP:ENAB "+onOff(on))
}

func (k *Keithley6514) ToggleAutozero(ctx context.Context, on bool) error {
	return k.send(ctx, "toggle autozero", "SYST:AZER "+onOff(on))
}

func (k *Keithley6514) ToggleZeroCheck(ctx context.Context, on bool) error {
	return k.send(ctx, "toggle zero check", "SYST:ZCH "+onOff(on))
}

func (k *Keithley6514) queryToggle(ctx context.Context, op, cmd string) (bool, error) {
	k.mx.Lock()
	defer k.mx.Unlock()
	on, err := k.queryBool(ctx, cmd)
	if err != nil {
		return false, labinst.Fault(Name, op, err)
	}
	return on, nil
}

// ErrorCodes drains the instrument error queue. It returns nil when the
// queue is empty.
func (k *Keithley6514) ErrorCodes(ctx context.Context) ([]int, error) {
	k.mx.Lock()
	defer k.mx.Unlock()
	codes, _, err := k.errorCodes(ctx)
	return codes, err
}

// CheckErrors returns a *labinst.ProtocolError listing the queued error
// codes, if any.
func (k *Keithley6514) CheckErrors(ctx context.Context) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	codes, raw, err := k.errorCodes(ctx)
	if err != nil {
		return err
	}
	if len(codes) > 0 {
		return &labinst.ProtocolError{Command: "SYST:ERR:CODE:ALL?", Response: raw, Reason: fmt.Sprintf("instrument reported %d error(s)", len(codes))}
	}
	return nil
}

func (k *Keithley6514) errorCodes(ctx context.Context) ([]int, string, error) {
	resp, err := k.session.Query(ctx, "SYST:ERR:CODE:ALL?", 1024)
	if err != nil {
		return nil, "", labinst.Fault(Name, "error codes", err)
	}
	var codes []int
	for _, f := range strings.Split(resp.Body, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, resp.Body, &labinst.ProtocolError{Command: "SYST:ERR:CODE:ALL?", Response: resp.Body, Reason: "error code is not an integer"}
		}
		if code != 0 {
			codes = append(codes, code)
		}
	}
	if err := k.session.Send(ctx, "SYST:CLE"); err != nil {
		return nil, resp.Body, labinst.Fault(Name, "error codes", err)
	}
	return codes, resp.Body, nil
}

// Close reports queued instrument errors, resets the instrument and closes
// the transport. Reset failures are logged and never returned. When an
// acquisition is in progress the transport is closed right away, which
// aborts it.
func (k *Keithley6514) Close(ctx context.Context) error {
	if !k.mx.TryLock() {
		k.logger(ctx).Warn("closing instrument during acquisition")
		return k.guard.Close()
	}
	defer k.mx.Unlock()
	codes, _, err := k.errorCodes(ctx)
	switch {
	case err != nil && !errors.Is(err, labinst.ErrClosed) && !errors.Is(err, labinst.ErrDesynchronized):
		k.logger(ctx).Warn("could not read instrument errors", "error", err)
	case len(codes) > 0:
		k.logger(ctx).Warn("instrument reported errors", "codes", codes)
	}
	if !errors.Is(err, labinst.ErrClosed) && !errors.Is(err, labinst.ErrDesynchronized) {
		if rerr := k.session.Send(ctx, "*RST;*CLS"); rerr != nil {
			k.logger(ctx).Warn("could not reset instrument", "error", rerr)
		}
	}
	return k.guard.Close()
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func abbreviate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
