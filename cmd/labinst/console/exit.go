package console

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/labinst"
)

const (
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitProtocol      = 3
	ExitInstrument    = 4
)

func Exit(code int, msg string, args ...interface{}) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

// Fail maps instrument errors to exit codes.
func Fail(msg string, err error) cli.ExitCoder {
	var cerr *labinst.ConfigurationError
	var perr *labinst.ProtocolError
	var fault *labinst.InstrumentFault
	code := ExitFailure
	switch {
	case errors.As(err, &cerr):
		code = ExitConfiguration
	case errors.As(err, &perr):
		code = ExitProtocol
	case errors.As(err, &fault):
		code = ExitInstrument
	}
	return Exit(code, "%s: %v", msg, err)
}
