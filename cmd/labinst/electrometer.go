package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/labinst"
	"github.com/mklimuk/labinst/cmd/labinst/console"
	"github.com/mklimuk/labinst/electrometer"
)

var electrometerCmd = cli.Command{
	Name:    "electrometer",
	Aliases: []string{"em"},
	Usage:   "Keithley 6514 electrometer",
	Subcommands: cli.Commands{
		&electrometerIdnCmd,
		&electrometerErrorsCmd,
		&electrometerStatusCmd,
		&electrometerAcquireCmd,
	},
}

func openElectrometer(ctx context.Context) (*electrometer.Keithley6514, error) {
	conn, err := settings.Electrometer.Connection.Open(ctx, '\n')
	if err != nil {
		return nil, err
	}
	return electrometer.Open(ctx, conn, electrometer.WithPollInterval(settings.Electrometer.PollInterval.Duration))
}

// withElectrometer runs fn against a freshly initialized instrument and
// closes it afterwards.
func withElectrometer(c *cli.Context, fn func(ctx context.Context, k *electrometer.Keithley6514) error) error {
	ctx := c.Context
	k, err := openElectrometer(ctx)
	if err != nil {
		return console.Fail("could not open electrometer", err)
	}
	defer func() {
		if err := k.Close(ctx); err != nil {
			console.Warnf("could not close electrometer: %v", err)
		}
	}()
	return fn(ctx, k)
}

var electrometerIdnCmd = cli.Command{
	Name:  "idn",
	Usage: "print instrument identification",
	Action: func(c *cli.Context) error {
		return withElectrometer(c, func(ctx context.Context, k *electrometer.Keithley6514) error {
			idn, err := k.Identify(ctx)
			if err != nil {
				return console.Fail("could not identify instrument", err)
			}
			console.PInfof(console.PictoMeter, "%s", console.White(idn))
			return nil
		})
	},
}

var electrometerErrorsCmd = cli.Command{
	Name:  "errors",
	Usage: "drain and print the instrument error queue",
	Action: func(c *cli.Context) error {
		return withElectrometer(c, func(ctx context.Context, k *electrometer.Keithley6514) error {
			codes, err := k.ErrorCodes(ctx)
			if err != nil {
				return console.Fail("could not read error queue", err)
			}
			if len(codes) == 0 {
				console.Infof("error queue is %s", console.Green("empty"))
				return nil
			}
			for _, code := range codes {
				console.Printf("%s %d\n", console.Red("error"), code)
			}
			return nil
		})
	},
}

var electrometerStatusCmd = cli.Command{
	Name:  "status",
	Usage: "print trigger and toggle settings",
	Action: func(c *cli.Context) error {
		return withElectrometer(c, func(ctx context.Context, k *electrometer.Keithley6514) error {
			fn, err := k.MeasurementFunction(ctx)
			if err != nil {
				return console.Fail("could not read measurement function", err)
			}
			src, err := k.TriggerSource(ctx)
			if err != nil {
				return console.Fail("could not read trigger source", err)
			}
			line, err := k.InputTriggerLine(ctx)
			if err != nil {
				return console.Fail("could not read trigger line", err)
			}
			display, err := k.Display(ctx)
			if err != nil {
				return console.Fail("could not read display state", err)
			}
			azer, err := k.Autozero(ctx)
			if err != nil {
				return console.Fail("could not read autozero state", err)
			}
			zch, err := k.ZeroCheck(ctx)
			if err != nil {
				return console.Fail("could not read zero check state", err)
			}
			w := tabwriter.NewWriter(console.Output(), 16, 0, 1, ' ', 0)
			_, _ = fmt.Fprintf(w, "function\t%s\n", console.White(fn))
			_, _ = fmt.Fprintf(w, "trigger source\t%s\n", console.White(src))
			_, _ = fmt.Fprintf(w, "trigger line\t%d\n", line)
			_, _ = fmt.Fprintf(w, "display\t%s\n", console.OnOff(display))
			_, _ = fmt.Fprintf(w, "autozero\t%s\n", console.OnOff(azer))
			_, _ = fmt.Fprintf(w, "zero check\t%s\n", console.OnOff(zch))
			return w.Flush()
		})
	},
}

var electrometerAcquireCmd = cli.Command{
	Name:  "acquire",
	Usage: "fill the buffer and print time/reading pairs",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "points", Aliases: []string{"n"}, Usage: "number of buffered readings", Value: 100},
		&cli.Float64Flag{Name: "nplc", Usage: "integration time in power line cycles"},
		&cli.DurationFlag{Name: "timeout", Usage: "buffer fill timeout, 0 waits forever"},
		&cli.StringFlag{Name: "function", Usage: "measurement function (VOLT, CURR, RES, CHAR)"},
		&cli.StringFlag{Name: "trigger", Usage: "trigger source (IMM, TLIN)"},
	},
	Action: func(c *cli.Context) error {
		nplc := settings.Electrometer.NPLC
		if c.IsSet("nplc") {
			nplc = c.Float64("nplc")
		}
		timeout := labinst.NoTimeout
		if d := settings.Electrometer.AcquireTimeout.Duration; d > 0 {
			timeout = d
		}
		if c.IsSet("timeout") && c.Duration("timeout") > 0 {
			timeout = c.Duration("timeout")
		}
		return withElectrometer(c, func(ctx context.Context, k *electrometer.Keithley6514) error {
			if fn := c.String("function"); fn != "" {
				if err := k.SetMeasurementFunction(ctx, fn); err != nil {
					return console.Fail("could not set measurement function", err)
				}
			}
			if src := c.String("trigger"); src != "" {
				if err := k.SetTriggerSource(ctx, src); err != nil {
					return console.Fail("could not set trigger source", err)
				}
			}
			series, err := k.AcquireBuffered(ctx, c.Int("points"), electrometer.WithNPLC(nplc), electrometer.WithTimeout(timeout))
			if err != nil {
				return console.Fail("acquisition failed", err)
			}
			w := tabwriter.NewWriter(console.Output(), 16, 0, 1, ' ', 0)
			_, _ = fmt.Fprintf(w, "TIME\tREADING\n")
			for _, row := range series.Table() {
				_, _ = fmt.Fprintf(w, "%.6f\t%.6e\n", row[0], row[1])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			console.PInfof(console.PictoFinish, "%s readings acquired", console.Bold(series.Len()))
			return nil
		})
	},
}
