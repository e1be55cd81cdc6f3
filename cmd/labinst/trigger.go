package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/labinst/cmd/labinst/console"
	"github.com/mklimuk/labinst/trigger"
)

var triggerCmd = cli.Command{
	Name:  "trigger",
	Usage: "host GPIO trigger line",
	Subcommands: cli.Commands{
		&triggerPulseCmd,
	},
}

var triggerPulseCmd = cli.Command{
	Name:  "pulse",
	Usage: "send trigger pulses on the configured pin",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "pin", Usage: "GPIO pin name, e.g. GPIO17"},
		&cli.DurationFlag{Name: "width", Usage: "pulse width"},
		&cli.IntFlag{Name: "count", Usage: "number of pulses", Value: 1},
		&cli.DurationFlag{Name: "period", Usage: "time between pulses", Value: 100 * time.Millisecond},
	},
	Action: func(c *cli.Context) error {
		pin := settings.Trigger.Pin
		if c.IsSet("pin") {
			pin = c.String("pin")
		}
		if pin == "" {
			return console.Exit(console.ExitConfiguration, "no trigger pin configured")
		}
		width := settings.Trigger.Width.Duration
		if c.IsSet("width") {
			width = c.Duration("width")
		}
		p, err := trigger.Open(pin)
		if err != nil {
			return console.Exit(1, "could not open trigger pin: %v", err)
		}
		for i := 0; i < c.Int("count"); i++ {
			if i > 0 {
				time.Sleep(c.Duration("period"))
			}
			if err := p.Pulse(c.Context, width); err != nil {
				return console.Exit(1, "pulse %d failed: %v", i+1, err)
			}
		}
		console.PInfof(console.PictoPin, "%s pulse(s) sent on %s", console.Bold(c.Int("count")), console.White(pin))
		return nil
	},
}
