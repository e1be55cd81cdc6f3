package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/labinst/cmd/labinst/console"
	"github.com/mklimuk/labinst/config"
	"github.com/mklimuk/labinst/instctx"
)

var version string
var commit string
var date string

// settings is loaded before any command runs.
var settings = config.Default()

func main() {
	os.Exit(run())
}

func run() int {
	closeLog := func() error { return nil }
	app := cli.NewApp()
	app.Name = "labinst"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "laboratory instrument control"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging and wire dumps",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file (yaml or toml)",
			EnvVars: []string{"LABINST_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "also write logs to a rotated file",
		},
	}
	app.Before = func(c *cli.Context) error {
		if path := c.String("config"); path != "" {
			cfg, err := config.Load(path)
			if err != nil {
				return console.Exit(console.ExitConfiguration, "%v", err)
			}
			settings = cfg
		}
		if f := c.String("log-file"); f != "" {
			settings.Log.File = f
		}
		var err error
		closeLog, err = setupLogging(settings.Log, c.Bool("verbose"))
		if err != nil {
			return console.Exit(console.ExitConfiguration, "could not set up logging: %v", err)
		}
		c.Context = instctx.SetVerbose(c.Context, c.Bool("verbose"))
		return nil
	}
	app.After = func(c *cli.Context) error {
		return closeLog()
	}
	app.Commands = cli.Commands{
		&electrometerCmd,
		&cameraCmd,
		&triggerCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		return 1
	}
	return 0
}
