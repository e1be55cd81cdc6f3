package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/labinst/camera"
	"github.com/mklimuk/labinst/cmd/labinst/console"
	"github.com/mklimuk/labinst/tcp"
)

var cameraCmd = cli.Command{
	Name:  "camera",
	Usage: "Gatan Ultrascan 895 camera",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "camera server address (host:port)"},
	},
	Subcommands: cli.Commands{
		&cameraVersionCmd,
		&cameraInsertCmd,
		&cameraRetractCmd,
		&cameraAcquireCmd,
	},
}

func withCamera(c *cli.Context, fn func(ctx context.Context, cam *camera.Ultrascan895) error) error {
	ctx := c.Context
	addr := settings.Camera.Address
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	cam, err := camera.Dial(ctx, addr,
		camera.WithTempDir(settings.Camera.TempDir),
		camera.WithDialOpts(tcp.WithDialTimeout(settings.Camera.DialTimeout.Duration)),
	)
	if err != nil {
		return console.Fail("could not connect to camera server", err)
	}
	defer func() { _ = cam.Close() }()
	return fn(ctx, cam)
}

var cameraVersionCmd = cli.Command{
	Name:  "version",
	Usage: "print camera server plugin version",
	Action: func(c *cli.Context) error {
		return withCamera(c, func(ctx context.Context, cam *camera.Ultrascan895) error {
			console.PInfof(console.PictoCamera, "server plugin %s", console.White(cam.Version()))
			return nil
		})
	},
}

var cameraInsertCmd = cli.Command{
	Name:  "insert",
	Usage: "insert the camera into the beam",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			ok, err := console.Confirm("Insert the camera into the beam?")
			if err != nil {
				return console.Exit(1, "could not read answer: %v", err)
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		return withCamera(c, func(ctx context.Context, cam *camera.Ultrascan895) error {
			if err := cam.Insert(ctx, true); err != nil {
				return console.Fail("could not insert camera", err)
			}
			console.PInfof(console.PictoCamera, "camera %s", console.Green("inserted"))
			return nil
		})
	},
}

var cameraRetractCmd = cli.Command{
	Name:  "retract",
	Usage: "retract the camera from the beam",
	Action: func(c *cli.Context) error {
		return withCamera(c, func(ctx context.Context, cam *camera.Ultrascan895) error {
			if err := cam.Insert(ctx, false); err != nil {
				return console.Fail("could not retract camera", err)
			}
			console.PInfof(console.PictoCamera, "camera %s", console.Yellow("retracted"))
			return nil
		})
	},
}

var cameraAcquireCmd = cli.Command{
	Name:  "acquire",
	Usage: "acquire one frame and print its statistics",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "exposure", Aliases: []string{"e"}, Usage: "exposure time", Value: time.Second},
		&cli.BoolFlag{Name: "keep-dark", Usage: "do not subtract the dark reference"},
		&cli.BoolFlag{Name: "raw-gain", Usage: "do not normalize gain"},
	},
	Action: func(c *cli.Context) error {
		return withCamera(c, func(ctx context.Context, cam *camera.Ultrascan895) error {
			frame, err := cam.AcquireImage(ctx, c.Duration("exposure"),
				camera.WithDarkRemoval(!c.Bool("keep-dark")),
				camera.WithGainNormalization(!c.Bool("raw-gain")),
			)
			if err != nil {
				return console.Fail("acquisition failed", err)
			}
			s := frame.Stats()
			console.PInfof(console.PictoCamera, "%dx%d frame: min %s max %s mean %s",
				frame.Width, frame.Height, console.White(s.Min), console.White(s.Max), console.White(s.Mean))
			return nil
		})
	},
}
