// Command in-toto-mock runs a command and records an unsigned link file,
// for local development where no signing key is available yet
// (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	in_toto "github.com/in-toto-ng/in-toto-golang/in_toto"
)

func main() {
	app := cli.NewApp()
	app.Name = "in-toto-mock"
	app.Usage = "Records an unsigned link file for a wrapped command"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "name, n", Usage: "name of the resulting link file"},
		cli.StringSliceFlag{Name: "materials, m", Usage: "paths to record as materials"},
		cli.StringSliceFlag{Name: "products, p", Usage: "paths to record as products"},
	}
	app.Action = mock
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("in-toto-mock failed")
		os.Exit(1)
	}
}

func mock(ctx *cli.Context) error {
	name := ctx.String("name")
	if name == "" {
		return cli.Exit("--name is required", 2)
	}

	cmdArgs := []string(ctx.Args())
	if len(cmdArgs) == 0 {
		return cli.Exit("a command to run must be given after '--'", 2)
	}

	rctx := in_toto.RecordingContext{
		MaterialPaths: ctx.StringSlice("materials"),
		ProductPaths:  ctx.StringSlice("products"),
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	}

	mb, err := in_toto.InTotoRun(name, rctx, cmdArgs)
	if err != nil {
		return cli.Exit(fmt.Sprintf("recording failed: %s", err), 1)
	}

	linkPath := fmt.Sprintf(in_toto.LinkNameFormatShort, name)
	if err := mb.Dump(linkPath); err != nil {
		return cli.Exit(fmt.Sprintf("writing link file: %s", err), 1)
	}

	logrus.WithField("link", linkPath).Info("unsigned link recorded")
	return nil
}
