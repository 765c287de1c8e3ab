// Command in-toto-run wraps a command, recording its materials and
// products as a signed link metadata file (spec.md §6, §4.5's "wrap and
// run" mode).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	in_toto "github.com/in-toto-ng/in-toto-golang/in_toto"
)

func main() {
	app := cli.NewApp()
	app.Name = "in-toto-run"
	app.Usage = "Executes commands and records materials/products as link metadata"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "name, n", Usage: "name of the resulting link file"},
		cli.StringSliceFlag{Name: "materials, m", Usage: "paths to record as materials before running the command"},
		cli.StringSliceFlag{Name: "products, p", Usage: "paths to record as products after running the command"},
		cli.StringFlag{Name: "key, k", Usage: "path to the signing key"},
		cli.StringFlag{Name: "key-type", Value: "ed25519", Usage: "keytype of the signing key (rsa, ed25519, ecdsa)"},
		cli.StringFlag{Name: "scheme", Value: "ed25519", Usage: "signing scheme"},
		cli.StringSliceFlag{Name: "exclude", Usage: "gitignore-style exclusion patterns"},
		cli.StringFlag{Name: "run-dir", Usage: "working directory to run the command in"},
		cli.DurationFlag{Name: "timeout", Usage: "maximum duration the linked command may run"},
		cli.BoolFlag{Name: "no-command", Usage: "record materials/products without running a command"},
		cli.StringFlag{Name: "metadata-dir", Value: ".", Usage: "directory to write the resulting link file to"},
	}
	app.Action = run
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("in-toto-run failed")
		os.Exit(exitCodeFor(err))
	}
}

func run(ctx *cli.Context) error {
	name := ctx.String("name")
	if name == "" {
		return cli.Exit("--name is required", 2)
	}

	cmdArgs := []string(ctx.Args())
	if !ctx.Bool("no-command") && len(cmdArgs) == 0 {
		return cli.Exit("a command to run must be given after '--'", 2)
	}

	rctx := in_toto.RecordingContext{
		MaterialPaths: ctx.StringSlice("materials"),
		ProductPaths:  ctx.StringSlice("products"),
		Exclude:       in_toto.ExcludePatterns(ctx.StringSlice("exclude")),
		RunDir:        ctx.String("run-dir"),
		Timeout:       ctx.Duration("timeout"),
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	}

	mb, err := in_toto.InTotoRun(name, rctx, cmdArgs)
	if err != nil {
		return cli.Exit(fmt.Sprintf("recording failed: %s", err), 1)
	}

	if keyPath := ctx.String("key"); keyPath != "" {
		var key in_toto.Key
		if err := key.Load(keyPath); err != nil {
			return cli.Exit(fmt.Sprintf("loading key: %s", err), 1)
		}
		if err := mb.Sign(key); err != nil {
			return cli.Exit(fmt.Sprintf("signing link: %s", err), 1)
		}
	}

	linkPath := fmt.Sprintf("%s/%s", ctx.String("metadata-dir"), fmt.Sprintf(in_toto.LinkNameFormatShort, name))
	if len(mb.Signatures) > 0 {
		linkPath = fmt.Sprintf("%s/%s", ctx.String("metadata-dir"), fmt.Sprintf(in_toto.LinkNameFormat, name, mb.Signatures[0].KeyId))
	}

	if err := mb.Dump(linkPath); err != nil {
		return cli.Exit(fmt.Sprintf("writing link file: %s", err), 1)
	}

	logrus.WithField("link", linkPath).WithField("elapsed", time.Since(startTime)).Info("link recorded")
	return nil
}

var startTime = time.Now()

func exitCodeFor(err error) int {
	if exitErr, ok := err.(cli.ExitCoder); ok {
		return exitErr.ExitCode()
	}
	return 1
}
