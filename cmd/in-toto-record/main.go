// Command in-toto-record implements the "record start"/"record stop"
// recording mode (spec.md §4.5, §6), for supply chain steps whose
// command cannot be wrapped directly by in-toto-run.
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
	app.Name = "in-toto-record"
	app.Usage = "Records materials/products for a step in two separate, signed phases"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		{
			Name:   "start",
			Usage:  "record materials and write an in-progress link file",
			Flags:  commonFlags(),
			Action: recordStart,
		},
		{
			Name:   "stop",
			Usage:  "record products and write the final signed link file",
			Flags:  append(commonFlags(), cli.StringFlag{Name: "in-progress", Usage: "path to the in-progress link file written by 'start'"}),
			Action: recordStop,
		},
	}
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("in-toto-record failed")
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "name, n", Usage: "name of the step being recorded"},
		cli.StringSliceFlag{Name: "materials, m", Usage: "paths to record as materials"},
		cli.StringSliceFlag{Name: "products, p", Usage: "paths to record as products"},
		cli.StringFlag{Name: "key, k", Usage: "path to the signing key"},
		cli.StringFlag{Name: "key-type", Value: "ed25519", Usage: "keytype of the signing key"},
		cli.StringFlag{Name: "scheme", Value: "ed25519", Usage: "signing scheme"},
		cli.StringSliceFlag{Name: "exclude", Usage: "gitignore-style exclusion patterns"},
		cli.StringFlag{Name: "metadata-dir", Value: ".", Usage: "directory to write link files to"},
	}
}

func loadSigningKey(ctx *cli.Context) (*in_toto.Key, error) {
	keyPath := ctx.String("key")
	if keyPath == "" {
		return nil, nil
	}
	var key in_toto.Key
	if err := key.Load(keyPath); err != nil {
		return nil, err
	}
	return &key, nil
}

func recordStart(ctx *cli.Context) error {
	name := ctx.String("name")
	if name == "" {
		return cli.Exit("--name is required", 2)
	}

	key, err := loadSigningKey(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loading key: %s", err), 1)
	}

	rctx := in_toto.RecordingContext{
		MaterialPaths: ctx.StringSlice("materials"),
		Exclude:       in_toto.ExcludePatterns(ctx.StringSlice("exclude")),
	}

	mb, err := in_toto.InTotoRecordStart(name, rctx, key)
	if err != nil {
		return cli.Exit(fmt.Sprintf("recording start failed: %s", err), 1)
	}

	path := fmt.Sprintf("%s/.%s.link-in-progress", ctx.String("metadata-dir"), name)
	if err := mb.Dump(path); err != nil {
		return cli.Exit(fmt.Sprintf("writing in-progress link: %s", err), 1)
	}

	logrus.WithField("path", path).Info("recording started")
	return nil
}

func recordStop(ctx *cli.Context) error {
	name := ctx.String("name")
	if name == "" {
		return cli.Exit("--name is required", 2)
	}

	inProgressPath := ctx.String("in-progress")
	if inProgressPath == "" {
		inProgressPath = fmt.Sprintf("%s/.%s.link-in-progress", ctx.String("metadata-dir"), name)
	}

	var inProgress in_toto.Metablock
	if err := inProgress.Load(inProgressPath); err != nil {
		return cli.Exit(fmt.Sprintf("loading in-progress link: %s", err), 1)
	}

	key, err := loadSigningKey(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loading key: %s", err), 1)
	}

	rctx := in_toto.RecordingContext{
		ProductPaths: ctx.StringSlice("products"),
		Exclude:      in_toto.ExcludePatterns(ctx.StringSlice("exclude")),
	}

	mb, err := in_toto.InTotoRecordStop(inProgress, rctx, key)
	if err != nil {
		return cli.Exit(fmt.Sprintf("recording stop failed: %s", err), 1)
	}

	linkPath := fmt.Sprintf("%s/%s", ctx.String("metadata-dir"), fmt.Sprintf(in_toto.LinkNameFormatShort, name))
	if len(mb.Signatures) > 0 {
		linkPath = fmt.Sprintf("%s/%s", ctx.String("metadata-dir"), fmt.Sprintf(in_toto.LinkNameFormat, name, mb.Signatures[0].KeyId))
	}

	if err := mb.Dump(linkPath); err != nil {
		return cli.Exit(fmt.Sprintf("writing link file: %s", err), 1)
	}

	os.Remove(inProgressPath)

	logrus.WithField("link", linkPath).Info("recording stopped")
	return nil
}
