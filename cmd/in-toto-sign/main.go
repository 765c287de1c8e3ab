// Command in-toto-sign (re-)signs or verifies an existing link or layout
// metadata file (spec.md §6).
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
	app.Name = "in-toto-sign"
	app.Usage = "Signs or verifies the signature on in-toto metadata"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "file, f", Usage: "path to the metadata file to sign or verify"},
		cli.StringFlag{Name: "key, k", Usage: "path to the key"},
		cli.StringFlag{Name: "key-type", Value: "ed25519", Usage: "keytype of the key"},
		cli.StringFlag{Name: "scheme", Value: "ed25519", Usage: "signing scheme"},
		cli.BoolFlag{Name: "verify", Usage: "verify the existing signature instead of creating a new one"},
		cli.StringFlag{Name: "output, o", Usage: "path to write the (re-)signed file to; defaults to overwriting --file"},
	}
	app.Action = signOrVerify
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		logrus.WithError(err).Error("in-toto-sign failed")
		os.Exit(1)
	}
}

func signOrVerify(ctx *cli.Context) error {
	filePath := ctx.String("file")
	if filePath == "" {
		return cli.Exit("--file is required", 2)
	}
	keyPath := ctx.String("key")
	if keyPath == "" {
		return cli.Exit("--key is required", 2)
	}

	var mb in_toto.Metablock
	if err := mb.Load(filePath); err != nil {
		return cli.Exit(fmt.Sprintf("loading metadata: %s", err), 2)
	}

	var key in_toto.Key
	if ctx.Bool("verify") {
		if err := key.LoadPublicKey(keyPath, ctx.String("key-type"), ctx.String("scheme")); err != nil {
			return cli.Exit(fmt.Sprintf("loading key: %s", err), 2)
		}
		if err := mb.VerifySignature(key); err != nil {
			logrus.WithError(err).Error("signature verification FAILED")
			return cli.Exit("signature verification FAILED", 1)
		}
		logrus.Info("signature verification PASSED")
		return nil
	}

	if err := key.Load(keyPath); err != nil {
		return cli.Exit(fmt.Sprintf("loading key: %s", err), 2)
	}

	if err := mb.Sign(key); err != nil {
		return cli.Exit(fmt.Sprintf("signing failed: %s", err), 1)
	}

	outPath := ctx.String("output")
	if outPath == "" {
		outPath = filePath
	}
	if err := mb.Dump(outPath); err != nil {
		return cli.Exit(fmt.Sprintf("writing metadata: %s", err), 1)
	}

	logrus.WithField("path", outPath).Info("metadata signed")
	return nil
}
