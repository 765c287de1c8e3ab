package in_toto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

/*
RecordingContext carries the per-invocation options of the artifact
recording engine (spec.md §4.5), replacing the package-level mutable
`visitedSymlinks` global the teacher's own runlib.go used to use: every
call to InTotoRun/InTotoRecordStart/InTotoRecordStop gets an explicit,
independent context instead of sharing state with any concurrently
running recording.
*/
type RecordingContext struct {
	// MaterialPaths/ProductPaths name the resolver URIs to record before
	// and after the command runs. A bare path defaults to the "file" or
	// "dir" scheme depending on whether it names a file or directory on
	// disk; a "scheme://path" URI selects the resolver explicitly.
	MaterialPaths []string
	ProductPaths  []string

	// LStripPaths are prefixes stripped from every recorded artifact
	// path, applied after the resolver's own basePath stripping.
	LStripPaths []string

	Exclude ExcludePatterns
	Algos   []string

	// RunDir, if set, is used as the working directory for the command
	// and as the basePath resolvers resolve material/product paths
	// against.
	RunDir string

	// Timeout bounds how long the linked command may run; zero means no
	// timeout.
	Timeout time.Duration

	// FailOnTimeout reverses the default spec.md §4.5 timeout behavior:
	// by default a timeout still yields a link (with the timeout noted
	// in byproducts); setting this discards the link and returns an
	// error instead, for callers that want timeouts treated as fatal.
	FailOnTimeout bool

	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

func (ctx *RecordingContext) algos() []string {
	if len(ctx.Algos) == 0 {
		return DefaultHashAlgorithms
	}
	return ctx.Algos
}

func (ctx *RecordingContext) recordPaths(paths []string) (ArtifactSet, error) {
	out := ArtifactSet{}
	for _, p := range paths {
		scheme, rest := splitScheme(p)
		resolver, ok := ResolverFor(scheme)
		if !ok {
			return nil, NewError(KindSchema, fmt.Sprintf("no resolver registered for scheme '%s'", scheme))
		}
		set, err := resolver.Resolve(rest, ctx.RunDir, ctx.Exclude, ctx.algos())
		if err != nil {
			return nil, err
		}
		for path, digests := range set {
			out[stripLPrefixes(path, ctx.LStripPaths)] = digests
		}
	}
	return out, nil
}

func splitScheme(p string) (string, string) {
	for i := 0; i+2 < len(p); i++ {
		if p[i] == ':' && p[i+1] == '/' && p[i+2] == '/' {
			return p[:i], p[i+3:]
		}
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return "dir", p
	}
	return "file", p
}

func stripLPrefixes(path string, prefixes []string) string {
	for _, prefix := range prefixes {
		if stripped, ok := stripPrefix(path, prefix); ok {
			return stripped
		}
	}
	return path
}

func artifactsToInterfaceMap(a ArtifactSet) map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		digests := make(map[string]interface{}, len(v))
		for algo, digest := range v {
			digests[algo] = digest
		}
		out[k] = digests
	}
	return out
}

/*
InTotoRun implements spec.md §4.5's "wrap and run" recording mode: it
records materials, executes cmdArgs, records products, and returns an
unsigned Link named name wrapped in a Metablock. If cmdArgs is empty no
command runs and the link's byproducts are empty.
*/
func InTotoRun(name string, ctx RecordingContext, cmdArgs []string) (Metablock, error) {
	materials, err := ctx.recordPaths(ctx.MaterialPaths)
	if err != nil {
		return Metablock{}, err
	}

	byproducts := map[string]interface{}{}
	if len(cmdArgs) > 0 {
		var retVal int
		var timedOut bool
		byproducts, retVal, timedOut, err = runCommand(cmdArgs, ctx)
		if err != nil {
			return Metablock{}, Wrapf(KindRuntime, err, "running command for link '%s'", name)
		}
		byproducts["return-value"] = retVal
		if timedOut {
			byproducts["timed-out"] = true
			if ctx.FailOnTimeout {
				return Metablock{}, NewError(KindTimeout, fmt.Sprintf("command '%v' timed out after %s", cmdArgs, ctx.Timeout))
			}
		}
	}

	products, err := ctx.recordPaths(ctx.ProductPaths)
	if err != nil {
		return Metablock{}, err
	}

	link := Link{
		Type:       "link",
		Name:       name,
		Materials:  artifactsToInterfaceMap(materials),
		Products:   artifactsToInterfaceMap(products),
		ByProducts: byproducts,
		Command:    cmdArgs,
	}

	return Metablock{Signed: link}, nil
}

/*
InTotoRecordStart implements the first half of spec.md §4.5's "record
start / record stop" mode: it records materials and, if signer is
non-nil, signs and returns the resulting in-progress Link immediately
(there is no command to run yet).
*/
func InTotoRecordStart(name string, ctx RecordingContext, signer *Key) (Metablock, error) {
	materials, err := ctx.recordPaths(ctx.MaterialPaths)
	if err != nil {
		return Metablock{}, err
	}

	link := Link{
		Type:      "link",
		Name:      name,
		Materials: artifactsToInterfaceMap(materials),
		Products:  map[string]interface{}{},
	}

	mb := Metablock{Signed: link}
	if signer != nil {
		if err := mb.Sign(*signer); err != nil {
			return Metablock{}, err
		}
	}
	return mb, nil
}

/*
InTotoRecordStop implements the second half of "record start / record
stop": given the in-progress Metablock produced by InTotoRecordStart, it
records products and returns a new, separately signed final Link.
*/
func InTotoRecordStop(inProgress Metablock, ctx RecordingContext, signer *Key) (Metablock, error) {
	link, ok := inProgress.Signed.(Link)
	if !ok {
		return Metablock{}, NewError(KindSchema, "in-progress metadata does not contain a link")
	}

	products, err := ctx.recordPaths(ctx.ProductPaths)
	if err != nil {
		return Metablock{}, err
	}
	link.Products = artifactsToInterfaceMap(products)

	mb := Metablock{Signed: link}
	if signer != nil {
		if err := mb.Sign(*signer); err != nil {
			return Metablock{}, err
		}
	}
	return mb, nil
}

// runCommand executes cmdArgs, capturing stdout/stderr into byproducts
// and streaming them to ctx.Stdout/ctx.Stderr if set, honoring
// ctx.Timeout. On timeout it reports timedOut=true with whatever
// stdout/stderr was captured before the process was killed, rather than
// discarding it (spec.md §4.5: "the timeout is reported in byproducts
// and the link is still emitted unless configured otherwise").
func runCommand(cmdArgs []string, ctx RecordingContext) (byproducts map[string]interface{}, exitCode int, timedOut bool, err error) {
	if len(cmdArgs) == 0 {
		return nil, 0, false, fmt.Errorf("no command specified")
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if ctx.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, ctx.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, cmdArgs[0], cmdArgs[1:]...)
	if ctx.RunDir != "" {
		cmd.Dir = ctx.RunDir
	}
	if len(ctx.Env) > 0 {
		cmd.Env = ctx.Env
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, false, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, 0, false, err
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, false, err
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		tee := io.Writer(&stdoutBuf)
		if ctx.Stdout != nil {
			tee = io.MultiWriter(&stdoutBuf, ctx.Stdout)
		}
		io.Copy(tee, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		tee := io.Writer(&stderrBuf)
		if ctx.Stderr != nil {
			tee = io.MultiWriter(&stderrBuf, ctx.Stderr)
		}
		io.Copy(tee, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	partial := map[string]interface{}{
		"stdout": stdoutBuf.String(),
		"stderr": stderrBuf.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return partial, -1, true, nil
	}

	exitCode, err = WaitErrToExitCode(waitErr)
	if err != nil {
		return nil, exitCode, false, err
	}

	return partial, exitCode, false, nil
}

/*
WaitErrToExitCode extracts a process's exit code from the error returned
by (*exec.Cmd).Wait, returning (0, nil) if waitErr is nil.
*/
func WaitErrToExitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), nil
		}
		return -1, nil
	}
	return -1, waitErr
}
