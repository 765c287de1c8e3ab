package in_toto

import "fmt"

/*
Kind tags the category of an error raised anywhere in the in_toto package,
following the stable error taxonomy of the in-toto specification: Crypto,
Threshold, Rule, Expired, Schema, IO, Runtime and Timeout failures are all
distinguished so that a caller (typically a CLI) can map them to distinct
exit codes or user-facing language without string-matching error messages.
*/
type Kind string

const (
	KindCrypto    Kind = "crypto"
	KindThreshold Kind = "threshold"
	KindRule      Kind = "rule"
	KindExpired   Kind = "expired"
	KindSchema    Kind = "schema"
	KindIO        Kind = "io"
	KindRuntime   Kind = "runtime"
	KindTimeout   Kind = "timeout"
)

/*
Error is a structured in-toto error. It always carries a Kind so that
callers can branch on the taxonomy from spec.md §7, a human Msg, and
optional structural context identifying where in a layout the failure
occurred.
*/
type Error struct {
	Kind Kind
	Msg  string
	// Step is the name of the step or inspection the error pertains to, if
	// any.
	Step string
	// Rule is the index of the artifact rule within its step/inspection's
	// rule list, if the error originated from rule evaluation. -1 means
	// not applicable.
	Rule int
	// Path is the artifact path the error pertains to, if any.
	Path string
	// Err is the underlying error, if any, that Error wraps.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step=%s)", msg, e.Step)
	}
	if e.Rule >= 0 {
		msg = fmt.Sprintf("%s (rule=%d)", msg, e.Rule)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs an *Error with no step/rule/path context set.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Rule: -1}
}

// Wrapf constructs an *Error wrapping err, formatting Msg like fmt.Sprintf.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Rule: -1, Err: err}
}

// WithStep returns a copy of e with Step set.
func (e *Error) WithStep(step string) *Error {
	cp := *e
	cp.Step = step
	return &cp
}

// WithRule returns a copy of e with Rule set.
func (e *Error) WithRule(rule int) *Error {
	cp := *e
	cp.Rule = rule
	return &cp
}

// WithPath returns a copy of e with Path set.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

/*
VerifyFailure is returned by InTotoVerify when verification cannot
conclude PASS. It carries the first fatal error encountered (per spec.md
§7, "Verification collects and surfaces only the first fatal error per
step to avoid cascade noise") plus any accumulated non-fatal warnings.
*/
type VerifyFailure struct {
	// FirstError is the terminal error that stopped verification.
	FirstError *Error
	// Warnings holds non-fatal diagnostics: command misalignment,
	// unauthorized-but-present links, extra link files beyond threshold.
	Warnings []string
}

func (v *VerifyFailure) Error() string {
	return v.FirstError.Error()
}

func (v *VerifyFailure) Unwrap() error {
	return v.FirstError
}
