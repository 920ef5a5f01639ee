// Package errcode gives every failure mode in the mesh stack a stable,
// comparable identity (a Code) instead of an ad hoc error string, so
// callers can branch on "what kind of thing went wrong" without string
// matching.
package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK Code = "ok"

	// Transport faults (silent discard at link/routing layer).
	OversizeBlob           Code = "oversize_blob"
	ZeroSizeBlob           Code = "zero_size_blob"
	MalformedAdvertisement Code = "malformed_advertisement"

	// Resource exhaustion.
	OutOfMemory Code = "out_of_memory"

	// Configuration errors.
	ConfigInvalid Code = "config_invalid"

	// Unreachable destination.
	NoRoute Code = "no_route"

	// Invariant violations (fatal; caller should halt).
	LinkOutputMisuse Code = "link_output_misuse"

	Timeout Code = "timeout"
	Busy    Code = "busy"
	Error   Code = "error" // generic fallback
)

// E is an optional wrapper for when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := e.Op + ": " + string(e.C)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E for the given code, operation, and message.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap builds an *E that also carries a cause.
func Wrap(c Code, op, msg string, err error) error {
	return &E{C: c, Op: op, Msg: msg, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
