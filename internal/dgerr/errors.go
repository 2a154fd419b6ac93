// Package dgerr defines the error taxonomy shared by every layer of the
// dependency-graph runtime. Errors carry a Kind so callers can branch with
// errors.Is against the exported sentinels, while the wrapped cause keeps the
// human-readable context.
package dgerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is never produced by this module; it is what KindOf reports for
	// foreign errors.
	Unknown Kind = iota
	TypeMismatch
	InvalidHandle
	NotFound
	DuplicateName
	SizeMismatch
	CompileError
	CycleDetected
	Unsupported
	LicenseInvalid
)

var kindNames = map[Kind]string{
	Unknown:        "unknown error",
	TypeMismatch:   "type mismatch",
	InvalidHandle:  "invalid handle",
	NotFound:       "not found",
	DuplicateName:  "duplicate name",
	SizeMismatch:   "size mismatch",
	CompileError:   "compile error",
	CycleDetected:  "cycle detected",
	Unsupported:    "unsupported",
	LicenseInvalid: "license invalid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is.
var (
	ErrTypeMismatch   = &Error{Kind: TypeMismatch}
	ErrInvalidHandle  = &Error{Kind: InvalidHandle}
	ErrNotFound       = &Error{Kind: NotFound}
	ErrDuplicateName  = &Error{Kind: DuplicateName}
	ErrSizeMismatch   = &Error{Kind: SizeMismatch}
	ErrCompileError   = &Error{Kind: CompileError}
	ErrCycleDetected  = &Error{Kind: CycleDetected}
	ErrUnsupported    = &Error{Kind: Unsupported}
	ErrLicenseInvalid = &Error{Kind: LicenseInvalid}
)

// Diagnostic is one structured compiler message.
type Diagnostic struct {
	Severity string
	Filename string
	Line     int
	Column   int
	Message  string
}

// Error is the concrete error type returned across the runtime.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "node.Evaluate".
	Op  string
	Err error
	// Diagnostics is only populated for CompileError.
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. This is what makes
// errors.Is(err, dgerr.ErrNotFound) work through any amount of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Compile builds a CompileError carrying diagnostics.
func Compile(op string, diags []Diagnostic) *Error {
	msg := "operator failed to compile"
	for _, d := range diags {
		if d.Severity == "error" {
			msg = fmt.Sprintf("%s:%d,%d: %s", d.Filename, d.Line, d.Column, d.Message)
			break
		}
	}
	return &Error{Kind: CompileError, Op: op, Err: errors.New(msg), Diagnostics: diags}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// DiagnosticsOf returns the compile diagnostics carried by err, if any.
func DiagnosticsOf(err error) []Diagnostic {
	var e *Error
	if errors.As(err, &e) {
		return e.Diagnostics
	}
	return nil
}
