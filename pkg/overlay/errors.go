package overlay

import (
	"errors"
	"fmt"
)

// Kind classifies an overlay error.
type Kind string

const (
	// KindNameConflict means the name already denotes a live instance.
	KindNameConflict Kind = "name_conflict"

	// KindOutOfMemory means the registry could not allocate another instance.
	KindOutOfMemory Kind = "out_of_memory"

	// KindPermissionDenied means the path was written after a successful apply.
	KindPermissionDenied Kind = "permission_denied"

	// KindLoad means the blob transport could not fetch the source.
	KindLoad Kind = "load_error"

	// KindParse means the blob was rejected by the unflatten step.
	KindParse Kind = "parse_error"

	// KindResolution means phandle resolution failed.
	KindResolution Kind = "resolution_error"

	// KindApply means the engine refused to graft the overlay.
	KindApply Kind = "apply_error"

	// KindNoEntry means the instance is not registered.
	KindNoEntry Kind = "no_entry"
)

// Sentinel errors for errors.Is matching. Only the Kind is compared.
var (
	ErrNameConflict     = &Error{Kind: KindNameConflict}
	ErrOutOfMemory      = &Error{Kind: KindOutOfMemory}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrLoad             = &Error{Kind: KindLoad}
	ErrParse            = &Error{Kind: KindParse}
	ErrResolution       = &Error{Kind: KindResolution}
	ErrApply            = &Error{Kind: KindApply}
	ErrNoEntry          = &Error{Kind: KindNoEntry}
)

// Error is the error type returned by instances and the registry.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Instance is the name of the instance involved, if any.
	Instance string

	// Op is the operation being performed (create, write_path, load, ...).
	Op string

	// Code is the engine-specific negative code, 0 if none was reported.
	Code int

	// Err is the underlying cause.
	Err error
}

// Coder is implemented by collaborator errors that carry an errno-style code.
type Coder interface {
	Code() int
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Instance != "" {
		msg = fmt.Sprintf("%s (instance=%s, op=%s)", msg, e.Instance, e.Op)
	} else if e.Op != "" {
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Op)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s [code=%d]", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, instance, op string, err error) *Error {
	e := &Error{
		Kind:     kind,
		Instance: instance,
		Op:       op,
		Err:      err,
	}
	var c Coder
	if errors.As(err, &c) {
		e.Code = c.Code()
	}
	return e
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
