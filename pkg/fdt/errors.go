package fdt

import "fmt"

// Errno values reported by the engine, negated in Code.
const (
	ENOENT = 2
	EBUSY  = 16
	ENODEV = 19
	EINVAL = 22
)

// Error is an engine failure with an errno-style code.
type Error struct {
	// Op is the engine operation (unflatten, resolve, apply, remove).
	Op string

	// Errno is the positive errno value.
	Errno int

	// Err describes the failure.
	Err error
}

func errorf(op string, errno int, format string, args ...interface{}) *Error {
	return &Error{Op: op, Errno: errno, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("fdt %s: %v (errno %d)", e.Op, e.Err, e.Errno)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the negative errno, the convention overlay.Coder expects.
func (e *Error) Code() int {
	return -e.Errno
}
