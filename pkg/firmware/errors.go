package firmware

import "errors"

var (
	// ErrNotFound is returned when no search location holds the blob.
	ErrNotFound = errors.New("firmware not found")

	// ErrInvalidName is returned for names that are empty, absolute or
	// escape the search paths.
	ErrInvalidName = errors.New("invalid firmware name")

	// ErrTooLarge is returned when a blob exceeds the configured maximum size.
	ErrTooLarge = errors.New("firmware too large")
)

// LoadError represents an error from a firmware loader.
type LoadError struct {
	// Op is the operation that failed (e.g., "lookup", "read", "decompress", "connect")
	Op string

	// Name is the requested firmware name
	Name string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool
}

func (e *LoadError) Error() string {
	return "firmware " + e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Temporary() bool {
	return e.IsTemporary
}
