package auth

import "fmt"

// ErrorKind classifies authentication failures.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindDenied         ErrorKind = "denied"
	KindExpired        ErrorKind = "expired"
	KindServer         ErrorKind = "server"
	KindNonInteractive ErrorKind = "non_interactive"
	KindRejected       ErrorKind = "rejected"
)

// Error is returned when no usable credential could be obtained. It is
// recoverable by a fresh login unless Kind is KindNonInteractive.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("authentication %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }
