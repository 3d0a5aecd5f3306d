package config

import "fmt"

// Error reports a configuration problem that needs operator correction.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
