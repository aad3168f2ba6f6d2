package coreutils

import "fmt"

// Error wraps an error from one of the core utilities. [ExecHandler] does not
// use it; it returns the utilities' errors unwrapped.
type Error struct {
	err error
}

var (
	_ error                       = &Error{}
	_ interface{ Unwrap() error } = &Error{}
)

func (err *Error) Error() string {
	return fmt.Sprintf("coreutils: %v", err.err)
}

func (err *Error) Unwrap() error {
	return err.err
}
