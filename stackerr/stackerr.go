// Package stackerr wraps the embedded stack's own error values so
// callers can recover them with errors.As while still getting a normal
// error string.
package stackerr

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Error wraps a tcpip.Error with the operation that produced it. The
// concrete stack error is kept alongside the formatted string so
// errors.As can still recover it (e.g. *tcpip.ErrConnectionRefused).
type Error struct {
	Op  string
	Err tcpip.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.String())
}

// As implements the errors.As protocol against the wrapped tcpip.Error,
// since tcpip.Error itself doesn't satisfy the standard error interface.
func (e *Error) As(target any) bool {
	if p, ok := target.(*tcpip.Error); ok {
		*p = e.Err
		return true
	}
	return false
}

// New wraps err (which may be nil) with op. Returns nil if err is nil.
func New(op string, err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
