package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlock is returned by Run when the module is parked and nothing can wake it.
	ErrDeadlock = errors.New("all goroutines asleep and no callback pending - deadlock!")
	// ErrBadRef reports a reference id that was never handed out.
	ErrBadRef = errors.New("bad reference id")
	// ErrExited reports use of the bridge after the module exited.
	ErrExited = errors.New("program has already exited")
	// ErrNotImplemented reports an import the bridge does not provide.
	ErrNotImplemented = errors.New("not implemented")
	// ErrOutOfRange reports a memory access outside linear memory.
	ErrOutOfRange = errors.New("memory access out of range")
	// ErrStarted is returned by Run when the bridge already ran.
	ErrStarted = errors.New("bridge already started")
)

// FatalError is a calling-convention violation raised by an import.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Op == "" {
		return "bridge: " + e.Err.Error()
	}
	return "bridge: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// fatalf aborts the current import.
func fatalf(format string, args ...any) {
	panic(&FatalError{Err: fmt.Errorf(format, args...)})
}

// asFatal converts a recovered panic value into a *FatalError attributed to op.
func asFatal(op string, r any) *FatalError {
	var fe *FatalError
	switch v := r.(type) {
	case *FatalError:
		fe = v
	case error:
		if !errors.As(v, &fe) {
			fe = &FatalError{Err: v}
		}
	default:
		fe = &FatalError{Err: fmt.Errorf("%v", v)}
	}
	if fe.Op == "" {
		fe.Op = op
	}
	return fe
}
