package host

import (
	"errors"
	"fmt"
)

// CodeNotImplemented is the error code carried by host calls that have no
// implementation in this environment.
const CodeNotImplemented = "ENOSYS"

// Exception is a value thrown by a host operation.
type Exception struct {
	Value Value
}

func (e *Exception) Error() string {
	return ToString(e.Value)
}

// Throw wraps v as an error.
func Throw(v Value) error {
	return &Exception{Value: v}
}

// NewError creates an Error object. code is omitted when empty.
func NewError(name, message, code string) *Object {
	o := NewObject("Error")
	o.Set("name", String(name))
	o.Set("message", String(message))
	if code != "" {
		o.Set("code", String(code))
	}
	return o
}

// TypeError returns a thrown TypeError.
func TypeError(format string, args ...any) error {
	return Throw(NewError("TypeError", fmt.Sprintf(format, args...), "").Value())
}

// NotImplemented returns a thrown Error with code ENOSYS.
func NotImplemented(what string) error {
	return Throw(NewError("Error", what+": not implemented", CodeNotImplemented).Value())
}

// ErrorValue converts err into a value that can be handed to the sandbox.
// Thrown values pass through unchanged, other errors become Error objects.
func ErrorValue(err error) Value {
	if err == nil {
		return Undefined()
	}
	var exc *Exception
	if errors.As(err, &exc) {
		return exc.Value
	}
	return NewError("Error", err.Error(), "").Value()
}
