package registry

import "fmt"

// Error is a resolver error carrying an extensions.code.
type Error struct {
	code string
	err  error
}

// Errorf formats a resolver error reported under code.
func Errorf(code, format string, args ...any) error {
	return &Error{code: code, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Code() string { return e.code }
