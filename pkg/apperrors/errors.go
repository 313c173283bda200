package apperrors

import (
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrInvalidConfig         = errors.New("invalid database configuration")
	ErrInvalidBoundary       = errors.New("throttle boundary must be between 1 and 29 seconds")
	ErrEmptyQuery            = errors.New("sql can not be empty")
	ErrEmptyFormatArgs       = errors.New("query and params can not be empty")
	ErrConnectionProbeFailed = errors.New("connection probe failed")
	ErrUnsafeParameter       = errors.New("unsafe raw parameter")
	ErrUnsupportedDriver     = errors.New("unsupported database driver")
	ErrHandleClosed          = errors.New("database handle is closed")
)

// QueryError is returned when the driver rejects a statement.
// It carries the failing SQL, the handle that issued it and the stack of the caller.
type QueryError struct {
	Handle string
	SQL    string
	Err    error

	stack error
}

// NewQueryError wraps err and records the current call stack.
func NewQueryError(handle, sql string, err error) *QueryError {
	return &QueryError{
		Handle: handle,
		SQL:    sql,
		Err:    err,
		stack:  pkgerrors.WithStack(err),
	}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: query failed: %v; sql: %s", e.Handle, e.Err, e.SQL)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// StackTrace returns the stack captured when the error was created.
func (e *QueryError) StackTrace() pkgerrors.StackTrace {
	type stackTracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	if st, ok := e.stack.(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// Format supports %+v to print the captured stack after the message.
func (e *QueryError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.Error())
			if st := e.StackTrace(); st != nil {
				st.Format(s, verb)
			}
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
