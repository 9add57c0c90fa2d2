package queryir

import (
	"errors"
	"fmt"
)

// ErrorKind categorises query failures.
type ErrorKind string

const (
	// KindSyntax: the text is not a single statement of the language.
	KindSyntax ErrorKind = "SYNTAX"

	// KindSemantic: well-formed, but references unknown tables or columns,
	// mixes types, or otherwise cannot be evaluated.
	KindSemantic ErrorKind = "SEMANTIC"

	// KindOutOfScope: the query would read outside the invocation's block
	// window or address.
	KindOutOfScope ErrorKind = "OUT_OF_SCOPE"

	// KindResultTooLarge: the result exceeds the row or byte ceiling.
	KindResultTooLarge ErrorKind = "RESULT_TOO_LARGE"

	// KindUnavailable: the chain data source failed. Not the guest's fault.
	KindUnavailable ErrorKind = "UNAVAILABLE"
)

// Error is a query failure. Pos is a byte offset into the query text, or
// -1 when the failure has no position.
type Error struct {
	Kind    ErrorKind
	Pos     int
	Message string
	Err     error // underlying cause (Unavailable only)
}

func (e *Error) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%s at %d: %s", e.Kind, e.Pos, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GuestFault reports whether the error was caused by the query itself
// (as opposed to the data source).
func (e *Error) GuestFault() bool {
	return e.Kind != KindUnavailable
}

// Errorf builds a positioned Error.
func Errorf(kind ErrorKind, pos int, format string, args ...any) *Error {
	return &Error{Kind: kind, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a query Error from err.
func AsError(err error) (*Error, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsKind reports whether err is a query Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	qe, ok := AsError(err)
	return ok && qe.Kind == kind
}
