package query

import (
	"github.com/roach88/vigil/internal/queryir"
)

// Error is a query failure with a kind and an optional byte position.
type Error = queryir.Error

// ErrorKind categorises query failures.
type ErrorKind = queryir.ErrorKind

const (
	KindSyntax         = queryir.KindSyntax
	KindSemantic       = queryir.KindSemantic
	KindOutOfScope     = queryir.KindOutOfScope
	KindResultTooLarge = queryir.KindResultTooLarge
	KindUnavailable    = queryir.KindUnavailable
)

// Scope bounds what a query may read.
type Scope = queryir.Scope

// AsError extracts a query Error from err.
func AsError(err error) (*Error, bool) {
	return queryir.AsError(err)
}

// IsUnavailable reports whether err is a data-source failure rather than
// a fault of the query.
func IsUnavailable(err error) bool {
	return queryir.IsKind(err, KindUnavailable)
}

// IsOutOfScope reports whether err rejected a read outside the scope.
func IsOutOfScope(err error) bool {
	return queryir.IsKind(err, KindOutOfScope)
}

// IsResultTooLarge reports whether err rejected an oversize result.
func IsResultTooLarge(err error) bool {
	return queryir.IsKind(err, KindResultTooLarge)
}
