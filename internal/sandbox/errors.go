package sandbox

import (
	"fmt"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/query"
)

// Host call return codes seen by the guest.
const (
	ReportAccepted     int32 = 0
	ReportDeduplicated int32 = 1
	ReportInvalid      int32 = -1

	QuerySyntax     int32 = -1
	QuerySemantic   int32 = -2
	QueryOutOfScope int32 = -3
	QueryTooLarge   int32 = -4
	BadArgument     int32 = -5
)

// exitCodeAbort is the module exit code used when a host call ends the run.
const exitCodeAbort uint32 = 0xa5

// abortError ends a run from inside a host call. The run is classified by
// its status rather than by the resulting guest error.
type abortError struct {
	status ir.Status
	detail string
	err    error
}

func (e *abortError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.status, e.detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.status, e.detail)
}

func (e *abortError) Unwrap() error {
	return e.err
}

// queryCode maps a guest-caused query failure to its return code.
func queryCode(kind query.ErrorKind) int32 {
	switch kind {
	case query.KindSyntax:
		return QuerySyntax
	case query.KindOutOfScope:
		return QueryOutOfScope
	case query.KindResultTooLarge:
		return QueryTooLarge
	default:
		return QuerySemantic
	}
}
