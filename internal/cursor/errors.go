package cursor

import (
	"errors"
	"fmt"
)

// RegressionError reports an attempt to move a cursor to a block that is
// not past its current position. It indicates a host bug and is fatal for
// the instance.
type RegressionError struct {
	InstanceID string
	Current    uint64 // last processed block; Next-1 when never advanced
	Requested  uint64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("cursor regression for %s: requested %d, current %d", e.InstanceID, e.Requested, e.Current)
}

// IsRegression reports whether err is a RegressionError.
func IsRegression(err error) bool {
	var re *RegressionError
	return errors.As(err, &re)
}
