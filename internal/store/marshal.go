package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// Times are stored as UTC unix nanoseconds so that ordering and equality
// survive a round trip.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// marshalUsage converts Usage to canonical JSON TEXT for storage.
func marshalUsage(u ir.Usage) (string, error) {
	data, err := ir.MarshalCanonical(map[string]any{
		"accepted":      u.Accepted,
		"deduplicated":  u.Deduplicated,
		"host_calls":    u.HostCalls,
		"memory_pages":  int(u.MemoryPages),
		"queries":       u.Queries,
		"query_errors":  u.QueryErrors,
		"reports":       u.Reports,
		"rows_returned": u.RowsReturned,
	})
	if err != nil {
		return "", fmt.Errorf("marshal usage: %w", err)
	}
	return string(data), nil
}

// unmarshalUsage parses JSON TEXT to Usage.
func unmarshalUsage(data string) (ir.Usage, error) {
	var u ir.Usage
	if data == "" || data == "{}" {
		return u, nil
	}
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return ir.Usage{}, fmt.Errorf("unmarshal usage: %w", err)
	}
	return u, nil
}
