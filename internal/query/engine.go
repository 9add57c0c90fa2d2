// Package query runs restricted queries from guest code against chain
// data.
//
// A query is parsed, analyzed against the chain catalog, checked against
// the invocation's scope, compiled to parameterized SQL with the host's
// window and address predicates, and executed eagerly. Results are
// capped in rows and in encoded bytes; an oversize result is an error,
// never a truncation.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/roach88/vigil/internal/abi"
	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/queryparse"
	"github.com/roach88/vigil/internal/querysql"
)

// Limits bound a single query.
type Limits struct {
	MaxRows  int           // 0 = unlimited
	MaxBytes int           // encoded row-set bytes; 0 = unlimited
	Timeout  time.Duration // 0 = caller's context only
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxRows: 10_000, MaxBytes: 4 << 20, Timeout: 5 * time.Second}
}

// Engine executes restricted queries.
type Engine struct {
	source   chaindata.Source
	catalog  *queryir.Catalog
	compiler *querysql.SQLCompiler
	limits   Limits
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over source.
func NewEngine(source chaindata.Source, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		catalog:  queryir.ChainCatalog(),
		compiler: querysql.NewSQLCompiler(source.Dialect()),
		limits:   DefaultLimits(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the engine's limits.
func (e *Engine) Limits() Limits {
	return e.limits
}

// errStop ends row iteration once a limit is hit.
var errStop = errors.New("stop")

// Window parameters let a guest bound its query without knowing the
// window in advance: "WHERE block_number BETWEEN :window_start AND :window_end".
const (
	ParamWindowStart = "window_start"
	ParamWindowEnd   = "window_end"
)

// Execute runs text within scope. Failures are *Error values.
func (e *Engine) Execute(ctx context.Context, text string, scope Scope) (*ir.QueryResult, error) {
	sel, err := queryparse.ParseWithParams(text, map[string]int64{
		ParamWindowStart: clampBlock(scope.Window.Start),
		ParamWindowEnd:   clampBlock(scope.Window.End),
	})
	if err != nil {
		return nil, err
	}
	analyzed, err := queryir.Analyze(sel, e.catalog)
	if err != nil {
		return nil, err
	}
	scope.Address = ir.NormalizeHex(scope.Address)
	if err := queryir.CheckScope(analyzed, scope); err != nil {
		return nil, err
	}

	sqlText, params, err := e.compiler.Compile(analyzed, scope, e.limits.MaxRows)
	if err != nil {
		return nil, queryir.Errorf(queryir.KindSemantic, -1, "compile: %v", err)
	}

	if e.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.Timeout)
		defer cancel()
	}

	result := &ir.QueryResult{Columns: make([]ir.Column, len(analyzed.Output))}
	for i, col := range analyzed.Output {
		result.Columns[i] = ir.Column{Name: col.Name, Kind: col.Kind}
	}
	size := abi.Size(result.Columns)

	var limitErr error
	start := time.Now()
	err = e.source.Query(ctx, sqlText, params, func(raw []any) error {
		if e.limits.MaxRows > 0 && len(result.Rows) >= e.limits.MaxRows {
			limitErr = queryir.Errorf(queryir.KindResultTooLarge, -1,
				"result exceeds %d rows", e.limits.MaxRows)
			return errStop
		}
		row := make([]ir.Value, len(raw))
		for i, v := range raw {
			val, err := toValue(result.Columns[i].Kind, v)
			if err != nil {
				return fmt.Errorf("column %s: %w", result.Columns[i].Name, err)
			}
			row[i] = val
		}
		size += abi.RowSize(row)
		if e.limits.MaxBytes > 0 && size > e.limits.MaxBytes {
			limitErr = queryir.Errorf(queryir.KindResultTooLarge, -1,
				"result exceeds %d bytes", e.limits.MaxBytes)
			return errStop
		}
		result.Rows = append(result.Rows, row)
		return nil
	})
	if limitErr != nil {
		return nil, limitErr
	}
	if err != nil {
		e.logger.Warn("chain query failed", "error", err, "duration", time.Since(start))
		return nil, &queryir.Error{Kind: queryir.KindUnavailable, Pos: -1, Message: "chain data source failed", Err: err}
	}

	e.logger.Debug("query executed",
		"rows", len(result.Rows),
		"bytes", size,
		"window_start", scope.Window.Start,
		"window_end", scope.Window.End,
		"duration", time.Since(start),
	)
	return result, nil
}

// toValue converts a driver value to the column's kind. Drivers disagree
// on text versus []byte, so both are accepted.
func toValue(kind ir.Kind, v any) (ir.Value, error) {
	if v == nil {
		return ir.Null{}, nil
	}
	switch kind {
	case ir.KindInt:
		switch x := v.(type) {
		case int64:
			return ir.Int(x), nil
		case int32:
			return ir.Int(x), nil
		case int:
			return ir.Int(x), nil
		case float64:
			return ir.Int(int64(x)), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("not an integer: %q", x)
			}
			return ir.Int(n), nil
		case []byte:
			n, err := strconv.ParseInt(string(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("not an integer: %q", x)
			}
			return ir.Int(n), nil
		}
	case ir.KindString:
		switch x := v.(type) {
		case string:
			return ir.String(x), nil
		case []byte:
			return ir.String(x), nil
		}
	case ir.KindBytes:
		switch x := v.(type) {
		case []byte:
			return ir.Bytes(append([]byte(nil), x...)), nil
		case string:
			return ir.Bytes(x), nil
		}
	case ir.KindNull:
		switch x := v.(type) {
		case int64:
			return ir.Int(x), nil
		case string:
			return ir.String(x), nil
		case []byte:
			return ir.Bytes(append([]byte(nil), x...)), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, kind)
}

func clampBlock(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}
