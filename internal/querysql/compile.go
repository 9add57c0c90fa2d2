package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/queryir"
)

// Dialect selects the SQL flavour of the chain data source.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLCompiler compiles analyzed queries to parameterized SQL.
//
// All literals are bound as parameters, never interpolated. Every
// statement carries the host's window and address predicates and an
// ORDER BY ending in the tables' unique order keys, so results are
// deterministic for a given chain state.
type SQLCompiler struct {
	Dialect Dialect
}

// NewSQLCompiler creates a compiler for the given dialect.
func NewSQLCompiler(d Dialect) *SQLCompiler {
	return &SQLCompiler{Dialect: d}
}

// Compile converts an analyzed query to SQL restricted to sc.
// maxRows > 0 caps the statement at maxRows+1 rows so the caller can
// detect overflow without reading the full result.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(a *queryir.Analyzed, sc queryir.Scope, maxRows int) (string, []any, error) {
	if a == nil || a.Select == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if c.Dialect != DialectSQLite && c.Dialect != DialectPostgres {
		return "", nil, fmt.Errorf("unsupported dialect %q", c.Dialect)
	}

	b := &builder{dialect: c.Dialect}
	sel := a.Select

	b.WriteString("SELECT ")
	for i, col := range a.Output {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := b.expr(col.Expr); err != nil {
			return "", nil, err
		}
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(col.Name))
	}

	b.WriteString(" FROM ")
	b.WriteString(tableSQL(sel.From))
	if j := sel.Join; j != nil {
		b.WriteString(" INNER JOIN ")
		b.WriteString(tableSQL(j.Table))
		b.WriteString(" ON ")
		b.WriteString(columnSQL(j.Left))
		b.WriteString(" = ")
		b.WriteString(columnSQL(j.Right))
	}

	// Every boolean expression renders parenthesized, so the user's
	// condition cannot absorb the host predicates.
	b.WriteString(" WHERE ")
	if sel.Where != nil {
		if err := b.expr(sel.Where); err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
	}
	b.scope(a, sc)

	if len(sel.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, g := range sel.GroupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(columnSQL(g))
		}
	}

	if err := b.orderBy(a); err != nil {
		return "", nil, err
	}

	limit := int64(-1)
	if maxRows > 0 {
		limit = int64(maxRows) + 1
	}
	if sel.Limit != nil && (limit < 0 || *sel.Limit < limit) {
		limit = *sel.Limit
	}
	if limit >= 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(b.intParam(limit))
	}

	return b.String(), b.params, nil
}

type builder struct {
	strings.Builder
	dialect Dialect
	params  []any
}

func (b *builder) param(v any) string {
	b.params = append(b.params, v)
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", len(b.params))
	}
	return "?"
}

// intParam binds an integer. Postgres cannot infer the type of a bare
// parameter in a select list, so it is cast there.
func (b *builder) intParam(v int64) string {
	p := b.param(v)
	if b.dialect == DialectPostgres {
		return p + "::bigint"
	}
	return p
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableSQL(t queryir.TableRef) string {
	if t.Alias != "" {
		return t.Name + " AS " + t.Alias
	}
	return t.Name
}

func columnSQL(c *queryir.ColumnRef) string {
	if c.Alias != "" {
		return quoteIdent(c.Alias)
	}
	return c.Table.Ref() + "." + c.Name
}

func (b *builder) expr(e queryir.Expr) error {
	switch x := e.(type) {
	case *queryir.ColumnRef:
		if x.Table == nil && x.Alias == "" {
			return fmt.Errorf("unresolved column %q", x.Name)
		}
		b.WriteString(columnSQL(x))
	case *queryir.IntLit:
		b.WriteString(b.intParam(x.Value))
	case *queryir.StringLit:
		return b.stringLit(x)
	case *queryir.NullLit:
		b.WriteString("NULL")
	case *queryir.Call:
		return b.call(x)
	case *queryir.Compare:
		op := string(x.Op)
		if x.Op == queryir.OpNe {
			op = "<>"
		}
		return b.binary(x.Left, op, x.Right)
	case *queryir.Logical:
		return b.binary(x.Left, string(x.Op), x.Right)
	case *queryir.Not:
		b.WriteString("(NOT ")
		if err := b.expr(x.X); err != nil {
			return err
		}
		b.WriteString(")")
	case *queryir.In:
		b.WriteString("(")
		if err := b.expr(x.X); err != nil {
			return err
		}
		if x.Negate {
			b.WriteString(" NOT")
		}
		b.WriteString(" IN (")
		for i, item := range x.List {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := b.expr(item); err != nil {
				return err
			}
		}
		b.WriteString("))")
	case *queryir.Between:
		b.WriteString("(")
		if err := b.expr(x.X); err != nil {
			return err
		}
		if x.Negate {
			b.WriteString(" NOT")
		}
		b.WriteString(" BETWEEN ")
		if err := b.expr(x.Lo); err != nil {
			return err
		}
		b.WriteString(" AND ")
		if err := b.expr(x.Hi); err != nil {
			return err
		}
		b.WriteString(")")
	case *queryir.IsNull:
		b.WriteString("(")
		if err := b.expr(x.X); err != nil {
			return err
		}
		if x.Negate {
			b.WriteString(" IS NOT NULL)")
		} else {
			b.WriteString(" IS NULL)")
		}
	default:
		return fmt.Errorf("unsupported expression type: %T", e)
	}
	return nil
}

func (b *builder) binary(left queryir.Expr, op string, right queryir.Expr) error {
	b.WriteString("(")
	if err := b.expr(left); err != nil {
		return err
	}
	b.WriteString(" " + op + " ")
	if err := b.expr(right); err != nil {
		return err
	}
	b.WriteString(")")
	return nil
}

// stringLit binds a string literal according to its coercion. Hex text is
// stored lowercase, so hex literals are lowered; bytes literals are decoded.
func (b *builder) stringLit(s *queryir.StringLit) error {
	switch s.Coerce {
	case queryir.CoerceHex:
		b.WriteString(b.param(strings.ToLower(s.Value)))
	case queryir.CoerceBytes:
		raw, err := ir.ParseHexBytes(s.Value)
		if err != nil {
			return fmt.Errorf("bytes literal at %d: %w", s.Pos, err)
		}
		b.WriteString(b.param([]byte(raw)))
	default:
		b.WriteString(b.param(s.Value))
	}
	return nil
}

func (b *builder) call(c *queryir.Call) error {
	if c.Star {
		b.WriteString(c.Name + "(*)")
		return nil
	}
	if len(c.Args) != 1 {
		return fmt.Errorf("%s() takes exactly one argument", c.Name)
	}
	arg := c.Args[0]

	inner := &builder{dialect: b.dialect, params: b.params}
	if err := inner.expr(arg); err != nil {
		return err
	}
	b.params = inner.params
	x := inner.String()

	switch c.Name {
	case "hex":
		switch argType(arg) {
		case queryir.TypeBytes:
			b.WriteString(b.hexBytes(x))
		case queryir.TypeInt:
			b.WriteString(b.hexInt(x))
		default:
			b.WriteString(x)
		}
	case "sum":
		if b.dialect == DialectPostgres {
			b.WriteString("CAST(sum(" + x + ") AS BIGINT)")
		} else {
			b.WriteString("sum(" + x + ")")
		}
	case "count", "max", "min", "lower":
		b.WriteString(c.Name + "(" + x + ")")
	default:
		return fmt.Errorf("unsupported function %q", c.Name)
	}
	return nil
}

func (b *builder) hexBytes(x string) string {
	if b.dialect == DialectPostgres {
		return "('0x' || encode(" + x + ", 'hex'))"
	}
	return "('0x' || lower(hex(" + x + ")))"
}

func (b *builder) hexInt(x string) string {
	if b.dialect == DialectPostgres {
		return "('0x' || to_hex(" + x + "))"
	}
	return "printf('0x%x', " + x + ")"
}

// argType is the column type an expression yields; text results count as
// hex.
func argType(e queryir.Expr) queryir.ColumnType {
	switch x := e.(type) {
	case *queryir.ColumnRef:
		if x.Column != nil {
			return x.Column.Type
		}
	case *queryir.IntLit:
		return queryir.TypeInt
	case *queryir.Call:
		switch x.Name {
		case "count", "sum":
			return queryir.TypeInt
		case "max", "min":
			if len(x.Args) == 1 {
				return argType(x.Args[0])
			}
		}
	}
	return queryir.TypeHex
}

// scope appends the window predicate for every table in the query and
// the address predicate for address-bound instances.
func (b *builder) scope(a *queryir.Analyzed, sc queryir.Scope) {
	for i, ref := range a.Tables {
		if i > 0 {
			b.WriteString(" AND ")
		}
		t := a.TableFor(ref)
		b.WriteString(ref.Ref() + "." + t.BlockColumn + " BETWEEN ")
		b.WriteString(b.intParam(int64(sc.Window.Start)))
		b.WriteString(" AND ")
		b.WriteString(b.intParam(clampInt64(sc.Window.End)))
	}

	if sc.Address == "" {
		return
	}
	ref := addressTable(a)
	if ref == nil {
		return
	}
	cols := a.TableFor(ref).AddressColumns
	address := strings.ToLower(sc.Address)
	b.WriteString(" AND ")
	if len(cols) > 1 {
		b.WriteString("(")
	}
	for i, col := range cols {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString(ref.Ref() + "." + col + " = ")
		b.WriteString(b.param(address))
	}
	if len(cols) > 1 {
		b.WriteString(")")
	}
}

// addressTable picks the table the instance address applies to: one with a
// single address column (events) first, then any table with address
// columns. Blocks have none.
func addressTable(a *queryir.Analyzed) *queryir.TableRef {
	var fallback *queryir.TableRef
	for _, ref := range a.Tables {
		cols := a.TableFor(ref).AddressColumns
		switch {
		case len(cols) == 1:
			return ref
		case len(cols) > 1 && fallback == nil:
			fallback = ref
		}
	}
	return fallback
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}

// orderBy writes the user's ordering followed by a stable tiebreaker.
// Plain queries end with each table's unique order key. Grouped queries
// end with the group columns, which are unique per output row.
func (b *builder) orderBy(a *queryir.Analyzed) error {
	var keys []string
	seen := map[string]bool{}
	add := func(key string, desc bool) {
		if seen[key] {
			return
		}
		seen[key] = true
		if desc {
			key += " DESC"
		}
		keys = append(keys, key)
	}

	for _, item := range a.Select.OrderBy {
		inner := &builder{dialect: b.dialect, params: b.params}
		if err := inner.expr(item.Expr); err != nil {
			return err
		}
		b.params = inner.params
		add(inner.String()+b.collate(item.Expr), item.Desc)
	}

	switch {
	case a.Aggregate:
		for _, g := range a.Select.GroupBy {
			add(columnSQL(g)+b.collate(g), false)
		}
	default:
		for _, ref := range a.Tables {
			t := a.TableFor(ref)
			for _, col := range t.OrderKey {
				add(ref.Ref()+"."+col, false)
			}
		}
	}

	if len(keys) == 0 {
		return nil
	}
	b.WriteString(" ORDER BY " + strings.Join(keys, ", "))
	return nil
}

// collate pins byte-wise ordering for hex text columns.
func (b *builder) collate(e queryir.Expr) string {
	c, ok := e.(*queryir.ColumnRef)
	if !ok || c.Alias != "" || c.Column == nil || c.Column.Type != queryir.TypeHex {
		return ""
	}
	if b.dialect == DialectPostgres {
		return ` COLLATE "C"`
	}
	return " COLLATE BINARY"
}
