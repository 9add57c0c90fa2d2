package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/vigil/internal/ir"
)

// OutputColumn is one column of the query result.
type OutputColumn struct {
	Name string
	Kind ir.Kind
	Expr Expr
}

// Analyzed is a Select whose names have been resolved and types checked.
type Analyzed struct {
	Select *Select

	// Driving is the FROM table; Joined is the JOIN table or nil.
	Driving *Table
	Joined  *Table
	Tables  []*TableRef

	Output []OutputColumn

	// Aggregate is set when GROUP BY or an aggregate function is present.
	Aggregate bool
}

// TableFor returns the catalog table behind a reference.
func (a *Analyzed) TableFor(ref *TableRef) *Table {
	if ref == &a.Select.From {
		return a.Driving
	}
	return a.Joined
}

// valueType is the type of an expression during analysis.
type valueType int

const (
	vNull valueType = iota
	vInt
	vHex   // hex column (case-insensitive text)
	vText  // free text: string literals, lower(), hex()
	vBytes // raw bytes
	vBool
)

func (v valueType) String() string {
	return [...]string{"null", "int", "hex", "text", "bytes", "bool"}[v]
}

func (v valueType) kind() ir.Kind {
	switch v {
	case vInt:
		return ir.KindInt
	case vHex, vText:
		return ir.KindString
	case vBytes:
		return ir.KindBytes
	default:
		return ir.KindNull
	}
}

var aggregateFuncs = map[string]bool{"count": true, "max": true, "min": true, "sum": true}
var scalarFuncs = map[string]bool{"hex": true, "lower": true}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool {
	return aggregateFuncs[name]
}

// Analyze resolves and type-checks sel against the catalog.
// It annotates sel in place (column bindings, literal coercions) and
// returns a *Error of kind KindSemantic on failure.
func Analyze(sel *Select, cat *Catalog) (*Analyzed, error) {
	a := &analyzer{cat: cat, out: &Analyzed{Select: sel}}
	if err := a.run(); err != nil {
		return nil, err
	}
	return a.out, nil
}

type analyzer struct {
	cat *Catalog
	out *Analyzed
}

func semantic(pos int, format string, args ...any) *Error {
	return Errorf(KindSemantic, pos, format, args...)
}

func (a *analyzer) run() error {
	sel := a.out.Select

	driving, ok := a.cat.Table(sel.From.Name)
	if !ok {
		return semantic(sel.From.Pos, "unknown table %q", sel.From.Name)
	}
	a.out.Driving = driving
	a.out.Tables = []*TableRef{&sel.From}

	if sel.Join != nil {
		joined, ok := a.cat.Table(sel.Join.Table.Name)
		if !ok {
			return semantic(sel.Join.Table.Pos, "unknown table %q", sel.Join.Table.Name)
		}
		if sel.Join.Table.Ref() == sel.From.Ref() {
			return semantic(sel.Join.Table.Pos, "table name %q used twice; add an alias", sel.From.Ref())
		}
		a.out.Joined = joined
		a.out.Tables = append(a.out.Tables, &sel.Join.Table)
		if err := a.checkJoin(sel.Join); err != nil {
			return err
		}
	}

	if sel.Where != nil {
		t, err := a.typeOf(sel.Where, false)
		if err != nil {
			return err
		}
		if t != vBool {
			return semantic(sel.Where.Position(), "WHERE clause must be a condition, got %s", t)
		}
	}

	for _, g := range sel.GroupBy {
		if err := a.resolve(g); err != nil {
			return err
		}
	}

	if err := a.projection(); err != nil {
		return err
	}

	if err := a.ordering(); err != nil {
		return err
	}

	if sel.Limit != nil && *sel.Limit < 0 {
		return semantic(-1, "LIMIT must not be negative")
	}
	return nil
}

func (a *analyzer) checkJoin(j *Join) error {
	if err := a.resolve(j.Left); err != nil {
		return err
	}
	if err := a.resolve(j.Right); err != nil {
		return err
	}
	if j.Left.Table == j.Right.Table {
		return semantic(j.Pos, "JOIN condition must compare columns of both tables")
	}
	lt := a.out.TableFor(j.Left.Table).Name
	rt := a.out.TableFor(j.Right.Table).Name
	for _, rel := range a.cat.Relations {
		if rel.Matches(lt, j.Left.Name, rt, j.Right.Name) {
			return nil
		}
	}
	return semantic(j.Pos, "tables %s and %s cannot be joined on %s = %s", lt, rt,
		lt+"."+j.Left.Name, rt+"."+j.Right.Name)
}

// resolve binds a column reference to a table in scope.
func (a *analyzer) resolve(c *ColumnRef) error {
	var matches []*TableRef
	for _, ref := range a.out.Tables {
		if c.Qualifier != "" && c.Qualifier != ref.Ref() {
			continue
		}
		if _, ok := a.out.TableFor(ref).Column(c.Name); ok {
			matches = append(matches, ref)
		}
	}

	switch len(matches) {
	case 0:
		if c.Qualifier != "" && !a.knownQualifier(c.Qualifier) {
			return semantic(c.Pos, "unknown table %q", c.Qualifier)
		}
		return semantic(c.Pos, "unknown column %q", c.display())
	case 1:
		c.Table = matches[0]
		c.Column, _ = a.out.TableFor(matches[0]).Column(c.Name)
		return nil
	default:
		return semantic(c.Pos, "ambiguous column %q; qualify it with a table name", c.Name)
	}
}

func (a *analyzer) knownQualifier(q string) bool {
	for _, ref := range a.out.Tables {
		if ref.Ref() == q {
			return true
		}
	}
	return false
}

func (c *ColumnRef) display() string {
	if c.Qualifier != "" {
		return c.Qualifier + "." + c.Name
	}
	return c.Name
}

func columnType(def *ColumnDef) valueType {
	switch def.Type {
	case TypeInt:
		return vInt
	case TypeBytes:
		return vBytes
	default:
		return vHex
	}
}

// typeOf computes the type of e. allowAgg permits aggregate calls at this
// position (select list and ORDER BY only).
func (a *analyzer) typeOf(e Expr, allowAgg bool) (valueType, error) {
	switch x := e.(type) {
	case *ColumnRef:
		if err := a.resolve(x); err != nil {
			return 0, err
		}
		return columnType(x.Column), nil
	case *IntLit:
		return vInt, nil
	case *StringLit:
		return vText, nil
	case *NullLit:
		return vNull, nil
	case *Call:
		return a.typeOfCall(x, allowAgg)
	case *Compare:
		return vBool, a.checkCompare(x)
	case *Logical:
		for _, side := range []Expr{x.Left, x.Right} {
			t, err := a.typeOf(side, false)
			if err != nil {
				return 0, err
			}
			if t != vBool {
				return 0, semantic(side.Position(), "%s operand must be a condition, got %s", x.Op, t)
			}
		}
		return vBool, nil
	case *Not:
		t, err := a.typeOf(x.X, false)
		if err != nil {
			return 0, err
		}
		if t != vBool {
			return 0, semantic(x.Pos, "NOT operand must be a condition, got %s", t)
		}
		return vBool, nil
	case *In:
		xt, err := a.typeOf(x.X, false)
		if err != nil {
			return 0, err
		}
		for _, item := range x.List {
			if err := a.checkOperands(x.X, xt, item, OpEq); err != nil {
				return 0, err
			}
		}
		return vBool, nil
	case *Between:
		xt, err := a.typeOf(x.X, false)
		if err != nil {
			return 0, err
		}
		if xt != vInt {
			return 0, semantic(x.Pos, "BETWEEN requires an integer operand, got %s", xt)
		}
		for _, bound := range []Expr{x.Lo, x.Hi} {
			if err := a.checkOperands(x.X, xt, bound, OpGe); err != nil {
				return 0, err
			}
		}
		return vBool, nil
	case *IsNull:
		if _, err := a.typeOf(x.X, false); err != nil {
			return 0, err
		}
		return vBool, nil
	default:
		return 0, semantic(e.Position(), "unsupported expression %T", e)
	}
}

func (a *analyzer) typeOfCall(c *Call, allowAgg bool) (valueType, error) {
	agg := aggregateFuncs[c.Name]
	if !agg && !scalarFuncs[c.Name] {
		return 0, semantic(c.Pos, "unknown function %q", c.Name)
	}
	if agg && !allowAgg {
		return 0, semantic(c.Pos, "aggregate %s() is not allowed here", c.Name)
	}
	if c.Star {
		if c.Name != "count" {
			return 0, semantic(c.Pos, "%s(*) is not supported", c.Name)
		}
		return vInt, nil
	}
	if len(c.Args) != 1 {
		return 0, semantic(c.Pos, "%s() takes exactly one argument", c.Name)
	}

	arg, err := a.typeOf(c.Args[0], false)
	if err != nil {
		return 0, err
	}

	switch c.Name {
	case "count":
		return vInt, nil
	case "sum":
		if arg != vInt {
			return 0, semantic(c.Pos, "sum() requires an integer argument, got %s", arg)
		}
		return vInt, nil
	case "max", "min":
		if arg == vBytes || arg == vBool || arg == vNull {
			return 0, semantic(c.Pos, "%s() cannot be applied to %s", c.Name, arg)
		}
		return arg, nil
	case "hex":
		if arg != vBytes && arg != vInt && arg != vHex {
			return 0, semantic(c.Pos, "hex() cannot be applied to %s", arg)
		}
		return vText, nil
	case "lower":
		if arg != vHex && arg != vText {
			return 0, semantic(c.Pos, "lower() requires a text argument, got %s", arg)
		}
		return arg, nil
	}
	return 0, semantic(c.Pos, "unknown function %q", c.Name)
}

func (a *analyzer) checkCompare(c *Compare) error {
	lt, err := a.typeOf(c.Left, false)
	if err != nil {
		return err
	}
	return a.checkOperands(c.Left, lt, c.Right, c.Op)
}

// checkOperands type-checks `left op right` where left has already been
// typed, and records literal coercions.
func (a *analyzer) checkOperands(left Expr, lt valueType, right Expr, op CompareOp) error {
	rt, err := a.typeOf(right, false)
	if err != nil {
		return err
	}
	if lt == vNull || rt == vNull {
		return semantic(right.Position(), "comparison with NULL is never true; use IS NULL")
	}
	if lt == vBool || rt == vBool {
		return semantic(right.Position(), "cannot compare conditions")
	}

	ordered := op != OpEq && op != OpNe
	switch {
	case lt == vInt && rt == vInt:
		return nil
	case lt == vBytes || rt == vBytes:
		if ordered {
			return semantic(right.Position(), "bytes values only support = and !=")
		}
		if lt == vBytes && rt == vBytes {
			return nil
		}
		if lit, ok := literalOpposite(left, lt, right, vBytes); ok {
			if _, err := ir.ParseHexBytes(lit.Value); err != nil || !strings.HasPrefix(strings.ToLower(lit.Value), "0x") {
				return semantic(lit.Pos, "bytes literal must be 0x-prefixed hex")
			}
			lit.Coerce = CoerceBytes
			return nil
		}
	case isText(lt) && isText(rt):
		if lt == vHex || rt == vHex {
			if lit, ok := literalOpposite(left, lt, right, vHex); ok {
				lit.Coerce = CoerceHex
			}
		}
		return nil
	}
	return semantic(right.Position(), "type mismatch: cannot compare %s with %s", lt, rt)
}

func isText(t valueType) bool {
	return t == vHex || t == vText
}

// literalOpposite returns the string literal on the side opposite a value
// of type want.
func literalOpposite(left Expr, lt valueType, right Expr, want valueType) (*StringLit, bool) {
	if lt == want {
		lit, ok := right.(*StringLit)
		return lit, ok
	}
	lit, ok := left.(*StringLit)
	return lit, ok
}

func (a *analyzer) projection() error {
	sel := a.out.Select

	aggregate := len(sel.GroupBy) > 0
	for _, item := range sel.Items {
		if c, ok := item.Expr.(*Call); ok && aggregateFuncs[c.Name] {
			aggregate = true
		}
	}
	a.out.Aggregate = aggregate

	if sel.Star {
		if aggregate {
			return semantic(-1, "SELECT * cannot be combined with GROUP BY or aggregates")
		}
		for _, ref := range a.out.Tables {
			for i := range a.out.TableFor(ref).Columns {
				def := &a.out.TableFor(ref).Columns[i]
				name := def.Name
				if sel.Join != nil {
					name = ref.Ref() + "." + def.Name
				}
				a.out.Output = append(a.out.Output, OutputColumn{
					Name: name,
					Kind: def.Type.Kind(),
					Expr: &ColumnRef{Qualifier: ref.Ref(), Name: def.Name, Pos: -1, Table: ref, Column: def},
				})
			}
		}
		return nil
	}

	seen := map[string]bool{}
	for _, item := range sel.Items {
		t, err := a.typeOf(item.Expr, true)
		if err != nil {
			return err
		}
		if c, ok := item.Expr.(*Call); ok {
			for _, arg := range c.Args {
				if containsAggregate(arg) {
					return semantic(c.Pos, "aggregates cannot be nested")
				}
			}
		} else if containsAggregate(item.Expr) {
			return semantic(item.Expr.Position(), "aggregate must be the outermost expression")
		}
		if aggregate && !containsAggregate(item.Expr) {
			if !a.grouped(item.Expr) {
				return semantic(item.Expr.Position(), "%s must appear in GROUP BY or be used in an aggregate", exprName(item.Expr))
			}
		}

		name := item.Alias
		if name == "" {
			name = exprName(item.Expr)
		}
		if seen[name] && item.Alias != "" {
			return semantic(item.Expr.Position(), "duplicate column alias %q", name)
		}
		seen[name] = true
		a.out.Output = append(a.out.Output, OutputColumn{Name: name, Kind: t.kind(), Expr: item.Expr})
	}
	return nil
}

// grouped reports whether every column in e appears in GROUP BY.
func (a *analyzer) grouped(e Expr) bool {
	switch x := e.(type) {
	case *ColumnRef:
		for _, g := range a.out.Select.GroupBy {
			if g.Table == x.Table && g.Name == x.Name {
				return true
			}
		}
		return false
	case *Call:
		for _, arg := range x.Args {
			if !a.grouped(arg) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (a *analyzer) ordering() error {
	sel := a.out.Select
	for _, item := range sel.OrderBy {
		if c, ok := item.Expr.(*ColumnRef); ok && c.Qualifier == "" && a.isOutputAlias(c.Name) {
			c.Alias = c.Name
			continue
		}
		switch item.Expr.(type) {
		case *IntLit, *StringLit, *NullLit:
			return semantic(item.Expr.Position(), "ORDER BY expects a column or function, not a literal")
		}
		if _, err := a.typeOf(item.Expr, a.out.Aggregate); err != nil {
			return err
		}
		if a.out.Aggregate && !containsAggregate(item.Expr) && !a.grouped(item.Expr) {
			return semantic(item.Expr.Position(), "ORDER BY %s must appear in GROUP BY or be an aggregate", exprName(item.Expr))
		}
	}
	return nil
}

func (a *analyzer) isOutputAlias(name string) bool {
	for _, item := range a.out.Select.Items {
		if item.Alias == name {
			return true
		}
	}
	return false
}

func containsAggregate(e Expr) bool {
	c, ok := e.(*Call)
	if !ok {
		return false
	}
	if aggregateFuncs[c.Name] {
		return true
	}
	for _, arg := range c.Args {
		if containsAggregate(arg) {
			return true
		}
	}
	return false
}

// exprName is the default output name of a select item.
func exprName(e Expr) string {
	switch x := e.(type) {
	case *ColumnRef:
		return x.Name
	case *Call:
		if x.Star {
			return x.Name + "(*)"
		}
		args := make([]string, len(x.Args))
		for i, arg := range x.Args {
			args[i] = exprName(arg)
		}
		return fmt.Sprintf("%s(%s)", x.Name, strings.Join(args, ", "))
	case *IntLit:
		return fmt.Sprintf("%d", x.Value)
	case *StringLit:
		return "'" + x.Value + "'"
	default:
		return "expr"
	}
}
