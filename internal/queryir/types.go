package queryir

// Select is a parsed SELECT statement.
//
//	SELECT <Items|*> FROM <From> [JOIN <Join>] [WHERE <Where>]
//	    [GROUP BY <GroupBy>] [ORDER BY <OrderBy>] [LIMIT <Limit>]
type Select struct {
	Star    bool         // SELECT *
	Items   []SelectItem // empty when Star
	From    TableRef
	Join    *Join // nil when absent
	Where   Expr  // nil when absent
	GroupBy []*ColumnRef
	OrderBy []OrderItem
	Limit   *int64 // nil when absent
}

// TableRef names a table with an optional alias.
type TableRef struct {
	Name  string
	Alias string // empty = table name
	Pos   int
}

// Ref returns the name used to qualify columns of this table.
func (t TableRef) Ref() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// Join is a single INNER JOIN with an equality condition.
type Join struct {
	Table TableRef
	Left  *ColumnRef
	Right *ColumnRef
	Pos   int
}

// SelectItem is one projected expression.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Expr is a sealed interface over expression nodes.
//
// Expr types:
//   - ColumnRef, IntLit, StringLit, NullLit
//   - Call: function application
//   - Compare: =, !=, <, <=, >, >=
//   - Logical: AND, OR
//   - Not, In, Between, IsNull
type Expr interface {
	exprNode() // Sealed
	Position() int
}

// ColumnRef references a column, optionally table-qualified.
// Table and Column are filled in by Analyze.
type ColumnRef struct {
	Qualifier string // as written; may be empty
	Name      string
	Pos       int

	// Resolved by Analyze. Alias is set instead of Table/Column when an
	// unqualified ORDER BY name refers to a select-list alias.
	Table  *TableRef
	Column *ColumnDef
	Alias  string
}

// IntLit is an integer literal.
type IntLit struct {
	Value int64
	Pos   int
}

// Coercion says how the compiler binds a string literal.
type Coercion int

const (
	CoerceNone  Coercion = iota // bind as written
	CoerceHex                   // lowercase hex text
	CoerceBytes                 // decode 0x hex to bytes
)

// StringLit is a single-quoted string literal. Coerce is set by Analyze
// from the column the literal is compared against.
type StringLit struct {
	Value  string
	Pos    int
	Coerce Coercion
}

// NullLit is the NULL keyword used as a value.
type NullLit struct {
	Pos int
}

// Call applies a function. Star is set for count(*).
type Call struct {
	Name string // lowercase
	Args []Expr
	Star bool
	Pos  int
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Flip returns the operator with operands swapped (a < b ⇔ b > a).
func (op CompareOp) Flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return op
	}
}

// Compare is a binary comparison.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
	Pos   int
}

// LogicalOp is AND or OR.
type LogicalOp string

const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// Logical combines two boolean expressions.
type Logical struct {
	Op    LogicalOp
	Left  Expr
	Right Expr
	Pos   int
}

// Not negates a boolean expression.
type Not struct {
	X   Expr
	Pos int
}

// In is X [NOT] IN (List...).
type In struct {
	X      Expr
	List   []Expr
	Negate bool
	Pos    int
}

// Between is X [NOT] BETWEEN Lo AND Hi.
type Between struct {
	X      Expr
	Lo     Expr
	Hi     Expr
	Negate bool
	Pos    int
}

// IsNull is X IS [NOT] NULL.
type IsNull struct {
	X      Expr
	Negate bool
	Pos    int
}

func (*ColumnRef) exprNode() {}
func (*IntLit) exprNode()    {}
func (*StringLit) exprNode() {}
func (*NullLit) exprNode()   {}
func (*Call) exprNode()      {}
func (*Compare) exprNode()   {}
func (*Logical) exprNode()   {}
func (*Not) exprNode()       {}
func (*In) exprNode()        {}
func (*Between) exprNode()   {}
func (*IsNull) exprNode()    {}

func (e *ColumnRef) Position() int { return e.Pos }
func (e *IntLit) Position() int    { return e.Pos }
func (e *StringLit) Position() int { return e.Pos }
func (e *NullLit) Position() int   { return e.Pos }
func (e *Call) Position() int      { return e.Pos }
func (e *Compare) Position() int   { return e.Pos }
func (e *Logical) Position() int   { return e.Pos }
func (e *Not) Position() int       { return e.Pos }
func (e *In) Position() int        { return e.Pos }
func (e *Between) Position() int   { return e.Pos }
func (e *IsNull) Position() int    { return e.Pos }

// Conjuncts flattens the top-level AND chain of e.
func Conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if l, ok := e.(*Logical); ok && l.Op == OpAnd {
		return append(Conjuncts(l.Left), Conjuncts(l.Right)...)
	}
	return []Expr{e}
}
