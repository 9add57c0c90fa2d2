package queryir

import (
	"math"
	"strings"

	"github.com/roach88/vigil/internal/ir"
)

// Scope is what a single invocation may read: a block window and, for
// address-bound instances, one contract address.
type Scope struct {
	Window  ir.BlockRange
	Address string // lowercase hex; empty = any
}

// bounds is an inclusive [lo, hi] interval over int64 block numbers.
type bounds struct {
	lo, hi       int64
	hasLo, hasHi bool
}

func (b *bounds) lower(v int64) {
	if !b.hasLo || v > b.lo {
		b.lo, b.hasLo = v, true
	}
}

func (b *bounds) upper(v int64) {
	if !b.hasHi || v < b.hi {
		b.hi, b.hasHi = v, true
	}
}

// CheckScope verifies the query reads only inside sc.
//
// The top-level AND conjuncts of WHERE must bound the driving table's
// block column from below and above, and the bounded range must lie
// inside the window. Bounds under OR or NOT do not count. For
// address-bound scopes, an explicit equality on an address column that
// names a different address is rejected.
//
// Returns a *Error of kind KindOutOfScope on failure.
func CheckScope(a *Analyzed, sc Scope) error {
	if sc.Window.Empty() {
		return Errorf(KindOutOfScope, -1, "empty block window %s", sc.Window)
	}

	var b bounds
	conjuncts := Conjuncts(a.Select.Where)
	for _, c := range conjuncts {
		collectBounds(a, c, &b)
	}

	col := a.Driving.BlockColumn
	if !b.hasLo || !b.hasHi {
		return Errorf(KindOutOfScope, -1,
			"query must bound %s.%s from both sides within the window %s",
			a.Select.From.Ref(), col, sc.Window)
	}
	if b.lo < int64(sc.Window.Start) || b.hi > clampUint(sc.Window.End) {
		return Errorf(KindOutOfScope, -1,
			"block range [%d,%d] is outside the window %s", b.lo, b.hi, sc.Window)
	}

	if sc.Address != "" {
		for _, c := range conjuncts {
			if err := checkAddress(a, c, sc.Address); err != nil {
				return err
			}
		}
	}
	return nil
}

func clampUint(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// isBlockColumn reports whether e is the driving table's block column, or
// a joined block column equated to it by the JOIN condition.
func isBlockColumn(a *Analyzed, e Expr) bool {
	c, ok := e.(*ColumnRef)
	if !ok || c.Table == nil {
		return false
	}
	t := a.TableFor(c.Table)
	if c.Name != t.BlockColumn {
		return false
	}
	if c.Table == &a.Select.From {
		return true
	}
	j := a.Select.Join
	if j == nil {
		return false
	}
	// The join equates both block columns (e.g. events.block_number = blocks.number).
	return j.Left.Name == a.TableFor(j.Left.Table).BlockColumn &&
		j.Right.Name == a.TableFor(j.Right.Table).BlockColumn
}

func collectBounds(a *Analyzed, e Expr, b *bounds) {
	switch x := e.(type) {
	case *Compare:
		col, lit, op := x.Left, x.Right, x.Op
		if !isBlockColumn(a, col) {
			col, lit, op = x.Right, x.Left, x.Op.Flip()
		}
		if !isBlockColumn(a, col) {
			return
		}
		n, ok := lit.(*IntLit)
		if !ok {
			return
		}
		switch op {
		case OpEq:
			b.lower(n.Value)
			b.upper(n.Value)
		case OpGe:
			b.lower(n.Value)
		case OpGt:
			if n.Value < math.MaxInt64 {
				b.lower(n.Value + 1)
			}
		case OpLe:
			b.upper(n.Value)
		case OpLt:
			if n.Value > math.MinInt64 {
				b.upper(n.Value - 1)
			}
		}
	case *Between:
		if x.Negate || !isBlockColumn(a, x.X) {
			return
		}
		lo, okLo := x.Lo.(*IntLit)
		hi, okHi := x.Hi.(*IntLit)
		if okLo {
			b.lower(lo.Value)
		}
		if okHi {
			b.upper(hi.Value)
		}
	case *In:
		if x.Negate || !isBlockColumn(a, x.X) || len(x.List) == 0 {
			return
		}
		var lo, hi int64 = math.MaxInt64, math.MinInt64
		for _, item := range x.List {
			n, ok := item.(*IntLit)
			if !ok {
				return
			}
			lo = min(lo, n.Value)
			hi = max(hi, n.Value)
		}
		b.lower(lo)
		b.upper(hi)
	}
}

func isAddressColumn(a *Analyzed, e Expr) bool {
	c, ok := e.(*ColumnRef)
	if !ok || c.Table == nil {
		return false
	}
	t := a.TableFor(c.Table)
	// Only single-address tables pin the address; transactions match on
	// either side, so an explicit counterparty is legitimate.
	return len(t.AddressColumns) == 1 && t.AddressColumns[0] == c.Name
}

func checkAddress(a *Analyzed, e Expr, address string) error {
	var literals []Expr
	switch x := e.(type) {
	case *Compare:
		if x.Op != OpEq {
			return nil
		}
		switch {
		case isAddressColumn(a, x.Left):
			literals = []Expr{x.Right}
		case isAddressColumn(a, x.Right):
			literals = []Expr{x.Left}
		}
	case *In:
		if !x.Negate && isAddressColumn(a, x.X) {
			literals = x.List
		}
	}

	for _, l := range literals {
		lit, ok := l.(*StringLit)
		if !ok {
			continue
		}
		if !strings.EqualFold(ir.NormalizeHex(lit.Value), address) {
			return Errorf(KindOutOfScope, lit.Pos, "address %s is outside this instance's scope", lit.Value)
		}
	}
	return nil
}
