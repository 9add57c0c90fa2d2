package queryparse

import (
	"github.com/roach88/vigil/internal/queryir"
)

// MaxQueryLength bounds the accepted query text.
const MaxQueryLength = 16 * 1024

// Parse parses a single SELECT statement. A trailing semicolon is allowed;
// anything after it is a syntax error.
func Parse(input string) (*queryir.Select, error) {
	return ParseWithParams(input, nil)
}

// ParseWithParams is Parse with named integer parameters. A ":name"
// reference lexes as the integer bound to name; an unbound name is a
// syntax error.
func ParseWithParams(input string, params map[string]int64) (*queryir.Select, error) {
	if len(input) > MaxQueryLength {
		return nil, syntaxErr(MaxQueryLength, "query longer than %d bytes", MaxQueryLength)
	}
	toks, err := lex(input, params)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parse()
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) (token, error) {
	t := p.peek()
	if t.kind == tokKeyword && t.text == kw {
		p.i++
		return t, nil
	}
	return t, p.unexpected(t, kw)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, p.unexpected(t, what)
	}
	p.i++
	return t, nil
}

func (p *parser) unexpected(t token, want string) error {
	if t.kind == tokKeyword {
		if what, ok := rejected[t.text]; ok {
			return syntaxErr(t.pos, "%s is not supported (%s)", t.text, what)
		}
	}
	switch t.kind {
	case tokEOF:
		return syntaxErr(t.pos, "unexpected end of query, expected %s", want)
	case tokString:
		return syntaxErr(t.pos, "unexpected string literal, expected %s", want)
	default:
		return syntaxErr(t.pos, "unexpected %q, expected %s", t.text, want)
	}
}

func (p *parser) parse() (*queryir.Select, error) {
	if t := p.peek(); t.kind == tokKeyword && t.text != "SELECT" {
		if what, ok := rejected[t.text]; ok {
			return nil, syntaxErr(t.pos, "only SELECT statements are allowed, not %s (%s)", t.text, what)
		}
	}
	if _, err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	sel := &queryir.Select{}
	if err := p.parseSelectList(sel); err != nil {
		return nil, err
	}

	if _, err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	from, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	sel.From = from

	if p.peek().kind == tokComma {
		return nil, syntaxErr(p.peek().pos, "comma joins are not supported; use JOIN ... ON")
	}

	if p.isKeyword("JOIN") || p.isKeyword("INNER") {
		j, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		sel.Join = j
	}
	if p.isKeyword("JOIN") || p.isKeyword("INNER") {
		return nil, syntaxErr(p.peek().pos, "at most one JOIN is supported")
	}

	if p.acceptKeyword("WHERE") {
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = where
	}

	if p.acceptKeyword("GROUP") {
		if _, err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.parseColumnRef()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, col)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}

	if p.acceptKeyword("ORDER") {
		if _, err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			item := queryir.OrderItem{Expr: e}
			if p.acceptKeyword("DESC") {
				item.Desc = true
			} else {
				p.acceptKeyword("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, item)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}

	if p.acceptKeyword("LIMIT") {
		t, err := p.expect(tokInt, "integer")
		if err != nil {
			return nil, err
		}
		n := t.num
		sel.Limit = &n
	}

	if p.peek().kind == tokSemicolon {
		p.next()
		if p.peek().kind != tokEOF {
			return nil, syntaxErr(p.peek().pos, "multiple statements are not allowed")
		}
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t, "end of query")
	}
	return sel, nil
}

func (p *parser) parseSelectList(sel *queryir.Select) error {
	if p.peek().kind == tokStar {
		p.next()
		sel.Star = true
		return nil
	}
	for {
		e, err := p.parseOperand()
		if err != nil {
			return err
		}
		item := queryir.SelectItem{Expr: e}
		if p.acceptKeyword("AS") {
			alias, err := p.expect(tokIdent, "alias")
			if err != nil {
				return err
			}
			item.Alias = alias.text
		} else if t := p.peek(); t.kind == tokIdent {
			p.next()
			item.Alias = t.text
		}
		sel.Items = append(sel.Items, item)
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseTableRef() (queryir.TableRef, error) {
	if p.peek().kind == tokLParen {
		return queryir.TableRef{}, syntaxErr(p.peek().pos, "subqueries are not supported")
	}
	t, err := p.expect(tokIdent, "table name")
	if err != nil {
		return queryir.TableRef{}, err
	}
	ref := queryir.TableRef{Name: t.text, Pos: t.pos}
	if p.acceptKeyword("AS") {
		alias, err := p.expect(tokIdent, "alias")
		if err != nil {
			return queryir.TableRef{}, err
		}
		ref.Alias = alias.text
	} else if a := p.peek(); a.kind == tokIdent {
		p.next()
		ref.Alias = a.text
	}
	return ref, nil
}

func (p *parser) parseJoin() (*queryir.Join, error) {
	start := p.peek().pos
	p.acceptKeyword("INNER")
	if _, err := p.expectKeyword("JOIN"); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	left, err := p.parseColumnRef()
	if err != nil {
		return nil, err
	}
	op, err := p.expect(tokOp, "=")
	if err != nil {
		return nil, err
	}
	if op.text != "=" {
		return nil, syntaxErr(op.pos, "JOIN condition must be an equality")
	}
	right, err := p.parseColumnRef()
	if err != nil {
		return nil, err
	}
	return &queryir.Join{Table: table, Left: left, Right: right, Pos: start}, nil
}

func (p *parser) parseColumnRef() (*queryir.ColumnRef, error) {
	t, err := p.expect(tokIdent, "column name")
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokDot {
		p.next()
		col, err := p.expect(tokIdent, "column name")
		if err != nil {
			return nil, err
		}
		return &queryir.ColumnRef{Qualifier: t.text, Name: col.text, Pos: t.pos}, nil
	}
	return &queryir.ColumnRef{Name: t.text, Pos: t.pos}, nil
}

// Expression grammar, lowest precedence first:
//
//	expr    := and (OR and)*
//	and     := not (AND not)*
//	not     := NOT not | predicate
//	predicate := operand [cmp operand | [NOT] IN (...) | [NOT] BETWEEN operand AND operand | IS [NOT] NULL]
//	operand := literal | column | func '(' args ')' | '(' expr ')'
func (p *parser) parseExpr() (queryir.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		t := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &queryir.Logical{Op: queryir.OpOr, Left: left, Right: right, Pos: t.pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (queryir.Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		t := p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &queryir.Logical{Op: queryir.OpAnd, Left: left, Right: right, Pos: t.pos}
	}
	return left, nil
}

func (p *parser) parseNot() (queryir.Expr, error) {
	if p.isKeyword("NOT") {
		t := p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &queryir.Not{X: x, Pos: t.pos}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (queryir.Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp {
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &queryir.Compare{Op: queryir.CompareOp(t.text), Left: left, Right: right, Pos: t.pos}, nil
	}

	negate := false
	if p.isKeyword("NOT") {
		negate = true
		p.next()
		if !p.isKeyword("IN") && !p.isKeyword("BETWEEN") {
			return nil, p.unexpected(p.peek(), "IN or BETWEEN after NOT")
		}
	}

	switch {
	case p.isKeyword("IN"):
		p.next()
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		if p.isKeyword("SELECT") {
			return nil, syntaxErr(p.peek().pos, "subqueries are not supported")
		}
		in := &queryir.In{X: left, Negate: negate, Pos: t.pos}
		for {
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, item)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return in, nil
	case p.isKeyword("BETWEEN"):
		p.next()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &queryir.Between{X: left, Lo: lo, Hi: hi, Negate: negate, Pos: t.pos}, nil
	case p.isKeyword("IS"):
		p.next()
		isNot := p.acceptKeyword("NOT")
		if _, err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &queryir.IsNull{X: left, Negate: isNot, Pos: t.pos}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (queryir.Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokInt:
		p.next()
		return &queryir.IntLit{Value: t.num, Pos: t.pos}, nil
	case tokString:
		p.next()
		return &queryir.StringLit{Value: t.text, Pos: t.pos}, nil
	case tokKeyword:
		if t.text == "NULL" {
			p.next()
			return &queryir.NullLit{Pos: t.pos}, nil
		}
		return nil, p.unexpected(t, "expression")
	case tokLParen:
		p.next()
		if p.isKeyword("SELECT") {
			return nil, syntaxErr(p.peek().pos, "subqueries are not supported")
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		if p.toks[p.i+1].kind == tokLParen {
			return p.parseCall()
		}
		return p.parseColumnRef()
	default:
		return nil, p.unexpected(t, "expression")
	}
}

func (p *parser) parseCall() (queryir.Expr, error) {
	name := p.next()
	p.next() // (
	call := &queryir.Call{Name: name.text, Pos: name.pos}
	if p.peek().kind == tokStar {
		p.next()
		call.Star = true
	} else if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return call, nil
}
