package jpql

import (
	"fmt"
	"strings"
)

var reserved = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "left": true,
	"inner": true, "outer": true, "fetch": true, "group": true, "order": true,
	"by": true, "having": true, "and": true, "or": true, "not": true, "as": true,
	"distinct": true, "is": true, "null": true, "in": true, "like": true,
	"between": true, "asc": true, "desc": true,
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses a select statement.
func Parse(text string) (*Query, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return q, nil
}

// ParseCondition parses a where condition.
func ParseCondition(text string) (Expr, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return e, nil
}

// ParseExpr parses a scalar expression such as a path or function call.
func ParseExpr(text string) (Expr, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	e, err := p.operand()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return e, nil
}

func newParser(text string) (*parser, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kw string) error {
	if t := p.peek(); !t.is(kw) {
		return p.errorf(t, "expected %q, got %s", kw, t)
	}
	p.pos++
	return nil
}

func (p *parser) expectKind(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, p.errorf(t, "expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *parser) errorf(t token, format string, a ...any) error {
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf(format, a...)}
}

func (p *parser) query() (*Query, error) {
	if err := p.expect("select"); err != nil {
		return nil, err
	}
	q := &Query{Distinct: p.accept("distinct")}
	for {
		e, err := p.operand()
		if err != nil {
			return nil, err
		}
		item := SelectItem{Expr: e}
		if p.accept("as") {
			t, err := p.expectKind(tokIdent, "alias")
			if err != nil {
				return nil, err
			}
			item.Alias = t.text
		}
		q.Select = append(q.Select, item)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if err := p.expect("from"); err != nil {
		return nil, err
	}
	t, err := p.expectKind(tokIdent, "entity name")
	if err != nil {
		return nil, err
	}
	q.Entity = t.text
	if q.Alias, err = p.alias(true); err != nil {
		return nil, err
	}
joins:
	for {
		var j Join
		switch {
		case p.peek().is("left"):
			p.next()
			p.accept("outer")
			j.Left = true
		case p.peek().is("inner"):
			p.next()
		case p.peek().is("join"):
		default:
			break joins
		}
		if err := p.expect("join"); err != nil {
			return nil, err
		}
		j.Fetch = p.accept("fetch")
		t := p.peek()
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		if len(path.Parts) < 2 {
			return nil, p.errorf(t, "join requires an association path")
		}
		j.Path = path
		if j.Alias, err = p.alias(!j.Fetch); err != nil {
			return nil, err
		}
		q.Joins = append(q.Joins, j)
	}
	if p.accept("where") {
		if q.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	if p.accept("group") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.operand()
			if err != nil {
				return nil, err
			}
			q.GroupBy = append(q.GroupBy, e)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.accept("having") {
		if q.Having, err = p.expr(); err != nil {
			return nil, err
		}
	}
	if p.accept("order") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		for {
			e, err := p.operand()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.accept("desc") {
				item.Desc = true
			} else {
				p.accept("asc")
			}
			q.OrderBy = append(q.OrderBy, item)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	return q, nil
}

func (p *parser) alias(required bool) (string, error) {
	p.accept("as")
	t := p.peek()
	if t.kind == tokIdent && !reserved[strings.ToLower(t.text)] {
		p.next()
		return t.text, nil
	}
	if required {
		return "", p.errorf(t, "expected identification variable, got %s", t)
	}
	return "", nil
}

func (p *parser) expr() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept("or") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.accept("and") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) not() (Expr, error) {
	if p.accept("not") {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (Expr, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	if p.accept("is") {
		not := p.accept("not")
		if err := p.expect("null"); err != nil {
			return nil, err
		}
		return &IsNull{X: left, Not: not}, nil
	}
	not := false
	if p.peek().is("not") {
		switch nt := p.peekAt(1); {
		case nt.is("in"), nt.is("like"), nt.is("between"):
			p.next()
			not = true
		}
	}
	switch t := p.peek(); {
	case t.is("in"):
		p.next()
		list, err := p.inList()
		if err != nil {
			return nil, err
		}
		return &In{X: left, Not: not, List: list}, nil
	case t.is("like"):
		p.next()
		pat, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Like{X: left, Not: not, Pattern: pat}, nil
	case t.is("between"):
		p.next()
		lo, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect("and"); err != nil {
			return nil, err
		}
		hi, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Not: not, Low: lo, High: hi}, nil
	case t.kind == tokOp && isComparison(t.text):
		p.next()
		right, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Compare{Op: t.text, Left: left, Right: right}, nil
	}
	return left, nil
}

func isComparison(op string) bool {
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) inList() ([]Expr, error) {
	if t := p.peek(); t.kind == tokParam {
		p.next()
		return []Expr{&Param{Name: t.text}}, nil
	}
	if _, err := p.expectKind(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var list []Expr
	for {
		e, err := p.operand()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expectKind(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) operand() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectKind(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &Paren{X: x}, nil
	case tokParam:
		p.next()
		return &Param{Name: t.text}, nil
	case tokString:
		p.next()
		return &Literal{Kind: LitString, Value: t.text}, nil
	case tokNumber:
		p.next()
		return &Literal{Kind: LitNumber, Value: t.text}, nil
	case tokOp:
		if t.text == "-" && p.peekAt(1).kind == tokNumber {
			p.next()
			n := p.next()
			return &Literal{Kind: LitNumber, Value: "-" + n.text}, nil
		}
	case tokIdent:
		switch {
		case t.is("null"):
			p.next()
			return &Literal{Kind: LitNull, Value: "null"}, nil
		case t.is("true"), t.is("false"):
			p.next()
			return &Literal{Kind: LitBool, Value: strings.ToLower(t.text)}, nil
		case p.peekAt(1).kind == tokLParen:
			return p.call()
		case reserved[strings.ToLower(t.text)]:
			return nil, p.errorf(t, "unexpected keyword %s", t)
		}
		return p.path()
	}
	return nil, p.errorf(t, "unexpected %s", t)
}

func (p *parser) call() (Expr, error) {
	name := p.next()
	p.next() // (
	f := &Func{Name: strings.ToLower(name.text)}
	f.Distinct = p.accept("distinct")
	switch p.peek().kind {
	case tokStar:
		p.next()
		f.Star = true
	case tokRParen:
	default:
		for {
			e, err := p.operand()
			if err != nil {
				return nil, err
			}
			f.Args = append(f.Args, e)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expectKind(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) path() (*Path, error) {
	t, err := p.expectKind(tokIdent, "path")
	if err != nil {
		return nil, err
	}
	path := &Path{Parts: []string{t.text}}
	for p.peek().kind == tokDot {
		p.next()
		t, err := p.expectKind(tokIdent, "property name")
		if err != nil {
			return nil, err
		}
		path.Parts = append(path.Parts, t.text)
	}
	return path, nil
}
