package jpql

import (
	"strings"
)

// Expr is a query expression.
type Expr interface {
	write(*strings.Builder)
}

type (
	// Path is a dotted identification variable path, e.g. e.customer.name.
	Path struct {
		Parts []string
	}

	// Param is a named parameter, e.g. :name.
	Param struct {
		Name string
	}

	// Literal is a string, number, boolean or null literal.
	Literal struct {
		Kind  LiteralKind
		Value string
	}

	// Func is a function call, e.g. lower(e.name) or count(distinct e).
	Func struct {
		Name     string
		Distinct bool
		Star     bool
		Args     []Expr
	}

	// Logical is a conjunction or disjunction.
	Logical struct {
		Op          string // "and" or "or"
		Left, Right Expr
	}

	// Not negates a condition.
	Not struct {
		X Expr
	}

	// Paren is a parenthesized expression.
	Paren struct {
		X Expr
	}

	// Compare is a binary comparison.
	Compare struct {
		Op          string // =, <>, <, <=, >, >=
		Left, Right Expr
	}

	// IsNull is an "is [not] null" test.
	IsNull struct {
		X   Expr
		Not bool
	}

	// In is an "[not] in (...)" test. A single Param element may hold a list.
	In struct {
		X    Expr
		Not  bool
		List []Expr
	}

	// Like is a "[not] like" test.
	Like struct {
		X       Expr
		Not     bool
		Pattern Expr
	}

	// Between is a "[not] between .. and .." test.
	Between struct {
		X         Expr
		Not       bool
		Low, High Expr
	}
)

// LiteralKind is the kind of a literal.
type LiteralKind int

// Literal kinds.
const (
	LitString LiteralKind = iota
	LitNumber
	LitBool
	LitNull
)

// SelectItem is an entry of the select list.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// Join is a join clause over an association path.
type Join struct {
	Left  bool
	Fetch bool
	Path  *Path
	Alias string
}

// OrderItem is an entry of the order by clause.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Query is a parsed select statement.
type Query struct {
	Distinct bool
	Select   []SelectItem
	Entity   string
	Alias    string
	Joins    []Join
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
}

// Root returns the identification variable of the path.
func (p *Path) Root() string { return p.Parts[0] }

// Rel returns the path without its identification variable.
func (p *Path) Rel() string { return strings.Join(p.Parts[1:], ".") }

// String returns the dotted path.
func (p *Path) String() string { return strings.Join(p.Parts, ".") }

func (p *Path) write(sb *strings.Builder) { sb.WriteString(p.String()) }

func (p *Param) write(sb *strings.Builder) {
	sb.WriteByte(':')
	sb.WriteString(p.Name)
}

func (l *Literal) write(sb *strings.Builder) {
	switch l.Kind {
	case LitString:
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(l.Value, "'", "''"))
		sb.WriteByte('\'')
	case LitNull:
		sb.WriteString("null")
	default:
		sb.WriteString(l.Value)
	}
}

func (f *Func) write(sb *strings.Builder) {
	sb.WriteString(f.Name)
	sb.WriteByte('(')
	if f.Distinct {
		sb.WriteString("distinct ")
	}
	if f.Star {
		sb.WriteByte('*')
	}
	writeList(sb, f.Args)
	sb.WriteByte(')')
}

func (l *Logical) write(sb *strings.Builder) {
	l.Left.write(sb)
	sb.WriteByte(' ')
	sb.WriteString(l.Op)
	sb.WriteByte(' ')
	l.Right.write(sb)
}

func (n *Not) write(sb *strings.Builder) {
	sb.WriteString("not ")
	n.X.write(sb)
}

func (p *Paren) write(sb *strings.Builder) {
	sb.WriteByte('(')
	p.X.write(sb)
	sb.WriteByte(')')
}

func (c *Compare) write(sb *strings.Builder) {
	c.Left.write(sb)
	sb.WriteByte(' ')
	sb.WriteString(c.Op)
	sb.WriteByte(' ')
	c.Right.write(sb)
}

func (n *IsNull) write(sb *strings.Builder) {
	n.X.write(sb)
	if n.Not {
		sb.WriteString(" is not null")
	} else {
		sb.WriteString(" is null")
	}
}

func (in *In) write(sb *strings.Builder) {
	in.X.write(sb)
	writeNot(sb, in.Not)
	sb.WriteString(" in (")
	writeList(sb, in.List)
	sb.WriteByte(')')
}

func (l *Like) write(sb *strings.Builder) {
	l.X.write(sb)
	writeNot(sb, l.Not)
	sb.WriteString(" like ")
	l.Pattern.write(sb)
}

func (b *Between) write(sb *strings.Builder) {
	b.X.write(sb)
	writeNot(sb, b.Not)
	sb.WriteString(" between ")
	b.Low.write(sb)
	sb.WriteString(" and ")
	b.High.write(sb)
}

func writeNot(sb *strings.Builder, not bool) {
	if not {
		sb.WriteString(" not")
	}
}

func writeList(sb *strings.Builder, list []Expr) {
	for i, e := range list {
		if i > 0 {
			sb.WriteString(", ")
		}
		e.write(sb)
	}
}

// Render returns the text of an expression.
func Render(e Expr) string {
	if e == nil {
		return ""
	}
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

// String renders the query in canonical form.
func (q *Query) String() string {
	var sb strings.Builder
	sb.WriteString("select ")
	if q.Distinct {
		sb.WriteString("distinct ")
	}
	for i, it := range q.Select {
		if i > 0 {
			sb.WriteString(", ")
		}
		it.Expr.write(&sb)
		if it.Alias != "" {
			sb.WriteString(" as ")
			sb.WriteString(it.Alias)
		}
	}
	sb.WriteString(" from ")
	sb.WriteString(q.Entity)
	sb.WriteByte(' ')
	sb.WriteString(q.Alias)
	for _, j := range q.Joins {
		if j.Left {
			sb.WriteString(" left")
		}
		sb.WriteString(" join ")
		if j.Fetch {
			sb.WriteString("fetch ")
		}
		sb.WriteString(j.Path.String())
		if j.Alias != "" {
			sb.WriteByte(' ')
			sb.WriteString(j.Alias)
		}
	}
	if q.Where != nil {
		sb.WriteString(" where ")
		q.Where.write(&sb)
	}
	if len(q.GroupBy) > 0 {
		sb.WriteString(" group by ")
		writeList(&sb, q.GroupBy)
	}
	if q.Having != nil {
		sb.WriteString(" having ")
		q.Having.write(&sb)
	}
	if len(q.OrderBy) > 0 {
		sb.WriteString(" order by ")
		for i, o := range q.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			o.Expr.write(&sb)
			if o.Desc {
				sb.WriteString(" desc")
			}
		}
	}
	return sb.String()
}

// Walk calls fn for e and every nested expression in depth-first order.
// Children are skipped when fn returns false.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *Func:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *Logical:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Not:
		Walk(x.X, fn)
	case *Paren:
		Walk(x.X, fn)
	case *Compare:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *IsNull:
		Walk(x.X, fn)
	case *In:
		Walk(x.X, fn)
		for _, a := range x.List {
			Walk(a, fn)
		}
	case *Like:
		Walk(x.X, fn)
		Walk(x.Pattern, fn)
	case *Between:
		Walk(x.X, fn)
		Walk(x.Low, fn)
		Walk(x.High, fn)
	}
}

func cloneExpr(e Expr) Expr {
	switch x := e.(type) {
	case nil:
		return nil
	case *Path:
		return &Path{Parts: append([]string(nil), x.Parts...)}
	case *Param:
		c := *x
		return &c
	case *Literal:
		c := *x
		return &c
	case *Func:
		return &Func{Name: x.Name, Distinct: x.Distinct, Star: x.Star, Args: cloneList(x.Args)}
	case *Logical:
		return &Logical{Op: x.Op, Left: cloneExpr(x.Left), Right: cloneExpr(x.Right)}
	case *Not:
		return &Not{X: cloneExpr(x.X)}
	case *Paren:
		return &Paren{X: cloneExpr(x.X)}
	case *Compare:
		return &Compare{Op: x.Op, Left: cloneExpr(x.Left), Right: cloneExpr(x.Right)}
	case *IsNull:
		return &IsNull{X: cloneExpr(x.X), Not: x.Not}
	case *In:
		return &In{X: cloneExpr(x.X), Not: x.Not, List: cloneList(x.List)}
	case *Like:
		return &Like{X: cloneExpr(x.X), Not: x.Not, Pattern: cloneExpr(x.Pattern)}
	case *Between:
		return &Between{X: cloneExpr(x.X), Not: x.Not, Low: cloneExpr(x.Low), High: cloneExpr(x.High)}
	}
	return e
}

func cloneList(list []Expr) []Expr {
	if list == nil {
		return nil
	}
	out := make([]Expr, len(list))
	for i, e := range list {
		out[i] = cloneExpr(e)
	}
	return out
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	c := &Query{
		Distinct: q.Distinct,
		Entity:   q.Entity,
		Alias:    q.Alias,
		Where:    cloneExpr(q.Where),
		GroupBy:  cloneList(q.GroupBy),
		Having:   cloneExpr(q.Having),
	}
	for _, s := range q.Select {
		c.Select = append(c.Select, SelectItem{Expr: cloneExpr(s.Expr), Alias: s.Alias})
	}
	for _, j := range q.Joins {
		j.Path = cloneExpr(j.Path).(*Path)
		c.Joins = append(c.Joins, j)
	}
	for _, o := range q.OrderBy {
		c.OrderBy = append(c.OrderBy, OrderItem{Expr: cloneExpr(o.Expr), Desc: o.Desc})
	}
	return c
}
