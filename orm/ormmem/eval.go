package ormmem

import (
	"cmp"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
)

var (
	lowerCaser = cases.Lower(language.Und)
	upperCaser = cases.Upper(language.Und)
)

// binding maps identification variables to rows. A nil row is the empty
// side of a left join.
type binding map[string]*row

func (b binding) with(alias string, r *row) binding {
	c := make(binding, len(b)+1)
	for k, v := range b {
		c[k] = v
	}
	c[alias] = r
	return c
}

// refKey is the comparable form of an entity value.
type refKey struct {
	root string
	key  any
}

type evaluator struct {
	em     *EntityManager
	q      *jpql.Query
	params map[string]any
	root   *metadata.Class
	group  []binding
}

func (ev *evaluator) run() ([][]any, error) {
	root, ok := ev.em.db.reg.Lookup(ev.q.Entity)
	if !ok {
		return nil, fmt.Errorf("ormmem: unknown entity %q", ev.q.Entity)
	}
	ev.root = root
	var tuples []binding
	for _, r := range ev.em.view().scan(rootName(root)) {
		if root.IsAssignableFrom(r.class) && !ev.em.hidden(r) {
			tuples = append(tuples, binding{ev.q.Alias: r})
		}
	}
	for _, j := range ev.q.Joins {
		var err error
		if tuples, err = ev.join(tuples, j); err != nil {
			return nil, err
		}
	}
	if ev.q.Where != nil {
		kept := tuples[:0:0]
		for _, b := range tuples {
			v, err := ev.eval(ev.q.Where, b)
			if err != nil {
				return nil, err
			}
			if v == true {
				kept = append(kept, b)
			}
		}
		tuples = kept
	}
	type result struct {
		cols []any
		keys []any
	}
	var results []result
	project := func(b binding) error {
		res := result{cols: make([]any, len(ev.q.Select))}
		for i, s := range ev.q.Select {
			v, err := ev.eval(s.Expr, b)
			if err != nil {
				return err
			}
			res.cols[i] = v
		}
		for _, o := range ev.q.OrderBy {
			v, err := ev.orderValue(o.Expr, b, res.cols)
			if err != nil {
				return err
			}
			res.keys = append(res.keys, v)
		}
		results = append(results, res)
		return nil
	}
	if len(ev.q.GroupBy) > 0 || ev.aggregated() {
		groups, err := ev.groups(tuples)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			ev.group = g
			first := binding{}
			if len(g) > 0 {
				first = g[0]
			}
			if ev.q.Having != nil {
				v, err := ev.eval(ev.q.Having, first)
				if err != nil {
					return nil, err
				}
				if v != true {
					continue
				}
			}
			if err := project(first); err != nil {
				return nil, err
			}
		}
		ev.group = nil
	} else {
		for _, b := range tuples {
			if err := project(b); err != nil {
				return nil, err
			}
		}
	}
	if len(ev.q.OrderBy) > 0 {
		slices.SortStableFunc(results, func(a, b result) int {
			for i, o := range ev.q.OrderBy {
				c := compareNullsFirst(a.keys[i], b.keys[i])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	out := make([][]any, 0, len(results))
	seen := make(map[string]struct{})
	for _, r := range results {
		if ev.q.Distinct {
			k := tupleKey(r.cols)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, r.cols)
	}
	return out, nil
}

func (ev *evaluator) join(tuples []binding, j jpql.Join) ([]binding, error) {
	if j.Alias == "" {
		return tuples, nil
	}
	var out []binding
	for _, b := range tuples {
		v, err := ev.navigate(j.Path, b)
		if err != nil {
			return nil, err
		}
		var targets []*row
		switch v := v.(type) {
		case *row:
			targets = []*row{v}
		case []*row:
			targets = v
		}
		if len(targets) == 0 {
			if j.Left {
				out = append(out, b.with(j.Alias, nil))
			}
			continue
		}
		for _, t := range targets {
			out = append(out, b.with(j.Alias, t))
		}
	}
	return out, nil
}

func (ev *evaluator) aggregated() bool {
	found := false
	for _, s := range ev.q.Select {
		jpql.Walk(s.Expr, func(x jpql.Expr) bool {
			if f, ok := x.(*jpql.Func); ok && isAggregate(f.Name) {
				found = true
			}
			return !found
		})
	}
	return found
}

func isAggregate(name string) bool {
	switch name {
	case "count", "sum", "avg", "min", "max":
		return true
	}
	return false
}

func (ev *evaluator) groups(tuples []binding) ([][]binding, error) {
	if len(ev.q.GroupBy) == 0 {
		return [][]binding{tuples}, nil
	}
	var (
		out   [][]binding
		index = make(map[string]int)
	)
	for _, b := range tuples {
		vals := make([]any, len(ev.q.GroupBy))
		for i, g := range ev.q.GroupBy {
			v, err := ev.eval(g, b)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		k := tupleKey(vals)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], b)
	}
	return out, nil
}

// orderValue evaluates an order by expression. A bare identifier naming a
// select alias refers to that column.
func (ev *evaluator) orderValue(e jpql.Expr, b binding, cols []any) (any, error) {
	if p, ok := e.(*jpql.Path); ok && len(p.Parts) == 1 {
		for i, s := range ev.q.Select {
			if s.Alias != "" && s.Alias == p.Parts[0] {
				return normalize(cols[i]), nil
			}
		}
	}
	v, err := ev.eval(e, b)
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func (ev *evaluator) eval(e jpql.Expr, b binding) (any, error) {
	switch e := e.(type) {
	case *jpql.Path:
		return ev.navigate(e, b)
	case *jpql.Param:
		v, ok := ev.params[e.Name]
		if !ok {
			return nil, fmt.Errorf("ormmem: parameter %q is not set", e.Name)
		}
		return v, nil
	case *jpql.Literal:
		return literal(e)
	case *jpql.Paren:
		return ev.eval(e.X, b)
	case *jpql.Func:
		return ev.call(e, b)
	case *jpql.Logical:
		l, err := ev.eval(e.Left, b)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(e.Right, b)
		if err != nil {
			return nil, err
		}
		return logical(e.Op, l, r), nil
	case *jpql.Not:
		v, err := ev.eval(e.X, b)
		if err != nil || v == nil {
			return nil, err
		}
		return v != true, nil
	case *jpql.Compare:
		return ev.compare(e, b)
	case *jpql.IsNull:
		v, err := ev.eval(e.X, b)
		if err != nil {
			return nil, err
		}
		null := v == nil
		if rows, ok := v.([]*row); ok {
			null = len(rows) == 0
		}
		return null != e.Not, nil
	case *jpql.In:
		return ev.in(e, b)
	case *jpql.Like:
		return ev.like(e, b)
	case *jpql.Between:
		x, err := ev.eval(e.X, b)
		if err != nil {
			return nil, err
		}
		lo, err := ev.eval(e.Low, b)
		if err != nil {
			return nil, err
		}
		hi, err := ev.eval(e.High, b)
		if err != nil {
			return nil, err
		}
		if x == nil || lo == nil || hi == nil {
			return nil, nil
		}
		c1, ok1 := compareValues(normalize(x), normalize(lo))
		c2, ok2 := compareValues(normalize(x), normalize(hi))
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("ormmem: cannot compare %T in between", x)
		}
		return (c1 >= 0 && c2 <= 0) != e.Not, nil
	}
	return nil, fmt.Errorf("ormmem: unsupported expression %s", jpql.Render(e))
}

// navigate resolves a path. A collection may only end a path.
func (ev *evaluator) navigate(p *jpql.Path, b binding) (any, error) {
	r, ok := b[p.Root()]
	if !ok {
		return nil, fmt.Errorf("ormmem: unknown identification variable %q", p.Root())
	}
	var cur any = r
	if r == nil {
		return nil, nil
	}
	for i, part := range p.Parts[1:] {
		last := i == len(p.Parts)-2
		switch v := cur.(type) {
		case *row:
			prop := v.class.Property(part)
			if prop == nil {
				return nil, fmt.Errorf("ormmem: unknown attribute %s.%s", v.class.Name(), part)
			}
			switch {
			case prop.IsCollection():
				if !last {
					return nil, fmt.Errorf("ormmem: cannot navigate collection %s, join it", prop)
				}
				cur = ev.em.collectionRows(v, prop)
			case prop.IsReference():
				t := ev.em.refRow(v, prop)
				if t == nil {
					return nil, nil
				}
				cur = t
			default:
				cur = v.values[part]
			}
		case *entity.Entity:
			if v.Class().Property(part) == nil {
				return nil, fmt.Errorf("ormmem: unknown attribute %s.%s", v.Class().Name(), part)
			}
			cur = v.Get(part)
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("ormmem: cannot navigate %q of %T", part, v)
		}
	}
	return cur, nil
}

func literal(l *jpql.Literal) (any, error) {
	switch l.Kind {
	case jpql.LitString:
		return l.Value, nil
	case jpql.LitBool:
		return l.Value == "true", nil
	case jpql.LitNull:
		return nil, nil
	}
	if n, err := strconv.ParseInt(l.Value, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(l.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("ormmem: invalid number %q", l.Value)
	}
	return f, nil
}

func logical(op string, l, r any) any {
	if op == "and" {
		switch {
		case l == false || r == false:
			return false
		case l == nil || r == nil:
			return nil
		}
		return true
	}
	switch {
	case l == true || r == true:
		return true
	case l == nil || r == nil:
		return nil
	}
	return false
}

func (ev *evaluator) call(f *jpql.Func, b binding) (any, error) {
	if isAggregate(f.Name) {
		if ev.group == nil {
			return nil, fmt.Errorf("ormmem: aggregate %s outside of a grouped query", f.Name)
		}
		return ev.aggregate(f)
	}
	if len(f.Args) != 1 {
		return nil, fmt.Errorf("ormmem: %s expects one argument", f.Name)
	}
	v, err := ev.eval(f.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("ormmem: %s expects a string, got %T", f.Name, v)
	}
	switch f.Name {
	case "lower":
		return lowerCaser.String(s), nil
	case "upper":
		return upperCaser.String(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "length":
		return int64(len([]rune(s))), nil
	}
	return nil, fmt.Errorf("ormmem: unsupported function %s", f.Name)
}

func (ev *evaluator) aggregate(f *jpql.Func) (any, error) {
	var vals []any
	seen := make(map[string]struct{})
	for _, b := range ev.group {
		var v any = true
		if !f.Star {
			if len(f.Args) != 1 {
				return nil, fmt.Errorf("ormmem: %s expects one argument", f.Name)
			}
			var err error
			if v, err = ev.eval(f.Args[0], b); err != nil {
				return nil, err
			}
		}
		if v == nil {
			continue
		}
		if f.Distinct {
			k := tupleKey([]any{v})
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
		}
		vals = append(vals, normalize(v))
	}
	switch f.Name {
	case "count":
		return int64(len(vals)), nil
	case "min", "max":
		var best any
		for _, v := range vals {
			if best == nil {
				best = v
				continue
			}
			c, ok := compareValues(v, best)
			if !ok {
				return nil, fmt.Errorf("ormmem: cannot compare %T in %s", v, f.Name)
			}
			if (f.Name == "min" && c < 0) || (f.Name == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	if len(vals) == 0 {
		return nil, nil
	}
	var (
		isum  int64
		fsum  float64
		float bool
	)
	for _, v := range vals {
		switch v := v.(type) {
		case int64:
			isum += v
			fsum += float64(v)
		case float64:
			float = true
			fsum += v
		default:
			return nil, fmt.Errorf("ormmem: %s expects numbers, got %T", f.Name, v)
		}
	}
	if f.Name == "avg" {
		return fsum / float64(len(vals)), nil
	}
	if float {
		return fsum, nil
	}
	return isum, nil
}

func (ev *evaluator) compare(c *jpql.Compare, b binding) (any, error) {
	l, err := ev.eval(c.Left, b)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(c.Right, b)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}
	l, r = normalize(l), normalize(r)
	switch c.Op {
	case "=":
		return equal(l, r), nil
	case "<>":
		return !equal(l, r), nil
	}
	n, ok := compareValues(l, r)
	if !ok {
		return nil, fmt.Errorf("ormmem: cannot compare %T with %T", l, r)
	}
	switch c.Op {
	case "<":
		return n < 0, nil
	case "<=":
		return n <= 0, nil
	case ">":
		return n > 0, nil
	case ">=":
		return n >= 0, nil
	}
	return nil, fmt.Errorf("ormmem: unsupported operator %s", c.Op)
}

func (ev *evaluator) in(e *jpql.In, b binding) (any, error) {
	x, err := ev.eval(e.X, b)
	if err != nil || x == nil {
		return nil, err
	}
	var list []any
	for _, item := range e.List {
		v, err := ev.eval(item, b)
		if err != nil {
			return nil, err
		}
		if _, ok := item.(*jpql.Param); ok {
			list = append(list, expand(v)...)
			continue
		}
		list = append(list, v)
	}
	x = normalize(x)
	for _, v := range list {
		if v != nil && equal(x, normalize(v)) {
			return !e.Not, nil
		}
	}
	return e.Not, nil
}

// expand flattens a slice parameter into its elements.
func expand(v any) []any {
	if v == nil {
		return []any{nil}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func (ev *evaluator) like(e *jpql.Like, b binding) (any, error) {
	x, err := ev.eval(e.X, b)
	if err != nil {
		return nil, err
	}
	p, err := ev.eval(e.Pattern, b)
	if err != nil {
		return nil, err
	}
	xs, ok1 := x.(string)
	ps, ok2 := p.(string)
	if x == nil || p == nil {
		return nil, nil
	}
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("ormmem: like expects strings, got %T and %T", x, p)
	}
	re, err := likePattern(ps)
	if err != nil {
		return nil, err
	}
	return re.MatchString(xs) != e.Not, nil
}

func likePattern(p string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}

// normalize returns the comparable form of a value.
func normalize(v any) any {
	switch v := v.(type) {
	case *row:
		return refKey{root: rootName(v.class), key: v.key}
	case *entity.Entity:
		if v.Class().IsEmbeddable() {
			return entity.IDKey(v)
		}
		return refKey{root: rootName(v.Class()), key: v.Key()}
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	}
	return v
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func toInt64(v any) int64 {
	switch v := normalize(v).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// compareValues orders two normalized values of compatible types.
func compareValues(a, b any) (int, bool) {
	switch a := a.(type) {
	case int64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, b), true
		case float64:
			return cmp.Compare(float64(a), b), true
		}
	case float64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, float64(b)), true
		case float64:
			return cmp.Compare(a, b), true
		}
	case string:
		if b, ok := b.(string); ok {
			return strings.Compare(a, b), true
		}
	case bool:
		if b, ok := b.(bool); ok {
			switch {
			case a == b:
				return 0, true
			case !a:
				return -1, true
			}
			return 1, true
		}
	case time.Time:
		if b, ok := b.(time.Time); ok {
			return a.Compare(b), true
		}
	case uuid.UUID:
		if b, ok := b.(uuid.UUID); ok {
			return strings.Compare(a.String(), b.String()), true
		}
	case refKey:
		if b, ok := b.(refKey); ok && a.root == b.root {
			if c, ok := compareValues(normalize(a.key), normalize(b.key)); ok {
				return c, true
			}
			if a.key == b.key {
				return 0, true
			}
			return strings.Compare(fmt.Sprint(a.key), fmt.Sprint(b.key)), true
		}
	}
	return 0, false
}

// compareNullsFirst orders values for sorting, nil before everything.
func compareNullsFirst(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func tupleKey(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		v = normalize(v)
		if t, ok := v.(time.Time); ok {
			v = t.UnixNano()
		}
		fmt.Fprintf(&sb, "%T:%v|", v, v)
	}
	return sb.String()
}
