package jpql

import "slices"

// QueryPath is a path found in a query.
type QueryPath struct {
	// Variable is the identification variable the path starts from.
	Variable string
	// Path is the full path as written, e.g. o.number.
	Path string
	// Resolved is the path relative to the root entity, with join variables
	// expanded, e.g. orders.number. It is empty for the root variable itself.
	Resolved string
	// Selected reports whether the path is in the select list.
	Selected bool
}

// EntityName returns the name of the root entity.
func (q *Query) EntityName() string { return q.Entity }

// EntityAlias returns the identification variable of the root entity.
func (q *Query) EntityAlias() string { return q.Alias }

// HasDistinct reports whether the query selects distinct rows.
func (q *Query) HasDistinct() bool { return q.Distinct }

// SelectedExpressions returns the select list as text.
func (q *Query) SelectedExpressions() []string {
	out := make([]string, len(q.Select))
	for i, s := range q.Select {
		out[i] = Render(s.Expr)
	}
	return out
}

// IsEntitySelect reports whether the query selects root entity instances.
func (q *Query) IsEntitySelect() bool {
	if len(q.Select) != 1 {
		return false
	}
	p, ok := q.Select[0].Expr.(*Path)
	return ok && len(p.Parts) == 1 && p.Parts[0] == q.Alias
}

// JoinFor returns the join introducing the variable.
func (q *Query) JoinFor(variable string) (Join, bool) {
	for _, j := range q.Joins {
		if j.Alias == variable {
			return j, true
		}
	}
	return Join{}, false
}

// Resolve returns the path relative to the root entity. It reports false if
// the variable is unknown.
func (q *Query) Resolve(p *Path) (string, bool) {
	return q.resolve(p, 0)
}

func (q *Query) resolve(p *Path, depth int) (string, bool) {
	prefix, ok := q.variablePath(p.Root(), depth)
	if !ok {
		return "", false
	}
	rel := p.Rel()
	switch {
	case prefix == "":
		return rel, true
	case rel == "":
		return prefix, true
	}
	return prefix + "." + rel, true
}

func (q *Query) variablePath(v string, depth int) (string, bool) {
	if v == q.Alias {
		return "", true
	}
	j, ok := q.JoinFor(v)
	if !ok || depth > len(q.Joins) {
		return "", false
	}
	return q.resolve(j.Path, depth+1)
}

// QueryPaths returns every distinct path in the query in order of appearance.
func (q *Query) QueryPaths() []QueryPath {
	var (
		out  []QueryPath
		seen = make(map[string]int)
	)
	add := func(e Expr, selected bool) {
		Walk(e, func(x Expr) bool {
			p, ok := x.(*Path)
			if !ok {
				return true
			}
			key := p.String()
			if i, ok := seen[key]; ok {
				out[i].Selected = out[i].Selected || selected
				return false
			}
			resolved, _ := q.Resolve(p)
			seen[key] = len(out)
			out = append(out, QueryPath{Variable: p.Root(), Path: key, Resolved: resolved, Selected: selected})
			return false
		})
	}
	for _, s := range q.Select {
		add(s.Expr, true)
	}
	for _, j := range q.Joins {
		add(j.Path, false)
	}
	add(q.Where, false)
	for _, g := range q.GroupBy {
		add(g, false)
	}
	add(q.Having, false)
	for _, o := range q.OrderBy {
		add(o.Expr, false)
	}
	return out
}

// NullCheckPaths returns the resolved paths tested with "is null" or
// "is not null" in the where clause.
func (q *Query) NullCheckPaths() []string {
	var out []string
	Walk(q.Where, func(x Expr) bool {
		n, ok := x.(*IsNull)
		if !ok {
			return true
		}
		if p, ok := n.X.(*Path); ok {
			if r, ok := q.Resolve(p); ok && r != "" && !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
		return false
	})
	return out
}

// Params returns the names of the parameters used by the query.
func (q *Query) Params() []string {
	var out []string
	visit := func(e Expr) {
		Walk(e, func(x Expr) bool {
			if p, ok := x.(*Param); ok && !slices.Contains(out, p.Name) {
				out = append(out, p.Name)
			}
			return true
		})
	}
	for _, s := range q.Select {
		visit(s.Expr)
	}
	visit(q.Where)
	visit(q.Having)
	return out
}
