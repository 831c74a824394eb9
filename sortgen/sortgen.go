// Package sortgen rewrites the order by clause of a query from a Sort.
package sortgen

import (
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
)

// maxExpandDepth caps the expansion of instance names and related
// properties, which may refer back to the same class.
const maxExpandDepth = 8

// Option configures a Generator.
type Option func(*Generator)

// WithLobSortSupported sets whether the store can sort by large objects.
func WithLobSortSupported(v bool) Option {
	return func(g *Generator) {
		g.lobSort = v
	}
}

// Generator computes sort expressions and rewrites query text.
type Generator struct {
	reg     *metadata.Registry
	lobSort bool
}

// New returns a Generator.
func New(reg *metadata.Registry, opts ...Option) *Generator {
	g := &Generator{reg: reg}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ProcessQuery returns the query with its order by clause replaced by the
// sort. Entity queries name the entity; value queries pass the logical names
// of the selected columns instead. An empty sort returns the query unchanged.
func (g *Generator) ProcessQuery(entityName string, valueProperties []string, query string, sort data.Sort) (string, error) {
	if sort.IsEmpty() {
		return query, nil
	}
	dir := sort.Orders[0].Direction
	for _, o := range sort.Orders[1:] {
		if o.Direction != dir {
			return "", vxdata.NewUnsupportedError("sort by multiple properties with different directions: %s", sort)
		}
	}
	t, err := jpql.NewTransformer(query)
	if err != nil {
		return "", fmt.Errorf("sortgen: %w", err)
	}
	var exprs []string
	switch {
	case entityName != "":
		class, err := g.reg.Class(entityName)
		if err != nil {
			return "", err
		}
		for _, o := range sort.Orders {
			path := class.PropertyPath(o.Property)
			if path == nil {
				return "", vxdata.NewDevelopmentError("could not resolve sort property path",
					"entity", entityName, "path", o.Property)
			}
			exprs = appendUnique(exprs, g.propertyExpressions(class, o.Property, path, 0)...)
		}
		exprs = append(exprs, uniqueExpressions(class, exprs)...)
	case valueProperties != nil:
		selected := t.Query().SelectedExpressions()
		for _, o := range sort.Orders {
			if i := slices.Index(valueProperties, o.Property); i >= 0 && i < len(selected) {
				exprs = appendUnique(exprs, selected[i])
			}
		}
	}
	if len(exprs) == 0 {
		return query, nil
	}
	if err := t.ReplaceOrderByExpressions(dir == data.Desc, exprs...); err != nil {
		return "", fmt.Errorf("sortgen: %w", err)
	}
	return t.Result(), nil
}

// propertyExpressions returns the sort expressions of a resolved path.
func (g *Generator) propertyExpressions(root *metadata.Class, path string, props []*metadata.Property, depth int) []string {
	if depth > maxExpandDepth {
		return nil
	}
	last := props[len(props)-1]
	if !metadata.IsPersistent(props) {
		var out []string
		parent := parentPath(path)
		for _, rel := range metadata.RelatedProperties(last) {
			relPath := join(parent, rel)
			if relProps := root.PropertyPath(relPath); relProps != nil {
				out = append(out, g.propertyExpressions(root, relPath, relProps, depth+1)...)
			}
		}
		return out
	}
	switch {
	case last.IsReference():
		if last.Cardinality().IsMany() {
			return nil
		}
		names := metadata.InstanceNameRelatedProperties(last.Target(), false)
		if len(names) == 0 {
			return []string{path}
		}
		var out []string
		for _, p := range names {
			sub := path + "." + p.Name()
			if subProps := root.PropertyPath(sub); subProps != nil {
				out = append(out, g.propertyExpressions(root, sub, subProps, depth+1)...)
			}
		}
		return out
	case metadata.IsLob(last) && !g.lobSort:
		return nil
	default:
		return []string{path}
	}
}

// uniqueExpressions returns the primary key expressions not yet in exprs.
func uniqueExpressions(class *metadata.Class, exprs []string) []string {
	var out []string
	for _, p := range metadata.PrimaryKeyPaths(class) {
		if !slices.Contains(exprs, p) {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(exprs []string, add ...string) []string {
	for _, e := range add {
		if !slices.Contains(exprs, e) {
			exprs = append(exprs, e)
		}
	}
	return exprs
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return ""
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
