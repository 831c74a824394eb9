package entity

import (
	"fmt"
	"strings"

	"github.com/syssam/vxdata/metadata"
)

// CompositeID is a comparable composite primary key.
type CompositeID string

// NewCompositeID returns the key built from component values in order.
func NewCompositeID(components ...any) CompositeID {
	parts := make([]string, len(components))
	for i, c := range components {
		parts[i] = fmt.Sprintf("%T:%v", c, c)
	}
	return CompositeID(strings.Join(parts, "|"))
}

// IDKey returns a comparable map key for an id value. Integer ids are
// widened to int64 and embedded ids are converted to a CompositeID over their
// persistent components.
func IDKey(id any) any {
	switch v := id.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case uint32:
		return int64(v)
	case *Entity:
		if v == nil {
			return nil
		}
		return compositeKey(v)
	}
	return id
}

func compositeKey(e *Entity) CompositeID {
	props := e.class.Properties()
	comps := make([]any, 0, len(props))
	for _, p := range props {
		if p.IsPersistent() {
			comps = append(comps, IDKey(e.values[p.Name()]))
		}
	}
	return NewCompositeID(comps...)
}

// EmbeddedID returns an embedded primary key value of the class built from
// component values in property order.
func EmbeddedID(class *metadata.Class, components ...any) *Entity {
	pk := class.PrimaryKeyProperty()
	id := New(pk.Target())
	for i, p := range pk.Target().Properties() {
		if i < len(components) {
			id.Set(p.Name(), components[i])
		}
	}
	return id
}

// IDs returns the ids of the entities.
func IDs(entities []*Entity) []any {
	ids := make([]any, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	return ids
}
