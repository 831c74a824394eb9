// Package entity provides the runtime representation of entity instances.
//
// An Entity is a generic property bag bound to a metadata.Class. Reference
// properties hold *Entity (to-one) or []*Entity (to-many), embedded
// properties hold an *Entity of the embeddable class. The loaded set records
// which properties were materialized by a partial load.
package entity

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/syssam/vxdata/metadata"
)

// State is the lifecycle state of an entity instance.
type State int

// Lifecycle states.
const (
	// StateNew instances were never persisted.
	StateNew State = iota
	// StateManaged instances are attached to a persistence context.
	StateManaged
	// StateDetached instances were persisted and are no longer attached.
	StateDetached
	// StateRemoved instances were deleted in their persistence context.
	StateRemoved
)

var stateNames = [...]string{StateNew: "new", StateManaged: "managed", StateDetached: "detached", StateRemoved: "removed"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Entity is an instance of a metadata class.
type Entity struct {
	class    *metadata.Class
	values   map[string]any
	loaded   map[string]struct{} // nil means every property is loaded
	state    State
	security *SecurityState
}

// New returns a new instance of the class. UUID primary keys and the
// surrogate uuid property are assigned.
func New(class *metadata.Class) *Entity {
	e := &Entity{class: class, values: make(map[string]any)}
	if class.IsEmbeddable() {
		return e
	}
	if metadata.HasUUIDPrimaryKey(class) {
		e.values[class.PrimaryKey()] = uuid.New()
	}
	if metadata.HasUUIDProperty(class) && class.PrimaryKey() != metadata.UUIDProperty {
		e.values[metadata.UUIDProperty] = uuid.New()
	}
	return e
}

// Empty returns an instance with no values and nothing loaded. Stores use it
// to materialize rows.
func Empty(class *metadata.Class) *Entity {
	return &Entity{class: class, values: make(map[string]any), loaded: make(map[string]struct{})}
}

// NewWithID returns a new instance with the given primary key.
func NewWithID(class *metadata.Class, id any) *Entity {
	e := New(class)
	e.SetID(id)
	return e
}

// Class returns the entity class.
func (e *Entity) Class() *metadata.Class { return e.class }

// State returns the lifecycle state.
func (e *Entity) State() State { return e.state }

// SetState sets the lifecycle state.
func (e *Entity) SetState(s State) { e.state = s }

// IsNew reports whether the instance was never persisted.
func (e *Entity) IsNew() bool { return e.state == StateNew }

// ID returns the primary key value, nil for embeddables.
func (e *Entity) ID() any {
	if e.class.IsEmbeddable() {
		return nil
	}
	return e.values[e.class.PrimaryKey()]
}

// SetID sets the primary key value.
func (e *Entity) SetID(id any) {
	e.values[e.class.PrimaryKey()] = id
}

// UUID returns the primary key if it is a UUID, else the surrogate uuid property.
func (e *Entity) UUID() uuid.UUID {
	if id, ok := e.ID().(uuid.UUID); ok {
		return id
	}
	u, _ := e.values[metadata.UUIDProperty].(uuid.UUID)
	return u
}

// Get returns the value of the property.
func (e *Entity) Get(name string) any {
	return e.values[name]
}

// Has reports whether the property holds a value.
func (e *Entity) Has(name string) bool {
	_, ok := e.values[name]
	return ok
}

// Set sets the value of the property. Setting nil, including a nil
// *Entity, clears it.
func (e *Entity) Set(name string, v any) {
	if r, ok := v.(*Entity); v == nil || (ok && r == nil) {
		delete(e.values, name)
		return
	}
	e.values[name] = v
}

// Ref returns a to-one reference value, or nil.
func (e *Entity) Ref(name string) *Entity {
	r, _ := e.values[name].(*Entity)
	return r
}

// Refs returns a to-many reference value, or nil.
func (e *Entity) Refs(name string) []*Entity {
	r, _ := e.values[name].([]*Entity)
	return r
}

// GetPath returns the value at a dotted path through to-one references and
// embedded values. It returns nil if an intermediate value is nil.
func (e *Entity) GetPath(path string) any {
	cur := e
	segs := strings.Split(path, ".")
	for i, s := range segs {
		v := cur.values[s]
		if i == len(segs)-1 {
			return v
		}
		next, ok := v.(*Entity)
		if !ok || next == nil {
			return nil
		}
		cur = next
	}
	return nil
}

// Names returns the names of the properties holding a value, sorted.
func (e *Entity) Names() []string {
	return slices.Sorted(maps.Keys(e.values))
}

// IsLoaded reports whether the property was loaded.
func (e *Entity) IsLoaded(name string) bool {
	if e.loaded == nil {
		return true
	}
	_, ok := e.loaded[name]
	return ok
}

// IsPartial reports whether only some properties are loaded.
func (e *Entity) IsPartial() bool { return e.loaded != nil }

// SetLoaded restricts the loaded set to the given properties. Calling it with
// no names marks the instance as partially loaded with nothing loaded.
func (e *Entity) SetLoaded(names ...string) {
	e.loaded = make(map[string]struct{}, len(names))
	for _, n := range names {
		e.loaded[n] = struct{}{}
	}
}

// MarkLoaded adds properties to the loaded set.
func (e *Entity) MarkLoaded(names ...string) {
	if e.loaded == nil {
		return
	}
	for _, n := range names {
		e.loaded[n] = struct{}{}
	}
}

// MarkFullyLoaded marks every property as loaded.
func (e *Entity) MarkFullyLoaded() { e.loaded = nil }

// IsDeleted reports whether a soft-deletable instance carries the delete marker.
func (e *Entity) IsDeleted() bool {
	if !e.class.IsSoftDelete() {
		return false
	}
	return e.values[metadata.DeleteTsProperty] != nil
}

// Security returns the security state, allocating it on first use.
func (e *Entity) Security() *SecurityState {
	if e.security == nil {
		e.security = &SecurityState{}
	}
	return e.security
}

// SecurityState returns the security state, or nil if none was recorded.
func (e *Entity) SecurityState() *SecurityState { return e.security }

// SetSecurityState replaces the security state.
func (e *Entity) SetSecurityState(s *SecurityState) { e.security = s }

// Copy returns a shallow copy. Reference values are shared, collections and
// the loaded set are cloned.
func (e *Entity) Copy() *Entity {
	c := &Entity{
		class:  e.class,
		values: make(map[string]any, len(e.values)),
		state:  e.state,
	}
	for k, v := range e.values {
		if refs, ok := v.([]*Entity); ok {
			v = slices.Clone(refs)
		}
		c.values[k] = v
	}
	if e.loaded != nil {
		c.loaded = maps.Clone(e.loaded)
	}
	if e.security != nil {
		c.security = e.security.Copy()
	}
	return c
}

// Key returns the comparable identity of the entity.
func (e *Entity) Key() any {
	return IDKey(e.ID())
}

// SameRow reports whether both instances denote the same row.
func (e *Entity) SameRow(other *Entity) bool {
	if e == nil || other == nil {
		return false
	}
	if !e.class.Related(other.class) {
		return false
	}
	return e.Key() == other.Key()
}

// String returns "Class-id".
func (e *Entity) String() string {
	if e.class.IsEmbeddable() {
		return e.class.Name() + fmt.Sprint(e.values)
	}
	return fmt.Sprintf("%s-%v", e.class.Name(), e.ID())
}
