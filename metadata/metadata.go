// Package metadata provides the schema model consumed by the data layer.
//
// A Registry is built once from class specifications (in Go or YAML), then
// treated as immutable shared data. No runtime introspection is involved:
// every fact the loaders need (cardinalities, persistence flags, primary key
// shape, related properties) is recorded explicitly on Class and Property.
//
//	reg, err := metadata.NewBuilder().
//	    Add(metadata.ClassSpec{
//	        Name:       "Customer",
//	        PrimaryKey: "id",
//	        Mixins:     []metadata.Mixin{mixin.UUIDKey{}, mixin.SoftDelete{}},
//	        Properties: []metadata.PropertySpec{
//	            {Name: "name", Type: "string", Mandatory: true},
//	            {Name: "orders", Type: "entity", Target: "Order", Cardinality: "one-to-many", Inverse: "customer"},
//	        },
//	    }).
//	    Build()
package metadata

import (
	"fmt"
	"strings"
)

// Type is the value type of a property.
type Type int

// Property types.
const (
	TypeString Type = iota
	TypeInt
	TypeInt64
	TypeFloat
	TypeDecimal
	TypeBool
	TypeTime
	TypeUUID
	TypeBytes
	TypeEnum
	TypeEntity
	TypeEmbedded
)

var typeNames = [...]string{
	TypeString:   "string",
	TypeInt:      "int",
	TypeInt64:    "int64",
	TypeFloat:    "float",
	TypeDecimal:  "decimal",
	TypeBool:     "bool",
	TypeTime:     "time",
	TypeUUID:     "uuid",
	TypeBytes:    "bytes",
	TypeEnum:     "enum",
	TypeEntity:   "entity",
	TypeEmbedded: "embedded",
}

// String returns the type name.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses a type name.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(name, s) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("metadata: unknown type %q", s)
}

// Cardinality of an association.
type Cardinality int

// Cardinalities.
const (
	CardinalityNone Cardinality = iota
	OneToOne
	ManyToOne
	OneToMany
	ManyToMany
)

var cardinalityNames = [...]string{
	CardinalityNone: "none",
	OneToOne:        "one-to-one",
	ManyToOne:       "many-to-one",
	OneToMany:       "one-to-many",
	ManyToMany:      "many-to-many",
}

// String returns the cardinality name.
func (c Cardinality) String() string {
	if int(c) < len(cardinalityNames) {
		return cardinalityNames[c]
	}
	return fmt.Sprintf("Cardinality(%d)", int(c))
}

// IsMany reports whether the association holds a collection.
func (c Cardinality) IsMany() bool {
	return c == OneToMany || c == ManyToMany
}

// ParseCardinality parses a cardinality name. The empty string is CardinalityNone.
func ParseCardinality(s string) (Cardinality, error) {
	if s == "" {
		return CardinalityNone, nil
	}
	norm := strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	for i, name := range cardinalityNames {
		if name == norm {
			return Cardinality(i), nil
		}
	}
	return 0, fmt.Errorf("metadata: unknown cardinality %q", s)
}

// Property describes a single attribute of a Class.
type Property struct {
	name        string
	typ         Type
	owner       *Class
	target      *Class
	cardinality Cardinality
	inverse     string
	persistent  bool
	lob         bool
	mandatory   bool
	composition bool
	readOnly    bool
	dbGenerated bool
	related     []string
	enumValues  []string
}

// Name returns the property name.
func (p *Property) Name() string { return p.name }

// Type returns the property type.
func (p *Property) Type() Type { return p.typ }

// Owner returns the class declaring the property.
func (p *Property) Owner() *Class { return p.owner }

// Target returns the class of a reference or embedded property, nil otherwise.
func (p *Property) Target() *Class { return p.target }

// Cardinality returns the association cardinality.
func (p *Property) Cardinality() Cardinality { return p.cardinality }

// Inverse returns the name of the property on the target class mapping this
// association back, or "".
func (p *Property) Inverse() string { return p.inverse }

// InverseProperty returns the inverse property on the target class, or nil.
func (p *Property) InverseProperty() *Property {
	if p.inverse == "" || p.target == nil {
		return nil
	}
	return p.target.Property(p.inverse)
}

// IsPersistent reports whether the property is stored in the database.
func (p *Property) IsPersistent() bool { return p.persistent }

// IsLob reports whether the property is a large object column.
func (p *Property) IsLob() bool { return p.lob }

// IsMandatory reports whether the property requires a value.
func (p *Property) IsMandatory() bool { return p.mandatory }

// IsComposition reports whether the association owns its targets.
func (p *Property) IsComposition() bool { return p.composition }

// IsReadOnly reports whether the property cannot be written by callers.
func (p *Property) IsReadOnly() bool { return p.readOnly }

// IsDBGenerated reports whether the value is assigned by the database on insert.
func (p *Property) IsDBGenerated() bool { return p.dbGenerated }

// RelatedProperties returns the names of the properties this one depends on.
func (p *Property) RelatedProperties() []string { return p.related }

// EnumValues returns the allowed values of an enum property.
func (p *Property) EnumValues() []string { return p.enumValues }

// IsReference reports whether the property refers to other entities.
func (p *Property) IsReference() bool { return p.typ == TypeEntity }

// IsEmbedded reports whether the property holds an embeddable value.
func (p *Property) IsEmbedded() bool { return p.typ == TypeEmbedded }

// IsCollection reports whether the property holds multiple entities.
func (p *Property) IsCollection() bool { return p.cardinality.IsMany() }

// IsDatatype reports whether the property holds a scalar value.
func (p *Property) IsDatatype() bool {
	return p.typ != TypeEntity && p.typ != TypeEmbedded && p.typ != TypeEnum
}

// IsEnum reports whether the property holds an enum value.
func (p *Property) IsEnum() bool { return p.typ == TypeEnum }

// String returns "Owner.name".
func (p *Property) String() string {
	if p.owner == nil {
		return p.name
	}
	return p.owner.name + "." + p.name
}

// EntityConfig holds per-entity behavior flags attached at registration.
type EntityConfig struct {
	// PublishChanges enables entity-changed events for the class.
	PublishChanges bool
	// IDSequence is the name of the sequence generating numeric ids.
	IDSequence string
	// IDSequenceCached reserves ids in blocks instead of one per call.
	IDSequenceCached bool
}

// Class describes an entity or embeddable type.
type Class struct {
	name         string
	table        string
	ancestor     *Class
	descendants  []*Class
	props        []*Property
	byName       map[string]*Property
	primaryKey   string
	embeddable   bool
	cacheable    bool
	instanceName []string
	config       EntityConfig
}

// Name returns the entity name.
func (c *Class) Name() string { return c.name }

// Table returns the table name.
func (c *Class) Table() string { return c.table }

// Ancestor returns the parent class, or nil.
func (c *Class) Ancestor() *Class { return c.ancestor }

// Descendants returns the direct subclasses.
func (c *Class) Descendants() []*Class { return c.descendants }

// Properties returns all properties, inherited ones first.
func (c *Class) Properties() []*Property { return c.props }

// Property returns the named property, or nil.
func (c *Class) Property(name string) *Property { return c.byName[name] }

// PrimaryKey returns the name of the primary key property.
func (c *Class) PrimaryKey() string { return c.primaryKey }

// PrimaryKeyProperty returns the primary key property, or nil for embeddables.
func (c *Class) PrimaryKeyProperty() *Property { return c.byName[c.primaryKey] }

// IsEmbeddable reports whether the class is an embeddable value type.
func (c *Class) IsEmbeddable() bool { return c.embeddable }

// IsCacheable reports whether instances are globally cached by the ORM.
// References to cacheable classes get fetch mode UNDEFINED.
func (c *Class) IsCacheable() bool { return c.cacheable }

// InstanceName returns the names of the properties that render a label.
func (c *Class) InstanceName() []string { return c.instanceName }

// Config returns the per-entity configuration record.
func (c *Class) Config() EntityConfig { return c.config }

// IsSoftDelete reports whether the class carries the soft-delete marker properties.
func (c *Class) IsSoftDelete() bool {
	return c.byName[DeleteTsProperty] != nil
}

// IsAssignableFrom reports whether instances of other are instances of c.
func (c *Class) IsAssignableFrom(other *Class) bool {
	for o := other; o != nil; o = o.ancestor {
		if o == c {
			return true
		}
	}
	return false
}

// Related reports whether one of the classes is assignable to the other.
func (c *Class) Related(other *Class) bool {
	return c.IsAssignableFrom(other) || other.IsAssignableFrom(c)
}

// PropertyPath resolves a dotted path against the class. It returns nil if
// any segment cannot be resolved.
func (c *Class) PropertyPath(path string) []*Property {
	if path == "" {
		return nil
	}
	var (
		segs = strings.Split(path, ".")
		out  = make([]*Property, 0, len(segs))
		cur  = c
	)
	for _, s := range segs {
		if cur == nil {
			return nil
		}
		p := cur.Property(s)
		if p == nil {
			return nil
		}
		out = append(out, p)
		cur = p.target
	}
	return out
}

// String returns the entity name.
func (c *Class) String() string { return c.name }
