package metadata

// Well-known property names.
const (
	// DeleteTsProperty marks a soft-deleted row with the deletion time.
	DeleteTsProperty = "deleteTs"
	// DeletedByProperty records who soft-deleted the row.
	DeletedByProperty = "deletedBy"
	// UUIDProperty is the surrogate uuid carried by entities whose primary key is not a UUID.
	UUIDProperty = "uuid"
	// VersionProperty holds the optimistic lock version.
	VersionProperty = "version"
)

// SoftDeleteProperties returns the soft-delete marker property names.
func SoftDeleteProperties() []string {
	return []string{DeleteTsProperty, DeletedByProperty}
}

// PrimaryKeyName returns the primary key property name of the class.
func PrimaryKeyName(c *Class) string {
	return c.primaryKey
}

// HasCompositePrimaryKey reports whether the primary key is an embedded value.
func HasCompositePrimaryKey(c *Class) bool {
	pk := c.PrimaryKeyProperty()
	return pk != nil && pk.IsEmbedded()
}

// HasUUIDPrimaryKey reports whether the primary key is a UUID.
func HasUUIDPrimaryKey(c *Class) bool {
	pk := c.PrimaryKeyProperty()
	return pk != nil && pk.Type() == TypeUUID
}

// HasUUIDProperty reports whether the class carries the surrogate uuid property.
func HasUUIDProperty(c *Class) bool {
	return c.Property(UUIDProperty) != nil
}

// PrimaryKeyPaths returns the primary key paths, exploded per component for
// composite keys.
func PrimaryKeyPaths(c *Class) []string {
	pk := c.PrimaryKeyProperty()
	if pk == nil {
		return nil
	}
	if !pk.IsEmbedded() || pk.Target() == nil {
		return []string{pk.Name()}
	}
	var paths []string
	for _, p := range pk.Target().Properties() {
		if p.IsPersistent() {
			paths = append(paths, pk.Name()+"."+p.Name())
		}
	}
	return paths
}

// IsPersistent reports whether all properties on the path are persistent.
func IsPersistent(path []*Property) bool {
	if len(path) == 0 {
		return false
	}
	for _, p := range path {
		if !p.IsPersistent() {
			return false
		}
	}
	return true
}

// IsEmbedded reports whether the property is embedded.
func IsEmbedded(p *Property) bool {
	return p.IsEmbedded()
}

// IsLob reports whether the property is a large object.
func IsLob(p *Property) bool {
	return p.IsLob()
}

// IsCacheable reports whether the class is globally cached.
func IsCacheable(c *Class) bool {
	return c != nil && c.cacheable
}

// RelatedProperties returns the properties the given one depends on, e.g. the
// persistent columns a derived property is computed from.
func RelatedProperties(p *Property) []string {
	return p.related
}

// InstanceNameRelatedProperties returns the properties needed to render the
// instance name of the class. When useOriginal is false, non-persistent
// entries are expanded to their related persistent properties.
func InstanceNameRelatedProperties(c *Class, useOriginal bool) []*Property {
	var (
		out  []*Property
		seen = make(map[string]struct{})
	)
	var add func(name string, depth int)
	add = func(name string, depth int) {
		p := c.Property(name)
		if p == nil || depth > 8 {
			return
		}
		if !useOriginal && !p.persistent {
			for _, r := range p.related {
				add(r, depth+1)
			}
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, p)
	}
	for _, name := range c.instanceName {
		add(name, 0)
	}
	return out
}

// ReferenceProperties returns the entity-valued properties of the class.
func ReferenceProperties(c *Class) []*Property {
	var out []*Property
	for _, p := range c.props {
		if p.IsReference() {
			out = append(out, p)
		}
	}
	return out
}
