package entity

import "slices"

// KeyValue is a row returned by a value query. Values are kept in the order
// of the requested property names.
type KeyValue struct {
	names  []string
	values []any
}

// NewKeyValue returns an empty row for the property names.
func NewKeyValue(names []string) *KeyValue {
	return &KeyValue{names: slices.Clone(names), values: make([]any, len(names))}
}

// Names returns the property names.
func (kv *KeyValue) Names() []string { return slices.Clone(kv.names) }

// Values returns the values in name order.
func (kv *KeyValue) Values() []any { return slices.Clone(kv.values) }

// Get returns the named value.
func (kv *KeyValue) Get(name string) any {
	if i := slices.Index(kv.names, name); i >= 0 {
		return kv.values[i]
	}
	return nil
}

// Set sets the named value. Unknown names are ignored.
func (kv *KeyValue) Set(name string, v any) {
	if i := slices.Index(kv.names, name); i >= 0 {
		kv.values[i] = v
	}
}

// SetAt sets the value at a position.
func (kv *KeyValue) SetAt(i int, v any) {
	if i >= 0 && i < len(kv.values) {
		kv.values[i] = v
	}
}
