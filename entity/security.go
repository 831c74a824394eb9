package entity

import (
	"maps"
	"slices"
)

// SecurityState records what the security layer hid from a loaded instance.
type SecurityState struct {
	filtered map[string][]any // attribute -> ids of removed collection elements
	masked   map[string]any   // attribute -> original value of a nulled attribute
	erased   []any
}

// AddFiltered records the id of an element removed from a collection attribute.
func (s *SecurityState) AddFiltered(attr string, id any) {
	if s.filtered == nil {
		s.filtered = make(map[string][]any)
	}
	key := IDKey(id)
	if !slices.Contains(s.filtered[attr], key) {
		s.filtered[attr] = append(s.filtered[attr], key)
	}
}

// FilteredIDs returns the ids removed from the collection attribute.
func (s *SecurityState) FilteredIDs(attr string) []any {
	if s == nil {
		return nil
	}
	return s.filtered[attr]
}

// FilteredAttributes returns the attributes having filtered elements, sorted.
func (s *SecurityState) FilteredAttributes() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.filtered))
}

// IsFiltered reports whether the id was filtered from the attribute.
func (s *SecurityState) IsFiltered(attr string, id any) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.filtered[attr], IDKey(id))
}

// Mask records the original value of an attribute hidden from the caller.
func (s *SecurityState) Mask(attr string, original any) {
	if s.masked == nil {
		s.masked = make(map[string]any)
	}
	if _, ok := s.masked[attr]; !ok {
		s.masked[attr] = original
	}
}

// Masked returns the original value of a masked attribute.
func (s *SecurityState) Masked(attr string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.masked[attr]
	return v, ok
}

// MaskedAttributes returns the masked attribute names, sorted.
func (s *SecurityState) MaskedAttributes() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.masked))
}

// Erase records the id of a referenced instance erased from the graph.
func (s *SecurityState) Erase(id any) {
	s.erased = append(s.erased, IDKey(id))
}

// ErasedIDs returns the erased ids.
func (s *SecurityState) ErasedIDs() []any {
	if s == nil {
		return nil
	}
	return s.erased
}

// IsEmpty reports whether nothing was recorded.
func (s *SecurityState) IsEmpty() bool {
	return s == nil || (len(s.filtered) == 0 && len(s.masked) == 0 && len(s.erased) == 0)
}

// Copy returns a deep copy.
func (s *SecurityState) Copy() *SecurityState {
	if s == nil {
		return nil
	}
	c := &SecurityState{
		masked: maps.Clone(s.masked),
		erased: slices.Clone(s.erased),
	}
	if s.filtered != nil {
		c.filtered = make(map[string][]any, len(s.filtered))
		for k, v := range s.filtered {
			c.filtered[k] = slices.Clone(v)
		}
	}
	return c
}
