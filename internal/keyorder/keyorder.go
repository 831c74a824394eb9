// Package keyorder reorders, groups and batches values by key.
//
// Batch loads return rows in database order. Callers asking for ids in a
// given order use OrderByKeys to restore it:
//
//	rows, _ := loadByIDs(ctx, ids)
//	ordered, err := keyorder.OrderByKeys(ids, rows, func(e *entity.Entity) any { return e.Key() })
package keyorder

import (
	"fmt"
)

// KeyFunc extracts a key from a value.
type KeyFunc[K comparable, V any] func(V) K

// MissingKeysError is returned by OrderByKeys when some keys have no value.
type MissingKeysError[K comparable] struct {
	Keys []K
}

// Error returns the error string.
func (e *MissingKeysError[K]) Error() string {
	return fmt.Sprintf("keyorder: no value for keys %v", e.Keys)
}

// OrderByKeys returns the values ordered like keys. A key repeated in keys
// repeats its value. If any key has no value the result is nil and the error
// is a *MissingKeysError listing them in request order.
func OrderByKeys[K comparable, V any](keys []K, values []V, keyFn KeyFunc[K, V]) ([]V, error) {
	lookup := make(map[K]V, len(values))
	for _, v := range values {
		lookup[keyFn(v)] = v
	}
	var (
		result  = make([]V, 0, len(keys))
		missing []K
	)
	for _, key := range keys {
		v, ok := lookup[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		result = append(result, v)
	}
	if len(missing) > 0 {
		return nil, &MissingKeysError[K]{Keys: missing}
	}
	return result, nil
}

// GroupByKey groups values by key, keeping their order within each group.
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// Distinct returns the values with later duplicates of a key removed.
func Distinct[K comparable, V any](values []V, keyFn KeyFunc[K, V]) []V {
	seen := make(map[K]struct{}, len(values))
	out := make([]V, 0, len(values))
	for _, v := range values {
		k := keyFn(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Chunk splits keys into consecutive batches of at most size keys. A size
// of zero or less returns a single batch.
func Chunk[K any](keys []K, size int) [][]K {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 || len(keys) <= size {
		return [][]K{keys}
	}
	var out [][]K
	for len(keys) > 0 {
		n := min(size, len(keys))
		out = append(out, keys[:n:n])
		keys = keys[n:]
	}
	return out
}
