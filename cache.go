package vxdata

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Cache stores encoded query results of a DataStore. Keys are built by
// CacheKey and evicted per entity with DeletePrefix when a commit touches
// the entity.
type Cache interface {
	// Get returns nil, nil for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// CacheKey identifies a cached query result. Entity comes first so that all
// results of one entity can be evicted with DeletePrefix.
type CacheKey struct {
	Entity      string
	Query       string
	Params      string
	FirstResult int
	MaxResults  int
	SoftDelete  bool
}

// Prefix returns the key prefix shared by all results of the entity.
func (k CacheKey) Prefix() string {
	return k.Entity + ":"
}

func (k CacheKey) String() string {
	parts := []string{k.Entity, k.Query, k.Params, strconv.Itoa(k.FirstResult), strconv.Itoa(k.MaxResults)}
	if k.SoftDelete {
		parts = append(parts, "sd")
	}
	return strings.Join(parts, ":")
}
