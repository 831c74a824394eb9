// Package idgen allocates numeric entity ids from database sequences.
//
// Cache keeps one generator per entity. A generator hands out ids from a
// reserved block and refills it from the Source when the block is used up,
// so cached entities cost one sequence round trip per block rather than per
// id.
package idgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-openapi/inflect"

	"github.com/syssam/vxdata/metadata"
)

// DefaultIncrement is the block size of cached sequences.
const DefaultIncrement = 100

// Source reserves blocks of sequence values.
type Source interface {
	// Reserve advances the sequence by increment and returns the first value
	// of the reserved block [first, first+increment).
	Reserve(ctx context.Context, sequence string, increment int64) (int64, error)
}

// SequenceName returns the sequence of the class: the configured name, or
// "seq_id_" followed by the underscored entity name.
func SequenceName(class *metadata.Class) string {
	if s := class.Config().IDSequence; s != "" {
		return s
	}
	return "seq_id_" + strings.ReplaceAll(inflect.Underscore(class.Name()), "$", "_")
}

// Option configures a Cache.
type Option func(*Cache)

// WithIncrement sets the block size of cached sequences.
func WithIncrement(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.increment = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// Cache hands out ids per entity. It is safe for concurrent use.
type Cache struct {
	src       Source
	increment int64
	log       *slog.Logger
	gens      sync.Map // entity name -> *generator
}

// New returns a Cache reserving blocks from src.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{src: src, increment: DefaultIncrement, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// generator is the reserved block of one entity.
type generator struct {
	mu       sync.Mutex
	sequence string
	cached   bool
	next     int64
	limit    int64
}

// Next returns the next id of the class.
func (c *Cache) Next(ctx context.Context, class *metadata.Class) (int64, error) {
	v, ok := c.gens.Load(class.Name())
	if !ok {
		v, _ = c.gens.LoadOrStore(class.Name(), &generator{
			sequence: SequenceName(class),
			cached:   class.Config().IDSequenceCached,
		})
	}
	return c.next(ctx, v.(*generator))
}

func (c *Cache) next(ctx context.Context, g *generator) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cached {
		id, err := c.src.Reserve(ctx, g.sequence, 1)
		if err != nil {
			return 0, fmt.Errorf("idgen: next value of %s: %w", g.sequence, err)
		}
		return id, nil
	}
	if g.next >= g.limit {
		first, err := c.src.Reserve(ctx, g.sequence, c.increment)
		if err != nil {
			return 0, fmt.Errorf("idgen: reserve block of %s: %w", g.sequence, err)
		}
		g.next, g.limit = first, first+c.increment
		c.log.Debug("id block reserved", "sequence", g.sequence, "first", first, "size", c.increment)
	}
	id := g.next
	g.next++
	return id, nil
}

// Reset drops every reserved block. Unused ids of the blocks are lost.
func (c *Cache) Reset() {
	c.gens.Clear()
}

// MemorySource is a Source kept in memory.
type MemorySource struct {
	mu   sync.Mutex
	seqs map[string]int64
}

// NewMemorySource returns an empty MemorySource. Sequences start at 1.
func NewMemorySource() *MemorySource {
	return &MemorySource{seqs: make(map[string]int64)}
}

// Reserve implements Source.
func (s *MemorySource) Reserve(_ context.Context, sequence string, increment int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.seqs[sequence]
	if !ok {
		cur = 1
	}
	s.seqs[sequence] = cur + increment
	return cur, nil
}

// Current returns the next unreserved value of the sequence, or 0 if it has
// not been used.
func (s *MemorySource) Current(sequence string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[sequence]
}
