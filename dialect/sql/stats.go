package sql

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/syssam/vxdata/dialect"
)

// Stats is a snapshot of the statements run through a StatsDriver.
type Stats struct {
	// Statements counts statements by their leading keyword, e.g. "select".
	Statements map[string]int64
	Errors     int64
	Slow       int64
	Duration   time.Duration
}

// Count returns the number of statements of the kind.
func (s Stats) Count(kind string) int64 { return s.Statements[kind] }

// Total returns the number of statements.
func (s Stats) Total() int64 {
	var n int64
	for _, c := range s.Statements {
		n += c
	}
	return n
}

// String returns the counts by kind, e.g. "select=2 update=1 errors=0 slow=0".
func (s Stats) String() string {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(s.Statements)) {
		fmt.Fprintf(&sb, "%s=%d ", k, s.Statements[k])
	}
	fmt.Fprintf(&sb, "errors=%d slow=%d duration=%s", s.Errors, s.Slow, s.Duration)
	return sb.String()
}

// statementKind returns the lower-cased leading keyword of a statement.
func statementKind(query string) string {
	kind, _, _ := strings.Cut(strings.TrimSpace(query), " ")
	return strings.ToLower(kind)
}

// StatsOption configures a StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the duration above which a statement is slow.
// The default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) {
		s.slow = d
	}
}

// WithLogger logs slow statements at warn level and every statement at
// debug level.
func WithLogger(l *slog.Logger) StatsOption {
	return func(s *StatsDriver) {
		s.log = l
	}
}

// StatsDriver wraps a driver and counts the statements run through it and
// its transactions.
type StatsDriver struct {
	dialect.Driver
	slow time.Duration
	log  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

var (
	_ dialect.Driver = (*StatsDriver)(nil)
	_ dialect.Tx     = (*statsTx)(nil)
)

// NewStatsDriver wraps the driver.
func NewStatsDriver(drv dialect.Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{
		Driver: drv,
		slow:   100 * time.Millisecond,
		stats:  Stats{Statements: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns a snapshot of the counters.
func (d *StatsDriver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Statements = maps.Clone(d.stats.Statements)
	return s
}

// Exec runs a statement and counts it.
func (d *StatsDriver) Exec(ctx context.Context, query string, args, v any) error {
	return d.observe(ctx, query, args, func() error { return d.Driver.Exec(ctx, query, args, v) })
}

// Query runs a query and counts it.
func (d *StatsDriver) Query(ctx context.Context, query string, args, v any) error {
	return d.observe(ctx, query, args, func() error { return d.Driver.Query(ctx, query, args, v) })
}

// Tx starts a transaction whose statements are counted too.
func (d *StatsDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &statsTx{Tx: tx, d: d}, nil
}

func (d *StatsDriver) observe(ctx context.Context, query string, args any, run func() error) error {
	start := time.Now()
	err := run()
	elapsed := time.Since(start)
	slow := elapsed > d.slow

	d.mu.Lock()
	d.stats.Statements[statementKind(query)]++
	d.stats.Duration += elapsed
	if err != nil {
		d.stats.Errors++
	}
	if slow {
		d.stats.Slow++
	}
	d.mu.Unlock()

	if d.log != nil {
		if slow {
			d.log.WarnContext(ctx, "dialect/sql: slow statement", "duration", elapsed, "query", query, "args", args)
		} else {
			d.log.DebugContext(ctx, "dialect/sql: statement", "duration", elapsed, "query", query, "error", err)
		}
	}
	return err
}

type statsTx struct {
	dialect.Tx
	d *StatsDriver
}

func (t *statsTx) Exec(ctx context.Context, query string, args, v any) error {
	return t.d.observe(ctx, query, args, func() error { return t.Tx.Exec(ctx, query, args, v) })
}

func (t *statsTx) Query(ctx context.Context, query string, args, v any) error {
	return t.d.observe(ctx, query, args, func() error { return t.Tx.Query(ctx, query, args, v) })
}
