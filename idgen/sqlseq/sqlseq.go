// Package sqlseq reserves id blocks from SQL databases.
//
// Postgres uses native sequences, created on first use with the block size
// as increment. MySQL and SQLite keep the next value of every sequence in a
// table updated within a transaction.
package sqlseq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/lib/pq"

	"github.com/syssam/vxdata/dialect"
	vxsql "github.com/syssam/vxdata/dialect/sql"
	"github.com/syssam/vxdata/idgen"
)

// DefaultTable is the sequence table of the table based dialects.
const DefaultTable = "sys_sequence"

var validIdentifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Option configures a Source.
type Option func(*Source)

// WithTable sets the sequence table name.
func WithTable(name string) Option {
	return func(s *Source) {
		s.table = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.log = l
	}
}

// Source implements idgen.Source on a database.
type Source struct {
	drv   dialect.Driver
	table string
	log   *slog.Logger
}

var _ idgen.Source = (*Source)(nil)

// New returns a Source on the driver.
func New(drv dialect.Driver, opts ...Option) *Source {
	s := &Source{drv: drv, table: DefaultTable, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements idgen.Source.
func (s *Source) Reserve(ctx context.Context, sequence string, increment int64) (int64, error) {
	if !validIdentifierRe.MatchString(sequence) {
		return 0, fmt.Errorf("sqlseq: invalid sequence name %q", sequence)
	}
	if increment <= 0 {
		return 0, fmt.Errorf("sqlseq: invalid increment %d", increment)
	}
	if s.drv.Dialect() == dialect.Postgres {
		return s.nextval(ctx, sequence, increment)
	}
	if !validIdentifierRe.MatchString(s.table) {
		return 0, fmt.Errorf("sqlseq: invalid table name %q", s.table)
	}
	return s.update(ctx, sequence, increment)
}

// nextval reserves a block from a Postgres sequence.
func (s *Source) nextval(ctx context.Context, sequence string, increment int64) (int64, error) {
	v, err := s.queryNextval(ctx, sequence)
	if err == nil || !vxsql.IsUndefinedError(err) {
		return v, err
	}
	s.log.Info("creating sequence", "sequence", sequence, "increment", increment)
	stmt := fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s INCREMENT BY %d START WITH 1", pq.QuoteIdentifier(sequence), increment)
	if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
		return 0, fmt.Errorf("sqlseq: create sequence %s: %w", sequence, err)
	}
	return s.queryNextval(ctx, sequence)
}

func (s *Source) queryNextval(ctx context.Context, sequence string) (int64, error) {
	var rows vxsql.Rows
	if err := s.drv.Query(ctx, "SELECT nextval($1::regclass)", []any{sequence}, &rows); err != nil {
		return 0, err
	}
	return vxsql.ScanInt64(rows)
}

// update reserves a block from the sequence table. A missing table is
// created and a concurrent first insert of the same sequence is retried.
func (s *Source) update(ctx context.Context, sequence string, increment int64) (int64, error) {
	v, err := s.updateTx(ctx, sequence, increment)
	switch {
	case err == nil:
		return v, nil
	case vxsql.IsUndefinedError(err):
		if err := s.createTable(ctx); err != nil {
			return 0, err
		}
	case vxsql.IsUniqueConstraintError(err):
		s.log.Debug("sequence inserted concurrently, retrying", "sequence", sequence)
	default:
		return 0, err
	}
	return s.updateTx(ctx, sequence, increment)
}

func (s *Source) updateTx(ctx context.Context, sequence string, increment int64) (first int64, rerr error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlseq: begin: %w", err)
	}
	defer func() {
		if rerr != nil {
			rerr = errors.Join(rerr, tx.Rollback())
		}
	}()
	var res sql.Result
	update := fmt.Sprintf("UPDATE %s SET next_value = next_value + ? WHERE name = ?", s.table)
	if err := tx.Exec(ctx, update, []any{increment, sequence}, &res); err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlseq: rows affected: %w", err)
	}
	if n == 0 {
		insert := fmt.Sprintf("INSERT INTO %s (name, next_value) VALUES (?, ?)", s.table)
		if err := tx.Exec(ctx, insert, []any{sequence, 1 + increment}, nil); err != nil {
			return 0, err
		}
		first = 1
	} else {
		var rows vxsql.Rows
		sel := fmt.Sprintf("SELECT next_value FROM %s WHERE name = ?", s.table)
		if err := tx.Query(ctx, sel, []any{sequence}, &rows); err != nil {
			return 0, err
		}
		next, err := vxsql.ScanInt64(rows)
		if err != nil {
			return 0, fmt.Errorf("sqlseq: read %s: %w", sequence, err)
		}
		first = next - increment
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlseq: commit: %w", err)
	}
	return first, nil
}

func (s *Source) createTable(ctx context.Context) error {
	s.log.Info("creating sequence table", "table", s.table)
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name VARCHAR(255) NOT NULL PRIMARY KEY, next_value BIGINT NOT NULL)", s.table)
	if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
		return fmt.Errorf("sqlseq: create table %s: %w", s.table, err)
	}
	return nil
}
