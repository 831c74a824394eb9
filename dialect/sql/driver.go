package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/syssam/vxdata/dialect"
)

// Driver runs statements of one dialect on a *sql.DB.
type Driver struct {
	Conn
	db   *sql.DB
	name string
}

var _ dialect.Driver = (*Driver)(nil)

// NewDriver returns a driver of the dialect running statements on c.
// Transactions need a driver made by Open or OpenDB.
func NewDriver(name string, c Conn) *Driver {
	db, _ := c.ExecQuerier.(*sql.DB)
	return &Driver{Conn: c, db: db, name: name}
}

// Open opens a database registered under the driver name. Names with a
// suffix, e.g. "postgres-traced", keep the dialect of their prefix.
func Open(name, source string) (*Driver, error) {
	db, err := sql.Open(name, source)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: open %s: %w", name, err)
	}
	return OpenDB(name, db), nil
}

// OpenDB returns a driver of the dialect on an open database.
func OpenDB(name string, db *sql.DB) *Driver {
	return &Driver{Conn: Conn{db}, db: db, name: name}
}

// DB returns the database of the driver, nil for drivers made by NewDriver
// on something else.
func (d *Driver) DB() *sql.DB { return d.db }

// Dialect returns the dialect name without the driver name suffix.
func (d *Driver) Dialect() string {
	base, _, _ := strings.Cut(d.name, "-")
	switch base {
	case dialect.MySQL, dialect.SQLite, dialect.Postgres:
		return base
	}
	return d.name
}

// Tx starts a transaction.
func (d *Driver) Tx(ctx context.Context) (dialect.Tx, error) {
	return d.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options.
func (d *Driver) BeginTx(ctx context.Context, opts *TxOptions) (dialect.Tx, error) {
	if d.db == nil {
		return nil, errors.New("dialect/sql: driver has no database to begin a transaction on")
	}
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: begin: %w", err)
	}
	return &Tx{Conn: Conn{tx}, tx: tx}, nil
}

// Close closes the database.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Tx is a transaction of a Driver.
type Tx struct {
	Conn
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// ExecQuerier is the statement interface shared by *sql.DB and *sql.Tx.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn adapts an ExecQuerier to dialect.ExecQuerier.
type Conn struct {
	ExecQuerier
}

func arguments(args any) ([]any, error) {
	switch args := args.(type) {
	case nil:
		return nil, nil
	case []any:
		return args, nil
	}
	return nil, fmt.Errorf("dialect/sql: arguments must be []any, got %T", args)
}

// Exec runs a statement. v is nil or a *Result receiving the result.
func (c Conn) Exec(ctx context.Context, query string, args, v any) error {
	argv, err := arguments(args)
	if err != nil {
		return err
	}
	res, ok := v.(*Result)
	if v != nil && !ok {
		return fmt.Errorf("dialect/sql: exec destination must be *sql.Result, got %T", v)
	}
	r, err := c.ExecContext(ctx, query, argv...)
	if err != nil {
		return fmt.Errorf("dialect/sql: exec: %w", err)
	}
	if res != nil {
		*res = r
	}
	return nil
}

// Query runs a query. v is a *Rows receiving the open rows, which the
// caller closes.
func (c Conn) Query(ctx context.Context, query string, args, v any) error {
	rows, ok := v.(*Rows)
	if !ok {
		return fmt.Errorf("dialect/sql: query destination must be *sql.Rows, got %T", v)
	}
	argv, err := arguments(args)
	if err != nil {
		return err
	}
	r, err := c.QueryContext(ctx, query, argv...)
	if err != nil {
		return fmt.Errorf("dialect/sql: query: %w", err)
	}
	rows.Rows = r
	return nil
}

type (
	// Rows holds the rows of a query.
	Rows struct{ *sql.Rows }
	// Result is the result of a statement.
	Result = sql.Result
	// TxOptions are the options of BeginTx.
	TxOptions = sql.TxOptions
)

// ScanInt64 returns the first column of the first row and closes the rows.
// It returns sql.ErrNoRows when there is no row and an error on NULL.
func ScanInt64(rows Rows) (int64, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("dialect/sql: scan: %w", err)
		}
		return 0, sql.ErrNoRows
	}
	var n sql.NullInt64
	if err := rows.Scan(&n); err != nil {
		return 0, fmt.Errorf("dialect/sql: scan: %w", err)
	}
	if !n.Valid {
		return 0, errors.New("dialect/sql: scan: NULL value")
	}
	return n.Int64, rows.Err()
}
