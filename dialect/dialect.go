package dialect

import (
	"context"
)

// Dialect names of the supported databases.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier wraps the two database operations.
type ExecQuerier interface {
	// Exec executes a statement. v is nil or a *sql.Result receiving the result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a query. v is a *sql.Rows receiving the rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the interface of a database connection.
type Driver interface {
	ExecQuerier
	// Tx starts a transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx wraps the Exec and Query operations in a transaction.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}
