// Package dialect defines the database driver abstraction used by the SQL
// backed id sequences.
//
// # Supported Dialects
//
//   - Postgres: PostgreSQL, sequences created on demand
//   - MySQL: MySQL/MariaDB, sequence table
//   - SQLite: SQLite, sequence table
//
// # Usage
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://localhost/app")
//	if err != nil {
//	    return err
//	}
//	ids := idgen.New(sqlseq.New(drv))
package dialect
