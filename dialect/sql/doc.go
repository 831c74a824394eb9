// Package sql implements dialect.Driver over database/sql.
//
// A Driver wraps a *sql.DB and a dialect name. Statements run through Exec
// and Query, which take the arguments as []any and return into a typed
// destination:
//
//	var rows sql.Rows
//	if err := drv.Query(ctx, "SELECT next FROM sequences WHERE name = ?", []any{name}, &rows); err != nil {
//	    return err
//	}
//	defer rows.Close()
//
// # Statistics
//
// StatsDriver counts statements by leading keyword and logs slow ones:
//
//	drv := sql.NewStatsDriver(base, sql.WithSlowThreshold(50*time.Millisecond), sql.WithLogger(logger))
//	fmt.Println(drv.Stats()) // insert=1 select=12 update=12 errors=0 slow=0 duration=3ms
//
// # Errors
//
// IsUndefinedError and IsUniqueConstraintError classify driver errors by
// SQLSTATE code, MySQL error number or, as a last resort, message text.
package sql
