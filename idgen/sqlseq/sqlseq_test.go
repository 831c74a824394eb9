package sqlseq_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/vxdata/dialect"
	vxsql "github.com/syssam/vxdata/dialect/sql"
	"github.com/syssam/vxdata/idgen"
	"github.com/syssam/vxdata/idgen/sqlseq"
	"github.com/syssam/vxdata/internal/testschema"
)

func TestPostgresCreatesSequence(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nextval($1::regclass)")).
		WithArgs("order_seq").
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "order_seq" does not exist`})
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SEQUENCE IF NOT EXISTS "order_seq" INCREMENT BY 50 START WITH 1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nextval($1::regclass)")).
		WithArgs("order_seq").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nextval($1::regclass)")).
		WithArgs("order_seq").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(51))

	src := sqlseq.New(vxsql.OpenDB(dialect.Postgres, db))
	ctx := context.Background()
	first, err := src.Reserve(ctx, "order_seq", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	first, err = src.Reserve(ctx, "order_seq", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(51), first)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOtherErrorPropagates(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nextval($1::regclass)")).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied"})

	_, err = sqlseq.New(vxsql.OpenDB(dialect.Postgres, db)).Reserve(context.Background(), "order_seq", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreatesTable(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sys_sequence SET next_value = next_value + ? WHERE name = ?")).
		WithArgs(int64(10), "seq_id_product").
		WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table 'app.sys_sequence' doesn't exist"})
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sys_sequence")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sys_sequence SET next_value = next_value + ? WHERE name = ?")).
		WithArgs(int64(10), "seq_id_product").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sys_sequence (name, next_value) VALUES (?, ?)")).
		WithArgs("seq_id_product", int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := sqlseq.New(vxsql.OpenDB(dialect.MySQL, db)).Reserve(context.Background(), "seq_id_product", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUpdatesExisting(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sys_sequence SET next_value = next_value + ? WHERE name = ?")).
		WithArgs(int64(10), "order_seq").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT next_value FROM sys_sequence WHERE name = ?")).
		WithArgs("order_seq").
		WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(31))
	mock.ExpectCommit()

	first, err := sqlseq.New(vxsql.OpenDB(dialect.MySQL, db)).Reserve(context.Background(), "order_seq", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(21), first)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidNames(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	drv := vxsql.OpenDB(dialect.MySQL, db)
	_, err = sqlseq.New(drv).Reserve(context.Background(), "x; drop table users", 1)
	require.Error(t, err)
	_, err = sqlseq.New(drv, sqlseq.WithTable("seq;--")).Reserve(context.Background(), "order_seq", 1)
	require.Error(t, err)
	_, err = sqlseq.New(drv).Reserve(context.Background(), "order_seq", 0)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteWithCache(t *testing.T) {
	t.Parallel()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	drv := vxsql.NewStatsDriver(vxsql.OpenDB(dialect.SQLite, db))
	ids := idgen.New(sqlseq.New(drv, sqlseq.WithTable("id_sequences")), idgen.WithIncrement(5))
	reg := testschema.Registry()
	ctx := context.Background()

	for want := int64(1); want <= 12; want++ {
		id, err := ids.Next(ctx, reg.MustClass("Order"))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	for want := int64(1); want <= 2; want++ {
		id, err := ids.Next(ctx, reg.MustClass("Product"))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	var next int64
	require.NoError(t, db.QueryRow("SELECT next_value FROM id_sequences WHERE name = ?", "order_seq").Scan(&next))
	assert.Equal(t, int64(16), next)

	stats := drv.Stats()
	assert.Positive(t, stats.Count("update"))
	assert.Positive(t, stats.Count("select"))
	assert.Equal(t, int64(1), stats.Count("create"))
	assert.Equal(t, int64(1), stats.Errors)
}
