package sql

import (
	"errors"
	"slices"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// errorClass lists how each database reports one kind of failure.
type errorClass struct {
	sqlStates []string
	mysql     []uint16
	messages  []string
}

var (
	undefinedClass = errorClass{
		sqlStates: []string{"42P01", "42704"},
		mysql:     []uint16{1146},
		messages:  []string{"no such table", "does not exist", "Error 1146"},
	}
	uniqueClass = errorClass{
		sqlStates: []string{"23505"},
		mysql:     []uint16{1062},
		messages:  []string{"UNIQUE constraint failed", "violates unique constraint", "Error 1062"},
	}
)

// match checks typed driver errors first. Drivers without typed errors,
// like the sqlite one, are matched by message.
func (c errorClass) match(err error) bool {
	if err == nil {
		return false
	}
	if state, ok := sqlState(err); ok {
		return slices.Contains(c.sqlStates, state)
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return slices.Contains(c.mysql, me.Number)
	}
	msg := err.Error()
	return slices.ContainsFunc(c.messages, func(m string) bool { return strings.Contains(msg, m) })
}

// IsUndefinedError reports whether err comes from a missing table or
// sequence.
func IsUndefinedError(err error) bool { return undefinedClass.match(err) }

// IsUniqueConstraintError reports whether err comes from a unique
// constraint violation.
func IsUniqueConstraintError(err error) bool { return uniqueClass.match(err) }

// sqlState returns the SQLSTATE of a Postgres error, from lib/pq or any
// driver exposing SQLState.
func sqlState(err error) (string, bool) {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return string(pe.Code), true
	}
	var se interface{ SQLState() string }
	if errors.As(err, &se) {
		return se.SQLState(), true
	}
	return "", false
}
