package ormmem

import (
	"context"
	"errors"

	"github.com/syssam/vxdata/orm"
)

// ErrTxDone is returned when using a committed or ended transaction.
var ErrTxDone = errors.New("ormmem: transaction already ended")

// Tx is a transaction with its own persistence context.
type Tx struct {
	db       *DB
	em       *EntityManager
	readOnly bool
	done     bool
}

var _ orm.Transaction = (*Tx)(nil)

// EntityManager returns the persistence context.
func (tx *Tx) EntityManager() orm.EntityManager { return tx.em }

// Commit flushes and applies the writes to the database.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if err := tx.em.Flush(ctx); err != nil {
		return err
	}
	if !tx.readOnly {
		tx.db.apply(tx.em.overlay)
	}
	tx.done = true
	return nil
}

// End rolls back an uncommitted transaction and detaches every managed instance.
func (tx *Tx) End(context.Context) {
	committed := tx.done
	tx.done = true
	tx.em.close(committed)
}

// Joined reports false.
func (tx *Tx) Joined() bool { return false }

// joinedTx participates in an outer transaction: Commit only flushes and End
// does nothing.
type joinedTx struct {
	outer *Tx
}

func (tx joinedTx) EntityManager() orm.EntityManager { return tx.outer.em }

func (tx joinedTx) Commit(ctx context.Context) error {
	if tx.outer.done {
		return ErrTxDone
	}
	return tx.outer.em.Flush(ctx)
}

func (tx joinedTx) End(context.Context) {}

func (tx joinedTx) Joined() bool { return true }

// Begin starts a new transaction.
func (db *DB) Begin() *Tx {
	return &Tx{db: db, em: newEntityManager(db)}
}

// LoadTransaction implements orm.TxManager.
func (db *DB) LoadTransaction(ctx context.Context, join, readOnly bool) (orm.Transaction, error) {
	if tx := db.ambient(ctx, join); tx != nil {
		return joinedTx{outer: tx}, nil
	}
	tx := db.Begin()
	tx.readOnly = readOnly
	return tx, nil
}

// SaveTransaction implements orm.TxManager.
func (db *DB) SaveTransaction(ctx context.Context, join bool) (orm.Transaction, error) {
	if tx := db.ambient(ctx, join); tx != nil {
		return joinedTx{outer: tx}, nil
	}
	return db.Begin(), nil
}

func (db *DB) ambient(ctx context.Context, join bool) *Tx {
	if !join {
		return nil
	}
	switch tx := orm.FromContext(ctx).(type) {
	case *Tx:
		if tx.db == db && !tx.done {
			return tx
		}
	case joinedTx:
		if tx.outer.db == db && !tx.outer.done {
			return tx.outer
		}
	}
	return nil
}

var _ orm.TxManager = (*DB)(nil)
