package orm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata/orm"
)

func TestFetchGroup(t *testing.T) {
	t.Parallel()
	g := orm.NewFetchGroup("name", "orders.number", "orders.lines.quantity", "manager")

	assert.True(t, g.Contains("orders.number"))
	assert.False(t, g.Contains("orders"))
	assert.Equal(t, []string{"name", "orders", "manager"}, g.Local())
	assert.Equal(t, []string{"number", "lines.quantity"}, g.Nested("orders").Attributes)
	assert.Nil(t, g.Nested("manager"))

	var nilGroup *orm.FetchGroup
	assert.False(t, nilGroup.Contains("x"))
	assert.Nil(t, nilGroup.Nested("x"))
}

type fakeTx struct {
	committed, ended int
	commitErr        error
}

func (tx *fakeTx) EntityManager() orm.EntityManager { return nil }
func (tx *fakeTx) Commit(context.Context) error     { tx.committed++; return tx.commitErr }
func (tx *fakeTx) End(context.Context)              { tx.ended++ }
func (tx *fakeTx) Joined() bool                     { return false }

func TestInTx(t *testing.T) {
	t.Parallel()

	t.Run("commit", func(t *testing.T) {
		tx := &fakeTx{}
		err := orm.InTx(context.Background(), tx, func(ctx context.Context, _ orm.EntityManager) error {
			assert.Same(t, tx, orm.FromContext(ctx))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, tx.committed)
		assert.Equal(t, 1, tx.ended)
	})
	t.Run("error", func(t *testing.T) {
		tx := &fakeTx{}
		boom := errors.New("boom")
		err := orm.InTx(context.Background(), tx, func(context.Context, orm.EntityManager) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, tx.committed)
		assert.Equal(t, 1, tx.ended)
	})
	t.Run("commit error", func(t *testing.T) {
		tx := &fakeTx{commitErr: errors.New("conflict")}
		err := orm.InTx(context.Background(), tx, func(context.Context, orm.EntityManager) error { return nil })
		assert.ErrorContains(t, err, "conflict")
		assert.Equal(t, 1, tx.ended)
	})
	t.Run("panic", func(t *testing.T) {
		tx := &fakeTx{}
		assert.Panics(t, func() {
			_ = orm.InTx(context.Background(), tx, func(context.Context, orm.EntityManager) error { panic("oops") })
		})
		assert.Equal(t, 1, tx.ended)
	})
}
