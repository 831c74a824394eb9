package data

import (
	"fmt"
	"slices"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
)

// ValidationMode controls validation of committed entities.
type ValidationMode int

// Validation modes.
const (
	// ValidationDefault validates when authorization is required.
	ValidationDefault ValidationMode = iota
	// ValidationAlways always validates.
	ValidationAlways
	// ValidationNever skips validation.
	ValidationNever
)

// String returns the mode name.
func (m ValidationMode) String() string {
	switch m {
	case ValidationAlways:
		return "always"
	case ValidationNever:
		return "never"
	default:
		return "default"
	}
}

// CommitContext is the unit of work of one commit: instances to persist or
// merge, instances to remove, and flags. An instance appears in at most one
// of the two sets.
type CommitContext struct {
	commit           []*entity.Entity
	plans            map[*entity.Entity]*fetchplan.FetchPlan
	remove           []*entity.Entity
	softDeletion     bool
	discardCommitted bool
	authRequired     bool
	joinTx           bool
	validation       ValidationMode
	groups           []string
}

// Committed returns the instances to persist or merge.
func (c *CommitContext) Committed() []*entity.Entity { return slices.Clone(c.commit) }

// Removed returns the instances to remove.
func (c *CommitContext) Removed() []*entity.Entity { return slices.Clone(c.remove) }

// FetchPlan returns the per-instance fetch plan override, or nil.
func (c *CommitContext) FetchPlan(e *entity.Entity) *fetchplan.FetchPlan { return c.plans[e] }

// SoftDeletion reports whether soft-deletable instances are marked instead of deleted.
func (c *CommitContext) SoftDeletion() bool { return c.softDeletion }

// DiscardCommitted reports whether the committed instances are not returned.
func (c *CommitContext) DiscardCommitted() bool { return c.discardCommitted }

// AuthorizationRequired reports whether security checks apply.
func (c *CommitContext) AuthorizationRequired() bool { return c.authRequired }

// JoinTransaction reports whether the commit joins the ambient transaction.
func (c *CommitContext) JoinTransaction() bool { return c.joinTx }

// ValidationMode returns the validation mode.
func (c *CommitContext) ValidationMode() ValidationMode { return c.validation }

// ValidationGroups returns the validation groups.
func (c *CommitContext) ValidationGroups() []string { return slices.Clone(c.groups) }

// IsEmpty reports whether there is nothing to commit.
func (c *CommitContext) IsEmpty() bool { return len(c.commit) == 0 && len(c.remove) == 0 }

// CommitBuilder builds a CommitContext.
type CommitBuilder struct {
	ctx CommitContext
}

// NewCommit returns a builder committing the given instances.
func NewCommit(entities ...*entity.Entity) *CommitBuilder {
	b := &CommitBuilder{ctx: CommitContext{softDeletion: true, plans: make(map[*entity.Entity]*fetchplan.FetchPlan)}}
	for _, e := range entities {
		b.Commit(e, nil)
	}
	return b
}

// Commit adds an instance to persist or merge, with an optional plan used to
// reload it. An instance in the remove set is moved.
func (b *CommitBuilder) Commit(e *entity.Entity, plan *fetchplan.FetchPlan) *CommitBuilder {
	b.ctx.remove = slices.DeleteFunc(b.ctx.remove, func(r *entity.Entity) bool { return r == e })
	if !slices.Contains(b.ctx.commit, e) {
		b.ctx.commit = append(b.ctx.commit, e)
	}
	if plan != nil {
		b.ctx.plans[e] = plan
	}
	return b
}

// Remove adds an instance to remove. An instance in the commit set is moved.
func (b *CommitBuilder) Remove(entities ...*entity.Entity) *CommitBuilder {
	for _, e := range entities {
		b.ctx.commit = slices.DeleteFunc(b.ctx.commit, func(c *entity.Entity) bool { return c == e })
		delete(b.ctx.plans, e)
		if !slices.Contains(b.ctx.remove, e) {
			b.ctx.remove = append(b.ctx.remove, e)
		}
	}
	return b
}

// SoftDeletion sets the soft deletion flag.
func (b *CommitBuilder) SoftDeletion(v bool) *CommitBuilder {
	b.ctx.softDeletion = v
	return b
}

// DiscardCommitted sets whether committed instances are returned.
func (b *CommitBuilder) DiscardCommitted(v bool) *CommitBuilder {
	b.ctx.discardCommitted = v
	return b
}

// Authorization sets the authorization flag.
func (b *CommitBuilder) Authorization(v bool) *CommitBuilder {
	b.ctx.authRequired = v
	return b
}

// JoinTransaction sets the join transaction flag.
func (b *CommitBuilder) JoinTransaction(v bool) *CommitBuilder {
	b.ctx.joinTx = v
	return b
}

// Validation sets the validation mode and groups.
func (b *CommitBuilder) Validation(mode ValidationMode, groups ...string) *CommitBuilder {
	b.ctx.validation = mode
	b.ctx.groups = slices.Clone(groups)
	return b
}

// Build returns the commit context. The builder may be reused; later changes
// do not affect returned contexts.
func (b *CommitBuilder) Build() *CommitContext {
	c := b.ctx
	c.commit = slices.Clone(b.ctx.commit)
	c.remove = slices.Clone(b.ctx.remove)
	c.groups = slices.Clone(b.ctx.groups)
	c.plans = make(map[*entity.Entity]*fetchplan.FetchPlan, len(b.ctx.plans))
	for k, v := range b.ctx.plans {
		c.plans[k] = v
	}
	return &c
}

// String returns a summary.
func (c *CommitContext) String() string {
	return fmt.Sprintf("CommitContext{commit: %d, remove: %d, softDeletion: %t}", len(c.commit), len(c.remove), c.softDeletion)
}
