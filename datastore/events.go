package datastore

import (
	"context"
	"fmt"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// LifecycleEvent is a point in the commit of an instance.
type LifecycleEvent int

// Lifecycle events. Before events run before the instance is written, after
// events once the persistence context is flushed.
const (
	BeforeInsert LifecycleEvent = iota
	AfterInsert
	BeforeUpdate
	AfterUpdate
	BeforeDelete
	AfterDelete
)

var lifecycleNames = [...]string{
	BeforeInsert: "BeforeInsert",
	AfterInsert:  "AfterInsert",
	BeforeUpdate: "BeforeUpdate",
	AfterUpdate:  "AfterUpdate",
	BeforeDelete: "BeforeDelete",
	AfterDelete:  "AfterDelete",
}

// String returns the event name.
func (ev LifecycleEvent) String() string {
	if int(ev) < len(lifecycleNames) {
		return lifecycleNames[ev]
	}
	return fmt.Sprintf("LifecycleEvent(%d)", int(ev))
}

// Listener is notified of lifecycle events of committed instances. An error
// aborts the commit.
type Listener interface {
	OnLifecycle(ctx context.Context, ev LifecycleEvent, e *entity.Entity) error
}

// The ListenerFunc type is an adapter to allow the use of ordinary functions
// as listeners.
type ListenerFunc func(context.Context, LifecycleEvent, *entity.Entity) error

// OnLifecycle calls f(ctx, ev, e).
func (f ListenerFunc) OnLifecycle(ctx context.Context, ev LifecycleEvent, e *entity.Entity) error {
	return f(ctx, ev, e)
}

type listenerEntry struct {
	entity string
	l      Listener
}

func (le listenerEntry) matches(class *metadata.Class) bool {
	if le.entity == "" {
		return true
	}
	for c := class; c != nil; c = c.Ancestor() {
		if c.Name() == le.entity {
			return true
		}
	}
	return false
}

func (s *Store) fire(ctx context.Context, ev LifecycleEvent, e *entity.Entity) error {
	for _, le := range s.listeners {
		if !le.matches(e.Class()) {
			continue
		}
		if err := le.l.OnLifecycle(ctx, ev, e); err != nil {
			return fmt.Errorf("datastore: %s listener of %s: %w", ev, e, err)
		}
	}
	return nil
}

// ChangeType is the kind of change of an EntityChangedEvent.
type ChangeType int

// Change types.
const (
	Created ChangeType = iota
	Updated
	Deleted
)

// String returns the change type name.
func (t ChangeType) String() string {
	switch t {
	case Created:
		return "CREATED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// EntityChangedEvent reports a committed change of an instance whose class
// publishes changes.
type EntityChangedEvent struct {
	Entity string
	ID     any
	Type   ChangeType
	// Changes maps each changed attribute to its value before the commit.
	Changes map[string]any
}

// EventPublisher receives the change events of a commit once the
// persistence context is flushed, inside the commit transaction. An error
// aborts the commit.
type EventPublisher interface {
	Publish(ctx context.Context, events []EntityChangedEvent) error
}

// The PublisherFunc type is an adapter to allow the use of ordinary
// functions as publishers.
type PublisherFunc func(context.Context, []EntityChangedEvent) error

// Publish calls f(ctx, events).
func (f PublisherFunc) Publish(ctx context.Context, events []EntityChangedEvent) error {
	return f(ctx, events)
}

// collectEvents records the change events before the flush, while the
// persistence context still tracks the previous values.
func collectEvents(em orm.EntityManager, created, updated, deleted []*entity.Entity) []EntityChangedEvent {
	var out []EntityChangedEvent
	add := func(t ChangeType, e *entity.Entity, changes map[string]any) {
		if !e.Class().Config().PublishChanges {
			return
		}
		out = append(out, EntityChangedEvent{Entity: e.Class().Name(), ID: e.ID(), Type: t, Changes: changes})
	}
	for _, e := range created {
		add(Created, e, em.Changes(e))
	}
	for _, e := range updated {
		if changes := em.Changes(e); len(changes) > 0 {
			add(Updated, e, changes)
		}
	}
	for _, e := range deleted {
		add(Deleted, e, em.Changes(e))
	}
	return out
}
