package projex

import (
	"context"

	"github.com/luno/jettison/errors"
)

// Doc is a projection store record as an opaque document. Executors load,
// store and delete docs by key; apply funcs mutate them in place.
type Doc map[string]interface{}

// KeyFunc selects the projection key an event applies to.
type KeyFunc func(pc *Context, e *Event) (string, error)

// DocFunc mutates the projection doc for an event.
type DocFunc func(pc *Context, e *Event, doc Doc) error

// ApplyFunc mutates a loaded projection doc. It is the desugared form of a
// DocFunc with the event and context bound.
type ApplyFunc func(doc Doc) error

// Executor applies projection store mutations on behalf of mapped events.
// The event map holds no storage logic; create/update/delete mappings
// desugar to calls on this interface with the unit of work of the current
// batch attempt.
type Executor interface {
	// Create inserts a new doc built by apply from an empty doc. It
	// returns ErrDuplicate if the key exists, unless ignoreDuplicates.
	Create(ctx context.Context, u Unit, key string, apply ApplyFunc, ignoreDuplicates bool) error

	// Update loads the doc, applies the mutation and stores it. It
	// returns ErrMissing if the key does not exist, unless
	// createIfMissing (apply starts from an empty doc) or ignoreMissing.
	Update(ctx context.Context, u Unit, key string, apply ApplyFunc, createIfMissing, ignoreMissing bool) error

	// Delete removes the doc. It returns ErrMissing if the key does not
	// exist, unless ignoreMissing.
	Delete(ctx context.Context, u Unit, key string, ignoreMissing bool) error

	// Custom queues an arbitrary action on the unit of work.
	Custom(ctx context.Context, u Unit, action func(ctx context.Context) error) error
}

// CrudOption configures the policy knobs of a create/update/delete mapping.
type CrudOption func(*crudOptions)

type crudOptions struct {
	ignoreDuplicates bool
	createIfMissing  bool
	ignoreMissing    bool
}

// IgnoringDuplicates provides an option for AsCreateOf to treat an
// existing projection as success instead of failing with ErrDuplicate.
func IgnoringDuplicates() CrudOption {
	return func(o *crudOptions) {
		o.ignoreDuplicates = true
	}
}

// CreatingIfMissing provides an option for AsUpdateOf to create the
// projection from an empty doc when it does not exist.
func CreatingIfMissing() CrudOption {
	return func(o *crudOptions) {
		o.createIfMissing = true
	}
}

// IgnoringMisses provides an option for AsUpdateOf and AsDeleteOf to treat
// a missing projection as success instead of failing with ErrMissing.
func IgnoringMisses() CrudOption {
	return func(o *crudOptions) {
		o.ignoreMissing = true
	}
}

// AsCreateOf registers a handler that creates the projection selected by
// key, populating it with apply. By default creating an existing
// projection fails; see IgnoringDuplicates.
func (mb *MappingBuilder) AsCreateOf(key KeyFunc, apply DocFunc, opts ...CrudOption) *EventMapBuilder {
	x, ok := mb.requireExecutor("create")
	if !ok {
		return mb.b
	}
	var o crudOptions
	for _, opt := range opts {
		opt(&o)
	}

	return mb.Do(func(ctx context.Context, pc *Context, e *Event) error {
		k, err := key(pc, e)
		if err != nil {
			return errors.Wrap(err, "create key")
		}
		return x.Create(ctx, pc.Unit(), k, func(doc Doc) error {
			return apply(pc, e, doc)
		}, o.ignoreDuplicates)
	})
}

// AsUpdateOf registers a handler that updates the projection selected by
// key, mutating it with apply. By default updating a missing projection
// fails; see CreatingIfMissing and IgnoringMisses.
func (mb *MappingBuilder) AsUpdateOf(key KeyFunc, apply DocFunc, opts ...CrudOption) *EventMapBuilder {
	x, ok := mb.requireExecutor("update")
	if !ok {
		return mb.b
	}
	var o crudOptions
	for _, opt := range opts {
		opt(&o)
	}

	return mb.Do(func(ctx context.Context, pc *Context, e *Event) error {
		k, err := key(pc, e)
		if err != nil {
			return errors.Wrap(err, "update key")
		}
		return x.Update(ctx, pc.Unit(), k, func(doc Doc) error {
			return apply(pc, e, doc)
		}, o.createIfMissing, o.ignoreMissing)
	})
}

// AsDeleteOf registers a handler that deletes the projection selected by
// key. By default deleting a missing projection fails; see IgnoringMisses.
func (mb *MappingBuilder) AsDeleteOf(key KeyFunc, opts ...CrudOption) *EventMapBuilder {
	x, ok := mb.requireExecutor("delete")
	if !ok {
		return mb.b
	}
	var o crudOptions
	for _, opt := range opts {
		opt(&o)
	}

	return mb.Do(func(ctx context.Context, pc *Context, e *Event) error {
		k, err := key(pc, e)
		if err != nil {
			return errors.Wrap(err, "delete key")
		}
		return x.Delete(ctx, pc.Unit(), k, o.ignoreMissing)
	})
}
