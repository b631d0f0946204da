package projex

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Handler is a single mapped action applied to an event.
type Handler func(ctx context.Context, pc *Context, e *Event) error

// Predicate filters events before mapped actions run. It should return
// promptly; other than small in-memory transforms it should not be making
// I/O or significant API calls as the expectation is that the only data
// needed will be on the event and context themselves.
type Predicate func(ctx context.Context, pc *Context, e *Event) (bool, error)

// EventMap is an immutable, build-once mapping from event type to handler
// actions. It is safe for concurrent use across batches.
type EventMap struct {
	wheres   []Predicate
	mappings []mapping
}

type mapping struct {
	types []int // nil matches any type
	when  []Predicate
	fn    Handler
}

func (m mapping) matches(e *Event) bool {
	if m.types == nil {
		return true
	}
	for _, t := range m.types {
		if t == e.Type.ProjexType() {
			return true
		}
	}
	return false
}

// Handle applies all matching mappings to the event in registration order
// and returns whether any action ran. A map-wide Where predicate yielding
// false suppresses all mappings for the event. Predicate and handler
// errors propagate to the caller.
func (m *EventMap) Handle(ctx context.Context, pc *Context, e *Event) (bool, error) {
	for _, where := range m.wheres {
		ok, err := where(ctx, pc, e)
		if err != nil {
			return false, errors.Wrap(err, "where predicate")
		}
		if !ok {
			return false, nil
		}
	}

	var handled bool
	for _, mp := range m.mappings {
		if !mp.matches(e) {
			continue
		}

		ok := true
		for _, when := range mp.when {
			var err error
			ok, err = when(ctx, pc, e)
			if err != nil {
				return handled, errors.Wrap(err, "when predicate")
			}
			if !ok {
				break
			}
		}
		if !ok {
			continue
		}

		if err := mp.fn(ctx, pc, e); err != nil {
			return handled, err
		}
		handled = true
	}

	return handled, nil
}

// NewEventMapBuilder returns a builder of an EventMap. An Executor option
// is required to use the create/update/delete mapping sugar.
func NewEventMapBuilder(opts ...BuilderOption) *EventMapBuilder {
	b := new(EventMapBuilder)
	for _, o := range opts {
		o(b)
	}
	return b
}

// BuilderOption configures an EventMapBuilder.
type BuilderOption func(*EventMapBuilder)

// WithExecutor provides an option to set the executor that the
// create/update/delete mapping sugar desugars to.
func WithExecutor(x Executor) BuilderOption {
	return func(b *EventMapBuilder) {
		b.executor = x
	}
}

// EventMapBuilder compiles a declarative set of event-type-to-action
// mappings into an EventMap. It is not safe for concurrent use.
type EventMapBuilder struct {
	executor Executor
	wheres   []Predicate
	mappings []mapping
	errs     []error
}

// Where adds a map-wide predicate evaluated before any mapping. A false
// result suppresses all mappings for that event.
func (b *EventMapBuilder) Where(p Predicate) *EventMapBuilder {
	b.wheres = append(b.wheres, p)
	return b
}

// Map starts a mapping for the given event types.
func (b *EventMapBuilder) Map(types ...EventType) *MappingBuilder {
	if len(types) == 0 {
		b.errs = append(b.errs, errors.New("map requires at least one event type"))
	}
	tl := make([]int, 0, len(types))
	for _, t := range types {
		tl = append(tl, t.ProjexType())
	}
	return &MappingBuilder{b: b, types: tl}
}

// MapAny starts a catch-all mapping invoked for every event alongside any
// type-specific mappings, in registration order.
func (b *EventMapBuilder) MapAny() *MappingBuilder {
	return &MappingBuilder{b: b, any: true}
}

// Build compiles the registered mappings into an immutable EventMap.
func (b *EventMapBuilder) Build() (*EventMap, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.mappings) == 0 {
		return nil, errors.New("event map requires at least one mapping")
	}
	return &EventMap{
		wheres:   b.wheres,
		mappings: b.mappings,
	}, nil
}

// MappingBuilder builds a single mapping. Terminate it with Do or one of
// the AsCreateOf/AsUpdateOf/AsDeleteOf sugar methods.
type MappingBuilder struct {
	b     *EventMapBuilder
	types []int
	any   bool
	when  []Predicate
}

// When adds a per-mapping predicate. A false result suppresses only this
// mapping.
func (mb *MappingBuilder) When(p Predicate) *MappingBuilder {
	mb.when = append(mb.when, p)
	return mb
}

// Do registers the handler for this mapping.
func (mb *MappingBuilder) Do(fn Handler) *EventMapBuilder {
	if fn == nil {
		mb.b.errs = append(mb.b.errs, errors.New("mapping requires a handler"))
		return mb.b
	}
	m := mapping{when: mb.when, fn: fn}
	if !mb.any {
		m.types = mb.types
	}
	mb.b.mappings = append(mb.b.mappings, m)
	return mb.b
}

// requireExecutor registers the executor-backed handler or records an
// error if the builder has no executor.
func (mb *MappingBuilder) requireExecutor(name string) (Executor, bool) {
	if mb.b.executor == nil {
		mb.b.errs = append(mb.b.errs, errors.New("mapping sugar requires an executor",
			j.KS("mapping", name)))
		return nil, false
	}
	return mb.b.executor, true
}
