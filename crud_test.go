package projex

import (
	"context"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	op               string
	key              string
	ignoreDuplicates bool
	createIfMissing  bool
	ignoreMissing    bool
}

type recordingExecutor struct {
	calls []execCall
	unit  Unit
}

func (x *recordingExecutor) Create(_ context.Context, u Unit, key string,
	apply ApplyFunc, ignoreDuplicates bool,
) error {
	x.unit = u
	x.calls = append(x.calls, execCall{op: "create", key: key, ignoreDuplicates: ignoreDuplicates})
	return apply(Doc{})
}

func (x *recordingExecutor) Update(_ context.Context, u Unit, key string,
	apply ApplyFunc, createIfMissing, ignoreMissing bool,
) error {
	x.unit = u
	x.calls = append(x.calls, execCall{
		op: "update", key: key,
		createIfMissing: createIfMissing, ignoreMissing: ignoreMissing,
	})
	return apply(Doc{})
}

func (x *recordingExecutor) Delete(_ context.Context, u Unit, key string,
	ignoreMissing bool,
) error {
	x.unit = u
	x.calls = append(x.calls, execCall{op: "delete", key: key, ignoreMissing: ignoreMissing})
	return nil
}

func (x *recordingExecutor) Custom(ctx context.Context, u Unit,
	action func(ctx context.Context) error,
) error {
	x.unit = u
	x.calls = append(x.calls, execCall{op: "custom"})
	return action(ctx)
}

func TestCrudDesugar(t *testing.T) {
	x := new(recordingExecutor)

	key := func(pc *Context, _ *Event) (string, error) {
		return pc.StreamID(), nil
	}
	var applied int
	apply := func(_ *Context, _ *Event, doc Doc) error {
		applied++
		doc["n"] = applied
		return nil
	}

	emap, err := NewEventMapBuilder(WithExecutor(x)).
		Map(eventType(1)).AsCreateOf(key, apply, IgnoringDuplicates()).
		Map(eventType(2)).AsUpdateOf(key, apply, CreatingIfMissing()).
		Map(eventType(3)).AsUpdateOf(key, apply, IgnoringMisses()).
		Map(eventType(4)).AsDeleteOf(key, IgnoringMisses()).
		Build()
	jtest.RequireNil(t, err)

	pc := testContext("acc_1")
	ctx := context.Background()

	for typ := 1; typ <= 4; typ++ {
		handled, err := emap.Handle(ctx, pc, testEvent(typ))
		jtest.RequireNil(t, err)
		require.True(t, handled)
	}

	require.Equal(t, []execCall{
		{op: "create", key: "acc_1", ignoreDuplicates: true},
		{op: "update", key: "acc_1", createIfMissing: true},
		{op: "update", key: "acc_1", ignoreMissing: true},
		{op: "delete", key: "acc_1", ignoreMissing: true},
	}, x.calls)

	// The executor received the unit of work of the batch attempt.
	require.Equal(t, pc.Unit(), x.unit)
	require.Equal(t, 3, applied)
}

func TestCrudKeyError(t *testing.T) {
	x := new(recordingExecutor)
	errKey := errors.New("key boom")

	emap, err := NewEventMapBuilder(WithExecutor(x)).
		MapAny().AsDeleteOf(func(*Context, *Event) (string, error) {
		return "", errKey
	}).
		Build()
	jtest.RequireNil(t, err)

	_, err = emap.Handle(context.Background(), testContext("s1"), testEvent(1))
	jtest.Require(t, errKey, err)
	require.Empty(t, x.calls)
}
