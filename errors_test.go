package projex_test

import (
	"context"
	"io"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/stretchr/testify/require"

	"github.com/luno/projex"
)

func TestIsExpected(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		exp  bool
	}{
		{name: "stopped", err: projex.ErrStopped, exp: true},
		{name: "wrapped stopped", err: errors.Wrap(projex.ErrStopped, "wrap"), exp: true},
		{name: "head reached", err: projex.ErrHeadReached, exp: true},
		{name: "cancelled", err: context.Canceled, exp: true},
		{name: "deadline", err: context.DeadlineExceeded, exp: true},
		{name: "aborted", err: projex.ErrAborted, exp: false},
		{name: "checkpoint not found", err: projex.ErrCheckpointNotFound, exp: false},
		{name: "eof", err: io.EOF, exp: false},
		{name: "nil", err: nil, exp: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, projex.IsExpected(tc.err))
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	require.True(t, projex.IsStoppedErr(errors.Wrap(projex.ErrStopped, "")))
	require.False(t, projex.IsStoppedErr(projex.ErrHeadReached))

	require.True(t, projex.IsHeadReachedErr(errors.Wrap(projex.ErrHeadReached, "")))
	require.False(t, projex.IsHeadReachedErr(projex.ErrStopped))
}
