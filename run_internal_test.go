package projex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkBatch(t *testing.T) {
	b := make(Batch, 5)
	for i := range b {
		b[i] = &Transaction{Checkpoint: int64(i + 1)}
	}

	chunks := chunkBatch(b, 2)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[1], 2)
	require.Len(t, chunks[2], 1)
	require.Equal(t, int64(5), chunks[2][0].Checkpoint)

	chunks = chunkBatch(b, 10)
	require.Len(t, chunks, 1)

	chunks = chunkBatch(b, 0)
	require.Len(t, chunks, 1)
}

func TestSourceOptions(t *testing.T) {
	opts := []StreamOption{
		WithStreamFromHead(),
		WithStreamLag(1),
		WithRestartWhenAhead(nil),
		WithOnSuccess(nil),
	}

	src := sourceOptions(opts)
	require.Len(t, src, 1)

	var options StreamOptions
	for _, opt := range src {
		opt(&options)
	}
	require.True(t, options.StreamFromHead)
	require.False(t, options.RestartWhenAhead)
	require.Zero(t, options.Lag)
}
