// Package pblob leverages the gocloud.dev/blob package and provides
// a projex transaction stream for batches persisted in a bucket of
// strictly ordered append-only flat files.
//
// Blob keys must carry a zero-padded sequence number, ex.
// "2025/06/01/orders-000042.json". Checkpoints are derived from the
// sequence and the transaction's offset inside the blob, so they are
// monotonic but sparse.
//
// pblob provides at-least-once delivery semantics ONLY in the following
// conditions:
//   - Blobs in the bucket must form a strictly ordered append-only log.
//     A new blob must become available for reading as the last blob in
//     the log. This ensures blobs are never skipped.
//   - Blobs must be immutable, they may not be modified or deleted
//     prematurely. If history is truncated, resuming subscriptions
//     receive ErrCheckpointNotFound and may restart from the beginning
//     via the RestartWhenAhead option.
//
// This is most commonly achieved by a single writer that a) writes blobs
// named by an increasing sequence and b) writes blobs slow enough that
// they become available for reading in the order they are written.
package pblob
