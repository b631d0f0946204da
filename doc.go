// Package projex provides a projection engine for checkpointed streams of
// domain-event transactions. It consumes ordered batches of transactions
// from an upstream event source and feeds them to independent projectors
// that each maintain their own derived read-model state.
//
// A transaction is an immutable group of events committed atomically
// upstream, scoped to one logical stream and identified by a store-assigned
// checkpoint:
//
//	id string              // unique id of the transaction
//	stream_id string       // id of the logical stream the events apply to
//	checkpoint int64       // monotonically increasing position marker
//	timestamp timestamp    // commit time of the transaction
//	events []event         // ordered typed payloads
//
// Checkpoints are unique and strictly increasing per subscription but may
// skip values. A projector persists the checkpoint of the last batch it
// committed in the same unit of work as its data mutations, so restarts
// never reprocess committed work nor lose a checkpoint advance.
//
// Projectors declare their handling logic with an EventMap, a build-once
// mapping from event type to handler actions with per-map and per-mapping
// predicates and create/update/delete sugar that desugars to an external
// Executor.
//
// When applying a batch fails the projector consults an externally supplied
// resolution policy. Transient failures are retried with backoff.
// Non-transient failures are narrowed to the offending transaction via
// individual retries, after which the transaction can be skipped and its
// projection quarantined without blocking the rest of the stream.
//
// Two backends are bundled:
//
//  1. psql: projection state, projection documents and skip audit records
//     in a sql database, with the checkpoint committed atomically with the
//     data it tracks.
//
//  2. pblob: a transaction source decoding batches from consecutive blobs
//     in a gocloud.dev bucket, ex. S3. Useful for replaying archived
//     streams.
package projex
