package pblob

import (
	"context"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"gocloud.dev/blob"

	"github.com/luno/projex"
)

// checkpointFactor partitions a checkpoint into a blob sequence and a
// one-based transaction offset inside the blob:
//
//	checkpoint = seq*checkpointFactor + offset
//
// Blobs may therefore hold at most checkpointFactor-1 transactions.
const checkpointFactor = 1_000_000

// Decoder decodes a blob into transaction byte slices (usually JSON DTOs).
type Decoder interface {
	// Decode returns the next non-empty byte slice or an error. It returns
	// io.EOF if no more are available.
	Decode() ([]byte, error)
}

// Option is a functional option that configures a bucket.
type Option func(*Bucket)

// WithBackoff returns an option to configure the backoff duration
// before querying the underlying bucket for new blobs. It defaults
// to one minute.
func WithBackoff(d time.Duration) Option {
	return func(b *Bucket) {
		b.backoff = d
	}
}

// WithDecoder returns an option to configure the blob content decoder
// function. It defaults to the JSONDecoder.
func WithDecoder(fn func(io.Reader) (Decoder, error)) Option {
	return func(b *Bucket) {
		b.decoderFunc = fn
	}
}

// OpenBucket opens and returns a bucket for the provided url.
//
// label defines the bucket label used for metrics.
//
// urlstr defines the url of the blob bucket. See the gocloud
// URLOpener documentation in driver subpackages for details
// on supported URL formats. Also see https://gocloud.dev/concepts/urls/
// and https://gocloud.dev/howto/blob/.
func OpenBucket(ctx context.Context, label, urlstr string,
	opts ...Option,
) (*Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, err
	}

	return NewBucket(label, bucket, opts...), nil
}

// NewBucket returns a bucket using the provided underlying bucket.
func NewBucket(label string, bucket *blob.Bucket, opts ...Option) *Bucket {
	b := &Bucket{
		label:       label,
		bucket:      bucket,
		decoderFunc: JSONDecoder,
		backoff:     time.Minute,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Bucket defines a bucket from which to stream the content of
// consecutive blobs as transaction batches.
type Bucket struct {
	label       string
	bucket      *blob.Bucket
	decoderFunc func(io.Reader) (Decoder, error)
	backoff     time.Duration
}

// Close releases any resources used by the underlying bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

// Stream implements projex.StreamFunc and returns a StreamClient that
// streams transaction batches from bucket blobs after the provided
// checkpoint. Each Recv returns the remaining transactions of one blob.
// Stream is safe to call from multiple goroutines, but the returned
// StreamClient is only safe for a single goroutine to use.
//
// Note: The returned StreamClient implementation also exposes a
// Close method which releases underlying resources. Close is
// called internally when Recv returns an error.
func (b *Bucket) Stream(ctx context.Context, after int64,
	opts ...projex.StreamOption,
) (projex.StreamClient, error) {
	var options projex.StreamOptions
	for _, opt := range opts {
		opt(&options)
	}

	s := &stream{
		ctx:         ctx,
		label:       b.label,
		bucket:      b.bucket,
		decoderFunc: b.decoderFunc,
		backoff:     b.backoff,
	}

	if options.StreamFromHead {
		if err := s.seekHead(); err != nil {
			return nil, err
		}
	} else if after > 0 {
		s.seq = after / checkpointFactor
		s.skip = after % checkpointFactor
		s.resume = true
	}

	return s, nil
}

var (
	_ projex.StreamClient = (*stream)(nil)
	_ io.Closer           = (*stream)(nil)
)

type stream struct {
	ctx         context.Context
	label       string
	bucket      *blob.Bucket
	decoderFunc func(io.Reader) (Decoder, error)
	backoff     time.Duration

	seq     int64  // Sequence of the last consumed blob.
	skip    int64  // Transactions of blob seq consumed in a previous run.
	resume  bool   // Blob seq must still exist in the bucket.
	prevKey string // Key of the last consumed blob, speeds up listing.
	err     error
}

// Close closes this stream. Subsequent calls to Close or Recv always
// return an error.
func (s *stream) Close() error {
	if s.err != nil {
		// Already closed.
		return s.err
	}

	s.err = errors.New("closed")

	return nil
}

// Recv blocks until the next blob is available and returns its
// unconsumed transactions as a single batch. It returns
// ErrCheckpointNotFound if the blob of a resumed checkpoint no longer
// exists in the bucket.
func (s *stream) Recv() (projex.Batch, error) {
	if s.err != nil {
		return nil, s.err
	}

	b, err := s.recv()
	if err != nil {
		s.err = err
		return nil, err
	}

	return b, nil
}

func (s *stream) recv() (projex.Batch, error) {
	for {
		key, seq, err := s.nextKey()
		if err != nil {
			return nil, err
		}

		txns, err := s.readBlob(key, seq)
		if err != nil {
			return nil, err
		}

		skip := s.skip
		s.seq = seq
		s.skip = 0
		s.resume = false
		s.prevKey = key

		if skip >= int64(len(txns)) {
			// Blob is empty or was fully consumed in a previous run.
			continue
		}

		return txns[skip:], nil
	}
}

// nextKey returns the key of the next blob to read. When resuming it
// locates the blob of the current sequence, otherwise it waits until a
// blob after the previous key becomes available.
func (s *stream) nextKey() (string, int64, error) {
	if s.resume {
		return s.findKey(s.seq)
	}

	for {
		iter := s.bucket.List(&blob.ListOptions{
			BeforeList: makeStartAfter(s.prevKey),
		})

		for {
			o, err := iter.Next(s.ctx)
			if errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return "", 0, errors.Wrap(err, "list iter")
			}

			if o.Key <= s.prevKey {
				listSkipCounter.WithLabelValues(s.label).Inc()
				continue
			}

			seq, err := parseSeq(o.Key)
			if err != nil {
				return "", 0, err
			}
			if seq <= s.seq {
				return "", 0, errors.New("blob sequence not increasing",
					j.MKS{"key": o.Key, "prev": s.prevKey})
			}

			return o.Key, seq, nil
		}

		// No new blobs, wait.
		select {
		case <-s.ctx.Done():
			return "", 0, s.ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

// findKey returns the key of the blob with the given sequence. It
// returns ErrCheckpointNotFound if the bucket no longer contains it,
// either because history was truncated or because the bucket was
// rebuilt from scratch.
func (s *stream) findKey(seq int64) (string, int64, error) {
	iter := s.bucket.List(nil)

	for {
		o, err := iter.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return "", 0, errors.Wrap(err, "list iter")
		}

		oseq, err := parseSeq(o.Key)
		if err != nil {
			return "", 0, err
		}

		if oseq < seq {
			listSkipCounter.WithLabelValues(s.label).Inc()
			continue
		}
		if oseq > seq {
			break
		}

		return o.Key, oseq, nil
	}

	return "", 0, errors.Wrap(projex.ErrCheckpointNotFound, "blob not found",
		j.KS("seq", strconv.FormatInt(seq, 10)))
}

// seekHead positions the stream after the last blob in the bucket.
func (s *stream) seekHead() error {
	iter := s.bucket.List(nil)

	for {
		o, err := iter.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "list iter")
		}

		seq, err := parseSeq(o.Key)
		if err != nil {
			return err
		}

		s.seq = seq
		s.prevKey = o.Key
	}
}

// readBlob reads and decodes the whole blob, assigning each transaction
// a checkpoint derived from the blob sequence and its offset.
func (s *stream) readBlob(key string, seq int64) (projex.Batch, error) {
	r, err := s.bucket.NewReader(s.ctx, key, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new reader", j.KS("key", key))
	}
	defer r.Close()

	readCounter.WithLabelValues(s.label).Inc()

	d, err := s.decoderFunc(r)
	if err != nil {
		return nil, err
	}

	var b projex.Batch
	for {
		raw, err := d.Decode()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, errors.Wrap(err, "decode", j.KS("key", key))
		}

		if len(b) >= checkpointFactor-1 {
			return nil, errors.New("blob too large", j.KS("key", key))
		}

		txn, err := parseTransaction(raw)
		if err != nil {
			return nil, errors.Wrap(err, "", j.KS("key", key))
		}

		txn.Checkpoint = seq*checkpointFactor + int64(len(b)+1)
		if txn.Timestamp.IsZero() {
			txn.Timestamp = r.ModTime()
		}

		b = append(b, txn)
	}

	return b, nil
}

// parseSeq returns the sequence number carried by the blob key as
// trailing digits of its base name, ex. "2025/06/orders-000042.json"
// yields 42.
func parseSeq(key string) (int64, error) {
	name := path.Base(key)
	name = strings.TrimSuffix(name, path.Ext(name))

	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, errors.New("blob key missing sequence", j.KS("key", key))
	}

	seq, err := strconv.ParseInt(name[i:], 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "blob key sequence", j.KS("key", key))
	}

	return seq, nil
}
