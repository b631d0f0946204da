package pblob

import (
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/luno/jettison/errors"
	"gocloud.dev/blob/s3blob"
)

// OpenS3Bucket opens and returns a s3 bucket for the provided client and
// bucket name. See OpenBucket which can also open s3 bucket urls, but
// obtains the AWS config from the environment.
func OpenS3Bucket(ctx context.Context, label string, client *s3.Client,
	bucketName string, opts ...Option,
) (*Bucket, error) {
	bucket, err := s3blob.OpenBucketV2(ctx, client, bucketName, nil)
	if err != nil {
		return nil, err
	}

	return NewBucket(label, bucket, opts...), nil
}

// makeStartAfter returns a blob.BeforeList function that starts listing after
// the provided key for improved performance when scanning large buckets.
// Drivers without s3 semantics ignore it.
func makeStartAfter(key string) func(func(interface{}) bool) error {
	return func(asFunc func(interface{}) bool) error {
		s3input := new(s3.ListObjectsV2Input)
		if !asFunc(&s3input) {
			// We always expect asFunc to return true.
			return errors.New("gocloud.dev rejected our ListObjectsV2Input - check gocloud.dev/blob/s3blob")
		}
		if s3input.Prefix != nil {
			key = path.Join(*s3input.Prefix, key)
		}
		s3input.StartAfter = &key
		return nil
	}
}
