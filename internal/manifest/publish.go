package manifest

import (
	"context"
	"errors"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket drivers selectable by URL scheme.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// ErrNotPublished means no manifest exists under the requested key.
var ErrNotPublished = errors.New("manifest: not found in bucket")

// PublishKeys returns the object keys a run's manifest is stored under:
// the stable latest key and a per-run copy.
func PublishKeys(name, runID string) (latest, archived string) {
	return name, "runs/" + runID + "/" + name
}

// Publish uploads m to bucket under each key.
func Publish(ctx context.Context, bucket *blob.Bucket, m Manifest, keys ...string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	for _, key := range keys {
		if err := bucket.WriteAll(ctx, key, data, opts); err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return nil
}

// PublishURL opens the bucket at bucketURL (s3://, gs://, file://, mem://)
// and publishes m under keys.
func PublishURL(ctx context.Context, bucketURL string, m Manifest, keys ...string) error {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("open bucket: %w", err)
	}
	defer bkt.Close()
	return Publish(ctx, bkt, m, keys...)
}

// Fetch reads a published manifest.
func Fetch(ctx context.Context, bucket *blob.Bucket, key string) (Manifest, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotPublished, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return Parse(data)
}
