package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// NewStore builds the archive store a location names.
//
// Location forms:
//   - a directory path: filesystem store rooted there
//   - s3://bucket/prefix: S3, region from AWS_REGION (default us-east-1),
//     endpoint override from SNAPSHOT_S3_ENDPOINT for MinIO and LocalStack
//   - gs://bucket/prefix: Google Cloud Storage (requires the gcp build tag)
func NewStore(ctx context.Context, location string) (Store, error) {
	switch {
	case location == "":
		return nil, fmt.Errorf("empty archive location")
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix := splitBucketURI(strings.TrimPrefix(location, "s3://"))
		if bucket == "" {
			return nil, fmt.Errorf("archive %q names no bucket", location)
		}
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("SNAPSHOT_S3_ENDPOINT"),
			Prefix:   prefix,
		})
	case strings.HasPrefix(location, "gs://"):
		bucket, prefix := splitBucketURI(strings.TrimPrefix(location, "gs://"))
		if bucket == "" {
			return nil, fmt.Errorf("archive %q names no bucket", location)
		}
		return newGCSStore(ctx, bucket, prefix)
	default:
		return NewFileStore(location)
	}
}

func splitBucketURI(rest string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/")
}
