package stack

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackur/pkg/compiler"
)

// NewBucket declares an object storage bucket. On uncommit the bucket is
// emptied and deleted through the stack's ObjectStore, since the backend
// refuses to delete a bucket that still holds objects. Retained buckets are
// left alone.
func NewBucket(s *Stack, name string, props map[string]interface{}, opts ...ResourceOption) *Resource {
	opts = append([]ResourceOption{BeforeUncommit(func(ctx context.Context, bucket string) error {
		return emptyBucket(ctx, s, bucket)
	})}, opts...)
	return NewResource(s, name, compiler.KindBucket, props, opts...)
}

func emptyBucket(ctx context.Context, s *Stack, bucket string) error {
	if s.objects == nil {
		return fmt.Errorf("no object store configured to empty bucket %s", bucket)
	}

	keys, err := s.objects.ListObjects(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to list objects of %s: %w", bucket, err)
	}
	for _, key := range keys {
		if err := s.objects.DeleteObject(ctx, bucket, key); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
		}
	}
	versions, err := s.objects.DeleteObjectVersions(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to delete object versions of %s: %w", bucket, err)
	}
	s.logger.WithField("bucket", bucket).Infof("Deleted %d objects and %d versions", len(keys), versions)

	if err := s.objects.DeleteBucket(ctx, bucket); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", bucket, err)
	}
	return nil
}
