package aws

import (
	"bytes"
	"context"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openfroyo/stackur/pkg/stack"
)

// S3Client defines the S3 operations used by the object store.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 is a stack.ObjectStore backed by Amazon S3.
type S3 struct {
	client S3Client
	rec    recorder
}

var _ stack.ObjectStore = (*S3)(nil)

// NewS3 creates an object store from an AWS configuration.
func NewS3(cfg awsv2.Config, opts ...Option) *S3 {
	return NewS3WithClient(s3.NewFromConfig(cfg), opts...)
}

// NewS3WithClient creates an object store with a custom client.
func NewS3WithClient(client S3Client, opts ...Option) *S3 {
	return &S3{client: client, rec: newRecorder("s3", opts)}
}

// ListObjects returns every key of the bucket, across all pages.
func (o *S3) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: awsv2.String(bucket),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err := o.rec.observe("ListObjectsV2", bucket, start, err); err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, awsv2.ToString(obj.Key))
		}
	}
	return keys, nil
}

// DeleteObject removes one object.
func (o *S3) DeleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: awsv2.String(bucket),
		Key:    awsv2.String(key),
	})
	return o.rec.observe("DeleteObject", bucket, start, err)
}

// DeleteObjectVersions removes every object version and delete marker of
// the bucket by version id and returns how many it removed.
func (o *S3) DeleteObjectVersions(ctx context.Context, bucket string) (int, error) {
	input := &s3.ListObjectVersionsInput{Bucket: awsv2.String(bucket)}
	deleted := 0
	for {
		start := time.Now()
		page, err := o.client.ListObjectVersions(ctx, input)
		if err := o.rec.observe("ListObjectVersions", bucket, start, err); err != nil {
			return deleted, err
		}

		for _, v := range page.Versions {
			if err := o.deleteVersion(ctx, bucket, v.Key, v.VersionId); err != nil {
				return deleted, err
			}
			deleted++
		}
		for _, m := range page.DeleteMarkers {
			if err := o.deleteVersion(ctx, bucket, m.Key, m.VersionId); err != nil {
				return deleted, err
			}
			deleted++
		}

		if !awsv2.ToBool(page.IsTruncated) {
			return deleted, nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}

func (o *S3) deleteVersion(ctx context.Context, bucket string, key, versionID *string) error {
	start := time.Now()
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    awsv2.String(bucket),
		Key:       key,
		VersionId: versionID,
	})
	return o.rec.observe("DeleteObject", bucket, start, err)
}

// DeleteBucket removes an empty bucket.
func (o *S3) DeleteBucket(ctx context.Context, bucket string) error {
	start := time.Now()
	_, err := o.client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: awsv2.String(bucket),
	})
	return o.rec.observe("DeleteBucket", bucket, start, err)
}

// PutObject uploads body under key.
func (o *S3) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	start := time.Now()
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: awsv2.String(bucket),
		Key:    awsv2.String(key),
		Body:   bytes.NewReader(body),
	})
	return o.rec.observe("PutObject", bucket, start, err)
}
