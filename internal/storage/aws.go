package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/gridstore/internal/config"
)

// S3API is the subset of the S3 client the backend uses. Tests substitute a
// mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBackend stores archives in an S3 bucket under Prefix.
//
// Credentials come from the static keys in the configuration when both are
// set, otherwise from the default AWS chain (env vars, ~/.aws, IAM role).
type AWSBackend struct {
	Bucket string
	Prefix string
	client S3API
}

// NewAWSBackend builds an S3 client from cfg and checks that the bucket is
// reachable.
func NewAWSBackend(ctx context.Context, cfg config.AWSConfig) (*AWSBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	b := NewAWSBackendWithClient(cfg.Bucket, cfg.Prefix, s3.NewFromConfig(awsCfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}
	slog.Info("AWS archive backend initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return b, nil
}

// NewAWSBackendWithClient wires a pre-built client, typically a mock.
func NewAWSBackendWithClient(bucket, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *AWSBackend) s3Key(key string) string {
	return b.Prefix + key
}

// Put buffers r so the SDK can sign and retry the body.
func (b *AWSBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading archive data: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/cbor"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %q to S3: %w", key, err)
	}
	return int64(len(data)), nil
}

// Get streams the object body.
func (b *AWSBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("getting %q from S3: %w", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Delete checks existence first since S3 deletes are idempotent.
func (b *AWSBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("checking %q in S3: %w", key, err)
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting %q from S3: %w", key, err)
	}
	return nil
}

// List pages through ListObjectsV2.
func (b *AWSBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(b.s3Key(prefix)),
	})
	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:  strings.TrimPrefix(aws.ToString(obj.Key), b.Prefix),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return sortInfos(out), nil
}

// HealthCheck issues HeadBucket.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

func isAWSNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

var _ Backend = (*AWSBackend)(nil)
