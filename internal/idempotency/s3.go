package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/johndauphine/mdcore/internal/logging"
	"gopkg.in/yaml.v3"
)

// S3API is the subset of the S3 client used for markers and artifact hashing.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3ClientOptions configures NewS3Client.
type S3ClientOptions struct {
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// optionally pointed at an S3-compatible endpoint (MinIO, R2).
func NewS3Client(ctx context.Context, opts S3ClientOptions) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	}), nil
}

// SplitS3URI splits "s3://bucket/key" into bucket and key. Plain keys return
// defaultBucket.
func SplitS3URI(target, defaultBucket string) (bucket, key string) {
	if rest, ok := strings.CutPrefix(target, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
		return bucket, key
	}
	return defaultBucket, strings.TrimPrefix(target, "/")
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// S3Backend stores YAML markers as objects next to the artifact key:
// <prefix>/<dir of artifact key>/.idempotent.<base>.<taskKey>.<digest>.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Backend creates an object-store marker backend.
func NewS3Backend(client S3API, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *S3Backend) markerDir(target string) (bucket, dir, base string) {
	bucket, key := SplitS3URI(target, b.bucket)
	dir = path.Dir(key)
	if dir == "." {
		dir = ""
	}
	return bucket, path.Join(b.prefix, dir), path.Base(key)
}

func (b *S3Backend) markerKey(target, taskKey string) (bucket, key string) {
	bucket, dir, base := b.markerDir(target)
	return bucket, path.Join(dir, markerName(base, taskKey))
}

// Get reads the marker object for (target, taskKey).
func (b *S3Backend) Get(ctx context.Context, target, taskKey string) (*Marker, error) {
	bucket, key := b.markerKey(target, taskKey)
	m, err := b.read(ctx, bucket, key)
	if err != nil || m == nil {
		return nil, err
	}
	if m.OutputTarget != target || m.TaskKey != taskKey {
		return nil, nil
	}
	return m, nil
}

func (b *S3Backend) read(ctx context.Context, bucket, key string) (*Marker, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching marker s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading marker s3://%s/%s: %w", bucket, key, err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", ErrCorruptMarker, bucket, key, err)
	}
	if m.TaskKey == "" || m.ContentHash == "" {
		return nil, fmt.Errorf("%w: s3://%s/%s: missing task_key or content_hash", ErrCorruptMarker, bucket, key)
	}
	return &m, nil
}

// Put uploads the marker, replacing any previous object. Single PUTs are
// atomic in S3 so no temp key is needed.
func (b *S3Backend) Put(ctx context.Context, m *Marker) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling marker: %w", err)
	}
	bucket, key := b.markerKey(m.OutputTarget, m.TaskKey)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return fmt.Errorf("uploading marker s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes the marker object.
func (b *S3Backend) Delete(ctx context.Context, target, taskKey string) error {
	bucket, key := b.markerKey(target, taskKey)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting marker s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns the markers stored beside target.
func (b *S3Backend) List(ctx context.Context, target string) ([]Marker, error) {
	bucket, dir, base := b.markerDir(target)
	prefix := markerStem(base)
	if dir != "" {
		prefix = dir + "/" + prefix
	}

	var markers []Marker
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing markers: %w", err)
		}
		for _, obj := range page.Contents {
			m, err := b.read(ctx, bucket, aws.ToString(obj.Key))
			if err != nil {
				logging.Warn("Skipping marker %s: %v", aws.ToString(obj.Key), err)
				continue
			}
			if m != nil && m.OutputTarget == target {
				markers = append(markers, *m)
			}
		}
	}
	return markers, nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (b *S3Backend) Close() error {
	return nil
}
