package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/soma-tiles/lodtiles/internal/config"
)

// objectKey joins the configured prefix and an artifact name.
func objectKey(prefix, name string) string {
	return path.Join(prefix, name)
}

// contentHeaders returns the Content-Type and Content-Encoding for an artifact.
func contentHeaders(name string) (contentType, contentEncoding string) {
	if strings.HasSuffix(name, ".json.gz") {
		return "application/json", "gzip"
	}
	if strings.HasSuffix(name, ".json") {
		return "application/json", ""
	}
	return "application/octet-stream", ""
}

// Minio uploads artifacts to a MinIO or other S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects to cfg.Endpoint with static credentials.
func NewMinio(cfg config.OutputConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewMinioWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioWithClient wraps an existing client.
func NewMinioWithClient(client *minio.Client, bucket, prefix string) *Minio {
	return &Minio{client: client, bucket: bucket, prefix: prefix}
}

// Location implements Sink.
func (m *Minio) Location() string {
	return "minio://" + path.Join(m.bucket, m.prefix)
}

// Put implements Sink.
func (m *Minio) Put(ctx context.Context, name string, data []byte) error {
	contentType, contentEncoding := contentHeaders(name)
	key := objectKey(m.prefix, name)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// S3 uploads artifacts to an S3 bucket through the multipart-capable uploader.
type S3 struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 loads the default AWS configuration. Static keys in cfg override the
// default credential chain; a non-empty Endpoint switches to path-style
// addressing for S3-compatible services.
func NewS3(ctx context.Context, cfg config.OutputConfig) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Location implements Sink.
func (s *S3) Location() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

// Put implements Sink.
func (s *S3) Put(ctx context.Context, name string, data []byte) error {
	contentType, contentEncoding := contentHeaders(name)
	key := objectKey(s.prefix, name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
