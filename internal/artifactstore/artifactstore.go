// Package artifactstore wraps the S3 bucket that holds model weights and
// config artifacts.
package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrNotFound is returned by Download and reflected in Exists's bool return
// when an object is absent.
var ErrNotFound = errors.New("artifactstore: object not found")

// LatestPrefix is where the coordinator looks for current model artifacts.
const LatestPrefix = "rbaioutliers/latest/"

// FallbackModel is used when a named model has no artifacts of its own.
const FallbackModel = "traffic"

// Object describes one listed artifact.
type Object struct {
	Key  string
	Size int64
}

// Client is the artifact store contract. It is satisfied by *S3Client and
// by any test fake.
type Client interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, payload []byte) error
}

// Config configures an S3Client.
type Config struct {
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Endpoint  string // optional, for S3-compatible endpoints
}

// S3Client is the real Client implementation, backed by
// github.com/aws/aws-sdk-go-v2/service/s3.
type S3Client struct {
	s3     *s3.Client
	bucket string
}

// New builds an S3Client from cfg.
func New(ctx context.Context, cfg Config) (*S3Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{s3: client, bucket: cfg.Bucket}, nil
}

// List returns every object under prefix.
func (c *S3Client) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifactstore: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

// Exists reports whether key is present in the bucket.
func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
		return false, nil
	}
	if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("artifactstore: head %s: %w", key, err)
}

// Download returns the full contents of key.
func (c *S3Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("artifactstore: download %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: read %s: %w", key, err)
	}
	return data, nil
}

// Upload writes payload to key, replacing any existing object whole.
func (c *S3Client) Upload(ctx context.Context, key string, payload []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("artifactstore: upload %s: %w", key, err)
	}
	return nil
}

// WeightsKey returns the S3 key for a model's weights artifact.
func WeightsKey(model string) string {
	return LatestPrefix + model + ".weights"
}

// ConfigKey returns the S3 key for a model's config artifact.
func ConfigKey(model string) string {
	return LatestPrefix + model + ".config"
}
