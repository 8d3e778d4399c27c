// Package storage relocates attachments to object storage so migrated
// content no longer links into the source tracker.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/internal/logging"
)

// S3Store uploads attachments to an S3 bucket and hands back public URLs.
type S3Store struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3Store builds a store from configuration. Explicit credentials take
// precedence; otherwise the SDK's default chain applies (environment,
// shared config, instance role).
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	options := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

// Put uploads one object and returns its public URL.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %q to bucket %q: %w", key, s.bucket, err)
	}

	logging.Debug("uploaded attachment", "bucket", s.bucket, "key", key, "bytes", len(data))
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	if s.region != "" {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.region, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key)
}
