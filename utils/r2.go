// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config points at any S3-compatible bucket (AWS, Cloudflare R2, MinIO).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty = AWS
	AccessKeyID     string // empty = default credential chain
	SecretAccessKey string
	PublicBaseURL   string // CDN in front of the bucket, if any
}

// S3Store writes match artifacts to an S3-compatible bucket.
type S3Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.Region),
	}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID, c.SecretAccessKey, "",
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := c.PublicBaseURL
	switch {
	case baseURL != "":
	case c.Endpoint != "":
		baseURL = strings.TrimRight(c.Endpoint, "/") + "/" + c.Bucket
	default:
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.Bucket, c.Region)
	}

	return &S3Store{client: client, bucket: c.Bucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put uploads body under key. Uploading the same key twice overwrites it.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *S3Store) URL(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}
