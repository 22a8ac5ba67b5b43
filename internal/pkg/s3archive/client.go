package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

// Entry is one verified webhook delivery.
type Entry struct {
	Provider   string
	EventID    string
	EventType  string
	Body       []byte
	ReceivedAt time.Time
}

// UploadResult contains information about an archived object
type UploadResult struct {
	BucketName string
	ObjectKey  string
	Size       int64
}

// Archiver stores raw webhook payloads.
type Archiver interface {
	Archive(ctx context.Context, entry Entry) (*UploadResult, error)
}

// Client wraps the S3 client with archive-specific functionality
type Client struct {
	s3Client *s3.Client
	config   *Config
}

// NewClient creates a new S3 archive client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("webhook archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3 compatible stores (minio, B2) want path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	return &Client{s3Client: s3Client, config: cfg}, nil
}

// EnsureBucket checks the bucket and creates it outside production.
func (c *Client) EnsureBucket(ctx context.Context) error {
	bucketName := c.config.BucketName

	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err == nil {
		log.Infof("[S3Archive] Using bucket %s", bucketName)
		return nil
	}
	if env.GetEnv("APP_ENV", "dev") == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", bucketName, err)
	}

	log.Warnf("[S3Archive] Bucket %s not found, attempting to create it", bucketName)
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}
	if c.config.EndpointURL == "" && c.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.config.Region),
		}
	}
	if _, err := c.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	log.Infof("[S3Archive] Successfully created bucket: %s", bucketName)
	return nil
}

// Archive uploads the raw body of a webhook delivery.
func (c *Client) Archive(ctx context.Context, entry Entry) (*UploadResult, error) {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	bucketName := c.config.BucketName
	objectKey := c.config.ObjectKey(entry.Provider, entry.EventID, entry.ReceivedAt)

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucketName),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(entry.Body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(entry.Body))),
		Metadata: map[string]string{
			"provider":    entry.Provider,
			"event-type":  entry.EventType,
			"received-at": entry.ReceivedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[S3Archive] Archived %s event %s to s3://%s/%s", entry.Provider, entry.EventID, bucketName, objectKey)
	return &UploadResult{
		BucketName: bucketName,
		ObjectKey:  objectKey,
		Size:       int64(len(entry.Body)),
	}, nil
}
