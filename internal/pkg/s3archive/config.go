package s3archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

// Config holds webhook archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads S3 archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_ARCHIVE_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_ARCHIVE_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_ARCHIVE_BUCKET", ""),
		EndpointURL:     env.GetEnv("S3_ARCHIVE_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("S3_ARCHIVE_PREFIX", "webhooks"), "/"),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ARCHIVE_ACCESS_KEY_ID is required when the webhook archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_ARCHIVE_SECRET_ACCESS_KEY is required when the webhook archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_ARCHIVE_BUCKET is required when the webhook archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey builds <prefix>/<provider>/YYYY/MM/DD/<eventID>.json. Event ids are
// unique per provider, so a redelivered archive job overwrites the same object.
func (c *Config) ObjectKey(provider, eventID string, receivedAt time.Time) string {
	t := receivedAt.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", strings.ToLower(provider), t.Year(), int(t.Month()), t.Day(), sanitize(eventID))
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
