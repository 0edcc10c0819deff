// Package backupsink uploads completed backup snapshots to S3-compatible
// object storage. It is wholly optional: Persistence's Backup operation
// works against the local data directory with no sink configured at all.
package backupsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/latzero/latzero/internal/logging"
)

// Sink uploads a completed backup file, keyed by its base name.
type Sink interface {
	Upload(ctx context.Context, path string) error
}

// S3Sink uploads backups into a single bucket under an optional key prefix.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads AWS credentials and region from the standard SDK chain
// (environment, shared config, EC2/ECS role) and targets bucket/prefix.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload streams the backup file at path to s3://bucket/prefix/<basename>.
func (s *S3Sink) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.Base(path)
	if s.prefix != "" {
		key = filepath.ToSlash(filepath.Join(s.prefix, key))
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put backup object %s: %w", key, err)
	}
	logging.Op().Info("uploaded backup to s3", "bucket", s.bucket, "key", key)
	return nil
}
