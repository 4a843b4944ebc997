// Package archive is the optional C10 component from SPEC_FULL.md: a
// fire-and-forget sink that archives a completed task's transcript and
// finalized artifacts to an S3-compatible bucket, addressed by task ID. It
// never blocks task completion — callers invoke it after the Task Store
// write, in a separate goroutine, and log failures rather than propagate
// them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shadowforge/shadowforge/internal/config"
	"github.com/shadowforge/shadowforge/internal/domain"
)

// Sink is the narrow interface the orchestrator depends on.
type Sink interface {
	PutResult(ctx context.Context, taskID string, transcript string, artifacts []domain.ShadowArtifact) error
}

// S3Sink implements Sink using AWS SDK Go v2, against AWS S3 or an
// S3-compatible service (e.g. MinIO) when cfg.Endpoint is set.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink constructs an S3Sink from configuration.
func NewS3Sink(ctx context.Context, cfg config.S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

type resultBundle struct {
	TaskID    string                  `json:"task_id"`
	Artifacts []domain.ShadowArtifact `json:"artifacts"`
}

// PutResult uploads the transcript and a JSON bundle of finalized artifacts
// under <prefix>/<taskID>/transcript.txt and <prefix>/<taskID>/result.json.
func (s *S3Sink) PutResult(ctx context.Context, taskID string, transcript string, artifacts []domain.ShadowArtifact) error {
	if err := s.put(ctx, s.key(taskID, "transcript.txt"), []byte(transcript), "text/plain; charset=utf-8"); err != nil {
		return err
	}
	bundle := resultBundle{TaskID: taskID, Artifacts: artifacts}
	b, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("archive: marshal result bundle: %w", err)
	}
	return s.put(ctx, s.key(taskID, "result.json"), b, "application/json")
}

func (s *S3Sink) key(taskID, name string) string {
	if s.prefix == "" {
		return taskID + "/" + name
	}
	return s.prefix + "/" + taskID + "/" + name
}

func (s *S3Sink) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}
