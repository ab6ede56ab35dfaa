// Package archive persists triage reports to object storage so bounded log
// excerpts survive upstream log expiry. Archival is best-effort and must
// never block the decision path.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver stores triage reports in AWS S3.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// StoreReport uploads a serialized triage report and returns a s3:// URI.
func (a *S3Archiver) StoreReport(ctx context.Context, repoID string, prNumber int, report []byte) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	key := a.objectKey("triage", repoID, fmt.Sprintf("pr-%d", prNumber), stamp+".json")

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(report),
		ContentType: ptr("application/json"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
