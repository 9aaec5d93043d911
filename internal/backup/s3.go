// Package backup archives account snapshots to S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type Config struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Archiver writes one JSON object per archive under
// <prefix>/accounts/<account>/snapshots/.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewS3Archiver builds an archiver. Static credentials are used when both
// keys are set, the default AWS chain otherwise. A custom endpoint switches
// to path-style addressing for MinIO and similar servers.
func NewS3Archiver(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("backup"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Archive uploads payload as JSON and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, accountID string, payload any) (string, error) {
	if accountID == "" {
		return "", errors.New("archive requires an account")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	key := path.Join(a.prefix, "accounts", accountID, "snapshots", a.now().Format("20060102T150405.000Z")+".json")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	a.logger.Info("snapshot archived", zap.String("key", key), zap.Int("bytes", len(body)))
	return key, nil
}
