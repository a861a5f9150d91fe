// Package blob uploads generated artifacts to S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"pocketllm/internal/config"
)

var ErrDisabled = errors.New("blob storage is not configured")

// Uploader stores bytes under path and returns a URL the client can fetch.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type S3Store struct {
	client    *s3.Client
	bucket    string
	endpoint  string
	publicURL string
	enabled   bool
}

func NewS3Store(ctx context.Context, cfg config.StorageConfig, httpClient *http.Client, logger zerolog.Logger) (*S3Store, error) {
	if !cfg.Enabled() {
		logger.Info().Msg("blob storage disabled, no bucket configured")
		return &S3Store{}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	logger.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("blob storage initialized")
	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		publicURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		enabled:   true,
	}, nil
}

func (s *S3Store) Enabled() bool { return s.enabled }

func (s *S3Store) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if !s.enabled {
		return "", ErrDisabled
	}
	path = strings.TrimPrefix(path, "/")
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return s.URL(path), nil
}

// URL is the public address of path: PublicBaseURL when set, otherwise the
// path-style endpoint address.
func (s *S3Store) URL(path string) string {
	escaped := escapePath(path)
	if s.publicURL != "" {
		return s.publicURL + "/" + escaped
	}
	if s.endpoint != "" {
		return s.endpoint + "/" + s.bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, escaped)
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
