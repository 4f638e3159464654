// Package storage removes order images from the S3 bucket they were uploaded
// to. Orders keep image URLs; the bucket key is recovered from the URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orderdesk/pkg/async"
	"github.com/platinummonkey/orderdesk/pkg/config"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// ObjectAPI is the subset of *s3.Client the image store calls
type ObjectAPI interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// ImageStore deletes order images from one bucket
type ImageStore struct {
	api        ObjectAPI
	bucket     string
	publicBase string
	endpoint   string
	parallel   int
	timeout    time.Duration
	logger     *observability.Logger
	tracer     trace.Tracer
}

// NewS3ImageStore builds an image store from cfg. Static credentials are
// used when both keys are set, otherwise the default AWS chain applies.
func NewS3ImageStore(ctx context.Context, cfg config.StorageConfig, logger *observability.Logger) (*ImageStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewImageStore(client, cfg, logger), nil
}

// NewImageStore wraps an existing client
func NewImageStore(api ObjectAPI, cfg config.StorageConfig, logger *observability.Logger) *ImageStore {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	parallel := cfg.DeleteParallel
	if parallel <= 0 {
		parallel = 4
	}
	return &ImageStore{
		api:        api,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		parallel:   parallel,
		timeout:    10 * time.Second,
		logger:     logger.WithField("component", "image_store"),
		tracer:     observability.Tracer("storage"),
	}
}

// KeyFromURL returns the bucket key an image URL points at. URLs outside the
// bucket report false.
//
// Recognized forms:
//
//	<public base>/<key>
//	s3://<bucket>/<key>
//	https://<bucket>.s3.<region>.amazonaws.com/<key>
//	<endpoint>/<bucket>/<key>
func (s *ImageStore) KeyFromURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if s.publicBase != "" && strings.HasPrefix(raw, s.publicBase+"/") {
		return nonEmpty(strings.TrimPrefix(raw, s.publicBase+"/"))
	}
	if s.endpoint != "" && strings.HasPrefix(raw, s.endpoint+"/"+s.bucket+"/") {
		return nonEmpty(strings.TrimPrefix(raw, s.endpoint+"/"+s.bucket+"/"))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	switch {
	case u.Scheme == "s3" && u.Host == s.bucket:
		return nonEmpty(strings.TrimPrefix(u.Path, "/"))
	case (u.Scheme == "https" || u.Scheme == "http") && strings.HasPrefix(u.Host, s.bucket+".s3."):
		key, err := url.PathUnescape(strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return "", false
		}
		return nonEmpty(key)
	}
	return "", false
}

// DeleteImages removes every image in urls that belongs to the bucket and
// returns how many were deleted. URLs pointing elsewhere are skipped. Every
// deletion is attempted even when some fail; the failures are joined.
func (s *ImageStore) DeleteImages(ctx context.Context, urls []string) (int, error) {
	keys := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		key, ok := s.KeyFromURL(u)
		if !ok {
			s.logger.WithField("url", u).Debug("Skipping image outside the bucket")
			continue
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "storage.DeleteImages", trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.Int("s3.keys", len(keys)),
	))
	defer span.End()

	errs := async.Batch(ctx, keys, s.parallel, "image delete", s.timeout, func(ctx context.Context, key string) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "some images were not deleted")
		return len(keys) - len(errs), err
	}
	return len(keys), nil
}

// HealthCheck verifies the bucket is reachable
func (s *ImageStore) HealthCheck(ctx context.Context) error {
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}

func nonEmpty(key string) (string, bool) {
	return key, key != ""
}
