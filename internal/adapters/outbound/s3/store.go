// Package s3 provides the S3 object store adapter for snapshot uploads.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// checksumMetadataKey is the object metadata key the pipeline stores the
// file's SHA-256 under. Read-back verification compares against it rather
// than trusting ETags, which are not content hashes for multipart uploads.
const checksumMetadataKey = "snapshot-sha256"

// s3API defines the subset of S3 operations needed by the Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Compile-time check that Store implements outbound.ObjectStore.
var _ outbound.ObjectStore = (*Store)(nil)

// Store implements the ObjectStore port using the AWS SDK. It also works
// against S3-compatible endpoints (the snapshot buckets live on R2).
type Store struct {
	client s3API
	logger *slog.Logger
}

// NewStore creates a new S3 store with the given AWS config.
func NewStore(cfg aws.Config, logger *slog.Logger, optFns ...func(*s3.Options)) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: s3.NewFromConfig(cfg, optFns...),
		logger: logger.With("component", "s3-store"),
	}
}

// NewStoreWithHTTPClient creates a store with a custom HTTP client, useful
// for controlling connection pooling and timeouts on large transfers.
func NewStoreWithHTTPClient(cfg aws.Config, httpClient *http.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.HTTPClient = httpClient
		}),
		logger: logger.With("component", "s3-store"),
	}
}

// Put uploads content under key with the checksum recorded as object
// metadata. The caller verifies the upload through HeadChecksum afterwards.
func (s *Store) Put(ctx context.Context, bucket, key string, content io.Reader, sizeBytes int64, sha256 string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(sizeBytes),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{checksumMetadataKey: sha256},
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}

	s.logger.Debug("uploaded object", "bucket", bucket, "key", key, "bytes", sizeBytes)
	return nil
}

// HeadChecksum fetches the stored checksum metadata for key, or
// outbound.ErrObjectNotFound when the object does not exist.
func (s *Store) HeadChecksum(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", outbound.ErrObjectNotFound
		}
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", outbound.ErrObjectNotFound
		}
		// S3-compatible endpoints return a bare 404 instead of the typed
		// NotFound.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "404") {
			return "", outbound.ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
	}
	return out.Metadata[checksumMetadataKey], nil
}
