// Package s3 provides the object-store client for bug-evidence folders.
//
// This package wraps the AWS SDK v2 with the small call surface the
// synchronization engine needs: delimiter-based common-prefix listing, flat
// object listing, streaming reads, and server-side copy/delete. Pagination
// continuation is owned here; callers always see one flattened, ordered
// sequence per listing call.
//
// # Errors
//
// Store failures are classified into two sentinel errors:
//
//   - ErrNotFound: the key or bucket does not exist
//   - ErrStoreUnavailable: any other store-side failure
//
// Every call is single-attempt. Retry policy, if any, belongs to the caller.
//
// # Authentication
//
// The client uses the AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/bugvault/bugvault/metrics"
)

// Sentinel errors for store call failures. Callers use errors.Is to
// distinguish a missing key from an unreachable or failing store.
var (
	ErrNotFound         = errors.New("object not found")
	ErrStoreUnavailable = errors.New("object store unavailable")
)

// Client wraps the S3 client with helper methods for evidence-folder
// synchronization.
type Client struct {
	s3Client *s3.Client
	bucket   string
	logger   *logrus.Logger
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Bucket is the S3 bucket holding the workflow folders
	Bucket string
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
		Bucket: "bugvault-evidence",
	}
}

// New creates a new S3 client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(awsCfg),
		bucket:   cfg.Bucket,
		logger:   logrus.New(),
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Object represents one stored object with the metadata the sync engine
// records as provenance.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListCommonPrefixes lists the common prefixes (folders) directly under the
// given prefix, paginating internally until the listing is exhausted. The
// prefix is normalized to end with "/" so that the delimiter grouping yields
// one entry per child folder.
func (c *Client) ListCommonPrefixes(ctx context.Context, prefix string) ([]string, error) {
	if err := validateKey(prefix); err != nil {
		return nil, fmt.Errorf("invalid prefix: %w", err)
	}
	prefix = ensureTrailingSlash(prefix)

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"prefix": prefix,
	})

	var prefixes []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.StoreFailures.WithLabelValues("list_prefixes").Inc()
			return nil, classify(err, "failed to list prefixes under %s", prefix)
		}
		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil && *cp.Prefix != prefix {
				prefixes = append(prefixes, *cp.Prefix)
			}
		}
	}

	metrics.StoreOperations.WithLabelValues("list_prefixes").Inc()
	logger.WithField("count", len(prefixes)).Debug("listed common prefixes")

	return prefixes, nil
}

// ListObjects lists every object under the given prefix (no delimiter),
// paginating internally. Folder placeholder keys that equal the prefix
// itself are excluded.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	if err := validateKey(prefix); err != nil {
		return nil, fmt.Errorf("invalid prefix: %w", err)
	}
	prefix = ensureTrailingSlash(prefix)

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"prefix": prefix,
	})

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.StoreFailures.WithLabelValues("list_objects").Inc()
			return nil, classify(err, "failed to list objects under %s", prefix)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || *obj.Key == prefix {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	metrics.StoreOperations.WithLabelValues("list_objects").Inc()
	logger.WithField("count", len(objects)).Debug("listed objects")

	return objects, nil
}

// GetObjectStream opens a streaming read of the object body. The caller owns
// the returned reader and must close it.
func (c *Client) GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("get").Inc()
		return nil, classify(err, "failed to get object %s", key)
	}

	metrics.StoreOperations.WithLabelValues("get").Inc()
	return resp.Body, nil
}

// CopyObject performs a server-side copy within the bucket.
func (c *Client) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if err := validateKey(srcKey); err != nil {
		return fmt.Errorf("invalid source key: %w", err)
	}
	if err := validateKey(dstKey); err != nil {
		return fmt.Errorf("invalid destination key: %w", err)
	}

	_, err := c.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		CopySource: aws.String(url.PathEscape(c.bucket + "/" + srcKey)),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("copy").Inc()
		return classify(err, "failed to copy %s to %s", srcKey, dstKey)
	}

	metrics.StoreOperations.WithLabelValues("copy").Inc()
	c.logger.WithFields(logrus.Fields{
		"src": srcKey,
		"dst": dstKey,
	}).Debug("copied object")

	return nil
}

// DeleteObject removes one object.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("delete").Inc()
		return classify(err, "failed to delete %s", key)
	}

	metrics.StoreOperations.WithLabelValues("delete").Inc()
	c.logger.WithField("key", key).Debug("deleted object")

	return nil
}

// classify wraps a store failure with the matching sentinel so callers can
// use errors.Is without inspecting SDK types.
func classify(cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)

	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(cause, &nsk) || errors.As(cause, &nsb) {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, msg, cause)
	}
	var apiErr smithy.APIError
	if errors.As(cause, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s: %v", ErrNotFound, msg, cause)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, msg, cause)
}

// validateKey validates an object key or prefix.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("key contains null byte")
	}
	return nil
}

func ensureTrailingSlash(prefix string) string {
	if strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// TrailingSegment returns the last path segment of a prefix or key, ignoring
// a trailing slash. Bug folders are identified by this segment.
func TrailingSegment(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
