// Package blob stores and fetches the byte payloads executors read and write.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"insight-worker/internal/config"
	"insight-worker/internal/models"
)

// ErrTooLarge is returned by Get when an object exceeds the read limit.
var ErrTooLarge = errors.New("object exceeds size limit")

// Store reads and writes objects addressed by locators.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (models.Locator, error)
	Get(ctx context.Context, loc models.Locator, limit int64) ([]byte, error)
}

// Open picks S3 when a bucket is configured and the local directory otherwise.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket == "" {
		return &LocalStore{BaseDir: cfg.BlobDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// LocalStore keeps objects under BaseDir.
type LocalStore struct {
	BaseDir string
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (models.Locator, error) {
	path := filepath.Join(l.baseDir(), sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return models.Locator(path), nil
}

// Get reads a filesystem path. Relative locators are resolved against the
// working directory, matching how upload paths are recorded.
func (l *LocalStore) Get(_ context.Context, loc models.Locator, limit int64) ([]byte, error) {
	f, err := os.Open(string(loc))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", loc, err)
	}
	defer f.Close()
	return readLimited(f, limit)
}

func (l *LocalStore) baseDir() string {
	if l.BaseDir == "" {
		return "./output"
	}
	return l.BaseDir
}

// S3Store keeps objects in a single bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (models.Locator, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return models.Locator(fmt.Sprintf("s3://%s/%s", s.bucket, key)), nil
}

// Get accepts s3://bucket/key locators or a bare key in the configured bucket.
func (s *S3Store) Get(ctx context.Context, loc models.Locator, limit int64) ([]byte, error) {
	bucket, key := parseS3(string(loc), s.bucket)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", loc, err)
	}
	defer out.Body.Close()
	return readLimited(out.Body, limit)
}

func parseS3(loc, defaultBucket string) (bucket, key string) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return defaultBucket, sanitizeKey(loc)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found {
		return defaultBucket, rest
	}
	return bucket, key
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, limit)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}
