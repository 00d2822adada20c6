package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

var (
	// ErrBucketNotFound is returned when a presigned URL is requested for a missing bucket
	ErrBucketNotFound = errors.New("bucket does not exist")
	// ErrEmptyObject is returned when no object name was given
	ErrEmptyObject = errors.New("object name is empty")
)

// ObjectStoreConfig configures the MinIO connection
type ObjectStoreConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Secure        bool
	DefaultBucket string
	PresignExpiry time.Duration
}

// objectBackend is the subset of the MinIO client the store uses
type objectBackend interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type minioBackend struct {
	*minio.Client
}

func (b minioBackend) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return b.Client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
}

// ObjectStore reads frames from and writes results to MinIO
type ObjectStore struct {
	backend objectBackend
	bucket  string
	expiry  time.Duration
	logger  *zap.Logger
}

// NewObjectStore connects to MinIO. No request is made until first use.
func NewObjectStore(cfg ObjectStoreConfig, logger *zap.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", cfg.Endpoint, err)
	}
	return newObjectStore(minioBackend{client}, cfg, logger), nil
}

func newObjectStore(backend objectBackend, cfg ObjectStoreConfig, logger *zap.Logger) *ObjectStore {
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &ObjectStore{
		backend: backend,
		bucket:  cfg.DefaultBucket,
		expiry:  expiry,
		logger:  logger.Named("minio"),
	}
}

// DefaultBucket is the bucket used when a message names none
func (s *ObjectStore) DefaultBucket() string {
	return s.bucket
}

func (s *ObjectStore) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.bucket
	}
	return bucket
}

// GetObject downloads an object into memory
func (s *ObjectStore) GetObject(ctx context.Context, bucket, object string) ([]byte, error) {
	if object == "" {
		return nil, ErrEmptyObject
	}
	bucket = s.bucketOrDefault(bucket)

	rc, err := s.backend.Open(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// PresignedURL returns a time-limited GET URL the VLM server can download the frame from
func (s *ObjectStore) PresignedURL(ctx context.Context, bucket, object string) (string, error) {
	if bucket == "" {
		s.logger.Warn("bucket name was empty, using default bucket", zap.String("bucket", s.bucket))
		bucket = s.bucket
	}
	if object == "" {
		return "", ErrEmptyObject
	}

	exists, err := s.backend.BucketExists(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	u, err := s.backend.PresignedGetObject(ctx, bucket, object, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, object, err)
	}
	s.logger.Debug("generated presigned URL", zap.String("bucket", bucket), zap.String("object", object))
	return u.String(), nil
}

// EnsureBucket creates bucket when it does not exist yet
func (s *ObjectStore) EnsureBucket(ctx context.Context, bucket string) error {
	bucket = s.bucketOrDefault(bucket)
	exists, err := s.backend.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.backend.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created bucket", zap.String("bucket", bucket))
	return nil
}

// PutImage uploads an encoded JPEG frame
func (s *ObjectStore) PutImage(ctx context.Context, bucket, object string, jpeg []byte) error {
	return s.put(ctx, s.bucketOrDefault(bucket), object, jpeg, "image/jpeg")
}

// PutJSON stores v indented as <name>.json and returns the object path
func (s *ObjectStore) PutJSON(ctx context.Context, bucket, name string, v any) (string, error) {
	if name == "" {
		return "", ErrEmptyObject
	}
	bucket = s.bucketOrDefault(bucket)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s to JSON: %w", name, err)
	}
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}
	object := name + ".json"
	if err := s.put(ctx, bucket, object, data, "application/json"); err != nil {
		return "", err
	}
	return bucket + "/" + object, nil
}

// GetJSON downloads <name>.json and decodes it into v
func (s *ObjectStore) GetJSON(ctx context.Context, bucket, name string, v any) error {
	data, err := s.GetObject(ctx, bucket, name+".json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s.json: %w", name, err)
	}
	return nil
}

// ArchiveRun stores a finished run as <use_case>.json in the default bucket
func (s *ObjectStore) ArchiveRun(ctx context.Context, run *models.RunResult) (string, error) {
	name := run.UseCase
	if name == "" {
		name = run.RunID
	}
	path, err := s.PutJSON(ctx, s.bucket, name, run)
	if err != nil {
		return "", fmt.Errorf("failed to archive run %s: %w", run.RunID, err)
	}
	s.logger.Info("archived run", zap.String("run_id", run.RunID), zap.String("path", path))
	return path, nil
}

func (s *ObjectStore) put(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	if object == "" {
		return ErrEmptyObject
	}
	_, err := s.backend.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, object, err)
	}
	return nil
}
