// Package objectstore provides access to the asset store holding the
// binary files that source rows reference. The engine only ever reads.
package objectstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
)

// Sentinel outcomes the downloader distinguishes from transient failures.
var (
	ErrNotFound  = errors.New("object not found")
	ErrForbidden = errors.New("access forbidden")
)

// Store abstracts the minimal object store operations the downloader needs.
type Store interface {
	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error

	// Fetch returns the object's bytes. Missing objects yield ErrNotFound,
	// authorization failures ErrForbidden; everything else is transient.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Config holds object store connection settings.
type Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// S3Client implements Store using the minio-go SDK.
type S3Client struct {
	client *minio.Client
	bucket string
}

// NewS3Client creates a MinIO/S3 client from config.
func NewS3Client(cfg Config) (*S3Client, error) {
	if cfg.EndpointURL == "" {
		return nil, ingest.WrapError(ingest.CodeDownload, false, errors.New("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, ingest.WrapError(ingest.CodeDownload, false, errors.New("credentials are required"))
	}
	if cfg.Bucket == "" {
		return nil, ingest.WrapError(ingest.CodeDownload, false, errors.New("bucket is required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeDownload, false, err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeDownload, true, err)
	}

	return &S3Client{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Client) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *S3Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(err)
	}
	return data, nil
}

// classifyMinioError maps SDK errors onto the downloader's outcome set.
func classifyMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrForbidden
	}
	return ingest.WrapError(ingest.CodeDownload, true, err)
}

// LocalStore serves objects from disk to mimic the real store in tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "object-store")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *LocalStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrForbidden
		}
		return nil, ingest.WrapError(ingest.CodeDownload, true, err)
	}
	return data, nil
}

// Put writes an object; used to seed test fixtures.
func (s *LocalStore) Put(key string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
