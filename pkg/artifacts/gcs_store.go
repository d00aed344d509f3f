//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps metadata documents in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) handle(hash string) (*storage.ObjectHandle, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	return s.bucket.Object(s.prefix + objectName(raw)), nil
}

func (s *GCSStore) Store(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	obj, _ := s.handle(hash)

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = immutableCacheControl
	w.Metadata = map[string]string{"content-hash": hash}
	// Metadata documents are small; upload in one request.
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		// A failed precondition means the document is already there.
		if _, attrErr := obj.Attrs(ctx); attrErr == nil {
			return hash, nil
		}
		return "", fmt.Errorf("gcs commit %s: %w", obj.ObjectName(), err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	obj, err := s.handle(hash)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs open %s: %w", obj.ObjectName(), err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", obj.ObjectName(), err)
	}
	return checkContent(hash, data)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	obj, err := s.handle(hash)
	if err != nil {
		return false, err
	}
	switch _, err := obj.Attrs(ctx); {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("gcs attrs %s: %w", obj.ObjectName(), err)
	}
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	obj, err := s.handle(hash)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", obj.ObjectName(), err)
	}
	return nil
}

func (s *GCSStore) URI(hash string) string {
	return fmt.Sprintf("gs://%s/%s%s", s.name, s.prefix, objectName(hash[len(hashPrefix):]))
}

func (s *GCSStore) Close() error { return s.client.Close() }
