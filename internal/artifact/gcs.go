package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore is the distributed Store variant, backed by Google Cloud Storage.
// Adapted from gcpclient.StorageAdapter's Upload/Download wiring, extended
// here with the List/Delete(prefix) operations the artifact contract needs.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCSStore against the given bucket using the supplied client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

var _ Store = (*GCSStore)(nil)

// Put uploads data as object key, achieving atomicity via the GCS object
// writer's all-or-nothing upload semantics (no partial object is visible
// to readers until Close succeeds).
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("artifact.GCSStore.Put: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifact.GCSStore.Put: close: %w", err)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact.GCSStore.Get: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifact.GCSStore.Get: read: %w", err)
	}
	return data, nil
}

// List returns every object key with the given prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact.GCSStore.List: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// Delete recursively and idempotently removes every object with the given prefix.
func (s *GCSStore) Delete(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("artifact.GCSStore.Delete: %w", err)
	}
	for _, k := range keys {
		if err := s.client.Bucket(s.bucket).Object(k).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("artifact.GCSStore.Delete: %s: %w", k, err)
		}
	}
	return nil
}
