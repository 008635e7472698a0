package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsConfig is the provider-specific settings blob for the "gcs" backend.
type gcsConfig struct {
	BucketName string `json:"bucketName"`
}

// gcsBackend stores objects in a Google Cloud Storage bucket. Credentials
// come from the ambient environment (application default credentials), so no
// secrets travel through the system configuration.
type gcsBackend struct {
	client *gcstorage.Client
	bucket *gcstorage.BucketHandle
	name   string
}

func newGCSBackend(ctx context.Context, cfg ProviderConfig) (*gcsBackend, error) {
	var gc gcsConfig
	if err := json.Unmarshal(cfg.ProviderConfig, &gc); err != nil {
		return nil, fmt.Errorf("storage: gcs provider config: %w", err)
	}
	if gc.BucketName == "" {
		return nil, errors.New("storage: gcs provider requires a bucket name")
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &gcsBackend{
		client: client,
		bucket: client.Bucket(gc.BucketName),
		name:   gc.BucketName,
	}, nil
}

func (b *gcsBackend) Download(ctx context.Context, key, localPath string) error {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("storage: gcs download %s: %w", key, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("storage: gcs download %s: %w", key, err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("storage: gcs download %s: %w", key, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("storage: gcs download %s: %w", key, err)
	}
	return out.Close()
}

func (b *gcsBackend) Upload(ctx context.Context, localPath, key string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: gcs upload %s: %w", key, err)
	}
	defer in.Close()

	w := b.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return fmt.Errorf("storage: gcs upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: gcs upload %s: %w", key, err)
	}
	return nil
}

func (b *gcsBackend) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
		return fmt.Errorf("storage: gcs delete %s: %w", key, err)
	}
	return nil
}

func (b *gcsBackend) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.bucket.Objects(ctx, &gcstorage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *gcsBackend) URLFor(ctx context.Context, key string) (string, error) {
	return fmt.Sprintf("https://storage.cloud.google.com/%s/%s", b.name, key), nil
}
