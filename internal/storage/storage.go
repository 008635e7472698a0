// Package storage defines the storage collaborator the task harness uploads
// stage resources to, and its provider implementations. Keys are
// forward-slash-delimited and case-sensitive; the provider choice is declared
// in the scheduler configuration and distributed to workers through
// get_system_config.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProviderConfig declares which backend to use and carries its
// provider-specific settings as an opaque blob the chosen implementation
// decodes itself.
type ProviderConfig struct {
	ProviderType   string          `json:"providerType"`
	ProviderConfig json.RawMessage `json:"providerConfig"`
}

// Backend is the storage collaborator interface consumed by the core.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Download copies the object at key to localPath.
	Download(ctx context.Context, key, localPath string) error
	// Upload stores the file at localPath under key, replacing any
	// existing object.
	Upload(ctx context.Context, localPath, key string) error
	// Delete removes the object at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// List returns the keys stored under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// URLFor returns an externally usable URI for the object at key.
	URLFor(ctx context.Context, key string) (string, error)
}

// New constructs the backend declared by cfg.
func New(ctx context.Context, cfg ProviderConfig) (Backend, error) {
	switch cfg.ProviderType {
	case "local":
		return newLocalBackend(cfg)
	case "gcs":
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown provider type %q", cfg.ProviderType)
	}
}
