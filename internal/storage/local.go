package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// localConfig is the provider-specific settings blob for the "local" backend.
type localConfig struct {
	Root string `json:"root"`
}

// localBackend stores objects as plain files under a root directory.
// It exists for single-host deployments and tests; URLFor returns the
// absolute filesystem path.
type localBackend struct {
	root string
}

func newLocalBackend(cfg ProviderConfig) (*localBackend, error) {
	var lc localConfig
	if err := json.Unmarshal(cfg.ProviderConfig, &lc); err != nil {
		return nil, fmt.Errorf("storage: local provider config: %w", err)
	}
	if lc.Root == "" {
		return nil, errors.New("storage: local provider requires a root directory")
	}
	return &localBackend{root: lc.Root}, nil
}

func (b *localBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *localBackend) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("storage: download %s: %w", key, err)
	}
	return copyFile(b.path(key), localPath)
}

func (b *localBackend) Upload(ctx context.Context, localPath, key string) error {
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return copyFile(localPath, dst)
}

func (b *localBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (b *localBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir := b.path(prefix)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}
	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	return keys, nil
}

func (b *localBackend) URLFor(ctx context.Context, key string) (string, error) {
	abs, err := filepath.Abs(b.path(key))
	if err != nil {
		return "", fmt.Errorf("storage: url for %s: %w", key, err)
	}
	return abs, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("storage: copy %s: %w", dst, err)
	}
	return out.Close()
}
