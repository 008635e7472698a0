package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) Backend {
	t.Helper()
	root := t.TempDir()
	cfg, err := json.Marshal(map[string]string{"root": root})
	require.NoError(t, err)

	backend, err := New(context.Background(), ProviderConfig{
		ProviderType:   "local",
		ProviderConfig: cfg,
	})
	require.NoError(t, err)
	return backend
}

func TestLocalUploadDownload(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()
	work := t.TempDir()

	src := filepath.Join(work, "vmlinux")
	require.NoError(t, os.WriteFile(src, []byte("ELF"), 0o600))
	require.NoError(t, backend.Upload(ctx, src, "jobs/0000002a/0_builder/vmlinux"))

	dst := filepath.Join(work, "fetched", "vmlinux")
	require.NoError(t, backend.Download(ctx, "jobs/0000002a/0_builder/vmlinux", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("ELF"), data)

	assert.Error(t, backend.Download(ctx, "jobs/missing", filepath.Join(work, "nope")))
}

func TestLocalListAndDelete(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()
	work := t.TempDir()

	src := filepath.Join(work, "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	require.NoError(t, backend.Upload(ctx, src, "jobs/0000002a/0_builder/a.log"))
	require.NoError(t, backend.Upload(ctx, src, "jobs/0000002a/1_runner/b.log"))
	require.NoError(t, backend.Upload(ctx, src, "jobs/000000ff/0_builder/c.log"))

	keys, err := backend.List(ctx, "jobs/0000002a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"jobs/0000002a/0_builder/a.log",
		"jobs/0000002a/1_runner/b.log",
	}, keys)

	keys, err = backend.List(ctx, "jobs/none")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, backend.Delete(ctx, "jobs/0000002a/0_builder/a.log"))
	// Deleting a missing key is a no-op.
	require.NoError(t, backend.Delete(ctx, "jobs/0000002a/0_builder/a.log"))

	keys, err = backend.List(ctx, "jobs/0000002a")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/0000002a/1_runner/b.log"}, keys)
}

func TestLocalURLFor(t *testing.T) {
	backend := newLocal(t)

	uri, err := backend.URLFor(context.Background(), "jobs/0000002a/0_builder/vmlinux")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(uri))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), ProviderConfig{ProviderType: "s3"})
	assert.Error(t, err)
}

func TestLocalBadConfig(t *testing.T) {
	_, err := New(context.Background(), ProviderConfig{
		ProviderType:   "local",
		ProviderConfig: json.RawMessage(`{}`),
	})
	assert.Error(t, err)

	_, err = New(context.Background(), ProviderConfig{
		ProviderType:   "local",
		ProviderConfig: json.RawMessage(`not json`),
	})
	assert.Error(t, err)
}
