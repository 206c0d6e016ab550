package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type subscriber struct {
	mock.Mock
}

func (s *subscriber) changed(name string) {
	s.Called(name)
}

func TestBackendConfigValidate(t *testing.T) {
	cfg := BackendConfig{Name: "Media"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container, virtualPath")

	cfg.ContainerID = "mem://media"
	cfg.VirtualPath = "~/media"
	assert.NoError(t, cfg.Validate())
}

func TestStaticStoreNotifiesOnChange(t *testing.T) {
	store := NewStaticStore("/", BackendConfig{Name: "Media", ContainerID: "mem://a", VirtualPath: "~/media"})

	sub := &subscriber{}
	sub.On("changed", "Media").Twice()
	unsubscribe := store.Subscribe(sub.changed)

	store.Set(BackendConfig{Name: "Media", ContainerID: "mem://b", VirtualPath: "~/media"})
	cfg, err := store.Get("Media")
	require.NoError(t, err)
	assert.Equal(t, "mem://b", cfg.ContainerID)

	store.Remove("Media")
	_, err = store.Get("Media")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	unsubscribe()
	store.Set(BackendConfig{Name: "Media", ContainerID: "mem://c", VirtualPath: "~/media"})
	sub.AssertExpectations(t)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

const mediaConfig = `
basePath: /site/
backends:
  Media:
    container: mem://media
    credentials: /etc/mediafs/sa.json
    virtualPath: ~/media
  Forms:
    container: mem://forms
    virtualPath: ~/forms
`

func TestFileStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, mediaConfig)

	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/site/", store.BasePath())
	assert.Equal(t, []string{"Forms", "Media"}, store.Names())

	cfg, err := store.Get("Media")
	require.NoError(t, err)
	assert.Equal(t, BackendConfig{
		Name:              "Media",
		ContainerID:       "mem://media",
		CredentialLocator: "/etc/mediafs/sa.json",
		VirtualPath:       "~/media",
	}, cfg)

	_, err = store.Get("Missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestFileStoreRejectsIncompleteBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, "backends:\n  Media:\n    container: mem://media\n")

	_, err := NewFileStore(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "virtualPath")
}

func TestFileStoreEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, mediaConfig)
	t.Setenv("MEDIAFS_MEDIA_CONTAINER", "gs://override-bucket")

	store, err := NewFileStore(path, nil)
	require.NoError(t, err)
	cfg, err := store.Get("Media")
	require.NoError(t, err)
	assert.Equal(t, "gs://override-bucket", cfg.ContainerID)
}

func TestLoadEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, ".env"), "MEDIAFS_TEST_A=base\nMEDIAFS_TEST_B=base\nMEDIAFS_TEST_C=base\n")
	writeConfig(t, filepath.Join(dir, ".local.env"), "MEDIAFS_TEST_B=local\nMEDIAFS_TEST_C=local\n")
	t.Setenv("MEDIAFS_TEST_C", "system")
	for _, key := range []string{"MEDIAFS_TEST_A", "MEDIAFS_TEST_B"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	require.NoError(t, LoadEnv(dir))
	t.Cleanup(func() {
		_ = os.Unsetenv("MEDIAFS_TEST_A")
		_ = os.Unsetenv("MEDIAFS_TEST_B")
	})

	assert.Equal(t, "base", os.Getenv("MEDIAFS_TEST_A"))
	assert.Equal(t, "local", os.Getenv("MEDIAFS_TEST_B"))
	assert.Equal(t, "system", os.Getenv("MEDIAFS_TEST_C"))
}

func TestLoadEnvWithoutFiles(t *testing.T) {
	assert.NoError(t, LoadEnv(t.TempDir()))
}

func TestFileStoreReloadNotifiesChangedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, mediaConfig)
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	sub := &subscriber{}
	sub.On("changed", "Media").Once()
	sub.On("changed", "Archive").Once()
	sub.On("changed", "Forms").Once()
	store.Subscribe(sub.changed)

	writeConfig(t, path, `
basePath: /site/
backends:
  Media:
    container: mem://media-v2
    credentials: /etc/mediafs/sa.json
    virtualPath: ~/media
  Archive:
    container: mem://archive
    virtualPath: ~/archive
`)
	require.NoError(t, store.Reload())
	sub.AssertExpectations(t)

	cfg, err := store.Get("Media")
	require.NoError(t, err)
	assert.Equal(t, "mem://media-v2", cfg.ContainerID)
}

func TestFileStoreReloadKeepsSettingsOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, mediaConfig)
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	writeConfig(t, path, "backends: [not, a, map")
	assert.Error(t, store.Reload())

	cfg, err := store.Get("Media")
	require.NoError(t, err)
	assert.Equal(t, "mem://media", cfg.ContainerID)
}

func TestFileStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafs.yaml")
	writeConfig(t, path, mediaConfig)
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var names []string
	store.Subscribe(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	updated := `
basePath: /site/
backends:
  Media:
    container: mem://media-v3
    credentials: /etc/mediafs/sa.json
    virtualPath: ~/media
  Forms:
    container: mem://forms
    virtualPath: ~/forms
`
	// The watcher may not be registered yet, so keep rewriting until the
	// change is observed.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o644)
		cfg, err := store.Get("Media")
		return err == nil && cfg.ContainerID == "mem://media-v3"
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, names, "Media")
}
