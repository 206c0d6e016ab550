package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "MEDIAFS_"
	defaultEnvFile       = ".env"
	localOverrideEnvFile = ".local.env"
)

type fileDocument struct {
	BasePath string                   `yaml:"basePath"`
	Backends map[string]BackendConfig `yaml:"backends"`
}

type snapshot struct {
	basePath string
	backends map[string]BackendConfig
}

// FileStore reads backend settings from a YAML file, applies MEDIAFS_*
// environment overrides and reloads when the file changes.
type FileStore struct {
	notifier

	path string
	log  *slog.Logger

	mu   sync.RWMutex
	snap snapshot
}

// LoadEnv loads .local.env and .env from dir into the process environment.
// Variables already set in the environment win over both files, and
// .local.env wins over .env.
func LoadEnv(dir string) error {
	for _, name := range []string{localOverrideEnvFile, defaultEnvFile} {
		err := godotenv.Load(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// NewFileStore loads path. The file must exist and parse.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	s := &FileStore{path: abs, log: logger}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return s, nil
}

func (s *FileStore) load() (snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return snapshot{}, fmt.Errorf("read config: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return snapshot{}, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	// An empty document is usually a file caught mid-write.
	if len(doc.Backends) == 0 {
		return snapshot{}, fmt.Errorf("config %s: no backends configured", s.path)
	}
	snap := snapshot{
		basePath: doc.BasePath,
		backends: make(map[string]BackendConfig, len(doc.Backends)),
	}
	if snap.basePath == "" {
		snap.basePath = "/"
	}
	for name, cfg := range doc.Backends {
		cfg.Name = name
		cfg = applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return snapshot{}, err
		}
		snap.backends[name] = cfg
	}
	return snap, nil
}

func applyEnv(cfg BackendConfig) BackendConfig {
	prefix := envPrefix + strings.ToUpper(cfg.Name) + "_"
	if v, ok := os.LookupEnv(prefix + "CONTAINER"); ok {
		cfg.ContainerID = v
	}
	if v, ok := os.LookupEnv(prefix + "CREDENTIALS"); ok {
		cfg.CredentialLocator = v
	}
	if v, ok := os.LookupEnv(prefix + "VIRTUAL_PATH"); ok {
		cfg.VirtualPath = v
	}
	return cfg
}

func (s *FileStore) Get(name string) (BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.snap.backends[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return cfg, nil
}

func (s *FileStore) BasePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.basePath
}

// Names lists the configured backends in sorted order.
func (s *FileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.snap.backends))
	for name := range s.snap.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-reads the file and notifies subscribers of every backend whose
// settings changed, appeared or disappeared. A changed base path affects
// every backend. On error the previous settings stay in effect.
func (s *FileStore) Reload() error {
	next, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.snap
	s.snap = next
	s.mu.Unlock()

	changed := diff(prev, next)
	if len(changed) > 0 {
		s.log.Info("Backend configuration changed", slog.Any("backends", changed))
		s.notify(changed...)
	}
	return nil
}

func diff(prev, next snapshot) []string {
	seen := make(map[string]struct{})
	var changed []string
	mark := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			changed = append(changed, name)
		}
	}
	baseChanged := prev.basePath != next.basePath
	for name, cfg := range next.backends {
		old, ok := prev.backends[name]
		if !ok || old != cfg || baseChanged {
			mark(name)
		}
	}
	for name := range prev.backends {
		if _, ok := next.backends[name]; !ok {
			mark(name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Watch reloads the file whenever it is written, created or renamed until
// ctx is done. The parent directory is watched so editors that replace the
// file are picked up.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn("Failed to reload configuration, keeping previous settings",
					slog.String("path", s.path),
					"err", err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Configuration watcher error", "err", werr)
		}
	}
}
