// Package config supplies per-backend settings and announces when they change.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MediaBackendName is the name the host uses for its media file system.
const MediaBackendName = "Media"

var ErrUnknownBackend = errors.New("unknown backend")

// BackendConfig holds everything needed to build one named backend. Values are
// never mutated in place; a change is published as a new value.
type BackendConfig struct {
	Name string `yaml:"-"`
	// ContainerID selects the bucket, e.g. "gs://media-bucket" or "s3://bucket/prefix".
	ContainerID string `yaml:"container"`
	// CredentialLocator is a path to a credential file.
	CredentialLocator string `yaml:"credentials"`
	// VirtualPath is the public path the backend is exposed under, e.g. "~/media".
	VirtualPath string `yaml:"virtualPath"`
}

// Validate reports missing required settings.
func (c BackendConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ContainerID) == "" {
		missing = append(missing, "container")
	}
	if strings.TrimSpace(c.VirtualPath) == "" {
		missing = append(missing, "virtualPath")
	}
	if len(missing) > 0 {
		return fmt.Errorf("backend %q: missing %s", c.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Store is the configuration source consumed by the registry.
type Store interface {
	// Get returns the current settings for name or ErrUnknownBackend.
	Get(name string) (BackendConfig, error)
	// Subscribe registers fn to be called with the name of every backend whose
	// settings changed. The returned func removes the subscription.
	Subscribe(fn func(name string)) (unsubscribe func())
	// BasePath is the host base path that "~/" virtual paths resolve against.
	BasePath() string
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(string)
}

func (n *notifier) Subscribe(fn func(name string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(string))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(names ...string) {
	n.mu.Lock()
	subs := make([]func(string), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, name := range names {
		for _, fn := range subs {
			fn(name)
		}
	}
}

// StaticStore is an in-memory Store.
type StaticStore struct {
	notifier

	basePath string
	mu       sync.RWMutex
	backends map[string]BackendConfig
}

// NewStaticStore returns a store holding cfgs.
func NewStaticStore(basePath string, cfgs ...BackendConfig) *StaticStore {
	s := &StaticStore{
		basePath: basePath,
		backends: make(map[string]BackendConfig, len(cfgs)),
	}
	for _, cfg := range cfgs {
		s.backends[cfg.Name] = cfg
	}
	return s
}

func (s *StaticStore) Get(name string) (BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.backends[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return cfg, nil
}

func (s *StaticStore) BasePath() string {
	return s.basePath
}

// Set replaces the settings for cfg.Name and notifies subscribers.
func (s *StaticStore) Set(cfg BackendConfig) {
	s.mu.Lock()
	s.backends[cfg.Name] = cfg
	s.mu.Unlock()
	s.notify(cfg.Name)
}

// Remove drops name and notifies subscribers.
func (s *StaticStore) Remove(name string) {
	s.mu.Lock()
	delete(s.backends, name)
	s.mu.Unlock()
	s.notify(name)
}
