// Package registry hands out one FileSystem per backend name, building it on
// first use and rebuilding it after its configuration changes.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"example.com/mediafs/pkg/config"
	"example.com/mediafs/pkg/mediafs"
	"example.com/mediafs/pkg/objectstore"
)

// Builder constructs a FileSystem from one backend's settings. basePath is the
// host base path virtual paths resolve against.
type Builder func(ctx context.Context, cfg config.BackendConfig, basePath string) (*mediafs.FileSystem, error)

// DefaultBuilder opens backends through factory.
func DefaultBuilder(factory *objectstore.Factory, opts ...mediafs.Option) Builder {
	return func(ctx context.Context, cfg config.BackendConfig, basePath string) (*mediafs.FileSystem, error) {
		return mediafs.Open(ctx, factory, cfg, basePath, opts...)
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRetireAfter closes evicted FileSystems once grace has passed, leaving
// callers that already hold them time to finish. Zero, the default, never
// closes evicted FileSystems.
func WithRetireAfter(grace time.Duration) Option {
	return func(r *Registry) { r.retireAfter = grace }
}

// Registry caches FileSystems by backend name. A cached entry lives until the
// configuration store reports a change for its name; there is no size or time
// based eviction.
type Registry struct {
	store       config.Store
	build       Builder
	log         *slog.Logger
	retireAfter time.Duration

	mu          sync.Mutex
	entries     map[string]*mediafs.FileSystem
	generations map[string]uint64
	closed      bool

	group       singleflight.Group
	unsubscribe func()
	closeOnce   sync.Once
}

// New returns a registry reading settings from store and subscribes it to the
// store's change notifications.
func New(store config.Store, build Builder, opts ...Option) (*Registry, error) {
	if store == nil || build == nil {
		return nil, fmt.Errorf("%w: store and builder are required", mediafs.ErrInvalidArgument)
	}
	r := &Registry{
		store:       store,
		build:       build,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries:     make(map[string]*mediafs.FileSystem),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubscribe = store.Subscribe(r.Evict)
	return r, nil
}

// Get returns the FileSystem for name, building it if needed. Concurrent
// callers missing the same name share one build. Build failures are returned
// and not cached, so the next call retries.
func (r *Registry) Get(ctx context.Context, name string) (*mediafs.FileSystem, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: backend name is required", mediafs.ErrInvalidArgument)
	}

	r.mu.Lock()
	if fs, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return fs, nil
	}
	gen := r.generations[name]
	r.mu.Unlock()

	// The build outlives any single waiter, so it must not inherit one
	// caller's cancellation.
	buildCtx := context.WithoutCancel(ctx)
	key := name + "\x00" + strconv.FormatUint(gen, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.construct(buildCtx, name, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mediafs.FileSystem), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) construct(ctx context.Context, name string, gen uint64) (*mediafs.FileSystem, error) {
	r.mu.Lock()
	if fs, ok := r.entries[name]; ok && r.generations[name] == gen {
		r.mu.Unlock()
		return fs, nil
	}
	r.mu.Unlock()

	cfg, err := r.store.Get(name)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	cfg.Name = name
	fs, err := r.build(ctx, cfg, r.store.BasePath())
	if err != nil {
		r.log.Warn("Failed to build backend", slog.String("backend", name), "err", err)
		return nil, err
	}
	if fs == nil {
		return nil, fmt.Errorf("backend %s: builder returned no file system", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.generations[name] != gen {
		// Evicted while building: hand the result to the waiting callers
		// but leave the slot for a build from the newer settings.
		r.log.Debug("Discarding stale backend build", slog.String("backend", name))
		r.retire(name, fs)
		return fs, nil
	}
	r.entries[name] = fs
	r.log.Info("Backend ready",
		slog.String("backend", name),
		slog.String("container", fs.Container()),
		slog.String("prefix", fs.Prefix()),
	)
	return fs, nil
}

// Evict drops the cached FileSystem for name so the next Get rebuilds it.
// Callers already holding the old FileSystem may keep using it. Evicting an
// uncached name is a no-op apart from invalidating builds in flight.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	fs, cached := r.entries[name]
	delete(r.entries, name)
	r.generations[name]++
	r.mu.Unlock()
	if cached {
		r.log.Info("Backend evicted", slog.String("backend", name))
		r.retire(name, fs)
	}
}

// retire schedules fs to be closed after the grace period.
func (r *Registry) retire(name string, fs *mediafs.FileSystem) {
	if r.retireAfter <= 0 {
		return
	}
	time.AfterFunc(r.retireAfter, func() {
		r.closeHandle(name, fs)
	})
}

func (r *Registry) closeHandle(name string, fs *mediafs.FileSystem) {
	if err := fs.Close(); err != nil {
		r.log.Warn("Failed to close backend", slog.String("backend", name), "err", err)
		return
	}
	r.log.Debug("Backend closed", slog.String("backend", name))
}

// Names returns the cached backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Len returns the number of cached backends.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops listening for configuration changes and closes every cached
// FileSystem. Get keeps working afterwards but no longer caches.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		r.mu.Lock()
		r.closed = true
		dropped := make(map[string]*mediafs.FileSystem, len(r.entries))
		for name, fs := range r.entries {
			dropped[name] = fs
			delete(r.entries, name)
			r.generations[name]++
		}
		r.mu.Unlock()
		for name, fs := range dropped {
			r.closeHandle(name, fs)
		}
	})
	return nil
}
