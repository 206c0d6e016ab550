package mediafs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"example.com/mediafs/pkg/config"
	"example.com/mediafs/pkg/objectstore"
	"example.com/mediafs/pkg/pathmap"
)

// AbsentTime is returned by LastModified and Created when the object does not
// exist or the backend did not report the timestamp. Callers must not read it
// as proof that the object is missing; use FileExists or Stat for that.
var AbsentTime = time.Unix(0, 0).UTC()

// FileSystem translates host file-system calls into object store calls for
// one named backend. It is safe for concurrent use and keeps working after
// the registry has replaced it.
type FileSystem struct {
	name      string
	container string
	store     objectstore.ObjectStore
	paths     pathmap.Translator

	log         *slog.Logger
	metrics     *Metrics
	contentType func(ext string) string

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a FileSystem.
type Option func(*FileSystem)

// WithLogger sets the logger used for operation records.
func WithLogger(l *slog.Logger) Option {
	return func(fs *FileSystem) {
		if l != nil {
			fs.log = l
		}
	}
}

// WithMetrics records operation durations into m.
func WithMetrics(m *Metrics) Option {
	return func(fs *FileSystem) { fs.metrics = m }
}

// WithContentTypes replaces the extension to content type lookup. The
// function receives the extension including the dot and returns "" when the
// type is unknown.
func WithContentTypes(lookup func(ext string) string) Option {
	return func(fs *FileSystem) {
		if lookup != nil {
			fs.contentType = lookup
		}
	}
}

// New builds a FileSystem over store. prefix is the absolute virtual path
// prefix, e.g. "/media".
func New(name, containerID, prefix string, store objectstore.ObjectStore, opts ...Option) (*FileSystem, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: backend name is required", ErrInvalidArgument)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: object store is required", ErrInvalidArgument)
	}
	fs := &FileSystem{
		name:        name,
		container:   containerID,
		store:       store,
		paths:       pathmap.New(prefix),
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		contentType: mime.TypeByExtension,
	}
	for _, opt := range opts {
		opt(fs)
	}
	fs.log = fs.log.With(slog.String("backend", name))
	return fs, nil
}

// Open connects to the container named by cfg and resolves its virtual path
// against basePath.
func Open(ctx context.Context, factory *objectstore.Factory, cfg config.BackendConfig, basePath string, opts ...Option) (*FileSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	store, err := factory.Open(ctx, cfg.ContainerID, cfg.CredentialLocator)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", cfg.Name, err)
	}
	return New(cfg.Name, cfg.ContainerID, pathmap.ResolvePrefix(basePath, cfg.VirtualPath), store, opts...)
}

// Name returns the backend name.
func (fs *FileSystem) Name() string {
	return fs.name
}

// Container returns the container id the backend was built with.
func (fs *FileSystem) Container() string {
	return fs.container
}

// Prefix returns the absolute virtual path prefix.
func (fs *FileSystem) Prefix() string {
	return fs.paths.Prefix()
}

// Close releases the object store client when the store holds one. Only the
// first call has an effect. Operations after Close fail with the client's
// own error.
func (fs *FileSystem) Close() error {
	fs.closeOnce.Do(func() {
		if c, ok := fs.store.(io.Closer); ok {
			fs.closeErr = c.Close()
		}
	})
	return fs.closeErr
}

// CanAddPhysical reports whether files can be added from a local path. They
// cannot; see AddFileFromLocalPath.
func (fs *FileSystem) CanAddPhysical() bool {
	return false
}

// key sanitizes a request path into a backend key.
func (fs *FileSystem) key(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	key := strings.TrimLeft(fs.paths.ToBackendKey(p), "/")
	if key == "" {
		return "", fmt.Errorf("%w: path %q names the backend root", ErrInvalidArgument, p)
	}
	return key, nil
}

// WriteFile uploads the content of r. With overwrite false it fails with
// ErrAlreadyExists when an object already exists at the path.
func (fs *FileSystem) WriteFile(ctx context.Context, p string, r io.Reader, overwrite bool) (err error) {
	if r == nil {
		return fmt.Errorf("%w: nil content", ErrInvalidArgument)
	}
	key, err := fs.key(p)
	if err != nil {
		return err
	}
	if !overwrite {
		exists, err := fs.FileExists(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
		}
	}

	defer fs.observe(ctx, opWrite, key, time.Now(), &err)
	return fs.store.Upload(ctx, key, fs.contentType(path.Ext(key)), r)
}

// AddFile uploads r, replacing any existing object.
func (fs *FileSystem) AddFile(ctx context.Context, p string, r io.Reader) error {
	return fs.WriteFile(ctx, p, r, true)
}

// Object is a fully downloaded object positioned at its first byte.
type Object struct {
	*bytes.Reader
	Meta objectstore.ObjectMeta
}

// ReadFile downloads the whole object. A missing object yields an error
// matching ErrNotFound.
func (fs *FileSystem) ReadFile(ctx context.Context, p string) (_ *Object, err error) {
	key, err := fs.key(p)
	if err != nil {
		return nil, err
	}
	defer fs.observe(ctx, opRead, key, time.Now(), &err)

	meta, data, err := fs.store.Download(ctx, key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, NotFoundError{Path: p}
		}
		return nil, err
	}
	return &Object{Reader: bytes.NewReader(data), Meta: meta}, nil
}

// DeleteFile removes the object. Deleting a missing object succeeds.
func (fs *FileSystem) DeleteFile(ctx context.Context, p string) error {
	key, err := fs.key(p)
	if err != nil {
		return err
	}
	var storeErr error
	defer fs.observe(ctx, opDelete, key, time.Now(), &storeErr)

	storeErr = fs.store.Delete(ctx, key)
	if objectstore.IsNotFound(storeErr) {
		return nil
	}
	return storeErr
}

// Stat returns the object's metadata. found is false when the object does
// not exist; err is reserved for backend failures.
func (fs *FileSystem) Stat(ctx context.Context, p string) (objectstore.ObjectMeta, bool, error) {
	key, err := fs.key(p)
	if err != nil {
		return objectstore.ObjectMeta{}, false, err
	}
	// The store's own outcome is recorded so a missing object counts as
	// not_found even though it is not returned as an error.
	var storeErr error
	defer fs.observe(ctx, opStat, key, time.Now(), &storeErr)

	var meta objectstore.ObjectMeta
	meta, storeErr = fs.store.Head(ctx, key)
	if storeErr != nil {
		if objectstore.IsNotFound(storeErr) {
			return objectstore.ObjectMeta{}, false, nil
		}
		return objectstore.ObjectMeta{}, false, storeErr
	}
	return meta, true, nil
}

// FileExists reports whether an object exists at the path. Backend failures
// other than a missing object are returned, never reported as false.
func (fs *FileSystem) FileExists(ctx context.Context, p string) (bool, error) {
	_, found, err := fs.Stat(ctx, p)
	return found, err
}

// LastModified returns the object's modification time or AbsentTime.
func (fs *FileSystem) LastModified(ctx context.Context, p string) (time.Time, error) {
	meta, _, err := fs.Stat(ctx, p)
	if err != nil {
		return AbsentTime, err
	}
	return orAbsent(meta.LastModified), nil
}

// Created returns the object's creation time or AbsentTime.
func (fs *FileSystem) Created(ctx context.Context, p string) (time.Time, error) {
	meta, _, err := fs.Stat(ctx, p)
	if err != nil {
		return AbsentTime, err
	}
	return orAbsent(meta.Created), nil
}

// Size returns the object's size in bytes, or 0 when it does not exist.
func (fs *FileSystem) Size(ctx context.Context, p string) (int64, error) {
	meta, _, err := fs.Stat(ctx, p)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

func orAbsent(t time.Time) time.Time {
	if t.IsZero() {
		return AbsentTime
	}
	return t
}

// URL returns the public URL for a path or key.
func (fs *FileSystem) URL(p string) string {
	return fs.paths.ToVirtualURL(p)
}

// RelativePath strips the virtual path prefix, e.g. "/media/1234/img.jpg"
// becomes "1234/img.jpg".
func (fs *FileSystem) RelativePath(fullPathOrURL string) string {
	return fs.paths.ToBackendKey(fullPathOrURL)
}

// FullPath returns the path including the virtual path prefix, without
// surrounding slashes.
func (fs *FileSystem) FullPath(p string) string {
	return fs.paths.ToFullVirtualPath(p)
}

// Owns reports whether a request URL path falls under this backend's prefix.
func (fs *FileSystem) Owns(urlPath string) bool {
	return fs.paths.Owns(urlPath)
}

// List enumerates object keys starting with prefix. It is a flat listing
// and implies nothing about directories.
func (fs *FileSystem) List(ctx context.Context, prefix string) (_ []objectstore.ObjectMeta, err error) {
	key := strings.TrimLeft(fs.paths.ToBackendKey(prefix), "/")
	defer fs.observe(ctx, opList, key, time.Now(), &err)
	return fs.store.List(ctx, key)
}

// The host contract also carries directory operations. The object store has
// no directories, so they fail for every input instead of guessing.

// Directories is not supported.
func (fs *FileSystem) Directories(context.Context, string) ([]string, error) {
	return nil, unsupported("list directories")
}

// DirectoryExists is not supported.
func (fs *FileSystem) DirectoryExists(context.Context, string) (bool, error) {
	return false, unsupported("check directory existence")
}

// DeleteDirectory is not supported.
func (fs *FileSystem) DeleteDirectory(context.Context, string, bool) error {
	return unsupported("delete directory")
}

// Files is not supported.
func (fs *FileSystem) Files(context.Context, string, string) ([]string, error) {
	return nil, unsupported("list files")
}

// AddFileFromLocalPath is not supported.
func (fs *FileSystem) AddFileFromLocalPath(context.Context, string, string, bool, bool) error {
	return unsupported("add file from local path")
}

func unsupported(op string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, op)
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, ErrNotFound):
		return statusNotFound
	default:
		return statusError
	}
}
