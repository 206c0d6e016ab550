package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ObjectMeta describes a single stored object. Zero LastModified or Created
// values mean the backend did not report them.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Created      time.Time
}

var ErrNotFound = errors.New("object not found")

// NotFoundError conveys that a specific object key was not found in the store.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return "object not found"
	}
	return fmt.Sprintf("%s: not found", e.Key)
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound reports whether err represents a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ObjectStore abstracts one container of a flat object store. Keys are
// slash-separated and relative to the container; there is no directory
// concept beyond key prefixes.
type ObjectStore interface {
	// Head returns metadata for a single object or a NotFoundError.
	Head(ctx context.Context, key string) (ObjectMeta, error)
	// Upload stores the full content of r under key, replacing any existing
	// object. An empty contentType uploads without a content type hint.
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
	// Download materializes the whole object in memory.
	Download(ctx context.Context, key string) (ObjectMeta, []byte, error)
	// Delete removes the object. Implementations return a NotFoundError when
	// the backend reports the key as absent.
	Delete(ctx context.Context, key string) error
	// List enumerates every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)
}
