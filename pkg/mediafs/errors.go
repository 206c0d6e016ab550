package mediafs

import (
	"errors"
	"fmt"

	"example.com/mediafs/pkg/objectstore"
)

var (
	// ErrNotFound matches every missing-object error, including those from the
	// object store.
	ErrNotFound = objectstore.ErrNotFound
	// ErrAlreadyExists is returned by WriteFile when overwriting is disallowed.
	ErrAlreadyExists = errors.New("file already exists")
	// ErrInvalidArgument signals a missing required input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned by directory operations.
	ErrUnsupported = errors.New("operation not supported by flat object store")
)

// NotFoundError is returned when the requested path has no object behind it.
type NotFoundError struct {
	Path string
}

func (e NotFoundError) Error() string {
	if e.Path == "" {
		return "no such file"
	}
	return fmt.Sprintf("%s: no such file", e.Path)
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound reports whether err represents a missing file.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
