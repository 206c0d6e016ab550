package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// AferoStore keeps objects as files of an afero filesystem. It backs file://
// containers on local disk and mem:// containers held in memory.
type AferoStore struct {
	fs afero.Fs
}

// NewAferoStore exposes fsys as a flat object store. Keys map to files
// relative to the root of fsys.
func NewAferoStore(fsys afero.Fs) *AferoStore {
	return &AferoStore{fs: fsys}
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *AferoStore {
	return NewAferoStore(afero.NewMemMapFs())
}

// NewDirStore roots a store at dir on the local disk, creating it if needed.
func NewDirStore(dir string) (*AferoStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make store dir: %w", err)
	}
	return NewAferoStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// name maps a key onto a clean absolute path inside the filesystem so keys
// cannot climb out of the root.
func (a *AferoStore) name(key string) string {
	return path.Clean("/" + strings.TrimPrefix(key, "/"))
}

func (a *AferoStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	info, err := a.fs.Stat(a.name(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectMeta{}, NotFoundError{Key: key}
		}
		return ObjectMeta{}, fmt.Errorf("head %s: %w", key, err)
	}
	if info.IsDir() {
		return ObjectMeta{}, NotFoundError{Key: key}
	}
	return a.meta(key, info), nil
}

func (a *AferoStore) meta(key string, info fs.FileInfo) ObjectMeta {
	// Plain filesystems keep no creation time, so Created stays absent.
	return ObjectMeta{
		Key:          key,
		Size:         info.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: info.ModTime(),
	}
}

func (a *AferoStore) Upload(_ context.Context, key, _ string, r io.Reader) error {
	name := a.name(key)
	if err := a.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := afero.WriteReader(a.fs, name, r); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (a *AferoStore) Download(_ context.Context, key string) (ObjectMeta, []byte, error) {
	name := a.name(key)
	info, err := a.fs.Stat(name)
	if err == nil && info.IsDir() {
		err = fs.ErrNotExist
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectMeta{}, nil, NotFoundError{Key: key}
		}
		return ObjectMeta{}, nil, fmt.Errorf("download %s: %w", key, err)
	}
	data, err := afero.ReadFile(a.fs, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectMeta{}, nil, NotFoundError{Key: key}
		}
		return ObjectMeta{}, nil, fmt.Errorf("download %s: %w", key, err)
	}
	meta := a.meta(key, info)
	meta.Size = int64(len(data))
	return meta, data, nil
}

func (a *AferoStore) Delete(_ context.Context, key string) error {
	name := a.name(key)
	info, err := a.fs.Stat(name)
	if err == nil && info.IsDir() {
		err = fs.ErrNotExist
	}
	if err == nil {
		err = a.fs.Remove(name)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NotFoundError{Key: key}
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (a *AferoStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	var out []ObjectMeta
	err := afero.Walk(a.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), "/")
		if strings.HasPrefix(key, prefix) {
			out = append(out, a.meta(key, info))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}
