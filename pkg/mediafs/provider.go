package mediafs

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"strings"
	"time"

	"example.com/mediafs/pkg/objectstore"
	"example.com/mediafs/pkg/pathmap"
)

// Provider is a read-only view of a backend used to serve files by URL.
type Provider struct {
	fs *FileSystem
}

// FileProvider returns the read-only view of fs.
func (fs *FileSystem) FileProvider() *Provider {
	return &Provider{fs: fs}
}

// FileInfo downloads the object at subpath, which is relative to the backend
// prefix. A missing object is not an error: the returned FileInfo reports
// Exists() == false. Other backend failures are returned as errors.
func (p *Provider) FileInfo(ctx context.Context, subpath string) (*FileInfo, error) {
	key := strings.TrimLeft(subpath, "/")
	if key == "" {
		return &FileInfo{name: ""}, nil
	}
	var storeErr error
	defer p.fs.observe(ctx, opServe, key, time.Now(), &storeErr)

	var (
		meta objectstore.ObjectMeta
		data []byte
	)
	meta, data, storeErr = p.fs.store.Download(ctx, key)
	if storeErr != nil {
		if objectstore.IsNotFound(storeErr) {
			return &FileInfo{name: pathmap.BaseName(key)}, nil
		}
		return nil, storeErr
	}
	return &FileInfo{
		name:        pathmap.BaseName(key),
		exists:      true,
		size:        int64(len(data)),
		modTime:     orAbsent(meta.LastModified),
		contentType: meta.ContentType,
		data:        data,
	}, nil
}

// FileInfo describes a served object. It implements io/fs.FileInfo.
type FileInfo struct {
	name        string
	exists      bool
	size        int64
	modTime     time.Time
	contentType string
	data        []byte
}

var _ fs.FileInfo = (*FileInfo)(nil)

// Exists is false for objects that were not found.
func (fi *FileInfo) Exists() bool { return fi.exists }

func (fi *FileInfo) Name() string { return fi.name }

func (fi *FileInfo) Size() int64 { return fi.size }

func (fi *FileInfo) Mode() fs.FileMode { return 0o444 }

// ModTime is AbsentTime for missing objects.
func (fi *FileInfo) ModTime() time.Time {
	if !fi.exists {
		return AbsentTime
	}
	return fi.modTime
}

func (fi *FileInfo) IsDir() bool { return false }

func (fi *FileInfo) Sys() any { return nil }

// ContentType is the type the object was stored with, possibly empty.
func (fi *FileInfo) ContentType() string { return fi.contentType }

// Open returns a reader over the content, positioned at the start. Each call
// returns an independent reader.
func (fi *FileInfo) Open() io.ReadSeeker {
	return bytes.NewReader(fi.data)
}
