package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore on top of a single Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// GCSOptions selects how the storage client authenticates.
type GCSOptions struct {
	// CredentialsFile is a service account JSON file. Empty falls back to
	// application default credentials.
	CredentialsFile string
	// Endpoint targets an emulator; authentication is disabled when set.
	Endpoint string
}

// NewGCSStore wraps an existing client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
	}
}

// DialGCS creates a storage client for bucket.
func DialGCS(ctx context.Context, bucket string, opts GCSOptions) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client for %s: %w", bucket, err)
	}
	return NewGCSStore(client, bucket), nil
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func gcsKey(rel string) string {
	return strings.TrimPrefix(rel, "/")
}

func metaFromAttrs(rel string, attrs *storage.ObjectAttrs) ObjectMeta {
	return ObjectMeta{
		Key:          rel,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
		Created:      attrs.Created,
	}
}

func (g *GCSStore) Head(ctx context.Context, rel string) (ObjectMeta, error) {
	attrs, err := g.bucket.Object(gcsKey(rel)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectMeta{}, NotFoundError{Key: rel}
		}
		return ObjectMeta{}, fmt.Errorf("head %s: %w", rel, err)
	}
	return metaFromAttrs(rel, attrs), nil
}

func (g *GCSStore) Upload(ctx context.Context, rel, contentType string, r io.Reader) error {
	w := g.bucket.Object(gcsKey(rel)).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	return nil
}

func (g *GCSStore) Download(ctx context.Context, rel string) (ObjectMeta, []byte, error) {
	reader, err := g.bucket.Object(gcsKey(rel)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectMeta{}, nil, NotFoundError{Key: rel}
		}
		return ObjectMeta{}, nil, fmt.Errorf("download %s: %w", rel, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return ObjectMeta{}, nil, fmt.Errorf("read %s: %w", rel, err)
	}
	// Reader attributes omit the creation time.
	return ObjectMeta{
		Key:          rel,
		Size:         int64(len(data)),
		ContentType:  reader.Attrs.ContentType,
		LastModified: reader.Attrs.LastModified,
	}, data, nil
}

func (g *GCSStore) Delete(ctx context.Context, rel string) error {
	if err := g.bucket.Object(gcsKey(rel)).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return NotFoundError{Key: rel}
		}
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	var out []ObjectMeta
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: gcsKey(prefix)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, metaFromAttrs(attrs.Name, attrs))
	}
	return out, nil
}
