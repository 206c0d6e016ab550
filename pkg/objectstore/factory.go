package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// Factory opens object stores from container identifiers.
//
// Supported forms:
//   - gs://bucket or a bare bucket name - Google Cloud Storage
//   - s3://bucket/prefix?region=eu-west-1&endpoint=https://minio:9000 - S3 or compatible
//   - file:///var/media - local directory
//   - mem://name - process-local memory; the same name always yields the same store
type Factory struct {
	log *slog.Logger

	mu  sync.Mutex
	mem map[string]*AferoStore
}

// NewFactory creates a factory logging through logger.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Factory{
		log: logger,
		mem: make(map[string]*AferoStore),
	}
}

// Open connects to the container. credentialLocator is a path to a credential
// file understood by the selected backend and may be empty.
func (f *Factory) Open(ctx context.Context, containerID, credentialLocator string) (ObjectStore, error) {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return nil, fmt.Errorf("empty container id")
	}
	if !strings.Contains(containerID, "://") {
		containerID = "gs://" + containerID
	}
	u, err := url.Parse(containerID)
	if err != nil {
		return nil, fmt.Errorf("parse container id %q: %w", containerID, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "gs", "gcs":
		f.log.Debug("Opening GCS store", slog.String("bucket", u.Host))
		return DialGCS(ctx, u.Host, GCSOptions{
			CredentialsFile: credentialLocator,
			Endpoint:        u.Query().Get("endpoint"),
		})
	case "s3":
		f.log.Debug("Opening S3 store", slog.String("bucket", u.Host), slog.String("prefix", u.Path))
		opts := S3Options{
			Region:          u.Query().Get("region"),
			Endpoint:        u.Query().Get("endpoint"),
			CredentialsFile: credentialLocator,
		}
		if u.User != nil {
			opts.AccessKey = u.User.Username()
			opts.SecretKey, _ = u.User.Password()
		}
		return DialS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + "/" + strings.TrimPrefix(dir, "/")
		}
		if dir == "" {
			return nil, fmt.Errorf("empty path in container id %q", containerID)
		}
		f.log.Debug("Opening directory store", slog.String("dir", dir))
		return NewDirStore(dir)
	case "mem":
		return f.memStore(u.Host + u.Path), nil
	default:
		return nil, fmt.Errorf("unsupported container scheme: %s", u.Scheme)
	}
}

func (f *Factory) memStore(name string) *AferoStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.mem[name]; ok {
		return s
	}
	s := NewMemStore()
	f.mem[name] = s
	return s
}
