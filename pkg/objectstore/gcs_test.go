package objectstore

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gcsCreated = time.Date(2023, 6, 1, 8, 0, 0, 0, time.UTC)
	gcsUpdated = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
)

type gcsObject struct {
	data        []byte
	contentType string
}

// fakeGCS answers the JSON API and XML read calls the storage client makes for
// one bucket. Paths are matched with or without the /storage/v1 base.
type fakeGCS struct {
	bucket string

	mu      sync.Mutex
	objects map[string]gcsObject
	pending map[string]string
	nextID  int
}

func newFakeGCS(bucket string) *fakeGCS {
	return &fakeGCS{
		bucket:  bucket,
		objects: make(map[string]gcsObject),
		pending: make(map[string]string),
	}
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	if id, ok := strings.CutPrefix(p, "/upload/resumable/"); ok {
		f.finishResumable(w, r, id)
		return
	}
	upload := false
	if rest, ok := strings.CutPrefix(p, "/upload"); ok {
		p, upload = rest, true
	}
	p = strings.TrimPrefix(p, "/storage/v1")

	objects := "/b/" + f.bucket + "/o"
	switch {
	case p == objects && upload && r.Method == http.MethodPost:
		f.insert(w, r)
	case p == objects && r.Method == http.MethodGet:
		f.list(w, r.URL.Query().Get("prefix"))
	case strings.HasPrefix(p, objects+"/"):
		key := strings.TrimPrefix(p, objects+"/")
		switch {
		case r.Method == http.MethodDelete:
			if _, ok := f.objects[key]; !ok {
				f.notFound(w, key)
				return
			}
			delete(f.objects, key)
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Query().Get("alt") == "media":
			f.media(w, key)
		default:
			obj, ok := f.objects[key]
			if !ok {
				f.notFound(w, key)
				return
			}
			f.writeJSON(w, f.resource(key, obj))
		}
	case strings.HasPrefix(p, "/"+f.bucket+"/") && r.Method == http.MethodGet:
		f.media(w, strings.TrimPrefix(p, "/"+f.bucket+"/"))
	default:
		http.NotFound(w, r)
	}
}

type gcsMetadata struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

func (f *fakeGCS) insert(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("uploadType") {
	case "multipart":
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		var meta gcsMetadata
		part, err := mr.NextPart()
		if err == nil {
			err = json.NewDecoder(part).Decode(&meta)
		}
		if err == nil {
			part, err = mr.NextPart()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(part)
		f.store(w, r, meta, data)
	case "resumable":
		var meta gcsMetadata
		_ = json.NewDecoder(r.Body).Decode(&meta)
		if meta.Name == "" {
			meta.Name = r.URL.Query().Get("name")
		}
		f.nextID++
		id := strconv.Itoa(f.nextID)
		raw, _ := json.Marshal(meta)
		f.pending[id] = string(raw)
		w.Header().Set("Location", "http://"+r.Host+"/upload/resumable/"+id)
		w.WriteHeader(http.StatusOK)
	default:
		data, _ := io.ReadAll(r.Body)
		f.store(w, r, gcsMetadata{Name: r.URL.Query().Get("name")}, data)
	}
}

func (f *fakeGCS) finishResumable(w http.ResponseWriter, r *http.Request, id string) {
	raw, ok := f.pending[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	delete(f.pending, id)
	var meta gcsMetadata
	_ = json.Unmarshal([]byte(raw), &meta)
	data, _ := io.ReadAll(r.Body)
	f.store(w, r, meta, data)
}

func (f *fakeGCS) store(w http.ResponseWriter, r *http.Request, meta gcsMetadata, data []byte) {
	if meta.Name == "" {
		meta.Name = r.URL.Query().Get("name")
	}
	obj := gcsObject{data: data, contentType: meta.ContentType}
	f.objects[meta.Name] = obj
	f.writeJSON(w, f.resource(meta.Name, obj))
}

func (f *fakeGCS) resource(key string, obj gcsObject) map[string]any {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.Checksum(obj.data, crc32.MakeTable(crc32.Castagnoli)))
	res := map[string]any{
		"kind":           "storage#object",
		"bucket":         f.bucket,
		"name":           key,
		"size":           strconv.Itoa(len(obj.data)),
		"generation":     "1",
		"metageneration": "1",
		"timeCreated":    gcsCreated.Format(time.RFC3339Nano),
		"updated":        gcsUpdated.Format(time.RFC3339Nano),
		"crc32c":         base64.StdEncoding.EncodeToString(sum[:]),
	}
	if obj.contentType != "" {
		res["contentType"] = obj.contentType
	}
	return res
}

func (f *fakeGCS) media(w http.ResponseWriter, key string) {
	obj, ok := f.objects[key]
	if !ok {
		f.notFound(w, key)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("Last-Modified", gcsUpdated.Format(http.TimeFormat))
	w.Header().Set("X-Goog-Generation", "1")
	w.Header().Set("X-Goog-Metageneration", "1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (f *fakeGCS) list(w http.ResponseWriter, prefix string) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	items := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		items = append(items, f.resource(k, f.objects[k]))
	}
	f.writeJSON(w, map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) notFound(w http.ResponseWriter, key string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"error":{"code":404,"message":"No such object: %s/%s"}}`, f.bucket, key)
}

func (f *fakeGCS) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeGCS) contentType(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj.contentType, ok
}

func newFakeGCSStore(t *testing.T) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS("media")
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	store, err := DialGCS(context.Background(), "media", GCSOptions{Endpoint: ts.URL + "/storage/v1/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, fake
}

func TestGCSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeGCSStore(t)

	require.NoError(t, store.Upload(ctx, "1234/img.png", "image/png", strings.NewReader("png-bytes")))
	ct, ok := fake.contentType("1234/img.png")
	require.True(t, ok)
	assert.Equal(t, "image/png", ct)

	meta, err := store.Head(ctx, "1234/img.png")
	require.NoError(t, err)
	assert.Equal(t, "1234/img.png", meta.Key)
	assert.Equal(t, int64(9), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.True(t, gcsCreated.Equal(meta.Created))
	assert.True(t, gcsUpdated.Equal(meta.LastModified))

	meta, data, err := store.Download(ctx, "/1234/img.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, int64(9), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.True(t, gcsUpdated.Equal(meta.LastModified))
	assert.True(t, meta.Created.IsZero())

	require.NoError(t, store.Delete(ctx, "1234/img.png"))
	_, err = store.Head(ctx, "1234/img.png")
	assert.True(t, IsNotFound(err))
}

func TestGCSStoreUploadWithoutContentType(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeGCSStore(t)

	require.NoError(t, store.Upload(ctx, "notes", "", strings.NewReader("plain")))
	ct, ok := fake.contentType("notes")
	require.True(t, ok)
	assert.Empty(t, ct)
}

func TestGCSStoreList(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeGCSStore(t)
	for _, key := range []string{"1234/a.jpg", "1234/b.jpg", "5678/c.jpg"} {
		require.NoError(t, store.Upload(ctx, key, "image/jpeg", strings.NewReader(key)))
	}

	items, err := store.List(ctx, "/1234/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1234/a.jpg", items[0].Key)
	assert.Equal(t, int64(len("1234/a.jpg")), items[0].Size)
	assert.True(t, gcsCreated.Equal(items[0].Created))

	items, err = store.List(ctx, "none/")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGCSStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeGCSStore(t)

	_, err := store.Head(ctx, "missing.jpg")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, _, err = store.Download(ctx, "missing.jpg")
	require.Error(t, err)
	var nf NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing.jpg", nf.Key)

	err = store.Delete(ctx, "missing.jpg")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
