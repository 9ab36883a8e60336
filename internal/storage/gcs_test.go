package storage

import (
	"bytes"
	"context"
	"io"
	"maps"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

type fakeGCSObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	publicRead  bool
	created     time.Time
}

type fakeGCSBucket struct {
	mu      sync.Mutex
	objects map[string]*fakeGCSObject
}

func newFakeGCSBucket() *fakeGCSBucket {
	return &fakeGCSBucket{objects: make(map[string]*fakeGCSObject)}
}

func (b *fakeGCSBucket) Object(name string) gcsObjectHandle {
	return &fakeGCSHandle{bucket: b, name: name}
}

type fakeGCSHandle struct {
	bucket *fakeGCSBucket
	name   string
}

func (h *fakeGCSHandle) NewReader(_ context.Context) (io.ReadCloser, error) {
	h.bucket.mu.Lock()
	defer h.bucket.mu.Unlock()
	obj, ok := h.bucket.objects[h.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (h *fakeGCSHandle) NewWriter(_ context.Context, opts gcsWriteOptions) io.WriteCloser {
	return &fakeGCSWriter{handle: h, opts: opts}
}

func (h *fakeGCSHandle) Attrs(_ context.Context) (*storage.ObjectAttrs, error) {
	h.bucket.mu.Lock()
	defer h.bucket.mu.Unlock()
	obj, ok := h.bucket.objects[h.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return &storage.ObjectAttrs{
		Name:        h.name,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		Metadata:    maps.Clone(obj.metadata),
		Created:     obj.created,
		Updated:     obj.created,
	}, nil
}

func (h *fakeGCSHandle) UpdateMetadata(_ context.Context, metadata map[string]string) error {
	h.bucket.mu.Lock()
	defer h.bucket.mu.Unlock()
	obj, ok := h.bucket.objects[h.name]
	if !ok {
		return storage.ErrObjectNotExist
	}
	if obj.metadata == nil {
		obj.metadata = make(map[string]string)
	}
	maps.Copy(obj.metadata, metadata)
	return nil
}

type fakeGCSWriter struct {
	handle *fakeGCSHandle
	opts   gcsWriteOptions
	buf    bytes.Buffer
}

func (w *fakeGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeGCSWriter) Close() error {
	b := w.handle.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[w.handle.name]; ok && w.opts.IfNotExist {
		return &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "conditionNotMet"}
	}
	b.objects[w.handle.name] = &fakeGCSObject{
		data:        w.buf.Bytes(),
		contentType: w.opts.ContentType,
		metadata:    w.opts.Metadata,
		publicRead:  w.opts.PublicRead,
		created:     time.Now(),
	}
	return nil
}

func TestGCSBackend(t *testing.T) {
	b := newGCSBackend(GCSConfig{Bucket: "builder", PublicBaseURL: "http://localhost/storage"}, newFakeGCSBucket(), discardLogger())
	exerciseBackend(t, b)
}

func TestGCSBackendStoresPoliciesOnMarker(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeGCSBucket()
	b := newGCSBackend(GCSConfig{Bucket: "builder"}, bucket, discardLogger())

	_, err := b.EnsureContainer(ctx, "project-5-ee", true)
	require.NoError(t, err)
	require.NoError(t, b.ApplyPolicies(ctx, "project-5-ee", models.ContainerPolicies("project-5-ee")))

	marker := bucket.objects[".containers/project-5-ee"]
	require.NotNil(t, marker)
	assert.Contains(t, marker.metadata["policies"], `"principal":"public"`)
	assert.Equal(t, "https://storage.googleapis.com/builder/project-5-ee/a.zip", b.PublicURL("project-5-ee", "a.zip"))
	assert.NoError(t, b.Close())
}

func TestGCSBackendPublicReadACL(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeGCSBucket()
	b := newGCSBackend(GCSConfig{Bucket: "builder"}, bucket, discardLogger())

	_, err := b.EnsureContainer(ctx, "project-6-ff", true)
	require.NoError(t, err)
	_, err = b.PutObject(ctx, "project-6-ff", "before.zip", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)
	assert.False(t, bucket.objects["project-6-ff/before.zip"].publicRead, "no download policy yet")

	require.NoError(t, b.ApplyPolicies(ctx, "project-6-ff", models.ContainerPolicies("project-6-ff")))
	_, err = b.PutObject(ctx, "project-6-ff", "project-6.zip", bytes.NewReader([]byte("zip")), PutOptions{Upsert: true})
	require.NoError(t, err)
	assert.True(t, bucket.objects["project-6-ff/project-6.zip"].publicRead)
	assert.False(t, bucket.objects[".containers/project-6-ff"].publicRead)

	uploadOnly := []models.AccessPolicy{models.ContainerPolicies("project-6-ff")[1]}
	require.NoError(t, b.ApplyPolicies(ctx, "project-6-ff", uploadOnly))
	_, err = b.PutObject(ctx, "project-6-ff", "private.txt", bytes.NewReader([]byte("p")), PutOptions{})
	require.NoError(t, err)
	assert.False(t, bucket.objects["project-6-ff/private.txt"].publicRead)
}
