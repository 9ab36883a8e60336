package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

// gcsBucketHandle abstracts a GCS bucket handle for testability.
type gcsBucketHandle interface {
	Object(name string) gcsObjectHandle
}

// gcsObjectHandle abstracts the object operations GCSBackend needs.
type gcsObjectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	// NewWriter returns a writer whose Close fails with a 412 when
	// ifNotExist is set and the object already exists. publicRead grants
	// allUsers read access on the written object.
	NewWriter(ctx context.Context, opts gcsWriteOptions) io.WriteCloser
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	UpdateMetadata(ctx context.Context, metadata map[string]string) error
}

type realBucketHandle struct{ bh *storage.BucketHandle }

func (r *realBucketHandle) Object(name string) gcsObjectHandle {
	return &realObjectHandle{r.bh.Object(name)}
}

type realObjectHandle struct{ oh *storage.ObjectHandle }

func (r *realObjectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return r.oh.NewReader(ctx)
}

type gcsWriteOptions struct {
	IfNotExist  bool
	ContentType string
	Metadata    map[string]string
	PublicRead  bool
}

func (r *realObjectHandle) NewWriter(ctx context.Context, opts gcsWriteOptions) io.WriteCloser {
	oh := r.oh
	if opts.IfNotExist {
		oh = oh.If(storage.Conditions{DoesNotExist: true})
	}
	w := oh.NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata
	if opts.PublicRead {
		w.ACL = []storage.ACLRule{{Entity: storage.AllUsers, Role: storage.RoleReader}}
	}
	return w
}

func (r *realObjectHandle) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return r.oh.Attrs(ctx)
}

func (r *realObjectHandle) UpdateMetadata(ctx context.Context, metadata map[string]string) error {
	_, err := r.oh.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: metadata})
	return err
}

// GCSConfig configures a GCSBackend.
type GCSConfig struct {
	Bucket          string
	Project         string
	CredentialsFile string
	PublicBaseURL   string
}

// GCSBackend stores containers as key prefixes of one bucket. Container
// policies live in the metadata of the container's marker object. Objects
// written to a container whose policies allow public reads get an allUsers
// reader ACL, so the bucket must use fine-grained access control.
type GCSBackend struct {
	cfg    GCSConfig
	client *storage.Client
	bucket gcsBucketHandle
	logger *slog.Logger
}

// NewGCSBackend creates the GCS client.
func NewGCSBackend(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs backend: bucket is required")
	}
	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}
	if cfg.Project != "" {
		opts = append(opts, option.WithQuotaProject(cfg.Project))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	b := newGCSBackend(cfg, &realBucketHandle{client.Bucket(cfg.Bucket)}, logger)
	b.client = client
	logger.Info("GCS storage started", "bucket", cfg.Bucket, "project", cfg.Project)
	return b, nil
}

func newGCSBackend(cfg GCSConfig, bucket gcsBucketHandle, logger *slog.Logger) *GCSBackend {
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &GCSBackend{cfg: cfg, bucket: bucket, logger: logger}
}

// Close closes the GCS client.
func (g *GCSBackend) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("failed to close GCS client: %w", err)
	}
	g.client = nil
	return nil
}

const policiesMetadataKey = "policies"

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCSBackend) EnsureContainer(ctx context.Context, name string, public bool) (bool, error) {
	if err := ValidateContainerName(name); err != nil {
		return false, err
	}
	marker, err := json.Marshal(models.Container{Name: name, Public: public, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	w := g.bucket.Object(markerKey(name)).NewWriter(ctx, gcsWriteOptions{IfNotExist: true, ContentType: "application/json"})
	_, err = w.Write(marker)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if isPreconditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create container %q: %w", name, err)
	}
	g.logger.Debug("container created", "container", name, "bucket", g.cfg.Bucket)
	return true, nil
}

func (g *GCSBackend) markerAttrs(ctx context.Context, container string) (*storage.ObjectAttrs, error) {
	attrs, err := g.bucket.Object(markerKey(container)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up container %q: %w", container, err)
	}
	return attrs, nil
}

func (g *GCSBackend) ApplyPolicies(ctx context.Context, container string, policies []models.AccessPolicy) error {
	if _, err := g.markerAttrs(ctx, container); err != nil {
		return err
	}
	encoded, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}
	err = g.bucket.Object(markerKey(container)).UpdateMetadata(ctx, map[string]string{
		policiesMetadataKey: string(encoded),
	})
	if err != nil {
		return fmt.Errorf("failed to write policies for %q: %w", container, err)
	}
	return nil
}

func (g *GCSBackend) Policies(ctx context.Context, container string) ([]models.AccessPolicy, error) {
	attrs, err := g.markerAttrs(ctx, container)
	if err != nil {
		return nil, err
	}
	return decodeMarkerPolicies(container, attrs)
}

func decodeMarkerPolicies(container string, attrs *storage.ObjectAttrs) ([]models.AccessPolicy, error) {
	raw, ok := attrs.Metadata[policiesMetadataKey]
	if !ok {
		return nil, nil
	}
	var policies []models.AccessPolicy
	if err := json.Unmarshal([]byte(raw), &policies); err != nil {
		return nil, fmt.Errorf("failed to decode policies for %q: %w", container, err)
	}
	return policies, nil
}

func (g *GCSBackend) PutObject(ctx context.Context, container, key string, body io.Reader, opts PutOptions) (*models.StoredObject, error) {
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}
	marker, err := g.markerAttrs(ctx, container)
	if err != nil {
		return nil, err
	}
	policies, err := decodeMarkerPolicies(container, marker)
	if err != nil {
		return nil, err
	}
	publicRead := false
	for _, p := range policies {
		if p.Allows(container, models.ActionRead, false) {
			publicRead = true
		}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	hasher := sha256.New()
	w := g.bucket.Object(objectKey(container, key)).NewWriter(ctx, gcsWriteOptions{
		IfNotExist:  !opts.Upsert,
		ContentType: contentType,
		PublicRead:  publicRead,
	})
	size, err := io.Copy(io.MultiWriter(w, hasher), body)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if isPreconditionFailed(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectExists, container, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to put object %q: %w", key, err)
	}

	g.logger.Info("Object uploaded", "key", key, "container", container, "bucket", g.cfg.Bucket)
	now := time.Now().UTC()
	return &models.StoredObject{
		Container:   container,
		Key:         key,
		Size:        size,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (g *GCSBackend) GetObject(ctx context.Context, container, key string) (io.ReadCloser, *models.StoredObject, error) {
	oh := g.bucket.Object(objectKey(container, key))
	attrs, err := oh.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	r, err := oh.NewReader(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	obj := &models.StoredObject{
		Container:   container,
		Key:         key,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		CreatedAt:   attrs.Created,
		UpdatedAt:   attrs.Updated,
	}
	return r, obj, nil
}

func (g *GCSBackend) PublicURL(container, key string) string {
	return JoinPublicURL(g.cfg.PublicBaseURL, container, key)
}
