// Package archive packages a project's files into a zip and uploads it to
// the project's storage container.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zip"

	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/internal/storage"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

const ContentType = "application/zip"

// LegacyDownloadContainer is the fixed container DownloadURL reads from. It
// differs from the per-project containers BuildAndUpload writes to.
const LegacyDownloadContainer = "project-files"

// UploadError reports a failed archive write.
type UploadError struct {
	ProjectID string
	Container string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload archive for project %q to %q: %v", e.ProjectID, e.Container, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Provisioner returns a ready container for a project.
type Provisioner interface {
	Provision(ctx context.Context, caller auth.Principal, projectID string) (string, error)
}

// Result describes a successful upload.
type Result struct {
	Container string
	Object    *models.StoredObject
	URL       string
}

type Builder struct {
	provisioner Provisioner
	backend     storage.Backend
	logger      *slog.Logger
	metrics     *metrics.Collector
}

func NewBuilder(p Provisioner, backend storage.Backend, logger *slog.Logger, m *metrics.Collector) *Builder {
	return &Builder{provisioner: p, backend: backend, logger: logger, metrics: m}
}

// ObjectName is the archive's object name inside its container.
func ObjectName(projectID string) string {
	return "project-" + projectID + ".zip"
}

// Pack writes files into an in-memory zip in input order. Duplicate names
// are written as separate entries; extractors keep the last one.
func Pack(files []models.ArchiveFile) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("add %q: %w", f.Name, err)
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			return nil, fmt.Errorf("write %q: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildAndUpload provisions a container for projectID, uploads the zipped
// files as project-<id>.zip (replacing any previous archive) and returns the
// archive's public URL. Provisioning failures are returned unchanged and
// nothing is uploaded; upload failures are returned as *UploadError.
func (b *Builder) BuildAndUpload(ctx context.Context, caller auth.Principal, projectID string, files []models.ArchiveFile) (string, error) {
	res, err := b.Build(ctx, caller, projectID, files)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// Build is BuildAndUpload returning the container and stored object too.
func (b *Builder) Build(ctx context.Context, caller auth.Principal, projectID string, files []models.ArchiveFile) (*Result, error) {
	container, err := b.provisioner.Provision(ctx, caller, projectID)
	if err != nil {
		return nil, err
	}

	blob, err := Pack(files)
	if err != nil {
		return nil, &UploadError{ProjectID: projectID, Container: container, Err: err}
	}

	name := ObjectName(projectID)
	obj, err := b.backend.PutObject(ctx, container, name, bytes.NewReader(blob), storage.PutOptions{
		ContentType: ContentType,
		Upsert:      true,
	})
	b.metrics.ObserveUpload(int64(len(blob)), err)
	if err != nil {
		b.logger.Error("archive upload failed", "project_id", projectID, "container", container, "error", err)
		return nil, &UploadError{ProjectID: projectID, Container: container, Err: err}
	}

	url := b.backend.PublicURL(container, name)
	b.logger.Info("archive uploaded", "project_id", projectID, "container", container,
		"files", len(files), "bytes", obj.Size)
	return &Result{Container: container, Object: obj, URL: url}, nil
}

// DownloadURL derives an archive URL in LegacyDownloadContainer, not in the
// per-project container BuildAndUpload used. Callers that know the project's
// container should use the URL BuildAndUpload returned instead.
func (b *Builder) DownloadURL(projectID string) string {
	b.logger.Warn("download URL derived from legacy shared container",
		"project_id", projectID, "container", LegacyDownloadContainer)
	return b.backend.PublicURL(LegacyDownloadContainer, ObjectName(projectID))
}
