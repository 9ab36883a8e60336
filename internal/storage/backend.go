package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrObjectNotFound    = errors.New("object not found")
	ErrObjectExists      = errors.New("object already exists")
	ErrInvalidName       = errors.New("invalid name")
)

// PutOptions controls how PutObject writes.
type PutOptions struct {
	ContentType string
	// Upsert replaces an existing object instead of failing with ErrObjectExists.
	Upsert bool
}

// Backend is an object store partitioned into containers that carry access
// policies.
type Backend interface {
	// EnsureContainer creates the container if it is absent. created is false
	// when a container with that name already existed.
	EnsureContainer(ctx context.Context, name string, public bool) (created bool, err error)
	// ApplyPolicies replaces every policy of container with policies.
	ApplyPolicies(ctx context.Context, container string, policies []models.AccessPolicy) error
	Policies(ctx context.Context, container string) ([]models.AccessPolicy, error)
	PutObject(ctx context.Context, container, key string, body io.Reader, opts PutOptions) (*models.StoredObject, error)
	// GetObject returns the object content. The caller must close the reader.
	GetObject(ctx context.Context, container, key string) (io.ReadCloser, *models.StoredObject, error)
	// PublicURL derives the retrieval URL of an object. No network call is made.
	PublicURL(container, key string) string
}

var containerNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,199}$`)

// ValidateContainerName rejects names that are unsafe as a path or key prefix.
func ValidateContainerName(name string) error {
	if !containerNameRE.MatchString(name) {
		return fmt.Errorf("%w: container %q", ErrInvalidName, name)
	}
	return nil
}

// ValidateObjectKey rejects empty keys, absolute keys and keys that climb out
// of their container.
func ValidateObjectKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: object %q", ErrInvalidName, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: object %q", ErrInvalidName, key)
		}
	}
	return nil
}

// JoinPublicURL builds base/container/key with each key segment escaped.
func JoinPublicURL(base, container, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(container) + "/" + strings.Join(parts, "/")
}
