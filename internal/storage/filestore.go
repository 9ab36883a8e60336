package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

const metadataFile = "container.json"

// containerState is the persisted metadata of one container directory.
type containerState struct {
	Container models.Container                `json:"container"`
	Policies  []models.AccessPolicy           `json:"policies"`
	Objects   map[string]*models.StoredObject `json:"objects"`
}

// FileStore keeps containers as directories on the local filesystem.
type FileStore struct {
	basePath      string
	publicBaseURL string
	containers    map[string]*containerState
	mutex         sync.RWMutex
	logger        *slog.Logger
}

func NewFileStore(basePath, publicBaseURL string, logger *slog.Logger) (*FileStore, error) {
	fs := &FileStore{
		basePath:      basePath,
		publicBaseURL: publicBaseURL,
		containers:    make(map[string]*containerState),
		logger:        logger,
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory %s: %w", basePath, err)
	}
	if err := fs.loadMetadata(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) containerPath(name string) string {
	return filepath.Join(fs.basePath, name)
}

// objectPath maps a key to a flat file name so keys with slashes never
// create directories.
func (fs *FileStore) objectPath(container, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(fs.containerPath(container), "objects", hex.EncodeToString(sum[:]))
}

func (fs *FileStore) EnsureContainer(_ context.Context, name string, public bool) (bool, error) {
	if err := ValidateContainerName(name); err != nil {
		return false, err
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if _, exists := fs.containers[name]; exists {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Join(fs.containerPath(name), "objects"), 0o755); err != nil {
		return false, fmt.Errorf("create container %s: %w", name, err)
	}
	state := &containerState{
		Container: models.Container{Name: name, Public: public, CreatedAt: time.Now().UTC()},
		Objects:   make(map[string]*models.StoredObject),
	}
	if err := fs.saveMetadata(state); err != nil {
		os.RemoveAll(fs.containerPath(name))
		return false, err
	}
	fs.containers[name] = state
	fs.logger.Debug("container created", "container", name, "public", public)
	return true, nil
}

func (fs *FileStore) ApplyPolicies(_ context.Context, container string, policies []models.AccessPolicy) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	state, exists := fs.containers[container]
	if !exists {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	previous := state.Policies
	state.Policies = append([]models.AccessPolicy(nil), policies...)
	if err := fs.saveMetadata(state); err != nil {
		state.Policies = previous
		return err
	}
	return nil
}

func (fs *FileStore) Policies(_ context.Context, container string) ([]models.AccessPolicy, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	state, exists := fs.containers[container]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	return append([]models.AccessPolicy(nil), state.Policies...), nil
}

func (fs *FileStore) PutObject(_ context.Context, container, key string, data io.Reader, opts PutOptions) (*models.StoredObject, error) {
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	state, exists := fs.containers[container]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	previous, replacing := state.Objects[key]
	if replacing && !opts.Upsert {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectExists, container, key)
	}

	filePath := fs.objectPath(container, key)
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// Calculate checksum while writing
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	now := time.Now().UTC()
	obj := &models.StoredObject{
		Container:   container,
		Key:         key,
		Size:        size,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if replacing {
		obj.CreatedAt = previous.CreatedAt
	}

	state.Objects[key] = obj
	if err := fs.saveMetadata(state); err != nil {
		if replacing {
			state.Objects[key] = previous
		} else {
			delete(state.Objects, key)
		}
		return nil, err
	}
	copied := *obj
	return &copied, nil
}

func (fs *FileStore) GetObject(_ context.Context, container, key string) (io.ReadCloser, *models.StoredObject, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	state, exists := fs.containers[container]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	obj, exists := state.Objects[key]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, key)
	}

	file, err := os.Open(fs.objectPath(container, key))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	copied := *obj
	return file, &copied, nil
}

func (fs *FileStore) PublicURL(container, key string) string {
	return JoinPublicURL(fs.publicBaseURL, container, key)
}

// Containers lists every container known to the store.
func (fs *FileStore) Containers() []models.Container {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	result := make([]models.Container, 0, len(fs.containers))
	for _, state := range fs.containers {
		result = append(result, state.Container)
	}
	return result
}

func (fs *FileStore) saveMetadata(state *containerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", state.Container.Name, err)
	}
	path := filepath.Join(fs.containerPath(state.Container.Name), metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata for %s: %w", state.Container.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write metadata for %s: %w", state.Container.Name, err)
	}
	return nil
}

func (fs *FileStore) loadMetadata() error {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return fmt.Errorf("read storage directory %s: %w", fs.basePath, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.basePath, entry.Name(), metadataFile))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read metadata for %s: %w", entry.Name(), err)
		}
		var state containerState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", entry.Name(), err)
		}
		if state.Objects == nil {
			state.Objects = make(map[string]*models.StoredObject)
		}
		fs.containers[state.Container.Name] = &state
	}
	fs.logger.Debug("storage metadata loaded", "path", fs.basePath, "containers", len(fs.containers))
	return nil
}
