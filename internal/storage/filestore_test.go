package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

func TestFileStoreBackend(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "http://localhost:8080/storage", discardLogger())
	require.NoError(t, err)
	exerciseBackend(t, fs)
}

func TestFileStoreReloadsMetadata(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir, "http://localhost/storage", discardLogger())
	require.NoError(t, err)
	_, err = fs.EnsureContainer(ctx, "project-7-ff", true)
	require.NoError(t, err)
	require.NoError(t, fs.ApplyPolicies(ctx, "project-7-ff", models.ContainerPolicies("project-7-ff")))
	_, err = fs.PutObject(ctx, "project-7-ff", "project-7.zip", strings.NewReader("zip"), PutOptions{ContentType: "application/zip"})
	require.NoError(t, err)

	reopened, err := NewFileStore(dir, "http://localhost/storage", discardLogger())
	require.NoError(t, err)

	containers := reopened.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, "project-7-ff", containers[0].Name)
	assert.True(t, containers[0].Public)

	policies, err := reopened.Policies(ctx, "project-7-ff")
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	rc, obj, err := reopened.GetObject(ctx, "project-7-ff", "project-7.zip")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(3), obj.Size)
}

func TestFileStoreUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir(), "http://localhost/storage", discardLogger())
	require.NoError(t, err)
	_, err = fs.EnsureContainer(ctx, "c1", true)
	require.NoError(t, err)

	first, err := fs.PutObject(ctx, "c1", "k", strings.NewReader("a"), PutOptions{Upsert: true})
	require.NoError(t, err)
	second, err := fs.PutObject(ctx, "c1", "k", strings.NewReader("bb"), PutOptions{Upsert: true})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.NotEqual(t, first.Checksum, second.Checksum)
	assert.Equal(t, "application/octet-stream", second.ContentType)
}
