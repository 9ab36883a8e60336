package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseBackend runs the behavior every Backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	const c = "project-42-abc"

	created, err := b.EnsureContainer(ctx, c, true)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = b.EnsureContainer(ctx, c, true)
	require.NoError(t, err)
	assert.False(t, created, "second create must be a no-op")

	_, err = b.EnsureContainer(ctx, "../evil", true)
	assert.ErrorIs(t, err, ErrInvalidName)

	policies := models.ContainerPolicies(c)
	require.NoError(t, b.ApplyPolicies(ctx, c, policies))
	require.NoError(t, b.ApplyPolicies(ctx, c, policies))
	got, err := b.Policies(ctx, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, policies, got, "policies are replaced, not merged")

	assert.ErrorIs(t, b.ApplyPolicies(ctx, "missing", policies), ErrContainerNotFound)

	obj, err := b.PutObject(ctx, c, "project-42.zip", strings.NewReader("v1"), PutOptions{ContentType: "application/zip"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), obj.Size)
	assert.Equal(t, "application/zip", obj.ContentType)
	assert.Len(t, obj.Checksum, 64)

	_, err = b.PutObject(ctx, c, "project-42.zip", strings.NewReader("v2"), PutOptions{})
	assert.ErrorIs(t, err, ErrObjectExists)

	obj, err = b.PutObject(ctx, c, "project-42.zip", strings.NewReader("v22"), PutOptions{ContentType: "application/zip", Upsert: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), obj.Size)

	rc, meta, err := b.GetObject(ctx, c, "project-42.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "v22", string(data))
	assert.Equal(t, "application/zip", meta.ContentType)

	_, _, err = b.GetObject(ctx, c, "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = b.PutObject(ctx, "missing", "x", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrContainerNotFound)

	_, err = b.PutObject(ctx, c, "../x", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.True(t, strings.HasSuffix(b.PublicURL(c, "project-42.zip"), "/"+c+"/project-42.zip"))
}

func TestValidateObjectKey(t *testing.T) {
	for _, key := range []string{"a", "a/b.txt", "project-1.zip", ".env"} {
		assert.NoError(t, ValidateObjectKey(key), key)
	}
	for _, key := range []string{"", "/abs", "a/../b", "..", "a//b", `a\b`, "a/"} {
		assert.ErrorIs(t, ValidateObjectKey(key), ErrInvalidName, key)
	}
}

func TestValidateContainerName(t *testing.T) {
	assert.NoError(t, ValidateContainerName("project-42-"+strings.Repeat("a", 64)))
	assert.NoError(t, ValidateContainerName("project-files"))
	for _, name := range []string{"", "-lead", "a/b", ".containers", "a b", strings.Repeat("a", 201)} {
		assert.ErrorIs(t, ValidateContainerName(name), ErrInvalidName, name)
	}
}

func TestJoinPublicURL(t *testing.T) {
	assert.Equal(t,
		"http://localhost:8080/storage/project-1-ab/dir/a%20b.txt",
		JoinPublicURL("http://localhost:8080/storage/", "project-1-ab", "dir/a b.txt"))
}
