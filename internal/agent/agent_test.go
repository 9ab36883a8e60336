package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9ifrashaikh/project-builder/internal/archive"
	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses []models.ProjectStatus
	archived string
}

func (s *fakeStore) UpdateProjectStatus(_ context.Context, _ string, status models.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) RecordArchive(_ context.Context, _, _, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = url
	return nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	files []models.ArchiveFile
	err   error
}

func (a *fakeArchiver) Build(_ context.Context, _ auth.Principal, projectID string, files []models.ArchiveFile) (*archive.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = files
	if a.err != nil {
		return nil, a.err
	}
	return &archive.Result{Container: "project-" + projectID + "-x", URL: "http://cdn/" + archive.ObjectName(projectID)}, nil
}

var (
	caller  = auth.Principal{Subject: "user-1"}
	project = &models.Project{ID: "p1", UserID: "user-1", Name: "todo", Description: "a todo list app"}
)

func newClient(t *testing.T, url string, store Store, a Archiver) *Client {
	t.Helper()
	return NewClient(url, 5*time.Second, store, a, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())
}

func wait(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestDispatchArchivesGeneratedFiles(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(generateResponse{Files: []models.ArchiveFile{{Name: "index.html", Content: "<p>hi</p>"}}})
	}))
	defer srv.Close()

	store := &fakeStore{}
	arch := &fakeArchiver{}
	c := newClient(t, srv.URL, store, arch)

	require.NoError(t, c.Dispatch(context.Background(), caller, project))
	wait(t, c)

	assert.Equal(t, "p1", got.ProjectID)
	assert.Contains(t, got.Prompt, "a todo list app")
	assert.Equal(t, []models.ArchiveFile{{Name: "index.html", Content: "<p>hi</p>"}}, arch.files)
	assert.Equal(t, "http://cdn/project-p1.zip", store.archived)
	assert.Equal(t, []models.ProjectStatus{models.ProjectGenerating}, store.statuses)

	job, ok := c.Status("p1")
	require.True(t, ok)
	assert.Equal(t, models.ProjectReady, job.Status)
	assert.Equal(t, "http://cdn/project-p1.zip", job.ArchiveURL)
	assert.NotNil(t, job.CompletedAt)
	assert.Len(t, c.Jobs(), 1)
}

func TestDispatchAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeStore{}
	arch := &fakeArchiver{}
	c := newClient(t, srv.URL, store, arch)

	require.NoError(t, c.Dispatch(context.Background(), caller, project))
	wait(t, c)

	job, ok := c.Status("p1")
	require.True(t, ok)
	assert.Equal(t, models.ProjectFailed, job.Status)
	assert.Contains(t, job.Error, "503")
	assert.Nil(t, arch.files)
	assert.Equal(t, []models.ProjectStatus{models.ProjectGenerating, models.ProjectFailed}, store.statuses)
}

func TestDispatchArchiveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[]}`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	c := newClient(t, srv.URL, store, &fakeArchiver{err: errors.New("bucket unavailable")})

	require.NoError(t, c.Dispatch(context.Background(), caller, project))
	wait(t, c)

	job, _ := c.Status("p1")
	assert.Equal(t, models.ProjectFailed, job.Status)
	assert.Equal(t, "bucket unavailable", job.Error)
	assert.Empty(t, store.archived)
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"files":[{"name":"a","content":"b"}]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, &fakeStore{}, &fakeArchiver{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Dispatch(ctx, caller, project))
	cancel()
	close(release)
	wait(t, c)

	job, _ := c.Status("p1")
	assert.Equal(t, models.ProjectReady, job.Status)
}

func TestDispatchRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[{"name":"big.txt","content":"` + strings.Repeat("a", 256) + `"}]}`))
	}))
	defer srv.Close()

	arch := &fakeArchiver{}
	c := newClient(t, srv.URL, &fakeStore{}, arch)
	c.maxResponse = 128

	require.NoError(t, c.Dispatch(context.Background(), caller, project))
	wait(t, c)

	job, _ := c.Status("p1")
	assert.Equal(t, models.ProjectFailed, job.Status)
	assert.Contains(t, job.Error, "exceeds 128 bytes")
	assert.Nil(t, arch.files)
}

func TestDispatchWithoutEndpoint(t *testing.T) {
	c := newClient(t, "", &fakeStore{}, &fakeArchiver{})
	assert.ErrorIs(t, c.Dispatch(context.Background(), caller, project), ErrNoEndpoint)
	_, ok := c.Status("p1")
	assert.False(t, ok)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(&models.Project{Name: "blog", Description: "  markdown blog  "})
	assert.Contains(t, p, `"blog"`)
	assert.Contains(t, p, "Description: markdown blog\n")

	assert.NotContains(t, BuildPrompt(&models.Project{Name: "x"}), "Description")
}
