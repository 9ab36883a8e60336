// Package agent dispatches project descriptions to the external generation
// agent and archives the files it returns.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/9ifrashaikh/project-builder/internal/archive"
	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

// DefaultMaxResponseBytes caps the agent's response body.
const DefaultMaxResponseBytes = 64 << 20

// ErrNoEndpoint is returned by Dispatch when no agent URL is configured.
var ErrNoEndpoint = errors.New("generation agent endpoint not configured")

// Store records project progress.
type Store interface {
	UpdateProjectStatus(ctx context.Context, id string, status models.ProjectStatus) error
	RecordArchive(ctx context.Context, id, container, archiveURL string) error
}

// Archiver packages and uploads generated files.
type Archiver interface {
	Build(ctx context.Context, caller auth.Principal, projectID string, files []models.ArchiveFile) (*archive.Result, error)
}

type generateRequest struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

type generateResponse struct {
	Files []models.ArchiveFile `json:"files"`
}

// Client sends generation requests and tracks one job per project.
type Client struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client

	// maxResponse caps the bytes read from one agent response.
	maxResponse int64

	store    Store
	archiver Archiver
	logger   *slog.Logger
	metrics  *metrics.Collector

	jobs sync.Map
	wg   sync.WaitGroup
}

func NewClient(endpoint string, timeout time.Duration, store Store, archiver Archiver, logger *slog.Logger, m *metrics.Collector) *Client {
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxResponse: DefaultMaxResponseBytes,
		store:       store,
		archiver:    archiver,
		logger:      logger,
		metrics:     m,
	}
}

// BuildPrompt turns a project into the instruction sent to the agent.
func BuildPrompt(p *models.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build the app %q.\n", p.Name)
	if d := strings.TrimSpace(p.Description); d != "" {
		b.WriteString("Description: ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("Return every source file with its path and full content.")
	return b.String()
}

// Dispatch records a pending job for project and runs the generation in the
// background on behalf of caller. The request context is only used for its
// values; the job keeps running after the caller returns.
func (c *Client) Dispatch(ctx context.Context, caller auth.Principal, project *models.Project) error {
	if c.endpoint == "" {
		return ErrNoEndpoint
	}
	job := &models.GenerationJob{
		ProjectID: project.ID,
		Status:    models.ProjectPending,
		CreatedAt: time.Now().UTC(),
	}
	c.jobs.Store(project.ID, job)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(context.WithoutCancel(ctx), caller, project, job)
	}()
	return nil
}

func (c *Client) run(ctx context.Context, caller auth.Principal, project *models.Project, job *models.GenerationJob) {
	c.update(ctx, job, models.ProjectGenerating, "")

	files, err := c.generate(ctx, project)
	if err != nil {
		c.fail(ctx, job, fmt.Errorf("generate: %w", err))
		return
	}

	res, err := c.archiver.Build(ctx, caller, project.ID, files)
	if err != nil {
		c.fail(ctx, job, err)
		return
	}
	if err := c.store.RecordArchive(ctx, project.ID, res.Container, res.URL); err != nil {
		c.fail(ctx, job, fmt.Errorf("record archive: %w", err))
		return
	}

	done := *job
	now := time.Now().UTC()
	done.Status = models.ProjectReady
	done.ArchiveURL = res.URL
	done.CompletedAt = &now
	c.jobs.Store(job.ProjectID, &done)
	c.metrics.ObserveGeneration(string(models.ProjectReady))
	c.logger.Info("project generated", "project_id", project.ID, "files", len(files), "url", res.URL)
}

func (c *Client) generate(ctx context.Context, project *models.Project) ([]models.ArchiveFile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{ProjectID: project.ID, Prompt: BuildPrompt(project)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if int64(len(data)) > c.maxResponse {
		return nil, fmt.Errorf("agent response exceeds %d bytes", c.maxResponse)
	}
	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return out.Files, nil
}

func (c *Client) update(ctx context.Context, job *models.GenerationJob, status models.ProjectStatus, msg string) {
	next := *job
	next.Status = status
	next.Error = msg
	if status == models.ProjectFailed {
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	c.jobs.Store(job.ProjectID, &next)
	if err := c.store.UpdateProjectStatus(ctx, job.ProjectID, status); err != nil {
		c.logger.Error("failed to update project status", "project_id", job.ProjectID, "status", status, "error", err)
	}
}

func (c *Client) fail(ctx context.Context, job *models.GenerationJob, err error) {
	c.logger.Error("project generation failed", "project_id", job.ProjectID, "error", err)
	c.update(ctx, job, models.ProjectFailed, err.Error())
	c.metrics.ObserveGeneration(string(models.ProjectFailed))
}

// Status returns a copy of the latest job for projectID.
func (c *Client) Status(projectID string) (models.GenerationJob, bool) {
	v, ok := c.jobs.Load(projectID)
	if !ok {
		return models.GenerationJob{}, false
	}
	return *v.(*models.GenerationJob), true
}

func (c *Client) Jobs() []models.GenerationJob {
	var jobs []models.GenerationJob
	c.jobs.Range(func(_, v any) bool {
		jobs = append(jobs, *v.(*models.GenerationJob))
		return true
	})
	return jobs
}

// Wait blocks until every dispatched job has finished or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
