package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/9ifrashaikh/project-builder/internal/agent"
	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/catalog"
	"github.com/9ifrashaikh/project-builder/internal/storage"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ensureProfile creates the caller's profile and starting credits on first
// access.
func (s *Server) ensureProfile(r *http.Request) (*models.Profile, error) {
	caller := auth.FromContext(r.Context())
	return s.catalog.EnsureProfile(r.Context(), caller.Subject, caller.Email, s.opts.InitialCredits)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.ensureProfile(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) checkCredits(w http.ResponseWriter, r *http.Request) {
	p, err := s.ensureProfile(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, err := s.catalog.Credits(r.Context(), p.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"credits": c.Amount})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Description) == "" {
		s.writeError(w, http.StatusBadRequest, "name and description are required")
		return
	}

	profile, err := s.ensureProfile(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	project, err := s.catalog.CreateProject(r.Context(), profile.ID, req.Name, req.Description)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	caller := auth.FromContext(r.Context())
	if err := s.agent.Dispatch(r.Context(), caller, project); err != nil {
		if !errors.Is(err, agent.ErrNoEndpoint) {
			s.writeErr(w, r, err)
			return
		}
		s.logger.Warn("project left pending", "project_id", project.ID, "error", err)
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{"status": "Project created", "project": project})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	projects, err := s.catalog.ListProjects(r.Context(), caller.Subject)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

// ownedProject loads the project in the route and hides projects of other
// users behind a not found.
func (s *Server) ownedProject(r *http.Request) (*models.Project, error) {
	caller := auth.FromContext(r.Context())
	p, err := s.catalog.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if p.UserID != caller.Subject {
		return nil, catalog.ErrNotFound
	}
	return p, nil
}

type projectResponse struct {
	*models.Project
	Job *models.GenerationJob `json:"job,omitempty"`
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedProject(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := projectResponse{Project: p}
	if job, ok := s.agent.Status(p.ID); ok {
		resp.Job = &job
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type archiveRequest struct {
	Files []models.ArchiveFile `json:"files"`
}

func (s *Server) buildArchive(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedProject(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req archiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.archives.Build(r.Context(), auth.FromContext(r.Context()), p.ID, req.Files)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.catalog.RecordArchive(r.Context(), p.ID, res.Container, res.URL); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"container": res.Container, "url": res.URL})
}

func (s *Server) downloadURL(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedProject(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": s.archives.DownloadURL(p.ID)})
}

type provisionRequest struct {
	ProjectID string `json:"project_id"`
}

type provisionRow struct {
	BucketName string `json:"bucket_name"`
}

func (s *Server) rpcProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name, err := s.provisioner.Provision(r.Context(), auth.FromContext(r.Context()), req.ProjectID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, []provisionRow{{BucketName: name}})
}

// authorize checks the container's catalog policies for action.
func (s *Server) authorize(r *http.Request, container string, action models.PolicyAction) (bool, error) {
	policies, err := s.catalog.ContainerPolicies(r.Context(), container)
	if err != nil {
		return false, err
	}
	if len(policies) == 0 {
		return false, storage.ErrContainerNotFound
	}
	authenticated := auth.FromContext(r.Context()).Authenticated()
	for _, p := range policies {
		if p.Allows(container, action, authenticated) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	container, key := vars["container"], vars["object"]

	ok, err := s.authorize(r, container, models.ActionRead)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	reader, obj, err := s.backend.GetObject(r.Context(), container, key)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("ETag", obj.Checksum)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Debug("object download interrupted", "container", container, "object", key, "error", err)
	}
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	container, key := vars["container"], vars["object"]

	ok, err := s.authorize(r, container, models.ActionWrite)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert, _ := strconv.ParseBool(r.Header.Get("X-Upsert"))

	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	obj, err := s.backend.PutObject(r.Context(), container, key, body, storage.PutOptions{
		ContentType: contentType,
		Upsert:      upsert,
	})
	s.metrics.ObserveUpload(sizeOf(obj), err)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obj)
}

func sizeOf(obj *models.StoredObject) int64 {
	if obj == nil {
		return 0
	}
	return obj.Size
}
