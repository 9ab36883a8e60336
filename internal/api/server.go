// Package api exposes projects, credits, provisioning and container storage
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/9ifrashaikh/project-builder/internal/agent"
	"github.com/9ifrashaikh/project-builder/internal/archive"
	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/catalog"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/internal/provision"
	"github.com/9ifrashaikh/project-builder/internal/storage"
)

const defaultMaxUpload = 64 << 20

// Options tunes request handling.
type Options struct {
	InitialCredits   int64
	CreatesPerMinute int
	// MaxUploadBytes caps PUT /storage bodies and archive requests.
	MaxUploadBytes int64
}

// Deps are the components the server routes to.
type Deps struct {
	Catalog     *catalog.Catalog
	Backend     storage.Backend
	Provisioner *provision.Service
	Archives    *archive.Builder
	Agent       *agent.Client
	Verifier    *auth.Verifier
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

type Server struct {
	catalog     *catalog.Catalog
	backend     storage.Backend
	provisioner *provision.Service
	archives    *archive.Builder
	agent       *agent.Client
	verifier    *auth.Verifier
	metrics     *metrics.Collector
	logger      *slog.Logger
	opts        Options

	router  *mux.Router
	handler http.Handler
	creates *limiterStore
}

func NewServer(d Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	s := &Server{
		catalog:     d.Catalog,
		backend:     d.Backend,
		provisioner: d.Provisioner,
		archives:    d.Archives,
		agent:       d.Agent,
		verifier:    d.Verifier,
		metrics:     d.Metrics,
		logger:      d.Logger,
		opts:        opts,
		router:      mux.NewRouter(),
		creates:     newLimiterStore(opts.CreatesPerMinute),
	}
	s.setupRoutes()
	s.handler = otelhttp.NewHandler(s.router, "project-builder")
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/profile", s.requireAuth(s.getProfile)).Methods("GET")
	s.router.HandleFunc("/check-credits", s.requireAuth(s.checkCredits)).Methods("GET")
	s.router.HandleFunc("/create-project", s.requireAuth(s.rateLimit(s.creates, s.createProject))).Methods("POST")

	s.router.HandleFunc("/projects", s.requireAuth(s.listProjects)).Methods("GET")
	s.router.HandleFunc("/projects/{id}", s.requireAuth(s.getProject)).Methods("GET")
	s.router.HandleFunc("/projects/{id}/archive", s.requireAuth(s.buildArchive)).Methods("POST")
	s.router.HandleFunc("/projects/{id}/download-url", s.requireAuth(s.downloadURL)).Methods("GET")

	s.router.HandleFunc("/rpc/provision", s.requireAuth(s.rpcProvision)).Methods("POST")

	s.router.HandleFunc("/storage/{container}/{object:.+}", s.optionalAuth(s.getObject)).Methods("GET")
	s.router.HandleFunc("/storage/{container}/{object:.+}", s.optionalAuth(s.putObject)).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() error {
	s.creates.stop()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "status", status, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a component error onto an HTTP status.
func statusFor(err error) int {
	var (
		perr *provision.ProvisioningError
		uerr *archive.UploadError
	)
	switch {
	case errors.Is(err, provision.ErrInvalidProjectID), errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, provision.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, catalog.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.As(err, &perr), errors.As(err, &uerr):
		return http.StatusBadGateway
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, storage.ErrContainerNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrObjectExists):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrForbidden):
		return http.StatusForbidden
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// writeErr logs server-side failures and hides their detail from clients.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		msg = http.StatusText(status)
	}
	s.writeError(w, status, msg)
}
