package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fishy/errbatch"

	"github.com/9ifrashaikh/project-builder/internal/agent"
	"github.com/9ifrashaikh/project-builder/internal/api"
	"github.com/9ifrashaikh/project-builder/internal/archive"
	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/catalog"
	"github.com/9ifrashaikh/project-builder/internal/config"
	"github.com/9ifrashaikh/project-builder/internal/logging"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/internal/provision"
	"github.com/9ifrashaikh/project-builder/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.String("port", "", "Server port (overrides config)")
		issueToken = flag.String("issue-token", "", "Print a session token for this subject and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(auth.Principal{Subject: *issueToken}, 24*time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, logCloser, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return err
	}
	closers := []io.Closer{logCloser}
	defer func() {
		if err := closeAll(closers); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	closers = append(closers, cat)
	if err := cat.Migrate(ctx); err != nil {
		return err
	}
	cat.SetServiceKey(cfg.Auth.ServiceRoleKey)

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := backend.(io.Closer); ok {
		closers = append(closers, c)
	}

	m := metrics.New()
	role, err := provision.NewServiceRole(cfg.Auth.ServiceRoleKey)
	if err != nil {
		return err
	}
	provisioner := provision.NewService(provision.NewProvisioner(cat, backend, role, logger, provision.WithMetrics(m)))
	builder := archive.NewBuilder(provisioner, backend, logger, m)
	agentClient := agent.NewClient(cfg.Agent.URL, cfg.Agent.Timeout, cat, builder, logger, m)
	if cfg.Agent.URL == "" {
		logger.Warn("no generation agent configured; new projects stay pending")
	}

	apiServer := api.NewServer(api.Deps{
		Catalog:     cat,
		Backend:     backend,
		Provisioner: provisioner,
		Archives:    builder,
		Agent:       agentClient,
		Verifier:    auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Metrics:     m,
		Logger:      logger,
	}, api.Options{
		InitialCredits:   cfg.Credits.Initial,
		CreatesPerMinute: cfg.Credits.CreatesPerMinute,
	})
	closers = append(closers, apiServer)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "storage", cfg.Storage.Backend, "database", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	batch := &errbatch.ErrBatch{}
	batch.Add(server.Shutdown(shutdownCtx))
	if err := agentClient.Wait(shutdownCtx); err != nil {
		batch.Add(fmt.Errorf("generation jobs still running: %w", err))
	}
	return batch.Compile()
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "s3":
		return storage.NewS3Backend(ctx, storage.S3Config{
			Bucket:        sc.S3Bucket,
			Region:        sc.S3Region,
			Endpoint:      sc.S3Endpoint,
			WriterARN:     sc.S3WriterARN,
			PublicBaseURL: sc.PublicBaseURL,
		}, logger)
	case "gcs":
		return storage.NewGCSBackend(ctx, storage.GCSConfig{
			Bucket:          sc.GCSBucket,
			Project:         sc.GCSProject,
			CredentialsFile: sc.GCSCredFile,
			PublicBaseURL:   sc.PublicBaseURL,
		}, logger)
	default:
		base := sc.PublicBaseURL
		if base == "" {
			base = "http://localhost:" + cfg.Port + "/storage"
		}
		return storage.NewFileStore(sc.Path, base, logger)
	}
}

// closeAll closes in reverse order of acquisition and reports every failure.
func closeAll(closers []io.Closer) error {
	batch := &errbatch.ErrBatch{}
	for i := len(closers) - 1; i >= 0; i-- {
		batch.Add(closers[i].Close())
	}
	return batch.Compile()
}
