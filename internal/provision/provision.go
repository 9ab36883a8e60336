// Package provision creates per-project storage containers and installs their
// access policies.
//
// The Provisioner runs with the service role: it alone holds the credential
// that opens catalog service transactions, and it is reached from request
// handling only through Service, which requires an authenticated caller.
package provision

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/fishy/rowlock"

	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/catalog"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/internal/storage"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

var (
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrUnauthenticated  = errors.New("authenticated session required")
)

// ProvisioningError reports a failed provisioning call. No container is
// presented as usable when it is returned.
type ProvisioningError struct {
	ProjectID string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision project %q: %v", e.ProjectID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

var projectIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidateProjectID(id string) error {
	if !projectIDRE.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

// ServiceRole is the elevated credential used for catalog service
// transactions. Its value is never exposed.
type ServiceRole struct {
	key string
}

func NewServiceRole(key string) (ServiceRole, error) {
	if key == "" {
		return ServiceRole{}, errors.New("service role key is empty")
	}
	return ServiceRole{key: key}, nil
}

func (ServiceRole) String() string { return "ServiceRole(redacted)" }

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRandom replaces the source of the container name's random component.
func WithRandom(r io.Reader) Option {
	return func(p *Provisioner) { p.random = r }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// Provisioner derives container names and installs containers and policies.
type Provisioner struct {
	catalog *catalog.Catalog
	backend storage.Backend
	role    ServiceRole
	logger  *slog.Logger
	metrics *metrics.Collector

	randomMu sync.Mutex
	random   io.Reader
	// locks serializes provisioning per project id.
	locks *rowlock.RowLock
}

func NewProvisioner(c *catalog.Catalog, backend storage.Backend, role ServiceRole, logger *slog.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		catalog: c,
		backend: backend,
		role:    role,
		logger:  logger,
		random:  rand.Reader,
		locks:   rowlock.NewRowLock(rowlock.MutexNewLocker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ContainerName returns "project-<id>-" followed by the hex sha256 of 32
// random bytes.
func (p *Provisioner) ContainerName(projectID string) (string, error) {
	buf := make([]byte, 32)
	p.randomMu.Lock()
	_, err := io.ReadFull(p.random, buf)
	p.randomMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("read random value: %w", err)
	}
	sum := sha256.Sum256(buf)
	return "project-" + projectID + "-" + hex.EncodeToString(sum[:]), nil
}

// Provision creates a public container for projectID, replaces its download
// and upload policies and returns the container name. Catalog writes run in
// one transaction that is rolled back if any step, backend calls included,
// fails.
func (p *Provisioner) Provision(ctx context.Context, projectID string) (name string, err error) {
	start := time.Now()
	defer func() {
		p.metrics.ObserveProvision(start, err)
		if err != nil {
			p.logger.Error("provisioning failed", "project_id", projectID, "error", err)
		}
	}()

	if err := ValidateProjectID(projectID); err != nil {
		return "", &ProvisioningError{ProjectID: projectID, Err: err}
	}
	name, err = p.ContainerName(projectID)
	if err != nil {
		return "", &ProvisioningError{ProjectID: projectID, Err: err}
	}

	p.locks.Lock(projectID)
	defer p.locks.Unlock(projectID)

	policies := models.ContainerPolicies(name)
	var created bool
	err = p.catalog.WithServiceTx(ctx, p.role.key, func(tx *catalog.ServiceTx) error {
		var err error
		created, err = tx.InsertContainer(ctx, name, true)
		if err != nil {
			return err
		}
		if err := tx.DeletePolicies(ctx, name, models.DownloadPolicy, models.UploadPolicy); err != nil {
			return err
		}
		for _, policy := range policies {
			if err := tx.InsertPolicy(ctx, policy); err != nil {
				return err
			}
		}
		if _, err := p.backend.EnsureContainer(ctx, name, true); err != nil {
			return err
		}
		return p.backend.ApplyPolicies(ctx, name, policies)
	})
	if err != nil {
		return "", &ProvisioningError{ProjectID: projectID, Err: err}
	}

	p.logger.Info("container provisioned", "project_id", projectID, "container", name, "created", created)
	return name, nil
}

// Service is the boundary request handlers use to reach the Provisioner.
type Service struct {
	provisioner *Provisioner
}

func NewService(p *Provisioner) *Service {
	return &Service{provisioner: p}
}

// Provision provisions a container on behalf of caller.
func (s *Service) Provision(ctx context.Context, caller auth.Principal, projectID string) (string, error) {
	if !caller.Authenticated() {
		return "", &ProvisioningError{ProjectID: projectID, Err: ErrUnauthenticated}
	}
	return s.provisioner.Provision(ctx, projectID)
}
