package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9ifrashaikh/project-builder/internal/auth"
	"github.com/9ifrashaikh/project-builder/internal/catalog"
	"github.com/9ifrashaikh/project-builder/internal/metrics"
	"github.com/9ifrashaikh/project-builder/internal/storage"
	"github.com/9ifrashaikh/project-builder/pkg/models"
)

const serviceKey = "svc-key"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	catalog *catalog.Catalog
	store   *storage.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := catalog.Open("sqlite", filepath.Join(t.TempDir(), "catalog.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Migrate(context.Background()))
	c.SetServiceKey(serviceKey)

	fs, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/storage", discardLogger())
	require.NoError(t, err)
	return &fixture{catalog: c, store: fs}
}

func (f *fixture) provisioner(t *testing.T, backend storage.Backend, opts ...Option) *Provisioner {
	t.Helper()
	role, err := NewServiceRole(serviceKey)
	require.NoError(t, err)
	if backend == nil {
		backend = f.store
	}
	return NewProvisioner(f.catalog, backend, role, discardLogger(), opts...)
}

// zeroReader makes every derived container name identical.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

var namePattern = regexp.MustCompile(`^project-42-[0-9a-f]{64}$`)

func TestProvisionNamesAreFreshEachCall(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner(t, nil)
	ctx := context.Background()

	first, err := p.Provision(ctx, "42")
	require.NoError(t, err)
	second, err := p.Provision(ctx, "42")
	require.NoError(t, err)

	assert.Regexp(t, namePattern, first)
	assert.Regexp(t, namePattern, second)
	assert.NotEqual(t, first, second)
}

func assertPolicies(t *testing.T, f *fixture, container string) {
	t.Helper()
	ctx := context.Background()

	for source, get := range map[string]func(context.Context, string) ([]models.AccessPolicy, error){
		"catalog": f.catalog.ContainerPolicies,
		"backend": f.store.Policies,
	} {
		policies, err := get(ctx, container)
		require.NoError(t, err, source)
		require.Len(t, policies, 2, source)

		var reads, writes int
		for _, p := range policies {
			assert.Equal(t, container, p.Container, source)
			switch p.Action {
			case models.ActionRead:
				reads++
				assert.Equal(t, models.PrincipalPublic, p.Principal, source)
				assert.True(t, p.Allows(container, models.ActionRead, false), source)
			case models.ActionWrite:
				writes++
				assert.Equal(t, models.PrincipalAuthenticated, p.Principal, source)
				assert.False(t, p.Allows(container, models.ActionWrite, false), source)
				assert.True(t, p.Allows(container, models.ActionWrite, true), source)
			}
		}
		assert.Equal(t, 1, reads, source)
		assert.Equal(t, 1, writes, source)
	}
}

func TestProvisionInstallsPolicies(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner(t, nil)

	name, err := p.Provision(context.Background(), "42")
	require.NoError(t, err)

	ct, err := f.catalog.Container(context.Background(), name)
	require.NoError(t, err)
	assert.True(t, ct.Public)
	assertPolicies(t, f, name)
}

func TestProvisionCollisionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner(t, nil, WithRandom(zeroReader{}))
	ctx := context.Background()

	first, err := p.Provision(ctx, "42")
	require.NoError(t, err)
	second, err := p.Provision(ctx, "42")
	require.NoError(t, err, "insert-if-absent must tolerate an existing container")
	assert.Equal(t, first, second)

	assertPolicies(t, f, first)
	assert.Len(t, f.store.Containers(), 1)
}

// failingBackend fails ApplyPolicies after the container was created.
type failingBackend struct {
	storage.Backend
}

func (failingBackend) ApplyPolicies(context.Context, string, []models.AccessPolicy) error {
	return errors.New("policy service unavailable")
}

func TestProvisionFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	p := f.provisioner(t, failingBackend{f.store}, WithRandom(zeroReader{}), WithMetrics(m))
	ctx := context.Background()

	name, err := p.Provision(ctx, "42")
	assert.Empty(t, name)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "42", perr.ProjectID)
	assert.ErrorContains(t, err, "policy service unavailable")

	expected, err := p.ContainerName("42")
	require.NoError(t, err)
	_, err = f.catalog.Container(ctx, expected)
	assert.ErrorIs(t, err, catalog.ErrNotFound, "catalog rows must be rolled back")
	policies, err := f.catalog.ContainerPolicies(ctx, expected)
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestProvisionRejectsBadProjectID(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner(t, nil)

	for _, id := range []string{"", "../x", "a b", "x'; DROP TABLE storage_policies; --"} {
		_, err := p.Provision(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidProjectID, id)
	}
	assert.Empty(t, f.store.Containers())
}

func TestProvisionWrongServiceRole(t *testing.T) {
	f := newFixture(t)
	role, err := NewServiceRole("not-the-key")
	require.NoError(t, err)
	p := NewProvisioner(f.catalog, f.store, role, discardLogger())

	_, err = p.Provision(context.Background(), "42")
	assert.ErrorIs(t, err, catalog.ErrForbidden)
}

func TestConcurrentProvisioningCreatesDistinctContainers(t *testing.T) {
	// Nothing coordinates two callers provisioning the same project: each
	// gets its own container.
	f := newFixture(t)
	p := f.provisioner(t, nil)

	var wg sync.WaitGroup
	names := make([]string, 2)
	errs := make([]error, 2)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names[i], errs[i] = p.Provision(context.Background(), "42")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, names[0], names[1])
	assert.Len(t, f.store.Containers(), 2)
}

func TestServiceRequiresAuthenticatedCaller(t *testing.T) {
	f := newFixture(t)
	s := NewService(f.provisioner(t, nil))

	_, err := s.Provision(context.Background(), auth.Principal{}, "42")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, f.store.Containers())

	name, err := s.Provision(context.Background(), auth.Principal{Subject: "user-1"}, "42")
	require.NoError(t, err)
	assert.Regexp(t, namePattern, name)
}

func TestServiceRole(t *testing.T) {
	_, err := NewServiceRole("")
	assert.Error(t, err)

	role, err := NewServiceRole("super-secret")
	require.NoError(t, err)
	assert.NotContains(t, role.String(), "super-secret")
}
