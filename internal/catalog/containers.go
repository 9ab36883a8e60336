package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

// InsertContainer records a container unless one with that name exists.
// created reports whether a row was inserted.
func (t *ServiceTx) InsertContainer(ctx context.Context, name string, public bool) (bool, error) {
	res, err := t.exec(ctx,
		`INSERT INTO storage_containers (name, public, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, public, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert container: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert container: %w", err)
	}
	return n == 1, nil
}

// DeletePolicies removes the named policies of container.
func (t *ServiceTx) DeletePolicies(ctx context.Context, container string, names ...string) error {
	for _, name := range names {
		if _, err := t.exec(ctx,
			`DELETE FROM storage_policies WHERE container = ? AND name = ?`,
			container, name); err != nil {
			return fmt.Errorf("drop policy %s: %w", name, err)
		}
	}
	return nil
}

func (t *ServiceTx) InsertPolicy(ctx context.Context, p models.AccessPolicy) error {
	if _, err := t.exec(ctx,
		`INSERT INTO storage_policies (container, name, action, principal) VALUES (?, ?, ?, ?)`,
		p.Container, p.Name, string(p.Action), string(p.Principal)); err != nil {
		return fmt.Errorf("create policy %s: %w", p.Name, err)
	}
	return nil
}

func (c *Catalog) Container(ctx context.Context, name string) (*models.Container, error) {
	row := c.db.QueryRowContext(ctx,
		c.rebind(`SELECT name, public, created_at FROM storage_containers WHERE name = ?`), name)

	var ct models.Container
	err := row.Scan(&ct.Name, &ct.Public, &ct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	return &ct, nil
}

// ContainerPolicies returns every policy recorded for container.
func (c *Catalog) ContainerPolicies(ctx context.Context, container string) ([]models.AccessPolicy, error) {
	rows, err := c.db.QueryContext(ctx,
		c.rebind(`SELECT container, name, action, principal FROM storage_policies WHERE container = ? ORDER BY name`), container)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []models.AccessPolicy
	for rows.Next() {
		var (
			p                 models.AccessPolicy
			action, principal string
		)
		if err := rows.Scan(&p.Container, &p.Name, &action, &principal); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.Action = models.PolicyAction(action)
		p.Principal = models.Principal(principal)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
