package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

const projectColumns = `id, user_id, name, description, status, container, archive_url, created_at, updated_at`

// CreateProject spends one of the user's credits and records a pending
// project in the same transaction. With no credit left nothing is written
// and ErrInsufficientCredits is returned.
func (c *Catalog) CreateProject(ctx context.Context, userID, name, description string) (*models.Project, error) {
	now := time.Now().UTC()
	p := &models.Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Status:      models.ProjectPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := c.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.exec(ctx,
			`UPDATE credits SET credit_amount = credit_amount - 1, updated_at = ? WHERE user_id = ? AND credit_amount > 0`,
			now, userID)
		if err != nil {
			return fmt.Errorf("spend credit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("spend credit: %w", err)
		}
		if n == 0 {
			return ErrInsufficientCredits
		}

		_, err = tx.exec(ctx,
			`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.UserID, p.Name, p.Description, string(p.Status), p.Container, p.ArchiveURL, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("project created", "project_id", p.ID, "user_id", userID)
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*models.Project, error) {
	var (
		p      models.Project
		status string
	)
	if err := s.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &status,
		&p.Container, &p.ArchiveURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.ProjectStatus(status)
	return &p, nil
}

func (c *Catalog) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := c.db.QueryRowContext(ctx,
		c.rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the user's projects, newest first.
func (c *Catalog) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	rows, err := c.db.QueryContext(ctx,
		c.rebind(`SELECT `+projectColumns+` FROM projects WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (c *Catalog) UpdateProjectStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	return c.updateProject(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		id, string(status), time.Now().UTC(), id)
}

// RecordArchive stores where a project's archive was uploaded and marks it ready.
func (c *Catalog) RecordArchive(ctx context.Context, id, container, archiveURL string) error {
	return c.updateProject(ctx,
		`UPDATE projects SET status = ?, container = ?, archive_url = ?, updated_at = ? WHERE id = ?`,
		id, string(models.ProjectReady), container, archiveURL, time.Now().UTC(), id)
}

func (c *Catalog) updateProject(ctx context.Context, query, id string, args ...any) error {
	res, err := c.db.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
