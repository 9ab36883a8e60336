package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

// EnsureProfile returns the profile for id, creating it together with its
// credit balance the first time the user is seen.
func (c *Catalog) EnsureProfile(ctx context.Context, id, email string, initialCredits int64) (*models.Profile, error) {
	now := time.Now().UTC()
	err := c.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.exec(ctx,
			`INSERT INTO profiles (id, email, display_name, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			id, email, displayName(email), now); err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		if _, err := tx.exec(ctx,
			`INSERT INTO credits (user_id, credit_amount, updated_at) VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`,
			id, initialCredits, now); err != nil {
			return fmt.Errorf("insert credits: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.GetProfile(ctx, id)
}

func displayName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

func (c *Catalog) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	row := c.db.QueryRowContext(ctx,
		c.rebind(`SELECT id, email, display_name, created_at FROM profiles WHERE id = ?`), id)

	var p models.Profile
	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// Credits returns the user's current credit balance.
func (c *Catalog) Credits(ctx context.Context, userID string) (*models.Credit, error) {
	row := c.db.QueryRowContext(ctx,
		c.rebind(`SELECT user_id, credit_amount, updated_at FROM credits WHERE user_id = ?`), userID)

	var cr models.Credit
	err := row.Scan(&cr.UserID, &cr.Amount, &cr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credits for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credits: %w", err)
	}
	return &cr, nil
}
