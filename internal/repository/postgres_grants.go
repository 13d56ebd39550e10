package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// ActiveGrant implements Store.
func (r *Postgres) ActiveGrant(ctx context.Context, sessionID, userID string) (*AccessGrant, error) {
	query := `
		SELECT id, session_id, user_id, role,
		       allowed_steps, permissions,
		       granted_by, granted_at, expires_at, is_active
		FROM user_access_grants
		WHERE session_id = $1
		  AND user_id = $2
		  AND is_active = TRUE
		ORDER BY granted_at DESC
		LIMIT 1
	`

	g := &AccessGrant{}
	var steps []string
	var perms []string
	err := r.db.QueryRow(ctx, query, sessionID, userID).Scan(
		&g.ID, &g.SessionID, &g.UserID, &g.Role,
		&steps, &perms,
		&g.GrantedBy, &g.GrantedAt, &g.ExpiresAt, &g.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load access grant")
	}

	for _, s := range steps {
		g.AllowedSteps = append(g.AllowedSteps, Step(s))
	}
	for _, p := range perms {
		g.Permissions = append(g.Permissions, Action(p))
	}
	return g, nil
}

func (r *Postgres) insertGrant(ctx context.Context, tx pgx.Tx, g *AccessGrant) error {
	steps := make([]string, len(g.AllowedSteps))
	for i, s := range g.AllowedSteps {
		steps[i] = string(s)
	}
	perms := make([]string, len(g.Permissions))
	for i, p := range g.Permissions {
		perms[i] = string(p)
	}

	query := `
		INSERT INTO user_access_grants
		    (id, session_id, user_id, role,
		     allowed_steps, permissions,
		     granted_by, granted_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4::staff_role,
		        $5, $6,
		        $7, $8, $9, $10)
	`

	_, err := tx.Exec(ctx, query,
		g.ID, g.SessionID, g.UserID, g.Role,
		steps, perms,
		g.GrantedBy, g.GrantedAt, g.ExpiresAt, g.IsActive,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert access grant")
	}
	return nil
}

func (r *Postgres) revokeGrantRow(ctx context.Context, tx pgx.Tx, g *AccessGrant) error {
	query := `
		UPDATE user_access_grants
		SET is_active = FALSE
		WHERE id = $1
		  AND is_active = TRUE
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query, g.ID).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNotFound("user_access_grant", g.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to revoke access grant")
	}
	return nil
}
