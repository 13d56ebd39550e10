package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/database"
)

// Postgres implements Store on top of a pgx connection pool.
//
// Tables: screening_sessions, session_steps, activity_logs,
// approval_requests, session_locks, user_access_grants. The activity_logs
// table carries a BIGSERIAL seq that totally orders entries, and a
// delete-prevention trigger so append is the only mutation.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Apply implements Store. Every row touched by the commit is written inside
// one transaction.
func (r *Postgres) Apply(ctx context.Context, c *Commit) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if c.Session != nil {
			if c.CreateSession {
				if err := r.insertSession(ctx, tx, c.Session); err != nil {
					return err
				}
			} else if err := r.updateSession(ctx, tx, c.Session); err != nil {
				return err
			}
			if err := r.upsertSteps(ctx, tx, c.Session); err != nil {
				return err
			}
		}

		for _, entry := range c.Logs {
			if err := r.appendLog(ctx, tx, entry); err != nil {
				return err
			}
		}

		if c.NewApproval != nil {
			if err := r.insertApproval(ctx, tx, c.NewApproval); err != nil {
				return err
			}
		}
		for _, req := range c.UpdatedApprovals {
			if err := r.resolveApprovalRow(ctx, tx, req); err != nil {
				return err
			}
		}

		if c.NewLock != nil {
			if err := r.insertLock(ctx, tx, c.NewLock); err != nil {
				return err
			}
		}
		for _, l := range c.ReleasedLocks {
			if err := r.releaseLockRow(ctx, tx, l); err != nil {
				return err
			}
		}

		if c.NewGrant != nil {
			if err := r.insertGrant(ctx, tx, c.NewGrant); err != nil {
				return err
			}
		}
		for _, g := range c.RevokedGrants {
			if err := r.revokeGrantRow(ctx, tx, g); err != nil {
				return err
			}
		}

		return nil
	})
}

// ExpireDue implements Store.
func (r *Postgres) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			SET status = 'expired'::approval_status
			WHERE status = 'pending'::approval_status
			  AND expires_at <= $1
		`, now)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to expire approval requests")
		}
		total += int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE session_locks
			SET is_active      = FALSE,
			    released_at    = $1,
			    release_reason = 'expired'
			WHERE is_active = TRUE
			  AND expires_at <= $1
		`, now)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to expire session locks")
		}
		total += int(tag.RowsAffected())
		return nil
	})
	return total, err
}

var _ Store = (*Postgres)(nil)
