package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// ActiveLocks implements Store. Rows past their expiry are still returned;
// the engine treats them as inert and deactivates them in its next commit.
func (r *Postgres) ActiveLocks(ctx context.Context, sessionID string) ([]*SessionLock, error) {
	query := `
		SELECT id, session_id, step,
		       locked_by, locked_by_name, locked_at,
		       lock_type, reason, expires_at, is_active,
		       released_by, released_at, release_reason
		FROM session_locks
		WHERE session_id = $1
		  AND is_active = TRUE
		ORDER BY locked_at ASC
	`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list session locks")
	}
	defer rows.Close()

	var locks []*SessionLock
	for rows.Next() {
		l, err := r.scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func (r *Postgres) insertLock(ctx context.Context, tx pgx.Tx, l *SessionLock) error {
	query := `
		INSERT INTO session_locks
		    (id, session_id, step,
		     locked_by, locked_by_name, locked_at,
		     lock_type, reason, expires_at, is_active)
		VALUES ($1, $2, $3::screening_step,
		        $4, $5, $6,
		        $7::lock_type, $8, $9, $10)
	`

	_, err := tx.Exec(ctx, query,
		l.ID, l.SessionID, l.Step,
		l.LockedBy, l.LockedByName, l.LockedAt,
		l.LockType, l.Reason, l.ExpiresAt, l.IsActive,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert session lock")
	}
	return nil
}

// releaseLockRow deactivates an active lock. The is_active guard means an
// inactive lock can never be touched again.
func (r *Postgres) releaseLockRow(ctx context.Context, tx pgx.Tx, l *SessionLock) error {
	query := `
		UPDATE session_locks
		SET is_active      = FALSE,
		    released_by    = $2,
		    released_at    = $3,
		    release_reason = $4
		WHERE id = $1
		  AND is_active = TRUE
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query, l.ID, l.ReleasedBy, l.ReleasedAt, l.ReleaseReason).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errConflict("lock %s is already inactive", l.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to release session lock")
	}
	return nil
}

type lockScanner interface {
	Scan(dest ...any) error
}

func (r *Postgres) scanLock(row lockScanner) (*SessionLock, error) {
	l := &SessionLock{}
	err := row.Scan(
		&l.ID, &l.SessionID, &l.Step,
		&l.LockedBy, &l.LockedByName, &l.LockedAt,
		&l.LockType, &l.Reason, &l.ExpiresAt, &l.IsActive,
		&l.ReleasedBy, &l.ReleasedAt, &l.ReleaseReason,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan session lock")
	}
	return l, nil
}
