package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

const approvalColumns = `
	id, session_id, step,
	requested_by, requested_by_name, requested_at,
	approval_type, reason, data,
	status, approved_by, approved_by_name, approved_at, rejection_reason,
	priority, expires_at
`

// GetApproval implements Store.
func (r *Postgres) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanApproval(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound("approval_request", id)
	}
	return req, err
}

// PendingApproval implements Store. A partial unique index on
// (session_id, step) WHERE status = 'pending' guarantees at most one row.
func (r *Postgres) PendingApproval(ctx context.Context, sessionID string, step Step) (*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE session_id = $1
		  AND step = $2::screening_step
		  AND status = 'pending'::approval_status
	`

	req, err := r.scanApproval(r.db.QueryRow(ctx, query, sessionID, step))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

func (r *Postgres) insertApproval(ctx context.Context, tx pgx.Tx, req *ApprovalRequest) error {
	dataJSON, err := json.Marshal(req.Data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal approval data snapshot")
	}

	query := `
		INSERT INTO approval_requests
		    (id, session_id, step,
		     requested_by, requested_by_name, requested_at,
		     approval_type, reason, data,
		     status, priority, expires_at)
		VALUES ($1, $2, $3::screening_step,
		        $4, $5, $6,
		        $7, $8, $9,
		        $10::approval_status, $11::approval_priority, $12)
	`

	_, err = tx.Exec(ctx, query,
		req.ID, req.SessionID, req.Step,
		req.RequestedBy, req.RequestedByName, req.RequestedAt,
		req.ApprovalType, req.Reason, dataJSON,
		req.Status, req.Priority, req.ExpiresAt,
	)
	if err != nil {
		// The partial unique index rejects a second pending request.
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "failed to insert approval request")
	}
	return nil
}

// resolveApprovalRow writes the outcome onto a still-pending row. The status
// guard in the WHERE clause makes resolved rows immutable.
func (r *Postgres) resolveApprovalRow(ctx context.Context, tx pgx.Tx, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status           = $2::approval_status,
		    approved_by      = $3,
		    approved_by_name = $4,
		    approved_at      = $5,
		    rejection_reason = $6
		WHERE id = $1
		  AND status = 'pending'::approval_status
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query,
		req.ID, req.Status,
		req.ApprovedBy, req.ApprovedByName, req.ApprovedAt, req.RejectionReason,
	).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errConflict("approval request %s is already resolved", req.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve approval request")
	}
	return nil
}

type approvalScanner interface {
	Scan(dest ...any) error
}

func (r *Postgres) scanApproval(row approvalScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var dataJSON []byte

	err := row.Scan(
		&req.ID, &req.SessionID, &req.Step,
		&req.RequestedBy, &req.RequestedByName, &req.RequestedAt,
		&req.ApprovalType, &req.Reason, &dataJSON,
		&req.Status, &req.ApprovedBy, &req.ApprovedByName, &req.ApprovedAt, &req.RejectionReason,
		&req.Priority, &req.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &req.Data); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal approval data snapshot")
		}
	}
	return req, nil
}
