package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// GetSession implements Store. The session row and its step rows are read in
// one query each; steps come back in pipeline order.
func (r *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, patient_id, patient_name, screening_type, current_step, overall_status,
		       created_by, created_at, updated_at,
		       active_users, all_participants,
		       requires_final_approval, final_approved_by, final_approved_at,
		       is_locked, lock_reason,
		       quality_checked, quality_checked_by, quality_checked_at, quality_score, quality_notes,
		       total_duration_minutes, metadata
		FROM screening_sessions
		WHERE id = $1
	`

	sess, err := r.scanSession(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}

	stepQuery := `
		SELECT step, status,
		       assigned_user_id, assigned_user_name, assigned_role,
		       started_at, completed_at, completed_by, completed_by_name,
		       approved_by, approved_by_name, approved_at,
		       data, validation_errors,
		       requires_approval, is_locked, lock_reason,
		       estimated_duration_minutes, actual_duration_minutes
		FROM session_steps
		WHERE session_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, stepQuery, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load session steps")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := r.scanStep(rows)
		if err != nil {
			return nil, err
		}
		sess.Steps = append(sess.Steps, rec)
	}
	return sess, nil
}

func (r *Postgres) insertSession(ctx context.Context, tx pgx.Tx, s *Session) error {
	activeUsers, allParticipants, metadata, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO screening_sessions
		    (id, patient_id, patient_name, screening_type, current_step, overall_status,
		     created_by, created_at, updated_at,
		     active_users, all_participants,
		     requires_final_approval, final_approved_by, final_approved_at,
		     is_locked, lock_reason,
		     quality_checked, quality_checked_by, quality_checked_at, quality_score, quality_notes,
		     total_duration_minutes, metadata)
		VALUES ($1, $2, $3, $4::screening_type, $5::screening_step, $6::workflow_status,
		        $7, $8, $9,
		        $10, $11,
		        $12, $13, $14,
		        $15, $16,
		        $17, $18, $19, $20, $21,
		        $22, $23)
	`

	_, err = tx.Exec(ctx, query,
		s.ID, s.PatientID, s.PatientName, s.ScreeningType, s.CurrentStep, s.OverallStatus,
		s.CreatedBy, s.CreatedAt, s.UpdatedAt,
		activeUsers, allParticipants,
		s.RequiresFinalApproval, s.FinalApprovedBy, s.FinalApprovedAt,
		s.IsLocked, s.LockReason,
		s.QualityChecked, s.QualityCheckedBy, s.QualityCheckedAt, s.QualityScore, s.QualityNotes,
		s.TotalDurationMinutes, metadata,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert session")
	}
	return nil
}

func (r *Postgres) updateSession(ctx context.Context, tx pgx.Tx, s *Session) error {
	activeUsers, allParticipants, metadata, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE screening_sessions
		SET current_step            = $2::screening_step,
		    overall_status          = $3::workflow_status,
		    updated_at              = $4,
		    active_users            = $5,
		    all_participants        = $6,
		    requires_final_approval = $7,
		    final_approved_by       = $8,
		    final_approved_at       = $9,
		    is_locked               = $10,
		    lock_reason             = $11,
		    quality_checked         = $12,
		    quality_checked_by      = $13,
		    quality_checked_at      = $14,
		    quality_score           = $15,
		    quality_notes           = $16,
		    total_duration_minutes  = $17,
		    metadata                = $18
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = tx.QueryRow(ctx, query,
		s.ID, s.CurrentStep, s.OverallStatus, s.UpdatedAt,
		activeUsers, allParticipants,
		s.RequiresFinalApproval, s.FinalApprovedBy, s.FinalApprovedAt,
		s.IsLocked, s.LockReason,
		s.QualityChecked, s.QualityCheckedBy, s.QualityCheckedAt, s.QualityScore, s.QualityNotes,
		s.TotalDurationMinutes, metadata,
	).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNotFound("session", s.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update session")
	}
	return nil
}

func (r *Postgres) upsertSteps(ctx context.Context, tx pgx.Tx, s *Session) error {
	query := `
		INSERT INTO session_steps
		    (session_id, step, step_order, status,
		     assigned_user_id, assigned_user_name, assigned_role,
		     started_at, completed_at, completed_by, completed_by_name,
		     approved_by, approved_by_name, approved_at,
		     data, validation_errors,
		     requires_approval, is_locked, lock_reason,
		     estimated_duration_minutes, actual_duration_minutes)
		VALUES ($1, $2::screening_step, $3, $4::workflow_status,
		        $5, $6, $7::staff_role,
		        $8, $9, $10, $11,
		        $12, $13, $14,
		        $15, $16,
		        $17, $18, $19,
		        $20, $21)
		ON CONFLICT (session_id, step) DO UPDATE
		SET status                  = EXCLUDED.status,
		    assigned_user_id        = EXCLUDED.assigned_user_id,
		    assigned_user_name      = EXCLUDED.assigned_user_name,
		    assigned_role           = EXCLUDED.assigned_role,
		    started_at              = EXCLUDED.started_at,
		    completed_at            = EXCLUDED.completed_at,
		    completed_by            = EXCLUDED.completed_by,
		    completed_by_name       = EXCLUDED.completed_by_name,
		    approved_by             = EXCLUDED.approved_by,
		    approved_by_name        = EXCLUDED.approved_by_name,
		    approved_at             = EXCLUDED.approved_at,
		    data                    = EXCLUDED.data,
		    validation_errors       = EXCLUDED.validation_errors,
		    requires_approval       = EXCLUDED.requires_approval,
		    is_locked               = EXCLUDED.is_locked,
		    lock_reason             = EXCLUDED.lock_reason,
		    actual_duration_minutes = EXCLUDED.actual_duration_minutes
	`

	for _, rec := range s.Steps {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal step data")
		}
		_, err = tx.Exec(ctx, query,
			s.ID, rec.Step, rec.Step.Index(), rec.Status,
			rec.AssignedUserID, rec.AssignedUserName, rec.AssignedRole,
			rec.StartedAt, rec.CompletedAt, rec.CompletedBy, rec.CompletedByName,
			rec.ApprovedBy, rec.ApprovedByName, rec.ApprovedAt,
			data, rec.ValidationErrors,
			rec.RequiresApproval, rec.IsLocked, rec.LockReason,
			rec.EstimatedDurationMinutes, rec.ActualDurationMinutes,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to upsert session step")
		}
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type sessionScanner interface {
	Scan(dest ...any) error
}

func (r *Postgres) scanSession(row sessionScanner) (*Session, error) {
	s := &Session{}
	var activeUsersJSON, metadataJSON []byte

	err := row.Scan(
		&s.ID, &s.PatientID, &s.PatientName, &s.ScreeningType, &s.CurrentStep, &s.OverallStatus,
		&s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
		&activeUsersJSON, &s.AllParticipants,
		&s.RequiresFinalApproval, &s.FinalApprovedBy, &s.FinalApprovedAt,
		&s.IsLocked, &s.LockReason,
		&s.QualityChecked, &s.QualityCheckedBy, &s.QualityCheckedAt, &s.QualityScore, &s.QualityNotes,
		&s.TotalDurationMinutes, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if activeUsersJSON != nil {
		if err := json.Unmarshal(activeUsersJSON, &s.ActiveUsers); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal active users")
		}
	}
	if s.ActiveUsers == nil {
		s.ActiveUsers = make(map[string]time.Time)
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal session metadata")
		}
	}
	return s, nil
}

func (r *Postgres) scanStep(row sessionScanner) (*StepRecord, error) {
	rec := &StepRecord{}
	var dataJSON []byte

	err := row.Scan(
		&rec.Step, &rec.Status,
		&rec.AssignedUserID, &rec.AssignedUserName, &rec.AssignedRole,
		&rec.StartedAt, &rec.CompletedAt, &rec.CompletedBy, &rec.CompletedByName,
		&rec.ApprovedBy, &rec.ApprovedByName, &rec.ApprovedAt,
		&dataJSON, &rec.ValidationErrors,
		&rec.RequiresApproval, &rec.IsLocked, &rec.LockReason,
		&rec.EstimatedDurationMinutes, &rec.ActualDurationMinutes,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan session step")
	}

	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &rec.Data); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal step data")
		}
	}
	return rec, nil
}

func marshalSessionJSON(s *Session) (activeUsers []byte, allParticipants []string, metadata []byte, err error) {
	activeUsers, err = json.Marshal(s.ActiveUsers)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal active users")
	}
	metadata, err = json.Marshal(s.Metadata)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal session metadata")
	}
	return activeUsers, s.AllParticipants, metadata, nil
}
