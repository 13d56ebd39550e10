package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// ListActivity implements Store. The activity_logs table is append-only; the
// listing is ordered newest-first with the store-assigned seq breaking
// timestamp ties.
func (r *Postgres) ListActivity(ctx context.Context, sessionID string, f ActivityFilter) ([]*ActivityLogEntry, int, error) {
	query := `
		SELECT id, seq, session_id, patient_id, step, action,
		       user_id, user_name, user_role, timestamp,
		       previous_data, new_data, changes,
		       comment, source_ip, device_tag
		FROM activity_logs
		WHERE session_id = $1
	`
	countQuery := `SELECT COUNT(*) FROM activity_logs WHERE session_id = $1`

	args := []any{sessionID}
	argPos := 2

	if f.Step != nil {
		clause := fmt.Sprintf(" AND step = $%d::screening_step", argPos)
		query += clause
		countQuery += clause
		args = append(args, *f.Step)
		argPos++
	}
	if f.Action != nil {
		clause := fmt.Sprintf(" AND action = $%d::activity_action", argPos)
		query += clause
		countQuery += clause
		args = append(args, *f.Action)
		argPos++
	}
	if f.UserID != nil {
		clause := fmt.Sprintf(" AND user_id = $%d", argPos)
		query += clause
		countQuery += clause
		args = append(args, *f.UserID)
		argPos++
	}
	if f.From != nil {
		clause := fmt.Sprintf(" AND timestamp >= $%d", argPos)
		query += clause
		countQuery += clause
		args = append(args, *f.From)
		argPos++
	}
	if f.To != nil {
		clause := fmt.Sprintf(" AND timestamp <= $%d", argPos)
		query += clause
		countQuery += clause
		args = append(args, *f.To)
		argPos++
	}

	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count activity logs")
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC, seq ASC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Skip)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list activity logs")
	}
	defer rows.Close()

	var entries []*ActivityLogEntry
	for rows.Next() {
		entry, err := r.scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, nil
}

func (r *Postgres) appendLog(ctx context.Context, tx pgx.Tx, entry *ActivityLogEntry) error {
	prevJSON, err := json.Marshal(entry.PreviousData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal previous data snapshot")
	}
	newJSON, err := json.Marshal(entry.NewData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal new data snapshot")
	}
	changesJSON, err := json.Marshal(entry.Changes)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal change list")
	}

	query := `
		INSERT INTO activity_logs
		    (id, session_id, patient_id, step, action,
		     user_id, user_name, user_role, timestamp,
		     previous_data, new_data, changes,
		     comment, source_ip, device_tag)
		VALUES ($1, $2, $3, $4::screening_step, $5::activity_action,
		        $6, $7, $8::staff_role, $9,
		        $10, $11, $12,
		        $13, $14, $15)
		RETURNING seq
	`

	err = tx.QueryRow(ctx, query,
		entry.ID, entry.SessionID, entry.PatientID, entry.Step, entry.Action,
		entry.UserID, entry.UserName, entry.UserRole, entry.Timestamp,
		prevJSON, newJSON, changesJSON,
		entry.Comment, entry.SourceIP, entry.DeviceTag,
	).Scan(&entry.Seq)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append activity log entry")
	}
	return nil
}

type logScanner interface {
	Scan(dest ...any) error
}

func (r *Postgres) scanLogEntry(row logScanner) (*ActivityLogEntry, error) {
	entry := &ActivityLogEntry{}
	var prevJSON, newJSON, changesJSON []byte

	err := row.Scan(
		&entry.ID, &entry.Seq, &entry.SessionID, &entry.PatientID, &entry.Step, &entry.Action,
		&entry.UserID, &entry.UserName, &entry.UserRole, &entry.Timestamp,
		&prevJSON, &newJSON, &changesJSON,
		&entry.Comment, &entry.SourceIP, &entry.DeviceTag,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan activity log entry")
	}

	if prevJSON != nil {
		if err := json.Unmarshal(prevJSON, &entry.PreviousData); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal previous data snapshot")
		}
	}
	if newJSON != nil {
		if err := json.Unmarshal(newJSON, &entry.NewData); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal new data snapshot")
		}
	}
	if changesJSON != nil {
		if err := json.Unmarshal(changesJSON, &entry.Changes); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal change list")
		}
	}
	return entry, nil
}
