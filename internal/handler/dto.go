package handler

import (
	"time"

	"github.com/visioncare/be-screening-workflow/internal/repository"
)

// Request bodies.

type createSessionRequest struct {
	PatientID     string         `json:"patient_id"`
	ScreeningType string         `json:"screening_type"`
	InitialStep   string         `json:"initial_step"`
	Metadata      map[string]any `json:"metadata"`
}

type updateStepRequest struct {
	Data            map[string]any `json:"data"`
	Complete        bool           `json:"complete"`
	RequestApproval bool           `json:"request_approval"`
	Comments        string         `json:"comments"`
}

type requestApprovalRequest struct {
	Step     string         `json:"step"`
	Reason   string         `json:"reason"`
	Data     map[string]any `json:"data"`
	Priority string         `json:"priority"`
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type lockSessionRequest struct {
	Step          *string `json:"step"`
	LockType      string  `json:"lock_type"`
	Reason        string  `json:"reason"`
	DurationHours int     `json:"duration_hours"`
}

type grantAccessRequest struct {
	UserID       string     `json:"user_id"`
	Role         string     `json:"role"`
	AllowedSteps []string   `json:"allowed_steps"`
	Permissions  []string   `json:"permissions"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// Response shapes.

type sessionResponse struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	PatientName   string          `json:"patient_name"`
	ScreeningType string          `json:"screening_type"`
	CurrentStep   string          `json:"current_step"`
	OverallStatus string          `json:"overall_status"`
	Steps         []*stepResponse `json:"steps"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ActiveUsers     []string `json:"active_users"`
	AllParticipants []string `json:"all_participants"`

	RequiresFinalApproval bool       `json:"requires_final_approval"`
	FinalApprovedBy       *string    `json:"final_approved_by,omitempty"`
	FinalApprovedAt       *time.Time `json:"final_approved_at,omitempty"`

	IsLocked   bool    `json:"is_locked"`
	LockReason *string `json:"lock_reason,omitempty"`

	QualityChecked   bool       `json:"quality_checked"`
	QualityCheckedBy *string    `json:"quality_checked_by,omitempty"`
	QualityCheckedAt *time.Time `json:"quality_checked_at,omitempty"`
	QualityScore     *float64   `json:"quality_score,omitempty"`
	QualityNotes     *string    `json:"quality_notes,omitempty"`

	TotalDurationMinutes *int           `json:"total_duration_minutes,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

type stepResponse struct {
	Step   string `json:"step"`
	Status string `json:"status"`

	AssignedUserID   *string `json:"assigned_user_id,omitempty"`
	AssignedUserName *string `json:"assigned_user_name,omitempty"`
	AssignedRole     *string `json:"assigned_role,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CompletedBy     *string `json:"completed_by,omitempty"`
	CompletedByName *string `json:"completed_by_name,omitempty"`

	ApprovedBy     *string    `json:"approved_by,omitempty"`
	ApprovedByName *string    `json:"approved_by_name,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`

	Data             map[string]any `json:"data"`
	ValidationErrors []string       `json:"validation_errors,omitempty"`

	RequiresApproval bool    `json:"requires_approval"`
	IsLocked         bool    `json:"is_locked"`
	LockReason       *string `json:"lock_reason,omitempty"`

	EstimatedDurationMinutes int  `json:"estimated_duration_minutes"`
	ActualDurationMinutes    *int `json:"actual_duration_minutes,omitempty"`
}

type approvalResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Step      string `json:"step"`

	RequestedBy     string    `json:"requested_by"`
	RequestedByName string    `json:"requested_by_name"`
	RequestedAt     time.Time `json:"requested_at"`

	ApprovalType string         `json:"approval_type"`
	Reason       string         `json:"reason"`
	Data         map[string]any `json:"data,omitempty"`

	Status          string     `json:"status"`
	ApprovedBy      *string    `json:"approved_by,omitempty"`
	ApprovedByName  *string    `json:"approved_by_name,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`

	Priority  string    `json:"priority"`
	ExpiresAt time.Time `json:"expires_at"`
}

type lockResponse struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Step      *string `json:"step,omitempty"`

	LockedBy     string    `json:"locked_by"`
	LockedByName string    `json:"locked_by_name"`
	LockedAt     time.Time `json:"locked_at"`

	LockType string `json:"lock_type"`
	Reason   string `json:"reason"`

	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
}

type grantResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`

	AllowedSteps []string `json:"allowed_steps"`
	Permissions  []string `json:"permissions"`

	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type activityEntryResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	Step      string    `json:"step"`
	Action    string    `json:"action"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserRole  string    `json:"user_role"`
	Timestamp time.Time `json:"timestamp"`

	PreviousData map[string]any           `json:"previous_data,omitempty"`
	NewData      map[string]any           `json:"new_data,omitempty"`
	Changes      []repository.FieldChange `json:"changes,omitempty"`

	Comment   string `json:"comment,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	DeviceTag string `json:"device_tag,omitempty"`
}

func toSessionResponse(s *repository.Session) *sessionResponse {
	resp := &sessionResponse{
		ID:                    s.ID,
		PatientID:             s.PatientID,
		PatientName:           s.PatientName,
		ScreeningType:         string(s.ScreeningType),
		CurrentStep:           string(s.CurrentStep),
		OverallStatus:         string(s.OverallStatus),
		CreatedBy:             s.CreatedBy,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
		ActiveUsers:           make([]string, 0, len(s.ActiveUsers)),
		AllParticipants:       s.AllParticipants,
		RequiresFinalApproval: s.RequiresFinalApproval,
		FinalApprovedBy:       s.FinalApprovedBy,
		FinalApprovedAt:       s.FinalApprovedAt,
		IsLocked:              s.IsLocked,
		LockReason:            s.LockReason,
		QualityChecked:        s.QualityChecked,
		QualityCheckedBy:      s.QualityCheckedBy,
		QualityCheckedAt:      s.QualityCheckedAt,
		QualityScore:          s.QualityScore,
		QualityNotes:          s.QualityNotes,
		TotalDurationMinutes:  s.TotalDurationMinutes,
		Metadata:              s.Metadata,
	}
	for id := range s.ActiveUsers {
		resp.ActiveUsers = append(resp.ActiveUsers, id)
	}
	for _, rec := range s.Steps {
		resp.Steps = append(resp.Steps, toStepResponse(rec))
	}
	return resp
}

func toStepResponse(rec *repository.StepRecord) *stepResponse {
	resp := &stepResponse{
		Step:                     string(rec.Step),
		Status:                   string(rec.Status),
		AssignedUserID:           rec.AssignedUserID,
		AssignedUserName:         rec.AssignedUserName,
		StartedAt:                rec.StartedAt,
		CompletedAt:              rec.CompletedAt,
		CompletedBy:              rec.CompletedBy,
		CompletedByName:          rec.CompletedByName,
		ApprovedBy:               rec.ApprovedBy,
		ApprovedByName:           rec.ApprovedByName,
		ApprovedAt:               rec.ApprovedAt,
		Data:                     rec.Data,
		ValidationErrors:         rec.ValidationErrors,
		RequiresApproval:         rec.RequiresApproval,
		IsLocked:                 rec.IsLocked,
		LockReason:               rec.LockReason,
		EstimatedDurationMinutes: rec.EstimatedDurationMinutes,
		ActualDurationMinutes:    rec.ActualDurationMinutes,
	}
	if rec.AssignedRole != nil {
		role := string(*rec.AssignedRole)
		resp.AssignedRole = &role
	}
	return resp
}

func toApprovalResponse(a *repository.ApprovalRequest) *approvalResponse {
	return &approvalResponse{
		ID:              a.ID,
		SessionID:       a.SessionID,
		Step:            string(a.Step),
		RequestedBy:     a.RequestedBy,
		RequestedByName: a.RequestedByName,
		RequestedAt:     a.RequestedAt,
		ApprovalType:    a.ApprovalType,
		Reason:          a.Reason,
		Data:            a.Data,
		Status:          string(a.Status),
		ApprovedBy:      a.ApprovedBy,
		ApprovedByName:  a.ApprovedByName,
		ApprovedAt:      a.ApprovedAt,
		RejectionReason: a.RejectionReason,
		Priority:        string(a.Priority),
		ExpiresAt:       a.ExpiresAt,
	}
}

func toLockResponse(l *repository.SessionLock) *lockResponse {
	resp := &lockResponse{
		ID:           l.ID,
		SessionID:    l.SessionID,
		LockedBy:     l.LockedBy,
		LockedByName: l.LockedByName,
		LockedAt:     l.LockedAt,
		LockType:     string(l.LockType),
		Reason:       l.Reason,
		ExpiresAt:    l.ExpiresAt,
		IsActive:     l.IsActive,
	}
	if l.Step != nil {
		step := string(*l.Step)
		resp.Step = &step
	}
	return resp
}

func toGrantResponse(g *repository.AccessGrant) *grantResponse {
	resp := &grantResponse{
		ID:        g.ID,
		SessionID: g.SessionID,
		UserID:    g.UserID,
		Role:      string(g.Role),
		GrantedBy: g.GrantedBy,
		GrantedAt: g.GrantedAt,
		ExpiresAt: g.ExpiresAt,
	}
	for _, s := range g.AllowedSteps {
		resp.AllowedSteps = append(resp.AllowedSteps, string(s))
	}
	for _, p := range g.Permissions {
		resp.Permissions = append(resp.Permissions, string(p))
	}
	return resp
}

func toActivityEntryResponse(e *repository.ActivityLogEntry) *activityEntryResponse {
	return &activityEntryResponse{
		ID:           e.ID,
		SessionID:    e.SessionID,
		PatientID:    e.PatientID,
		Step:         string(e.Step),
		Action:       string(e.Action),
		UserID:       e.UserID,
		UserName:     e.UserName,
		UserRole:     string(e.UserRole),
		Timestamp:    e.Timestamp,
		PreviousData: e.PreviousData,
		NewData:      e.NewData,
		Changes:      e.Changes,
		Comment:      e.Comment,
		SourceIP:     e.SourceIP,
		DeviceTag:    e.DeviceTag,
	}
}
