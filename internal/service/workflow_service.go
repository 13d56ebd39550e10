package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/client"
	"github.com/visioncare/be-screening-workflow/internal/events"
	"github.com/visioncare/be-screening-workflow/internal/logger"
	"github.com/visioncare/be-screening-workflow/internal/repository"
)

// Config carries the engine's tuning knobs.
type Config struct {
	// LockAcquireTimeout bounds the wait on the per-session mutex; exceeding
	// it fails the request with BUSY and no side effects.
	LockAcquireTimeout time.Duration
	// DefaultLockDuration applies when a lock request has no duration.
	DefaultLockDuration time.Duration
	// ApprovalExpiry is the default lifetime of an approval request.
	ApprovalExpiry time.Duration
	// ActiveUserWindow is how long a user stays in active_users after a
	// non-view action.
	ActiveUserWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = 10 * time.Second
	}
	if c.DefaultLockDuration <= 0 {
		c.DefaultLockDuration = 24 * time.Hour
	}
	if c.ApprovalExpiry <= 0 {
		c.ApprovalExpiry = 24 * time.Hour
	}
	if c.ActiveUserWindow <= 0 {
		c.ActiveUserWindow = 30 * time.Minute
	}
	return c
}

// WorkflowService coordinates every mutation of a screening session. Each
// operation acquires the session's exclusive mutex, re-reads state, validates
// the transition against permissions, locks, and pending approvals, and
// commits the result atomically with its activity log entries.
type WorkflowService struct {
	store    repository.Store
	patients client.PatientClient
	perms    *PermissionResolver
	clock    Clock
	newID    func() string
	events   *events.Publisher
	cfg      Config
	mutexes  *sessionMutexRegistry
	log      *logger.Logger
}

// NewWorkflowService creates the engine. publisher may be nil when NATS is
// not configured.
func NewWorkflowService(
	store repository.Store,
	patients client.PatientClient,
	publisher *events.Publisher,
	clock Clock,
	cfg Config,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		store:    store,
		patients: patients,
		perms:    NewPermissionResolver(),
		clock:    clock,
		newID:    uuid.NewString,
		events:   publisher,
		cfg:      cfg.withDefaults(),
		mutexes:  newSessionMutexRegistry(),
		log:      log,
	}
}

// RequestMeta is per-request context recorded on activity log entries.
type RequestMeta struct {
	SourceIP  string
	DeviceTag string
}

// CreateSessionRequest starts a new patient encounter.
type CreateSessionRequest struct {
	PatientID     string
	ScreeningType repository.ScreeningType
	InitialStep   repository.Step
	Metadata      map[string]any
}

// UpdateStepRequest patches a step's data and optionally completes it.
type UpdateStepRequest struct {
	Data            map[string]any
	Complete        bool
	RequestApproval bool
	Comments        string
}

// RequestApprovalInput opens a manual approval request.
type RequestApprovalInput struct {
	Step     repository.Step
	Reason   string
	Data     map[string]any
	Priority repository.Priority
}

// ResolveApprovalInput resolves a pending approval request.
type ResolveApprovalInput struct {
	Decision string // approve | reject
	Reason   string
}

// LockSessionInput creates a session- or step-level lock.
type LockSessionInput struct {
	Step          *repository.Step
	LockType      repository.LockType
	Reason        string
	DurationHours int
}

// GrantAccessInput creates a per-session access grant.
type GrantAccessInput struct {
	UserID       string
	Role         repository.Role
	AllowedSteps []repository.Step
	Permissions  []repository.Action
	ExpiresAt    *time.Time
}

// ── create_session ────────────────────────────────────────────────────────────

// CreateSession builds the full ordered step list, marks the initial step in
// progress, and logs the create action.
func (s *WorkflowService) CreateSession(ctx context.Context, actor *auth.UserContext, meta RequestMeta, req CreateSessionRequest) (*repository.Session, error) {
	if req.PatientID == "" {
		return nil, apperrors.InvalidInput("patient_id", "patient id is required")
	}
	if req.InitialStep == "" {
		req.InitialStep = repository.StepRegistration
	}
	if !req.InitialStep.Valid() {
		return nil, apperrors.InvalidInput("initial_step", fmt.Sprintf("unknown step %q", req.InitialStep))
	}
	if req.ScreeningType == "" {
		req.ScreeningType = repository.ScreeningHospitalMobileUnit
	}
	if !req.ScreeningType.Valid() {
		return nil, apperrors.InvalidInput("screening_type", fmt.Sprintf("unknown screening type %q", req.ScreeningType))
	}

	now := s.clock.Now()
	if err := s.perms.Allow(nil, actor, req.InitialStep, repository.ActionCreate, now); err != nil {
		return nil, err
	}

	sess := &repository.Session{
		ID:                    s.newID(),
		PatientID:             req.PatientID,
		PatientName:           s.patients.GetPatientName(ctx, req.PatientID),
		ScreeningType:         req.ScreeningType,
		CurrentStep:           req.InitialStep,
		CreatedBy:             actor.UserID,
		CreatedAt:             now,
		UpdatedAt:             now,
		ActiveUsers:           map[string]time.Time{actor.UserID: now},
		AllParticipants:       []string{actor.UserID},
		RequiresFinalApproval: true,
		Metadata:              req.Metadata,
	}

	for _, step := range repository.PipelineSteps {
		rec := &repository.StepRecord{
			Step:                     step,
			Status:                   repository.StatusPending,
			Data:                     map[string]any{},
			RequiresApproval:         step.RequiresApproval(),
			EstimatedDurationMinutes: repository.EstimatedDurationMinutes[step],
		}
		if step == req.InitialStep {
			rec.Status = repository.StatusInProgress
			rec.StartedAt = &now
			s.assignStep(rec, actor)
		}
		sess.Steps = append(sess.Steps, rec)
	}
	sess.OverallStatus = deriveOverallStatus(sess, false)

	entry := s.newLogEntry(sess, req.InitialStep, repository.ActionCreate, actor, meta, now)
	entry.Comment = "session created"

	commit := &repository.Commit{
		CreateSession: true,
		Session:       sess,
		Logs:          []*repository.ActivityLogEntry{entry},
	}
	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("patient_id", sess.PatientID).
		Str("initial_step", string(req.InitialStep)).
		Msg("Screening session created")

	s.emit(ctx, "session_created", sess, req.InitialStep, actor, nil)
	return sess, nil
}

// ── get_session ───────────────────────────────────────────────────────────────

// GetSession returns the session and logs a view action. Expired locks found
// on the way are deactivated as part of the same commit.
func (s *WorkflowService) GetSession(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID string) (*repository.Session, error) {
	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Allow(grant, actor, sess.CurrentStep, repository.ActionView, now); err != nil {
		return nil, err
	}

	_, expired, err := s.loadLocks(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}

	entry := s.newLogEntry(sess, sess.CurrentStep, repository.ActionView, actor, meta, now)
	commit := &repository.Commit{Logs: []*repository.ActivityLogEntry{entry}}

	if len(expired) > 0 {
		s.releaseExpired(expired, now)
		commit.ReleasedLocks = expired
		s.clearLockFlags(sess, expired)
		sess.OverallStatus = deriveOverallStatus(sess, s.hasSessionLock(ctx, sessionID, now))
		commit.Session = sess
	}

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}
	return sess, nil
}

// ── update_step ───────────────────────────────────────────────────────────────

// UpdateStep merges a data patch into a step, optionally completing it.
// Completion of an approval-gated step opens an approval request instead of
// advancing the pipeline.
func (s *WorkflowService) UpdateStep(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID string, step repository.Step, req UpdateStepRequest) (*repository.Session, error) {
	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	action := repository.ActionUpdate
	if req.Complete {
		action = repository.ActionComplete
	}
	if err := s.perms.Allow(grant, actor, step, action, now); err != nil {
		return nil, err
	}

	live, expired, err := s.loadLocks(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	supervisor := repository.Role(actor.Role) == repository.RoleSupervisor
	if sl := sessionLevelLock(live); sl != nil {
		if !supervisor || sl.LockType == repository.LockAdministrative {
			return nil, apperrors.Lockedf("session is locked: %s", sl.Reason)
		}
	}
	if stl := stepLevelLock(live, step); stl != nil {
		// Step locks have no supervisor bypass; unlock first.
		return nil, apperrors.Lockedf("step %s is locked: %s", step, stl.Reason)
	}

	rec := sess.StepRecordFor(step)
	if rec == nil {
		return nil, apperrors.NotFound("step", string(step))
	}
	if rec.Status == repository.StatusApproved {
		return nil, apperrors.Conflictf("step %s is already approved", step)
	}
	if rec.Status == repository.StatusRejected && (!supervisor || req.Complete) {
		return nil, apperrors.Conflictf("step %s was rejected; a supervisor must reopen it first", step)
	}
	if step.Index() > sess.CurrentStep.Index() {
		return nil, apperrors.Newf(apperrors.ErrCodeStepNotReachable,
			"step %s is not reachable; session is at %s", step, sess.CurrentStep)
	}

	merged := mergePatch(rec.Data, req.Data)
	payload, err := repository.DecodePayload(step, merged)
	if err != nil {
		return nil, err
	}
	findings := payload.Validate()

	previous := rec.Data
	changes := diffFields(previous, merged, req.Data, now)
	rec.Data = merged
	rec.ValidationErrors = findings

	if rec.Status == repository.StatusPending || rec.Status == repository.StatusRejected {
		rec.Status = repository.StatusInProgress
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		s.assignStep(rec, actor)
	}

	commit := &repository.Commit{Session: sess}

	if req.Complete {
		if len(findings) > 0 {
			return nil, apperrors.Newf(apperrors.ErrCodeValidation,
				"step %s cannot complete with validation errors: %s", step, strings.Join(findings, "; "))
		}
		if err := s.completeStep(ctx, sess, rec, actor, meta, req, commit, now); err != nil {
			return nil, err
		}
	}

	entry := s.newLogEntry(sess, step, action, actor, meta, now)
	entry.PreviousData = previous
	entry.NewData = merged
	entry.Changes = changes
	entry.Comment = req.Comments
	commit.Logs = append([]*repository.ActivityLogEntry{entry}, commit.Logs...)

	s.touchParticipants(sess, actor, now)
	if len(expired) > 0 {
		s.releaseExpired(expired, now)
		commit.ReleasedLocks = expired
		s.clearLockFlags(sess, expired)
	}
	sess.OverallStatus = deriveOverallStatus(sess, sessionLevelLock(live) != nil)
	sess.UpdatedAt = now

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("step", string(step)).
		Str("action", string(action)).
		Str("user_id", actor.UserID).
		Msg("Step updated")

	eventType := "step_updated"
	if req.Complete {
		eventType = "step_completed"
	}
	s.emit(ctx, eventType, sess, step, actor, map[string]any{"status": rec.Status})
	if commit.NewApproval != nil {
		s.emit(ctx, "approval_requested", sess, step, actor, map[string]any{"request_id": commit.NewApproval.ID})
	}
	return sess, nil
}

// completeStep stamps completion on the record, then either opens an approval
// gate or marks the step completed and advances the current-step pointer.
func (s *WorkflowService) completeStep(ctx context.Context, sess *repository.Session, rec *repository.StepRecord, actor *auth.UserContext, meta RequestMeta, req UpdateStepRequest, commit *repository.Commit, now time.Time) error {
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.CompletedAt = &now
	rec.CompletedBy = &actor.UserID
	rec.CompletedByName = &actor.DisplayName
	dur := int(now.Sub(*rec.StartedAt) / time.Minute)
	rec.ActualDurationMinutes = &dur

	if !req.RequestApproval && !rec.RequiresApproval {
		rec.Status = repository.StatusCompleted
		if rec.Step == sess.CurrentStep {
			s.advanceCurrentStep(sess)
		}
		if rec.Step == repository.StepQualityCheck {
			s.recordQualityCheck(sess, rec, actor, now)
		}
		return nil
	}

	// Approval gate: the current-step pointer does not move until an
	// approver resolves the request.
	if err := s.ensureNoPendingApproval(ctx, sess.ID, rec.Step, commit, now); err != nil {
		return err
	}
	rec.Status = repository.StatusRequiresApproval

	reason := req.Comments
	if reason == "" {
		reason = fmt.Sprintf("completion of %s requires approval", rec.Step)
	}
	approval := &repository.ApprovalRequest{
		ID:              s.newID(),
		SessionID:       sess.ID,
		Step:            rec.Step,
		RequestedBy:     actor.UserID,
		RequestedByName: actor.DisplayName,
		RequestedAt:     now,
		ApprovalType:    "step_completion",
		Reason:          reason,
		Data:            cloneFields(rec.Data),
		Status:          repository.ApprovalPending,
		Priority:        repository.PriorityNormal,
		ExpiresAt:       now.Add(s.cfg.ApprovalExpiry),
	}
	commit.NewApproval = approval

	gate := s.newLogEntry(sess, rec.Step, repository.ActionCreate, actor, meta, now)
	gate.Comment = fmt.Sprintf("approval request %s opened", approval.ID)
	commit.Logs = append(commit.Logs, gate)
	return nil
}

// ── request_approval ──────────────────────────────────────────────────────────

// RequestApproval opens a manual approval request on a completed or
// approval-gated step.
func (s *WorkflowService) RequestApproval(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID string, req RequestApprovalInput) (*repository.ApprovalRequest, error) {
	if !req.Step.Valid() {
		return nil, apperrors.InvalidInput("step", fmt.Sprintf("unknown step %q", req.Step))
	}
	if req.Priority == "" {
		req.Priority = repository.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, apperrors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Allow(grant, actor, req.Step, repository.ActionUpdate, now); err != nil {
		return nil, err
	}

	live, expired, err := s.loadLocks(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	supervisor := repository.Role(actor.Role) == repository.RoleSupervisor
	if sl := sessionLevelLock(live); sl != nil {
		if !supervisor || sl.LockType == repository.LockAdministrative {
			return nil, apperrors.Lockedf("session is locked: %s", sl.Reason)
		}
	}

	rec := sess.StepRecordFor(req.Step)
	if rec.Status != repository.StatusRequiresApproval && rec.Status != repository.StatusCompleted {
		return nil, apperrors.Conflictf("step %s is %s; approval can only be requested on a completed step", req.Step, rec.Status)
	}

	commit := &repository.Commit{Session: sess}
	if err := s.ensureNoPendingApproval(ctx, sessionID, req.Step, commit, now); err != nil {
		return nil, err
	}

	// Re-gate a completed step; the current-step pointer is not regressed.
	rec.Status = repository.StatusRequiresApproval

	approval := &repository.ApprovalRequest{
		ID:              s.newID(),
		SessionID:       sessionID,
		Step:            req.Step,
		RequestedBy:     actor.UserID,
		RequestedByName: actor.DisplayName,
		RequestedAt:     now,
		ApprovalType:    "manual",
		Reason:          req.Reason,
		Data:            cloneFields(req.Data),
		Status:          repository.ApprovalPending,
		Priority:        req.Priority,
		ExpiresAt:       now.Add(s.cfg.ApprovalExpiry),
	}
	commit.NewApproval = approval

	entry := s.newLogEntry(sess, req.Step, repository.ActionCreate, actor, meta, now)
	entry.Comment = fmt.Sprintf("approval request %s opened: %s", approval.ID, req.Reason)
	commit.Logs = append(commit.Logs, entry)

	s.touchParticipants(sess, actor, now)
	if len(expired) > 0 {
		s.releaseExpired(expired, now)
		commit.ReleasedLocks = expired
		s.clearLockFlags(sess, expired)
	}
	sess.OverallStatus = deriveOverallStatus(sess, sessionLevelLock(live) != nil)
	sess.UpdatedAt = now

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.emit(ctx, "approval_requested", sess, req.Step, actor, map[string]any{"request_id": approval.ID})
	return approval, nil
}

// ── resolve_approval ──────────────────────────────────────────────────────────

// ResolveApproval approves or rejects a pending request. Observing an expired
// request transitions it to expired and returns EXPIRED.
func (s *WorkflowService) ResolveApproval(ctx context.Context, actor *auth.UserContext, meta RequestMeta, requestID string, in ResolveApprovalInput) (*repository.ApprovalRequest, error) {
	if in.Decision != "approve" && in.Decision != "reject" {
		return nil, apperrors.InvalidInput("decision", "must be approve or reject")
	}

	first, err := s.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, first.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the session mutex.
	req, err := s.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.ApprovalPending {
		return nil, apperrors.Conflictf("approval request %s is already %s", requestID, req.Status)
	}

	now := s.clock.Now()
	if !req.ExpiresAt.After(now) {
		req.Status = repository.ApprovalExpired
		if err := s.store.Apply(ctx, &repository.Commit{UpdatedApprovals: []*repository.ApprovalRequest{req}}); err != nil {
			return nil, err
		}
		return nil, apperrors.Newf(apperrors.ErrCodeExpired, "approval request %s expired at %s", requestID, req.ExpiresAt.Format(time.RFC3339))
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	grant, err := s.store.ActiveGrant(ctx, req.SessionID, actor.UserID)
	if err != nil {
		return nil, err
	}

	rec := sess.StepRecordFor(req.Step)
	if rec == nil {
		return nil, apperrors.NotFound("step", string(req.Step))
	}

	commit := &repository.Commit{Session: sess, UpdatedApprovals: []*repository.ApprovalRequest{req}}

	var entry *repository.ActivityLogEntry
	switch in.Decision {
	case "approve":
		if err := s.perms.Allow(grant, actor, req.Step, repository.ActionApprove, now); err != nil {
			return nil, err
		}
		req.Status = repository.ApprovalApproved
		req.ApprovedBy = &actor.UserID
		req.ApprovedByName = &actor.DisplayName
		req.ApprovedAt = &now

		rec.Status = repository.StatusApproved
		rec.ApprovedBy = &actor.UserID
		rec.ApprovedByName = &actor.DisplayName
		rec.ApprovedAt = &now
		if rec.Step == sess.CurrentStep {
			s.advanceCurrentStep(sess)
		}

		entry = s.newLogEntry(sess, req.Step, repository.ActionApprove, actor, meta, now)
		entry.Comment = in.Reason

	case "reject":
		if err := s.perms.Allow(grant, actor, req.Step, repository.ActionReject, now); err != nil {
			return nil, err
		}
		if in.Reason == "" {
			return nil, apperrors.InvalidInput("reason", "rejection reason is required")
		}
		req.Status = repository.ApprovalRejected
		req.ApprovedBy = &actor.UserID
		req.ApprovedByName = &actor.DisplayName
		req.ApprovedAt = &now
		req.RejectionReason = &in.Reason

		rec.Status = repository.StatusRejected

		entry = s.newLogEntry(sess, req.Step, repository.ActionReject, actor, meta, now)
		entry.Comment = in.Reason
	}
	commit.Logs = append(commit.Logs, entry)

	s.touchParticipants(sess, actor, now)
	sess.OverallStatus = deriveOverallStatus(sess, s.hasSessionLock(ctx, req.SessionID, now))

	// Final approval closes the encounter: stamp the approver and roll up
	// the total duration across steps.
	if req.Step == repository.StepFinalApproval && sess.OverallStatus == repository.StatusApproved {
		sess.FinalApprovedBy = &actor.UserID
		sess.FinalApprovedAt = &now
		total := 0
		for _, r := range sess.Steps {
			if r.ActualDurationMinutes != nil {
				total += *r.ActualDurationMinutes
			}
		}
		sess.TotalDurationMinutes = &total
	}
	sess.UpdatedAt = now

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("request_id", requestID).
		Str("decision", in.Decision).
		Str("user_id", actor.UserID).
		Msg("Approval request resolved")

	eventType := "approval_approved"
	if in.Decision == "reject" {
		eventType = "approval_rejected"
	}
	s.emit(ctx, eventType, sess, req.Step, actor, map[string]any{"request_id": requestID})
	return req, nil
}

// ── lock_session / unlock_session ─────────────────────────────────────────────

// LockSession creates a session- or step-level lock.
func (s *WorkflowService) LockSession(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID string, in LockSessionInput) (*repository.SessionLock, error) {
	if in.LockType == "" {
		in.LockType = repository.LockEditing
	}
	if !in.LockType.Valid() {
		return nil, apperrors.InvalidInput("lock_type", fmt.Sprintf("unknown lock type %q", in.LockType))
	}
	if in.Step != nil && !in.Step.Valid() {
		return nil, apperrors.InvalidInput("step", fmt.Sprintf("unknown step %q", *in.Step))
	}
	if in.Reason == "" {
		return nil, apperrors.InvalidInput("reason", "lock reason is required")
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	permStep := sess.CurrentStep
	if in.Step != nil {
		permStep = *in.Step
	}
	if err := s.perms.Allow(grant, actor, permStep, repository.ActionLock, now); err != nil {
		return nil, err
	}

	live, expired, err := s.loadLocks(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	// An active session-level lock blocks all further lock operations.
	if sl := sessionLevelLock(live); sl != nil {
		return nil, apperrors.Lockedf("session is already locked: %s", sl.Reason)
	}
	if in.Step != nil {
		if stl := stepLevelLock(live, *in.Step); stl != nil {
			return nil, apperrors.Conflictf("step %s is already locked", *in.Step)
		}
	}

	duration := s.cfg.DefaultLockDuration
	if in.DurationHours > 0 {
		duration = time.Duration(in.DurationHours) * time.Hour
	}

	lock := &repository.SessionLock{
		ID:           s.newID(),
		SessionID:    sessionID,
		Step:         in.Step,
		LockedBy:     actor.UserID,
		LockedByName: actor.DisplayName,
		LockedAt:     now,
		LockType:     in.LockType,
		Reason:       in.Reason,
		ExpiresAt:    now.Add(duration),
		IsActive:     true,
	}

	if in.Step == nil {
		sess.IsLocked = true
		sess.LockReason = &in.Reason
	} else if rec := sess.StepRecordFor(*in.Step); rec != nil {
		rec.IsLocked = true
		rec.LockReason = &in.Reason
	}

	entry := s.newLogEntry(sess, permStep, repository.ActionLock, actor, meta, now)
	entry.Comment = in.Reason

	commit := &repository.Commit{
		Session: sess,
		Logs:    []*repository.ActivityLogEntry{entry},
		NewLock: lock,
	}
	if len(expired) > 0 {
		s.releaseExpired(expired, now)
		commit.ReleasedLocks = expired
	}

	s.touchParticipants(sess, actor, now)
	sess.OverallStatus = deriveOverallStatus(sess, in.Step == nil)
	sess.UpdatedAt = now

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID).
		Str("lock_id", lock.ID).
		Str("lock_type", string(in.LockType)).
		Str("user_id", actor.UserID).
		Msg("Session locked")

	s.emit(ctx, "session_locked", sess, permStep, actor, map[string]any{"lock_id": lock.ID})
	return lock, nil
}

// UnlockSession deactivates every active lock on the session and its steps.
func (s *WorkflowService) UnlockSession(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID, reason string) (*repository.Session, error) {
	if reason == "" {
		return nil, apperrors.InvalidInput("reason", "unlock reason is required")
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Allow(grant, actor, sess.CurrentStep, repository.ActionUnlock, now); err != nil {
		return nil, err
	}

	locks, err := s.store.ActiveLocks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, apperrors.NotFound("active lock", sessionID)
	}

	for _, l := range locks {
		l.IsActive = false
		l.ReleasedBy = &actor.UserID
		at := now
		l.ReleasedAt = &at
		r := reason
		l.ReleaseReason = &r
	}

	sess.IsLocked = false
	sess.LockReason = nil
	for _, rec := range sess.Steps {
		rec.IsLocked = false
		rec.LockReason = nil
	}

	entry := s.newLogEntry(sess, sess.CurrentStep, repository.ActionUnlock, actor, meta, now)
	entry.Comment = reason

	s.touchParticipants(sess, actor, now)
	sess.OverallStatus = deriveOverallStatus(sess, false)
	sess.UpdatedAt = now

	commit := &repository.Commit{
		Session:       sess,
		Logs:          []*repository.ActivityLogEntry{entry},
		ReleasedLocks: locks,
	}
	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID).
		Int("released", len(locks)).
		Str("user_id", actor.UserID).
		Msg("Session unlocked")

	s.emit(ctx, "session_unlocked", sess, sess.CurrentStep, actor, map[string]any{"released": len(locks)})
	return sess, nil
}

// ── list_activity ─────────────────────────────────────────────────────────────

// ListActivity returns the session's activity log, newest first. Pure read;
// no view entry is appended.
func (s *WorkflowService) ListActivity(ctx context.Context, actor *auth.UserContext, sessionID string, f repository.ActivityFilter) ([]*repository.ActivityLogEntry, int, error) {
	if f.Skip < 0 {
		return nil, 0, apperrors.InvalidInput("skip", "must not be negative")
	}
	if f.Limit == 0 {
		f.Limit = 50
	}
	if f.Limit < 1 || f.Limit > 100 {
		return nil, 0, apperrors.InvalidInput("limit", "must be between 1 and 100")
	}
	if f.Step != nil && !f.Step.Valid() && *f.Step != repository.StepCompleted {
		return nil, 0, apperrors.InvalidInput("step", fmt.Sprintf("unknown step %q", *f.Step))
	}
	if f.Action != nil && !f.Action.Valid() {
		return nil, 0, apperrors.InvalidInput("action", fmt.Sprintf("unknown action %q", *f.Action))
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	grant, err := s.store.ActiveGrant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.perms.Allow(grant, actor, sess.CurrentStep, repository.ActionView, s.clock.Now()); err != nil {
		return nil, 0, err
	}

	return s.store.ListActivity(ctx, sessionID, f)
}

// ── access grants ─────────────────────────────────────────────────────────────

// GrantAccess creates a per-session override of the role matrix. Supervisors
// only. A previous active grant for the same user is replaced.
func (s *WorkflowService) GrantAccess(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID string, in GrantAccessInput) (*repository.AccessGrant, error) {
	if repository.Role(actor.Role) != repository.RoleSupervisor {
		return nil, apperrors.Forbidden("only supervisors may manage access grants")
	}
	if in.UserID == "" {
		return nil, apperrors.InvalidInput("user_id", "user id is required")
	}
	if !in.Role.Valid() {
		return nil, apperrors.InvalidInput("role", fmt.Sprintf("unknown role %q", in.Role))
	}
	for _, step := range in.AllowedSteps {
		if !step.Valid() {
			return nil, apperrors.InvalidInput("allowed_steps", fmt.Sprintf("unknown step %q", step))
		}
	}
	for _, p := range in.Permissions {
		if !p.Valid() {
			return nil, apperrors.InvalidInput("permissions", fmt.Sprintf("unknown action %q", p))
		}
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	grant := &repository.AccessGrant{
		ID:           s.newID(),
		SessionID:    sessionID,
		UserID:       in.UserID,
		Role:         in.Role,
		AllowedSteps: in.AllowedSteps,
		Permissions:  in.Permissions,
		GrantedBy:    actor.UserID,
		GrantedAt:    now,
		ExpiresAt:    in.ExpiresAt,
		IsActive:     true,
	}

	commit := &repository.Commit{Session: sess, NewGrant: grant}
	existing, err := s.store.ActiveGrant(ctx, sessionID, in.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.IsActive = false
		commit.RevokedGrants = append(commit.RevokedGrants, existing)
	}

	entry := s.newLogEntry(sess, sess.CurrentStep, repository.ActionUpdate, actor, meta, now)
	entry.Comment = fmt.Sprintf("access granted to %s as %s", in.UserID, in.Role)
	commit.Logs = append(commit.Logs, entry)

	s.touchParticipants(sess, actor, now)
	sess.UpdatedAt = now

	if err := s.store.Apply(ctx, commit); err != nil {
		return nil, err
	}

	s.emit(ctx, "access_granted", sess, sess.CurrentStep, actor, map[string]any{"grantee": in.UserID})
	return grant, nil
}

// RevokeAccess deactivates a user's active grant.
func (s *WorkflowService) RevokeAccess(ctx context.Context, actor *auth.UserContext, meta RequestMeta, sessionID, userID string) error {
	if repository.Role(actor.Role) != repository.RoleSupervisor {
		return apperrors.Forbidden("only supervisors may manage access grants")
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	existing, err := s.store.ActiveGrant(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.NotFound("user_access_grant", userID)
	}

	now := s.clock.Now()
	existing.IsActive = false

	entry := s.newLogEntry(sess, sess.CurrentStep, repository.ActionUpdate, actor, RequestMeta{}, now)
	entry.Comment = fmt.Sprintf("access revoked from %s", userID)

	s.touchParticipants(sess, actor, now)
	sess.UpdatedAt = now

	commit := &repository.Commit{
		Session:       sess,
		Logs:          []*repository.ActivityLogEntry{entry},
		RevokedGrants: []*repository.AccessGrant{existing},
	}
	if err := s.store.Apply(ctx, commit); err != nil {
		return err
	}

	s.emit(ctx, "access_revoked", sess, sess.CurrentStep, actor, map[string]any{"grantee": userID})
	return nil
}

// ── internal helpers ──────────────────────────────────────────────────────────

// acquire takes the per-session mutex, bounded by the configured deadline.
func (s *WorkflowService) acquire(ctx context.Context, sessionID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockAcquireTimeout)
	defer cancel()

	release, err := s.mutexes.acquire(lockCtx, sessionID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeBusy, "session %s is busy", sessionID)
	}
	return release, nil
}

// loadLocks returns the session's active locks partitioned into live and
// expired. Expired locks are inert; callers deactivate them in their commit.
func (s *WorkflowService) loadLocks(ctx context.Context, sessionID string, now time.Time) (live, expired []*repository.SessionLock, err error) {
	locks, err := s.store.ActiveLocks(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	for _, l := range locks {
		if l.ExpiredAt(now) {
			expired = append(expired, l)
		} else {
			live = append(live, l)
		}
	}
	return live, expired, nil
}

// sessionLevelLock returns the live whole-session lock, if any. A lock with a
// nil Step covers the whole session.
func sessionLevelLock(live []*repository.SessionLock) *repository.SessionLock {
	for _, l := range live {
		if l.Step == nil {
			return l
		}
	}
	return nil
}

// stepLevelLock returns the live lock scoped to the given step, if any.
func stepLevelLock(live []*repository.SessionLock, step repository.Step) *repository.SessionLock {
	for _, l := range live {
		if l.Step != nil && *l.Step == step {
			return l
		}
	}
	return nil
}

func (s *WorkflowService) hasSessionLock(ctx context.Context, sessionID string, now time.Time) bool {
	live, _, err := s.loadLocks(ctx, sessionID, now)
	if err != nil {
		return false
	}
	return sessionLevelLock(live) != nil
}

func (s *WorkflowService) releaseExpired(locks []*repository.SessionLock, now time.Time) {
	reason := "expired"
	for _, l := range locks {
		l.IsActive = false
		at := now
		l.ReleasedAt = &at
		l.ReleaseReason = &reason
	}
}

// clearLockFlags drops the locked flags that the given released locks had set
// on the session or its steps.
func (s *WorkflowService) clearLockFlags(sess *repository.Session, released []*repository.SessionLock) {
	for _, l := range released {
		if l.Step == nil {
			sess.IsLocked = false
			sess.LockReason = nil
			continue
		}
		if rec := sess.StepRecordFor(*l.Step); rec != nil {
			rec.IsLocked = false
			rec.LockReason = nil
		}
	}
}

// ensureNoPendingApproval rejects when a live pending request exists for the
// step; an expired pending request is transitioned in the same commit.
func (s *WorkflowService) ensureNoPendingApproval(ctx context.Context, sessionID string, step repository.Step, commit *repository.Commit, now time.Time) error {
	pending, err := s.store.PendingApproval(ctx, sessionID, step)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	if pending.ExpiresAt.After(now) {
		return apperrors.Conflictf("a pending approval request already exists for step %s", step)
	}
	pending.Status = repository.ApprovalExpired
	commit.UpdatedApprovals = append(commit.UpdatedApprovals, pending)
	return nil
}

func (s *WorkflowService) advanceCurrentStep(sess *repository.Session) {
	next := sess.CurrentStep.Next()
	if next == repository.StepCompleted {
		// current_step never holds the sentinel; the last pipeline step
		// keeps the pointer once approved.
		return
	}
	sess.CurrentStep = next
	if rec := sess.StepRecordFor(next); rec != nil {
		rec.AssignedUserID = nil
		rec.AssignedUserName = nil
		rec.AssignedRole = nil
	}
}

func (s *WorkflowService) assignStep(rec *repository.StepRecord, actor *auth.UserContext) {
	rec.AssignedUserID = &actor.UserID
	rec.AssignedUserName = &actor.DisplayName
	role := repository.Role(actor.Role)
	rec.AssignedRole = &role
}

// recordQualityCheck copies the quality-check outcome onto the session
// summary fields.
func (s *WorkflowService) recordQualityCheck(sess *repository.Session, rec *repository.StepRecord, actor *auth.UserContext, now time.Time) {
	sess.QualityChecked = true
	sess.QualityCheckedBy = &actor.UserID
	at := now
	sess.QualityCheckedAt = &at
	if score, ok := rec.Data["score"].(float64); ok {
		sess.QualityScore = &score
	}
	if notes, ok := rec.Data["notes"].(string); ok && notes != "" {
		sess.QualityNotes = &notes
	}
}

// touchParticipants records a non-view action by the actor and prunes stale
// active-user entries.
func (s *WorkflowService) touchParticipants(sess *repository.Session, actor *auth.UserContext, now time.Time) {
	if sess.ActiveUsers == nil {
		sess.ActiveUsers = make(map[string]time.Time)
	}
	sess.ActiveUsers[actor.UserID] = now

	cutoff := now.Add(-s.cfg.ActiveUserWindow)
	for id, last := range sess.ActiveUsers {
		if last.Before(cutoff) {
			delete(sess.ActiveUsers, id)
		}
	}

	for _, id := range sess.AllParticipants {
		if id == actor.UserID {
			return
		}
	}
	sess.AllParticipants = append(sess.AllParticipants, actor.UserID)
}

func (s *WorkflowService) newLogEntry(sess *repository.Session, step repository.Step, action repository.Action, actor *auth.UserContext, meta RequestMeta, now time.Time) *repository.ActivityLogEntry {
	return &repository.ActivityLogEntry{
		ID:        s.newID(),
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Step:      step,
		Action:    action,
		UserID:    actor.UserID,
		UserName:  actor.DisplayName,
		UserRole:  repository.Role(actor.Role),
		Timestamp: now,
		SourceIP:  meta.SourceIP,
		DeviceTag: meta.DeviceTag,
	}
}

func (s *WorkflowService) emit(ctx context.Context, eventType string, sess *repository.Session, step repository.Step, actor *auth.UserContext, payload map[string]any) {
	s.events.Publish(ctx, &events.Event{
		EventType: eventType,
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Step:      string(step),
		ActorID:   actor.UserID,
		ActorName: actor.DisplayName,
		Payload:   payload,
	})
}

// deriveOverallStatus recomputes the session summary status from its step
// statuses and the session-level lock state.
func deriveOverallStatus(sess *repository.Session, sessionLockActive bool) repository.Status {
	allDone := true
	finalApproved := false
	anyRejected := false
	anyRequiresApproval := false
	anyInProgress := false

	for _, rec := range sess.Steps {
		switch rec.Status {
		case repository.StatusCompleted, repository.StatusApproved:
		default:
			allDone = false
		}
		if rec.Step == repository.StepFinalApproval && rec.Status == repository.StatusApproved {
			finalApproved = true
		}
		switch rec.Status {
		case repository.StatusRejected:
			anyRejected = true
		case repository.StatusRequiresApproval:
			anyRequiresApproval = true
		case repository.StatusInProgress:
			anyInProgress = true
		}
	}

	switch {
	case allDone && finalApproved:
		return repository.StatusApproved
	case anyRejected:
		return repository.StatusRejected
	case sessionLockActive:
		return repository.StatusLocked
	case anyRequiresApproval:
		return repository.StatusRequiresApproval
	case anyInProgress:
		return repository.StatusInProgress
	default:
		return repository.StatusPending
	}
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
