package repository

import "time"

// ── Enums ─────────────────────────────────────────────────────────────────────

// Status is the workflow status applied to step records and, derived, to
// sessions.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusApproved         Status = "approved"
	StatusRequiresApproval Status = "requires_approval"
	StatusRejected         Status = "rejected"
	StatusLocked           Status = "locked"
)

// Valid reports whether s is a known workflow status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusApproved,
		StatusRequiresApproval, StatusRejected, StatusLocked:
		return true
	}
	return false
}

// Step is one stage of the screening pipeline.
type Step string

const (
	StepRegistration       Step = "registration"
	StepInitialAssessment  Step = "initial_assessment"
	StepVisionTesting      Step = "vision_testing"
	StepAutoRefraction     Step = "auto_refraction"
	StepClinicalEvaluation Step = "clinical_evaluation"
	StepDoctorDiagnosis    Step = "doctor_diagnosis"
	StepPrescription       Step = "prescription"
	StepQualityCheck       Step = "quality_check"
	StepFinalApproval      Step = "final_approval"

	// StepCompleted is the terminal sentinel. It permits no actions and is
	// never a valid current step.
	StepCompleted Step = "completed"
)

// PipelineSteps is the fixed screening pipeline in execution order, excluding
// the terminal sentinel.
var PipelineSteps = []Step{
	StepRegistration,
	StepInitialAssessment,
	StepVisionTesting,
	StepAutoRefraction,
	StepClinicalEvaluation,
	StepDoctorDiagnosis,
	StepPrescription,
	StepQualityCheck,
	StepFinalApproval,
}

var stepIndex = func() map[Step]int {
	m := make(map[Step]int, len(PipelineSteps))
	for i, s := range PipelineSteps {
		m[s] = i
	}
	return m
}()

// Valid reports whether s is a pipeline step (the sentinel is not).
func (s Step) Valid() bool {
	_, ok := stepIndex[s]
	return ok
}

// Index returns the zero-based pipeline position, or -1 for the sentinel and
// unknown values.
func (s Step) Index() int {
	if i, ok := stepIndex[s]; ok {
		return i
	}
	return -1
}

// Next returns the step after s, or the terminal sentinel after
// final_approval.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i == len(PipelineSteps)-1 {
		return StepCompleted
	}
	return PipelineSteps[i+1]
}

// RequiresApproval reports whether completing s opens an approval gate.
func (s Step) RequiresApproval() bool {
	switch s {
	case StepDoctorDiagnosis, StepPrescription, StepFinalApproval:
		return true
	}
	return false
}

// EstimatedDurationMinutes is the planning estimate for each pipeline step.
var EstimatedDurationMinutes = map[Step]int{
	StepRegistration:       10,
	StepInitialAssessment:  10,
	StepVisionTesting:      15,
	StepAutoRefraction:     10,
	StepClinicalEvaluation: 15,
	StepDoctorDiagnosis:    20,
	StepPrescription:       10,
	StepQualityCheck:       10,
	StepFinalApproval:      5,
}

// Role is a staff role on the mobile unit.
type Role string

const (
	RoleRegistrationStaff    Role = "registration_staff"
	RoleVisionTechnician     Role = "vision_technician"
	RoleRefractionTechnician Role = "refraction_technician"
	RoleClinicalAssistant    Role = "clinical_assistant"
	RoleDoctor               Role = "doctor"
	RoleSupervisor           Role = "supervisor"
	RoleQualityChecker       Role = "quality_checker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleRegistrationStaff, RoleVisionTechnician, RoleRefractionTechnician,
		RoleClinicalAssistant, RoleDoctor, RoleSupervisor, RoleQualityChecker:
		return true
	}
	return false
}

// Action is a logged verb.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionComplete Action = "complete"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionLock     Action = "lock"
	ActionUnlock   Action = "unlock"
	ActionView     Action = "view"
	ActionEdit     Action = "edit"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionComplete, ActionApprove, ActionReject,
		ActionLock, ActionUnlock, ActionView, ActionEdit:
		return true
	}
	return false
}

// ScreeningType categorizes the encounter setting.
type ScreeningType string

const (
	ScreeningHospitalMobileUnit ScreeningType = "hospital_mobile_unit"
	ScreeningSchool             ScreeningType = "school_screening"
	ScreeningOutreachCamp       ScreeningType = "outreach_camp"
)

// Valid reports whether t is a known screening type.
func (t ScreeningType) Valid() bool {
	switch t {
	case ScreeningHospitalMobileUnit, ScreeningSchool, ScreeningOutreachCamp:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Priority ranks approval requests.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// LockType categorizes a session lock.
type LockType string

const (
	LockEditing        LockType = "editing"
	LockApproval       LockType = "approval"
	LockAdministrative LockType = "administrative"
)

// Valid reports whether t is a known lock type.
func (t LockType) Valid() bool {
	switch t {
	case LockEditing, LockApproval, LockAdministrative:
		return true
	}
	return false
}

// ── Entities ──────────────────────────────────────────────────────────────────

// Session is one patient encounter moving through the pipeline. It owns its
// step records; activity logs, approvals, locks, and grants live in their own
// stores and reference it by id.
type Session struct {
	ID            string
	PatientID     string
	PatientName   string
	ScreeningType ScreeningType
	CurrentStep   Step
	OverallStatus Status
	Steps         []*StepRecord

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// ActiveUsers maps user id to the last time that user performed a
	// non-view action. Entries older than the active-user window are pruned
	// on every write.
	ActiveUsers     map[string]time.Time
	AllParticipants []string

	RequiresFinalApproval bool
	FinalApprovedBy       *string
	FinalApprovedAt       *time.Time

	IsLocked   bool
	LockReason *string

	QualityChecked   bool
	QualityCheckedBy *string
	QualityCheckedAt *time.Time
	QualityScore     *float64 // 0..100
	QualityNotes     *string

	TotalDurationMinutes *int
	Metadata             map[string]any
}

// StepRecord is one row per pipeline step within a session.
type StepRecord struct {
	Step   Step
	Status Status

	AssignedUserID   *string
	AssignedUserName *string
	AssignedRole     *Role

	StartedAt   *time.Time
	CompletedAt *time.Time

	CompletedBy     *string
	CompletedByName *string

	ApprovedBy     *string
	ApprovedByName *string
	ApprovedAt     *time.Time

	Data             map[string]any
	ValidationErrors []string

	RequiresApproval bool
	IsLocked         bool
	LockReason       *string

	EstimatedDurationMinutes int
	ActualDurationMinutes    *int
}

// StepRecordFor returns the session's record for the given step, or nil.
func (s *Session) StepRecordFor(step Step) *StepRecord {
	for _, rec := range s.Steps {
		if rec.Step == step {
			return rec
		}
	}
	return nil
}

// FieldChange records one field-level difference captured by an activity log
// entry.
type FieldChange struct {
	Field     string    `json:"field"`
	Old       any       `json:"old"`
	New       any       `json:"new"`
	ChangedAt time.Time `json:"changed_at"`
}

// ActivityLogEntry is one immutable record of an action on a session. Rows
// are never updated or deleted after insertion.
type ActivityLogEntry struct {
	ID string
	// Seq is store-assigned and strictly increasing; it totally orders
	// entries whose timestamps coincide.
	Seq       int64
	SessionID string
	PatientID string
	Step      Step
	Action    Action
	UserID    string
	UserName  string
	UserRole  Role
	Timestamp time.Time

	PreviousData map[string]any
	NewData      map[string]any
	Changes      []FieldChange

	Comment   string
	SourceIP  string
	DeviceTag string
}

// ApprovalRequest gates a sensitive step until an approver resolves it.
type ApprovalRequest struct {
	ID        string
	SessionID string
	Step      Step

	RequestedBy     string
	RequestedByName string
	RequestedAt     time.Time

	ApprovalType string
	Reason       string
	// Data is an immutable snapshot of the step data under review.
	Data map[string]any

	Status          ApprovalStatus
	ApprovedBy      *string
	ApprovedByName  *string
	ApprovedAt      *time.Time
	RejectionReason *string

	Priority  Priority
	ExpiresAt time.Time
}

// SessionLock is an exclusive-editing token over a session or a single step.
// Rows are write-once except for the terminal deactivation; an inactive lock
// is never reactivated.
type SessionLock struct {
	ID        string
	SessionID string
	// Step is nil for a whole-session lock.
	Step *Step

	LockedBy     string
	LockedByName string
	LockedAt     time.Time

	LockType LockType
	Reason   string

	ExpiresAt time.Time
	IsActive  bool

	ReleasedBy    *string
	ReleasedAt    *time.Time
	ReleaseReason *string
}

// ExpiredAt reports whether the lock is past its expiry at the given instant.
// An expired lock is treated as inactive by every reader even before the row
// is deactivated.
func (l *SessionLock) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now)
}

// AccessGrant is a per-session override of the static role matrix.
type AccessGrant struct {
	ID        string
	SessionID string
	UserID    string
	Role      Role

	AllowedSteps []Step
	Permissions  []Action

	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
	IsActive  bool
}

// ExpiredAt reports whether the grant is past its expiry at the given instant.
func (g *AccessGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}
