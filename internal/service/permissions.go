package service

import (
	"fmt"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/repository"
)

// stepRoles is the static role→step matrix for write-type actions. Endpoints
// never inspect roles directly; every check goes through the resolver.
var stepRoles = map[repository.Step][]repository.Role{
	repository.StepRegistration:       {repository.RoleRegistrationStaff, repository.RoleSupervisor},
	repository.StepInitialAssessment:  {repository.RoleVisionTechnician, repository.RoleClinicalAssistant, repository.RoleSupervisor},
	repository.StepVisionTesting:      {repository.RoleVisionTechnician, repository.RoleSupervisor},
	repository.StepAutoRefraction:     {repository.RoleRefractionTechnician, repository.RoleSupervisor},
	repository.StepClinicalEvaluation: {repository.RoleClinicalAssistant, repository.RoleDoctor, repository.RoleSupervisor},
	repository.StepDoctorDiagnosis:    {repository.RoleDoctor, repository.RoleSupervisor},
	repository.StepPrescription:       {repository.RoleDoctor, repository.RoleSupervisor},
	repository.StepQualityCheck:       {repository.RoleQualityChecker, repository.RoleSupervisor},
	repository.StepFinalApproval:      {repository.RoleDoctor, repository.RoleSupervisor},
}

// PermissionResolver decides whether a user may perform an action on a step.
// Resolution is pure: an optional per-session grant is consulted first, then
// the static matrix.
type PermissionResolver struct{}

// NewPermissionResolver creates a resolver.
func NewPermissionResolver() *PermissionResolver {
	return &PermissionResolver{}
}

// Allow returns nil when the user may perform the action, or a FORBIDDEN
// error naming the reason. grant may be nil; an expired grant is ignored and
// resolution falls through to the matrix.
func (r *PermissionResolver) Allow(
	grant *repository.AccessGrant,
	user *auth.UserContext,
	step repository.Step,
	action repository.Action,
	now time.Time,
) error {
	// The terminal sentinel permits no actions for anyone.
	if step == repository.StepCompleted {
		return apperrors.Forbidden("step completed permits no actions")
	}
	if !step.Valid() {
		return apperrors.InvalidInput("step", fmt.Sprintf("unknown step %q", step))
	}

	role := repository.Role(user.Role)
	if !role.Valid() {
		return apperrors.Forbidden(fmt.Sprintf("unknown role %q", user.Role))
	}

	if grant != nil && grant.IsActive && !grant.ExpiredAt(now) {
		return allowByGrant(grant, step, action)
	}
	return allowByMatrix(role, step, action)
}

// allowByGrant applies a per-session grant: the grant's permission and
// allowed-step sets replace the matrix entirely.
func allowByGrant(grant *repository.AccessGrant, step repository.Step, action repository.Action) error {
	if !containsAction(grant.Permissions, action) {
		return apperrors.Forbidden(fmt.Sprintf("access grant does not permit %s", action))
	}
	// View is session-wide; everything else is scoped to the allowed steps.
	if action == repository.ActionView {
		return nil
	}
	if !containsStep(grant.AllowedSteps, step) {
		return apperrors.Forbidden(fmt.Sprintf("access grant does not cover step %s", step))
	}
	return nil
}

func allowByMatrix(role repository.Role, step repository.Step, action repository.Action) error {
	// Supervisors may perform any action on any step.
	if role == repository.RoleSupervisor {
		return nil
	}

	switch action {
	case repository.ActionView:
		// Any authenticated staff role may view.
		return nil
	case repository.ActionApprove, repository.ActionReject, repository.ActionLock, repository.ActionUnlock:
		// Doctors may approve any step; other roles need supervisor.
		if role == repository.RoleDoctor {
			return nil
		}
		return apperrors.Forbidden(fmt.Sprintf("%s requires supervisor or doctor", action))
	case repository.ActionCreate, repository.ActionUpdate, repository.ActionComplete, repository.ActionEdit:
		for _, allowed := range stepRoles[step] {
			if allowed == role {
				return nil
			}
		}
		return apperrors.Forbidden(fmt.Sprintf("role %s may not %s step %s", role, action, step))
	default:
		return apperrors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
	}
}

func containsAction(actions []repository.Action, a repository.Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func containsStep(steps []repository.Step, s repository.Step) bool {
	for _, x := range steps {
		if x == s {
			return true
		}
	}
	return false
}
