package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/repository"
)

func TestMatrixWriteAccess(t *testing.T) {
	resolver := NewPermissionResolver()
	now := time.Now()

	allRoles := []repository.Role{
		repository.RoleRegistrationStaff,
		repository.RoleVisionTechnician,
		repository.RoleRefractionTechnician,
		repository.RoleClinicalAssistant,
		repository.RoleDoctor,
		repository.RoleSupervisor,
		repository.RoleQualityChecker,
	}

	for _, step := range repository.PipelineSteps {
		allowed := map[repository.Role]bool{}
		for _, role := range stepRoles[step] {
			allowed[role] = true
		}
		for _, role := range allRoles {
			user := &auth.UserContext{UserID: "u", Role: string(role)}
			err := resolver.Allow(nil, user, step, repository.ActionUpdate, now)
			if allowed[role] {
				assert.NoError(t, err, "%s should write %s", role, step)
			} else {
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden),
					"%s should not write %s", role, step)
			}
		}
	}
}

func TestMatrixViewAndApprove(t *testing.T) {
	resolver := NewPermissionResolver()
	now := time.Now()

	t.Run("any known role views any step", func(t *testing.T) {
		user := &auth.UserContext{UserID: "u", Role: string(repository.RoleRegistrationStaff)}
		for _, step := range repository.PipelineSteps {
			assert.NoError(t, resolver.Allow(nil, user, step, repository.ActionView, now))
		}
	})

	t.Run("approve needs doctor or supervisor", func(t *testing.T) {
		tech := &auth.UserContext{UserID: "u", Role: string(repository.RoleVisionTechnician)}
		doc := &auth.UserContext{UserID: "d", Role: string(repository.RoleDoctor)}
		sup := &auth.UserContext{UserID: "s", Role: string(repository.RoleSupervisor)}

		for _, action := range []repository.Action{
			repository.ActionApprove, repository.ActionReject,
			repository.ActionLock, repository.ActionUnlock,
		} {
			assert.Error(t, resolver.Allow(nil, tech, repository.StepVisionTesting, action, now))
			assert.NoError(t, resolver.Allow(nil, doc, repository.StepVisionTesting, action, now))
			assert.NoError(t, resolver.Allow(nil, sup, repository.StepVisionTesting, action, now))
		}
	})

	t.Run("unknown role is forbidden", func(t *testing.T) {
		user := &auth.UserContext{UserID: "u", Role: "janitor"}
		err := resolver.Allow(nil, user, repository.StepRegistration, repository.ActionView, now)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("sentinel permits nothing", func(t *testing.T) {
		sup := &auth.UserContext{UserID: "s", Role: string(repository.RoleSupervisor)}
		err := resolver.Allow(nil, sup, repository.StepCompleted, repository.ActionView, now)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})
}

func TestGrantOverlay(t *testing.T) {
	resolver := NewPermissionResolver()
	now := time.Now()
	user := &auth.UserContext{UserID: "u", Role: string(repository.RoleVisionTechnician)}

	grant := &repository.AccessGrant{
		IsActive:     true,
		AllowedSteps: []repository.Step{repository.StepRegistration},
		Permissions:  []repository.Action{repository.ActionView, repository.ActionUpdate},
	}

	t.Run("grant permits outside the matrix", func(t *testing.T) {
		assert.NoError(t, resolver.Allow(grant, user, repository.StepRegistration, repository.ActionUpdate, now))
	})

	t.Run("grant view is session wide", func(t *testing.T) {
		assert.NoError(t, resolver.Allow(grant, user, repository.StepQualityCheck, repository.ActionView, now))
	})

	t.Run("grant replaces the matrix entirely", func(t *testing.T) {
		// Matrix would allow this write, but the grant does not cover it.
		err := resolver.Allow(grant, user, repository.StepVisionTesting, repository.ActionUpdate, now)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("grant without the action denies", func(t *testing.T) {
		err := resolver.Allow(grant, user, repository.StepRegistration, repository.ActionComplete, now)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("expired grant falls back to the matrix", func(t *testing.T) {
		past := now.Add(-time.Minute)
		expired := &repository.AccessGrant{
			IsActive:     true,
			ExpiresAt:    &past,
			AllowedSteps: []repository.Step{repository.StepRegistration},
			Permissions:  []repository.Action{repository.ActionUpdate},
		}
		err := resolver.Allow(expired, user, repository.StepRegistration, repository.ActionUpdate, now)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
		assert.NoError(t, resolver.Allow(expired, user, repository.StepVisionTesting, repository.ActionUpdate, now))
	})
}
