package repository

import "github.com/visioncare/be-screening-workflow/internal/apperrors"

func errNotFound(resource, id string) error {
	return apperrors.NotFound(resource, id)
}

func errConflict(format string, args ...any) error {
	return apperrors.Conflictf(format, args...)
}
