package client

import (
	"context"

	"github.com/visioncare/be-screening-workflow/internal/auth"
)

// IdentityClient resolves bearer credentials into user identities.
type IdentityClient interface {
	Authenticate(ctx context.Context, token string) (*auth.UserContext, error)
}

// PatientClient resolves patient ids into display names. Lookup failures are
// non-fatal; implementations fall back to a placeholder name.
type PatientClient interface {
	GetPatientName(ctx context.Context, patientID string) string
}
