package client

import (
	"context"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
	"github.com/visioncare/be-screening-workflow/internal/auth"
	"github.com/visioncare/be-screening-workflow/internal/httpclient"
)

// IdentityHTTPClient is a client for the platform identity service.
type IdentityHTTPClient struct {
	client *httpclient.Client
}

// NewIdentityClient creates a new identity service client.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityHTTPClient {
	return &IdentityHTTPClient{client: httpclient.NewClient(baseURL, timeout)}
}

type introspectRequest struct {
	Token string `json:"token"`
}

type introspectResponse struct {
	Active      bool   `json:"active"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Authenticate resolves a bearer token into a user identity.
func (c *IdentityHTTPClient) Authenticate(ctx context.Context, token string) (*auth.UserContext, error) {
	var resp introspectResponse
	if err := c.client.Post(ctx, "/api/v1/auth/introspect", introspectRequest{Token: token}, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "identity service rejected credentials")
	}
	if !resp.Active || resp.UserID == "" {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "credential is not active")
	}
	return &auth.UserContext{
		UserID:      resp.UserID,
		DisplayName: resp.DisplayName,
		Role:        resp.Role,
	}, nil
}

var _ IdentityClient = (*IdentityHTTPClient)(nil)
