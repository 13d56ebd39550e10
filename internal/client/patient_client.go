package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/httpclient"
)

// PatientHTTPClient is a client for the patient registry service.
type PatientHTTPClient struct {
	client *httpclient.Client
}

// NewPatientClient creates a new patient registry client.
func NewPatientClient(baseURL string, timeout time.Duration) *PatientHTTPClient {
	return &PatientHTTPClient{client: httpclient.NewClient(baseURL, timeout)}
}

type patientResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetPatientName returns the patient display name, or a placeholder when the
// registry is unreachable or the patient is unknown.
func (c *PatientHTTPClient) GetPatientName(ctx context.Context, patientID string) string {
	var resp patientResponse
	path := fmt.Sprintf("/api/v1/patients/%s", url.PathEscape(patientID))
	if err := c.client.Get(ctx, path, &resp); err != nil || resp.Name == "" {
		return fmt.Sprintf("Patient-%s", patientID)
	}
	return resp.Name
}

var _ PatientClient = (*PatientHTTPClient)(nil)
