package http

import "github.com/fyrsmithlabs/agentd/internal/plan"

// AskRequest is the body of POST /api/v1/sessions/:id/requests.
type AskRequest struct {
	Text string `json:"text"`
	Hint string `json:"hint,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// PlansResponse is the response body for GET /api/v1/sessions/:id/plans.
type PlansResponse struct {
	SessionID string        `json:"session_id"`
	Plans     []plan.Record `json:"plans"`
}
