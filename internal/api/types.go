// Package api is the HTTP client for the remote engagement backend.
package api

import (
	"time"

	"scamwatch/internal/intel"
)

// EngageRequest starts a new engagement session.
type EngageRequest struct {
	ScammerMessage string `json:"scammerMessage"`
	Persona        string `json:"persona,omitempty"`
}

// ContinueRequest carries the next scammer message of a session.
type ContinueRequest struct {
	ScammerMessage string `json:"scammerMessage"`
}

// EngageResponse is returned by both engage and continue.
type EngageResponse struct {
	SessionID             string          `json:"sessionId"`
	AgentReply            string          `json:"agentReply"`
	PersonaUsed           string          `json:"personaUsed,omitempty"`
	ScamType              string          `json:"scamType,omitempty"`
	Confidence            float64         `json:"confidence"`
	ExtractedIntelligence intel.Extracted `json:"extractedIntelligence"`
	SessionStatus         string          `json:"sessionStatus"`
	TurnNumber            int             `json:"turnNumber"`
}

// TranscriptEntry is one server-side message of a session.
type TranscriptEntry struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	CreatedAt  time.Time      `json:"createdAt"`
	TurnNumber int            `json:"turnNumber,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TranscriptResponse wraps the transcript list.
type TranscriptResponse struct {
	SessionID string            `json:"sessionId,omitempty"`
	Messages  []TranscriptEntry `json:"messages"`
}

// SessionDetail is the backend's snapshot of session metadata.
type SessionDetail struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	PersonaUsed string          `json:"personaUsed,omitempty"`
	ScamType    string          `json:"scamType,omitempty"`
	TurnCount   int             `json:"turnCount"`
	Confidence  float64         `json:"confidence"`
	Extracted   intel.Extracted `json:"extractedIntelligence"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ErrorResponse is the JSON error body the backend returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
