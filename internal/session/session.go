// Package session tracks the metadata of the single engagement session a
// dashboard is attached to.
package session

import (
	"strings"
	"sync"
	"time"
)

// Status is the backend-reported lifecycle of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus normalizes a wire status. Unknown values report false.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "in_progress", "ongoing":
		return StatusActive, true
	case "completed", "complete", "closed", "ended":
		return StatusCompleted, true
	case "failed", "error":
		return StatusFailed, true
	default:
		return "", false
	}
}

// RiskLevel buckets a scam confidence score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskFromConfidence is the four-tier threat policy. Lower bounds are
// inclusive.
func RiskFromConfidence(c float64) RiskLevel {
	switch {
	case c >= 0.8:
		return RiskCritical
	case c >= 0.6:
		return RiskHigh
	case c >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClassifyRisk is the risk recorded on a session when a response classifies
// a scam type. It never yields CRITICAL; that tier belongs to the threat
// badge computed by RiskFromConfidence.
func ClassifyRisk(c float64) RiskLevel {
	switch {
	case c >= 0.8:
		return RiskHigh
	case c >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Session is a snapshot of the engagement metadata.
type Session struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	PersonaUsed string    `json:"personaUsed,omitempty"`
	ScamType    string    `json:"scamType,omitempty"`
	TurnCount   int       `json:"turnCount"`
	Confidence  float64   `json:"confidence"`
	RiskLevel   RiskLevel `json:"riskLevel,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Active reports whether the backend still drives the session.
func (s Session) Active() bool {
	return s.Status == StatusActive
}

// ThreatLevel is the four-tier badge for the session confidence.
func (s Session) ThreatLevel() RiskLevel {
	return RiskFromConfidence(s.Confidence)
}

// Fields is a partial session update. Nil pointers are left alone.
type Fields struct {
	ID          *string
	Status      *Status
	PersonaUsed *string
	ScamType    *string
	TurnCount   *int
	Confidence  *float64
	RiskLevel   *RiskLevel
}

// State holds at most one session.
type State struct {
	mu      sync.RWMutex
	current *Session
	now     func() time.Time
}

// NewState returns an empty state.
func NewState() *State {
	return &State{now: time.Now}
}

// Update merges f into the current session, creating it when none exists.
// The id is only replaced by a non-empty id; persona and scam type are never
// cleared; the turn count never decreases.
func (st *State) Update(f Fields) Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	if st.current == nil {
		st.current = &Session{Status: StatusActive, StartedAt: now}
	}
	s := st.current
	if f.ID != nil && *f.ID != "" {
		s.ID = *f.ID
	}
	if f.Status != nil && *f.Status != "" {
		s.Status = *f.Status
	}
	if f.PersonaUsed != nil && *f.PersonaUsed != "" {
		s.PersonaUsed = *f.PersonaUsed
	}
	if f.ScamType != nil && *f.ScamType != "" {
		s.ScamType = *f.ScamType
	}
	if f.TurnCount != nil && *f.TurnCount > s.TurnCount {
		s.TurnCount = *f.TurnCount
	}
	if f.Confidence != nil {
		s.Confidence = *f.Confidence
	}
	if f.RiskLevel != nil && *f.RiskLevel != "" {
		s.RiskLevel = *f.RiskLevel
	}
	s.UpdatedAt = now
	return *s
}

// Restore replaces the state with s.
func (st *State) Restore(s Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := s
	st.current = &cp
}

// Clear drops the session.
func (st *State) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = nil
}

// Current returns the session, if any.
func (st *State) Current() (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.current == nil {
		return Session{}, false
	}
	return *st.current, true
}

// Exists reports whether a session has been established.
func (st *State) Exists() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current != nil
}
