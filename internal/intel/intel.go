// Package intel accumulates intelligence entities extracted from scam
// conversations (phone numbers, payment identifiers, bank accounts, links).
package intel

import (
	"strings"
	"sync"
)

// EntityType tags the kind of extracted value.
type EntityType string

const (
	PhoneNumber  EntityType = "PHONE_NUMBER"
	UPIID        EntityType = "UPI_ID"
	BankAccount  EntityType = "BANK_ACCOUNT"
	PhishingLink EntityType = "PHISHING_LINK"
)

// Entity is a single piece of extracted intelligence.
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
}

// Extracted is the categorized intelligence block returned by the backend
// with every engagement response.
type Extracted struct {
	PhoneNumbers  []string `json:"phoneNumbers,omitempty"`
	UPIIDs        []string `json:"upiIds,omitempty"`
	BankAccounts  []string `json:"bankAccounts,omitempty"`
	PhishingLinks []string `json:"phishingLinks,omitempty"`
}

// Empty reports whether no category carries a value.
func (e Extracted) Empty() bool {
	return len(e.PhoneNumbers) == 0 && len(e.UPIIDs) == 0 &&
		len(e.BankAccounts) == 0 && len(e.PhishingLinks) == 0
}

// FromExtracted flattens the categorized lists into entities in a fixed
// category order. Blank values are skipped.
func FromExtracted(x Extracted, confidence float64) []Entity {
	confidence = clamp01(confidence)
	groups := []struct {
		kind   EntityType
		values []string
	}{
		{PhoneNumber, x.PhoneNumbers},
		{UPIID, x.UPIIDs},
		{BankAccount, x.BankAccounts},
		{PhishingLink, x.PhishingLinks},
	}
	var out []Entity
	for _, g := range groups {
		for _, v := range g.values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			out = append(out, Entity{Type: g.kind, Value: v, Confidence: confidence})
		}
	}
	return out
}

// MergeResult describes what a Merge call changed.
type MergeResult struct {
	// Added holds the novel entities in the order they were appended.
	Added []Entity
	// Collisions holds dropped entities whose value matched a known entity
	// of a different type. The set keys on value alone, so these are
	// reported rather than stored.
	Collisions []Entity
}

// Set is the accumulated, value-unique entity collection of one session.
type Set struct {
	mu    sync.RWMutex
	items []Entity
	byVal map[string]EntityType
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{byVal: make(map[string]EntityType)}
}

// Merge appends the entities whose value is not yet known, preserving their
// relative order. Known entities are never replaced, reordered or removed.
func (s *Set) Merge(entities []Entity) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	for _, e := range entities {
		if known, ok := s.byVal[e.Value]; ok {
			if known != e.Type {
				res.Collisions = append(res.Collisions, e)
			}
			continue
		}
		s.byVal[e.Value] = e.Type
		s.items = append(s.items, e)
		res.Added = append(res.Added, e)
	}
	return res
}

// List returns a copy of the accumulated entities.
func (s *Set) List() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of accumulated entities.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.byVal = make(map[string]EntityType)
}

// CountByType groups entities by type.
func CountByType(entities []Entity) map[EntityType]int {
	out := make(map[EntityType]int, 4)
	for _, e := range entities {
		out[e.Type]++
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
