// Package transcript holds the ordered message list of one engagement
// session and enforces the per-message delivery lifecycle.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Role identifies who produced a message.
type Role string

const (
	RoleScammer Role = "scammer"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
)

// ParseRole maps wire role names onto a Role. Unknown roles become system.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "scammer", "user", "scammer-input", "scammer_input":
		return RoleScammer
	case "agent", "assistant", "honeypot", "persona", "agent-reply", "agent_reply":
		return RoleAgent
	default:
		return RoleSystem
	}
}

// Status is the delivery state of a message.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Failure is attached to messages in StatusError.
type Failure struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// Message is one conversation turn. Content is immutable once created.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	TurnNumber int            `json:"turnNumber,omitempty"`
	Status     Status         `json:"status"`
	Failure    *Failure       `json:"failure,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Retryable reports whether the message failed and may be resubmitted.
func (m Message) Retryable() bool {
	return m.Status == StatusError && m.Failure != nil && m.Failure.Retryable
}

func (m Message) clone() Message {
	if m.Failure != nil {
		f := *m.Failure
		m.Failure = &f
	}
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// Patch carries the mutable fields of a message. Nil fields are left alone.
type Patch struct {
	Status  *Status
	Failure *Failure
}

// StatusPatch is shorthand for a patch that only changes status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// FailurePatch moves a message to StatusError with the given failure.
func FailurePatch(reason string, retryable bool) Patch {
	s := StatusError
	return Patch{Status: &s, Failure: &Failure{Reason: reason, Retryable: retryable}}
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusSending && (to == StatusSent || to == StatusError)
}

// Store is an ordered message sequence. Enumeration order is append order.
type Store struct {
	mu   sync.RWMutex
	msgs []Message
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append adds msg at the end of the sequence.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg.clone())
}

// Patch merges p into the message with the given id and returns the
// updated copy. The store is left untouched on error.
func (s *Store) Patch(id string, p Patch) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}
	next := s.msgs[i].clone()
	if p.Status != nil {
		if !canTransition(next.Status, *p.Status) {
			return Message{}, fmt.Errorf("patch %s: %s -> %s: %w", id, next.Status, *p.Status, ErrIllegalTransition)
		}
		next.Status = *p.Status
	}
	if p.Failure != nil {
		f := *p.Failure
		next.Failure = &f
	}
	if next.Status != StatusError {
		next.Failure = nil
	}
	s.msgs[i] = next
	return next.clone(), nil
}

// Remove deletes the message with the given id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.msgs = append(s.msgs[:i:i], s.msgs[i+1:]...)
	return true
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

// Replace swaps the whole sequence for msgs.
func (s *Store) Replace(msgs []Message) {
	next := make([]Message, len(msgs))
	for i, m := range msgs {
		next[i] = m.clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = next
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	return s.msgs[i].clone(), true
}

// List returns copies of all messages in order.
func (s *Store) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *Store) indexLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
