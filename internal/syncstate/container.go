// Package syncstate is the observable state container behind one dashboard
// session: the message store, the session metadata, the accumulated
// intelligence and the transient UI flags that drive them.
//
// All mutation goes through Container. Subscribers are notified with an
// immutable Snapshot after every change, outside the container lock.
package syncstate

import (
	"slices"
	"sync"
	"time"

	"scamwatch/internal/intel"
	"scamwatch/internal/session"
	"scamwatch/internal/transcript"
)

// PollStatus is the soft health indicator of background transcript sync.
type PollStatus struct {
	LastSuccess time.Time `json:"lastSuccess"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastError   string    `json:"lastError,omitempty"`
	Failures    int       `json:"failures"`
}

// Stale reports whether the last poll attempt failed.
func (p PollStatus) Stale() bool {
	return p.LastError != ""
}

// Snapshot is a consistent copy of the container state.
type Snapshot struct {
	Version  uint64
	Session  *session.Session
	Messages []transcript.Message
	Entities []intel.Entity
	Loading  bool
	Typing   bool
	Notice   string
	NoticeAt time.Time
	Poll     PollStatus
}

// SessionID returns the established session id or "".
func (s Snapshot) SessionID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.ID
}

// Busy reports whether a submission is outstanding.
func (s Snapshot) Busy() bool {
	return s.Loading || s.Typing
}

// Tx exposes the underlying stores inside Container.Apply.
type Tx struct {
	Messages *transcript.Store
	Session  *session.State
	Entities *intel.Set
	c        *Container
}

// Reset clears every store and flag inside the running Apply.
func (tx Tx) Reset() {
	tx.Messages.Clear()
	tx.Session.Clear()
	tx.Entities.Clear()
	tx.c.loading, tx.c.typing = false, false
	tx.c.notice, tx.c.noticeAt = "", time.Time{}
	tx.c.poll = PollStatus{}
}

func (tx Tx) SetLoading(v bool) { tx.c.loading = v }
func (tx Tx) SetTyping(v bool)  { tx.c.typing = v }

// SetNotice sets the user-visible failure notice; "" clears it.
func (tx Tx) SetNotice(text string) {
	tx.c.notice = text
	if text == "" {
		tx.c.noticeAt = time.Time{}
		return
	}
	tx.c.noticeAt = tx.c.now()
}

// Container owns the state of one session's lifetime.
type Container struct {
	mu       sync.Mutex
	messages *transcript.Store
	session  *session.State
	entities *intel.Set

	loading  bool
	typing   bool
	notice   string
	noticeAt time.Time
	poll     PollStatus
	version  uint64

	subMu  sync.RWMutex
	subs   map[int]func(Snapshot)
	nextID int

	now func() time.Time
}

// New returns an empty container.
func New() *Container {
	return &Container{
		messages: transcript.NewStore(),
		session:  session.NewState(),
		entities: intel.NewSet(),
		subs:     make(map[int]func(Snapshot)),
		now:      time.Now,
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the mutating goroutine and must not block.
// Concurrent mutations may deliver snapshots out of order; compare Version.
func (c *Container) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Apply runs fn with exclusive access to the stores and notifies
// subscribers once afterwards, even when fn returns an error.
func (c *Container) Apply(fn func(tx Tx) error) error {
	c.mu.Lock()
	err := fn(Tx{Messages: c.messages, Session: c.session, Entities: c.entities, c: c})
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return err
}

// View runs fn with read access to the stores without notifying anyone.
func (c *Container) View(fn func(tx Tx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(Tx{Messages: c.messages, Session: c.session, Entities: c.entities, c: c})
}

// Snapshot returns the current state.
func (c *Container) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Reset clears every store and flag, ending the local session.
func (c *Container) Reset() {
	_ = c.Apply(func(tx Tx) error {
		tx.Reset()
		return nil
	})
}

// Restore loads a previously persisted snapshot. Transient flags are not
// restored: nothing can be in flight in a fresh process.
func (c *Container) Restore(s Snapshot) {
	_ = c.Apply(func(tx Tx) error {
		tx.Messages.Replace(s.Messages)
		tx.Session.Clear()
		if s.Session != nil {
			tx.Session.Restore(*s.Session)
		}
		tx.Entities.Clear()
		tx.Entities.Merge(s.Entities)
		c.loading, c.typing = false, false
		c.notice, c.noticeAt = "", time.Time{}
		c.poll = PollStatus{}
		return nil
	})
}

// HasSession reports whether a session has been established.
func (c *Container) HasSession() bool {
	return c.session.Exists()
}

// Session returns the current session, if any.
func (c *Container) Session() (session.Session, bool) {
	return c.session.Current()
}

// Message returns a copy of the message with the given id.
func (c *Container) Message(id string) (transcript.Message, bool) {
	return c.messages.Get(id)
}

// ReplaceTranscript swaps the transcript for msgs if sessionID is still the
// current session. It reports whether the replacement happened.
//
// Local messages the server has not confirmed (sending or error) are not
// part of msgs; they are kept after it in their original order.
func (c *Container) ReplaceTranscript(sessionID string, msgs []transcript.Message) bool {
	replaced := false
	_ = c.Apply(func(tx Tx) error {
		cur, ok := tx.Session.Current()
		if !ok || cur.ID != sessionID {
			return nil
		}
		tx.Messages.Replace(withUnconfirmed(msgs, tx.Messages.List()))
		replaced = true
		return nil
	})
	return replaced
}

func withUnconfirmed(server, local []transcript.Message) []transcript.Message {
	known := make(map[string]struct{}, len(server))
	for _, m := range server {
		known[m.ID] = struct{}{}
	}
	out := slices.Clone(server)
	for _, m := range local {
		if m.Status == transcript.StatusSent {
			continue
		}
		if _, ok := known[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// RecordPoll stores the outcome of a background fetch. Failures leave the
// transcript untouched.
func (c *Container) RecordPoll(err error) {
	_ = c.Apply(func(Tx) error {
		now := c.now()
		c.poll.LastAttempt = now
		if err != nil {
			c.poll.LastError = err.Error()
			c.poll.Failures++
			return nil
		}
		c.poll.LastSuccess = now
		c.poll.LastError = ""
		c.poll.Failures = 0
		return nil
	})
}

// ClearNotice drops the failure notice.
func (c *Container) ClearNotice() {
	_ = c.Apply(func(tx Tx) error {
		tx.SetNotice("")
		return nil
	})
}

func (c *Container) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:  c.version,
		Messages: c.messages.List(),
		Entities: c.entities.List(),
		Loading:  c.loading,
		Typing:   c.typing,
		Notice:   c.notice,
		NoticeAt: c.noticeAt,
		Poll:     c.poll,
	}
	if s, ok := c.session.Current(); ok {
		snap.Session = &s
	}
	return snap
}

func (c *Container) notify(snap Snapshot) {
	c.subMu.RLock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}
