package syncstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamwatch/internal/intel"
	"scamwatch/internal/session"
	"scamwatch/internal/transcript"
)

func ptr[T any](v T) *T { return &v }

func TestApplyNotifiesOnce(t *testing.T) {
	c := New()
	var got []Snapshot
	unsub := c.Subscribe(func(s Snapshot) { got = append(got, s) })
	defer unsub()

	err := c.Apply(func(tx Tx) error {
		tx.Messages.Append(transcript.Message{ID: "m1", Status: transcript.StatusSent})
		tx.Session.Update(session.Fields{ID: ptr("s1")})
		tx.Entities.Merge([]intel.Entity{{Type: intel.UPIID, Value: "a@b"}})
		tx.SetLoading(true)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	snap := got[0]
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, "s1", snap.SessionID())
	assert.Len(t, snap.Messages, 1)
	assert.Len(t, snap.Entities, 1)
	assert.True(t, snap.Busy())
}

func TestApplyPropagatesError(t *testing.T) {
	c := New()
	calls := 0
	c.Subscribe(func(Snapshot) { calls++ })

	boom := errors.New("boom")
	err := c.Apply(func(Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	c := New()
	calls := 0
	unsub := c.Subscribe(func(Snapshot) { calls++ })
	c.ClearNotice()
	unsub()
	unsub()
	c.ClearNotice()
	assert.Equal(t, 1, calls)
}

func TestReplaceTranscriptRequiresCurrentSession(t *testing.T) {
	c := New()
	msgs := []transcript.Message{{ID: "srv-1", Status: transcript.StatusSent}}

	assert.False(t, c.ReplaceTranscript("s1", msgs), "no session yet")

	_ = c.Apply(func(tx Tx) error {
		tx.Session.Update(session.Fields{ID: ptr("s1")})
		return nil
	})
	assert.False(t, c.ReplaceTranscript("other", msgs))
	assert.True(t, c.ReplaceTranscript("s1", msgs))
	assert.Len(t, c.Snapshot().Messages, 1)
}

func TestReplaceTranscriptKeepsUnconfirmedMessages(t *testing.T) {
	c := New()
	_ = c.Apply(func(tx Tx) error {
		tx.Session.Update(session.Fields{ID: ptr("s1")})
		tx.Messages.Append(transcript.Message{ID: "local-1", Content: "hi", Status: transcript.StatusSent})
		tx.Messages.Append(transcript.Message{ID: "local-2", Content: "pay?", Status: transcript.StatusError,
			Failure: &transcript.Failure{Reason: "503", Retryable: true}})
		tx.Messages.Append(transcript.Message{ID: "local-3", Content: "hello", Status: transcript.StatusSending})
		return nil
	})

	server := []transcript.Message{
		{ID: "srv-1", Content: "hi", Status: transcript.StatusSent},
		{ID: "srv-2", Content: "who?", Status: transcript.StatusSent},
	}
	require.True(t, c.ReplaceTranscript("s1", server))

	msgs := c.Snapshot().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "srv-2", msgs[1].ID)
	assert.Equal(t, "local-2", msgs[2].ID)
	assert.True(t, msgs[2].Retryable())
	assert.Equal(t, "local-3", msgs[3].ID)
	assert.Equal(t, transcript.StatusSending, msgs[3].Status)
}

func TestRecordPollKeepsTranscript(t *testing.T) {
	c := New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }
	_ = c.Apply(func(tx Tx) error {
		tx.Messages.Append(transcript.Message{ID: "m1", Status: transcript.StatusSent})
		return nil
	})

	c.RecordPoll(errors.New("503"))
	c.RecordPoll(errors.New("503"))
	snap := c.Snapshot()
	assert.True(t, snap.Poll.Stale())
	assert.Equal(t, 2, snap.Poll.Failures)
	assert.Len(t, snap.Messages, 1)

	c.RecordPoll(nil)
	snap = c.Snapshot()
	assert.False(t, snap.Poll.Stale())
	assert.Equal(t, now, snap.Poll.LastSuccess)
	assert.Zero(t, snap.Poll.Failures)
}

func TestResetAndRestore(t *testing.T) {
	c := New()
	_ = c.Apply(func(tx Tx) error {
		tx.Messages.Append(transcript.Message{ID: "m1", Status: transcript.StatusSent})
		tx.Session.Update(session.Fields{ID: ptr("s1"), TurnCount: ptr(3)})
		tx.Entities.Merge([]intel.Entity{{Type: intel.PhoneNumber, Value: "1"}})
		tx.SetTyping(true)
		tx.SetNotice("failed")
		return nil
	})
	saved := c.Snapshot()

	c.Reset()
	snap := c.Snapshot()
	assert.Nil(t, snap.Session)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Entities)
	assert.False(t, snap.Busy())
	assert.Empty(t, snap.Notice)

	c.Restore(saved)
	snap = c.Snapshot()
	require.NotNil(t, snap.Session)
	assert.Equal(t, 3, snap.Session.TurnCount)
	assert.Len(t, snap.Messages, 1)
	assert.Len(t, snap.Entities, 1)
	assert.False(t, snap.Typing, "transient flags are not restored")
}
