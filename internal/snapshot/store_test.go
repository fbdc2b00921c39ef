package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamwatch/internal/intel"
	"scamwatch/internal/session"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "scamwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func populated() *syncstate.Container {
	c := syncstate.New()
	id, scam := "sess_1", "UPI_FRAUD"
	turn, conf := 2, 0.83
	_ = c.Apply(func(tx syncstate.Tx) error {
		tx.Messages.Append(transcript.Message{ID: "m1", Role: transcript.RoleScammer, Content: "pay", Status: transcript.StatusSent, TurnNumber: 1})
		tx.Messages.Append(transcript.Message{ID: "m2", Role: transcript.RoleAgent, Content: "how?", Status: transcript.StatusSent, TurnNumber: 1})
		tx.Messages.Append(transcript.Message{ID: "m3", Role: transcript.RoleScammer, Content: "now", Status: transcript.StatusSending, TurnNumber: 2})
		tx.Session.Update(session.Fields{ID: &id, ScamType: &scam, TurnCount: &turn, Confidence: &conf})
		tx.Entities.Merge([]intel.Entity{{Type: intel.UPIID, Value: "x@ybl", Confidence: conf}})
		tx.SetTyping(true)
		return nil
	})
	return c
}

func TestLoadEmptySlot(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveLoadRestore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	src := populated()
	require.NoError(t, s.Save(ctx, "default", src.Snapshot()))

	snap, ok, err := s.Load(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "sess_1", snap.Session.ID)
	assert.Equal(t, 2, snap.Session.TurnCount)
	require.Len(t, snap.Messages, 3)
	require.Len(t, snap.Entities, 1)

	interrupted := snap.Messages[2]
	assert.Equal(t, transcript.StatusError, interrupted.Status)
	assert.True(t, interrupted.Retryable())

	dst := syncstate.New()
	dst.Restore(snap)
	got := dst.Snapshot()
	assert.Equal(t, "sess_1", got.SessionID())
	assert.False(t, got.Typing)
	assert.Len(t, got.Messages, 3)
}

func TestSaveOverwritesAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "default", populated().Snapshot()))
	require.NoError(t, s.Save(ctx, "default", syncstate.New().Snapshot()))

	snap, ok, err := s.Load(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, snap.Session)
	assert.Empty(t, snap.Messages)

	require.NoError(t, s.Delete(ctx, "default"))
	_, ok, err = s.Load(ctx, "default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaverPersistsLatestState(t *testing.T) {
	s := openStore(t)
	state := syncstate.New()
	saver := NewSaver(s, "default", state, nil)

	id := "sess_7"
	for i := 0; i < 20; i++ {
		_ = state.Apply(func(tx syncstate.Tx) error {
			tx.Messages.Append(transcript.Message{ID: fmt.Sprintf("m%d", i), Role: transcript.RoleScammer, Content: "x", Status: transcript.StatusSent})
			tx.Session.Update(session.Fields{ID: &id})
			return nil
		})
	}
	saver.Close()
	saver.Close()

	snap, ok, err := s.Load(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess_7", snap.SessionID())
	assert.Len(t, snap.Messages, 20)
}
