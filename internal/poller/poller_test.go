package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamwatch/internal/api"
	"scamwatch/internal/engine"
	"scamwatch/internal/intel"
	"scamwatch/internal/metrics"
	"scamwatch/internal/session"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

type fakeSource struct {
	mu      sync.Mutex
	status  string
	entries []api.TranscriptEntry
	fail    error
	calls   atomic.Int32
}

func (f *fakeSource) FetchTranscript(_ context.Context, _ string) ([]api.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return append([]api.TranscriptEntry(nil), f.entries...), nil
}

func (f *fakeSource) FetchSessionDetail(_ context.Context, id string) (*api.SessionDetail, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &api.SessionDetail{
		ID:          id,
		Status:      f.status,
		PersonaUsed: "elderly",
		ScamType:    "UPI_FRAUD",
		TurnCount:   2,
		Confidence:  0.7,
		Extracted:   intel.Extracted{UPIIDs: []string{"pay@ybl"}},
	}, nil
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func activeState(id string) *syncstate.Container {
	c := syncstate.New()
	_ = c.Apply(func(tx syncstate.Tx) error {
		tx.Messages.Append(transcript.Message{ID: "local-1", Role: transcript.RoleScammer, Content: "hi", Status: transcript.StatusSent})
		tx.Session.Update(session.Fields{ID: &id})
		return nil
	})
	return c
}

func serverEntries() []api.TranscriptEntry {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return []api.TranscriptEntry{
		{ID: "b", Role: "agent", Content: "who is this?", CreatedAt: t0.Add(time.Second), TurnNumber: 1},
		{ID: "c", Role: "scammer", Content: "pay now", CreatedAt: t0.Add(2 * time.Second), TurnNumber: 2},
		{ID: "a", Role: "scammer", Content: "hi", CreatedAt: t0, TurnNumber: 1},
		{ID: "d", Role: "agent", Content: "ok", CreatedAt: t0.Add(2 * time.Second), TurnNumber: 2},
	}
}

func ids(msgs []transcript.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestRefreshReplacesTranscriptInServerOrder(t *testing.T) {
	src := &fakeSource{status: "active", entries: serverEntries()}
	state := activeState("sess_1")
	s := New(state, src)

	require.NoError(t, s.Refresh(context.Background()))

	snap := state.Snapshot()
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(snap.Messages))
	for _, m := range snap.Messages {
		assert.Equal(t, transcript.StatusSent, m.Status)
	}
	assert.Equal(t, transcript.RoleAgent, snap.Messages[1].Role)
	assert.Equal(t, "UPI_FRAUD", snap.Session.ScamType)
	assert.Equal(t, 2, snap.Session.TurnCount)
	assert.Equal(t, session.RiskMedium, snap.Session.RiskLevel)
	require.Len(t, snap.Entities, 1)
	assert.False(t, snap.Poll.Stale())
	assert.False(t, snap.Poll.LastSuccess.IsZero())
}

func TestRefreshFailureKeepsTranscript(t *testing.T) {
	m := metrics.New()
	src := &fakeSource{status: "active", fail: errors.New("502 bad gateway")}
	state := activeState("sess_1")
	s := New(state, src, WithMetrics(m))

	err := s.Refresh(context.Background())
	require.Error(t, err)

	snap := state.Snapshot()
	assert.Equal(t, []string{"local-1"}, ids(snap.Messages))
	assert.True(t, snap.Poll.Stale())
	assert.Equal(t, 1, snap.Poll.Failures)
	assert.Contains(t, snap.Poll.LastError, "502")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Polls.WithLabelValues("manual", "error")))

	src.set(func(f *fakeSource) { f.fail = nil; f.entries = serverEntries() })
	require.NoError(t, s.Refresh(context.Background()))
	snap = state.Snapshot()
	assert.False(t, snap.Poll.Stale())
	assert.Equal(t, 0, snap.Poll.Failures)
}

type fakeBackend struct {
	cont func(ctx context.Context) (*api.EngageResponse, error)
}

func (b *fakeBackend) Engage(context.Context, string, string) (*api.EngageResponse, error) {
	return nil, errors.New("unexpected engage")
}

func (b *fakeBackend) Continue(ctx context.Context, _, _ string) (*api.EngageResponse, error) {
	return b.cont(ctx)
}

func firstTurn() []api.TranscriptEntry {
	var out []api.TranscriptEntry
	for _, e := range serverEntries() {
		if e.TurnNumber == 1 {
			out = append(out, e)
		}
	}
	return out
}

func TestFailedMessageSurvivesRefreshAndRetries(t *testing.T) {
	src := &fakeSource{status: "active", entries: firstTurn()}
	state := activeState("sess_1")
	b := &fakeBackend{cont: func(context.Context) (*api.EngageResponse, error) {
		return nil, errors.New("503 service unavailable")
	}}
	e := engine.New(state, b)
	s := New(state, src)

	failed := e.Send(context.Background(), "send the otp")
	require.Error(t, failed.Err)

	require.NoError(t, s.Refresh(context.Background()))
	snap := state.Snapshot()
	assert.Equal(t, []string{"a", "b", failed.MessageID}, ids(snap.Messages))
	assert.True(t, snap.Messages[2].Retryable())
	assert.NotEmpty(t, snap.Notice)

	b.cont = func(context.Context) (*api.EngageResponse, error) {
		return &api.EngageResponse{SessionID: "sess_1", AgentReply: "which otp?", SessionStatus: "active", TurnNumber: 3}, nil
	}
	retried := e.Retry(context.Background(), failed.MessageID)
	require.NoError(t, retried.Err)
	assert.Equal(t, engine.OutcomeSettled, retried.Outcome)

	snap = state.Snapshot()
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "send the otp", snap.Messages[2].Content)
	assert.Equal(t, transcript.StatusSent, snap.Messages[2].Status)
	assert.Equal(t, "which otp?", snap.Messages[3].Content)
	assert.Empty(t, snap.Notice)
}

func TestSendingMessageSurvivesPollDuringContinue(t *testing.T) {
	src := &fakeSource{status: "active", entries: firstTurn()}
	state := activeState("sess_1")
	entered := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBackend{cont: func(context.Context) (*api.EngageResponse, error) {
		close(entered)
		<-release
		return &api.EngageResponse{SessionID: "sess_1", AgentReply: "ok", SessionStatus: "active", TurnNumber: 2}, nil
	}}
	e := engine.New(state, b)
	s := New(state, src)

	done := make(chan engine.Result)
	go func() { done <- e.Send(context.Background(), "pay now") }()
	<-entered

	require.NoError(t, s.Refresh(context.Background()))
	snap := state.Snapshot()
	require.Len(t, snap.Messages, 3)
	pending := snap.Messages[2]
	assert.Equal(t, "pay now", pending.Content)
	assert.Equal(t, transcript.StatusSending, pending.Status)

	close(release)
	res := <-done
	require.NoError(t, res.Err)
	settled, ok := state.Message(pending.ID)
	require.True(t, ok)
	assert.Equal(t, transcript.StatusSent, settled.Status)

	// Once the server has the turn, its copy replaces the local one.
	src.set(func(f *fakeSource) { f.entries = serverEntries() })
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(state.Snapshot().Messages))
}

func TestRefreshWithoutSession(t *testing.T) {
	s := New(syncstate.New(), &fakeSource{})
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNoSession)
}

func TestStalePollIsDiscarded(t *testing.T) {
	state := activeState("sess_1")
	s := New(state, &fakeSource{status: "active", entries: serverEntries()})

	state.Reset()
	id := "sess_2"
	_ = state.Apply(func(tx syncstate.Tx) error {
		tx.Session.Update(session.Fields{ID: &id})
		return nil
	})

	require.NoError(t, s.fetch(context.Background(), "sess_1"))
	snap := state.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Entities)
	assert.Equal(t, "sess_2", snap.SessionID())
}

func TestWatchFollowsSessionActivity(t *testing.T) {
	src := &fakeSource{status: "active", entries: serverEntries()}
	state := syncstate.New()
	s := New(state, src, WithInterval(10*time.Millisecond))
	s.Start()
	defer s.Close()

	assert.Empty(t, s.Watching())

	id := "sess_1"
	_ = state.Apply(func(tx syncstate.Tx) error {
		tx.Session.Update(session.Fields{ID: &id})
		return nil
	})
	assert.Equal(t, "sess_1", s.Watching())

	require.Eventually(t, func() bool {
		return len(state.Snapshot().Messages) == 4
	}, 2*time.Second, 5*time.Millisecond)

	// The backend completes the session; polling must switch off.
	src.set(func(f *fakeSource) { f.status = "completed" })
	require.Eventually(t, func() bool { return s.Watching() == "" }, 2*time.Second, 5*time.Millisecond)

	snap := state.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Session.Status)

	settled := src.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, src.calls.Load())
}

func TestWatchStopsOnReset(t *testing.T) {
	state := activeState("sess_1")
	s := New(state, &fakeSource{status: "active"}, WithInterval(time.Hour))
	s.Start()
	defer s.Close()

	assert.Equal(t, "sess_1", s.Watching())
	state.Reset()
	assert.Empty(t, s.Watching())
}

func TestCloseIsIdempotent(t *testing.T) {
	state := activeState("sess_1")
	s := New(state, &fakeSource{status: "active"}, WithInterval(time.Millisecond))
	s.Start()
	s.Close()
	s.Close()
	assert.Empty(t, s.Watching())

	// A closed Sync ignores further state changes.
	id := "sess_9"
	_ = state.Apply(func(tx syncstate.Tx) error {
		tx.Session.Update(session.Fields{ID: &id})
		return nil
	})
	assert.Empty(t, s.Watching())
}
