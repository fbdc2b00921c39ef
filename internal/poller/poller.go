// Package poller keeps the local transcript in step with the backend while a
// session is active.
package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"scamwatch/internal/api"
	"scamwatch/internal/intel"
	"scamwatch/internal/metrics"
	"scamwatch/internal/session"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

// DefaultInterval is the tick period of the background fetch.
const DefaultInterval = 3 * time.Second

// ErrNoSession is returned by Refresh when there is nothing to fetch.
var ErrNoSession = errors.New("no session to refresh")

// Source is the read side of the remote API.
type Source interface {
	FetchTranscript(ctx context.Context, sessionID string) ([]api.TranscriptEntry, error)
	FetchSessionDetail(ctx context.Context, sessionID string) (*api.SessionDetail, error)
}

type Option func(*Sync)

func WithInterval(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sync) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sync) { s.metrics = m } }

// Sync runs at most one periodic fetch task, bound to the active session.
type Sync struct {
	state    *syncstate.Container
	src      Source
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	watching string
	cancel   context.CancelFunc
	unsub    func()
	closed   bool
	wg       sync.WaitGroup

	// fetchMu keeps tick and manual fetches from landing out of order.
	fetchMu sync.Mutex
}

// New returns a stopped Sync. Call Start to follow the container.
func New(state *syncstate.Container, src Source, opts ...Option) *Sync {
	s := &Sync{
		state:    state,
		src:      src,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the container and evaluates the current state once.
func (s *Sync) Start() {
	s.mu.Lock()
	if s.closed || s.unsub != nil {
		s.mu.Unlock()
		return
	}
	s.unsub = s.state.Subscribe(s.Watch)
	s.mu.Unlock()
	s.Watch(s.state.Snapshot())
}

// Watch starts, keeps or cancels the periodic task for snap. It never
// blocks on the task itself, so it is safe to call from a subscriber.
func (s *Sync) Watch(snap syncstate.Snapshot) {
	want := ""
	if snap.Session != nil && snap.Session.ID != "" && snap.Session.Active() {
		want = snap.Session.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || want == s.watching {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.logger.Debug("transcript polling stopped", zap.String("session_id", s.watching))
	}
	s.watching = want
	if want == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, want)
	s.logger.Debug("transcript polling started",
		zap.String("session_id", want),
		zap.Duration("interval", s.interval),
	)
}

// Watching returns the session id the periodic task runs for, or "".
func (s *Sync) Watching() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching
}

// Refresh fetches the current session out of band. The tick schedule is
// left as it is.
func (s *Sync) Refresh(ctx context.Context) error {
	id := s.state.Snapshot().SessionID()
	if id == "" {
		return ErrNoSession
	}
	err := s.fetch(ctx, id)
	s.metrics.ObservePoll("manual", err)
	return err
}

// Close cancels the periodic task and waits for it to exit.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.watching = ""
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sync) run(ctx context.Context, sessionID string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.fetch(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			s.metrics.ObservePoll("tick", err)
		}
	}
}

// fetch pulls detail and transcript for sessionID and folds them into the
// container. Results for a session that is no longer current are dropped.
func (s *Sync) fetch(ctx context.Context, sessionID string) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	detail, err := s.src.FetchSessionDetail(ctx, sessionID)
	if err == nil {
		var entries []api.TranscriptEntry
		entries, err = s.src.FetchTranscript(ctx, sessionID)
		if err == nil {
			s.apply(sessionID, detail, entries)
			return nil
		}
		err = fmt.Errorf("fetch transcript: %w", err)
	} else {
		err = fmt.Errorf("fetch session detail: %w", err)
	}

	if ctx.Err() != nil {
		return err
	}
	if s.state.Snapshot().SessionID() == sessionID {
		s.state.RecordPoll(err)
	}
	s.logger.Warn("transcript poll failed", zap.String("session_id", sessionID), zap.Error(err))
	return err
}

func (s *Sync) apply(sessionID string, detail *api.SessionDetail, entries []api.TranscriptEntry) {
	if !s.state.ReplaceTranscript(sessionID, toMessages(entries)) {
		s.logger.Debug("discarding poll for a stale session", zap.String("session_id", sessionID))
		return
	}
	if detail != nil {
		_ = s.state.Apply(func(tx syncstate.Tx) error {
			cur, ok := tx.Session.Current()
			if !ok || cur.ID != sessionID {
				return nil
			}
			tx.Session.Update(detailFields(detail))
			tx.Entities.Merge(intel.FromExtracted(detail.Extracted, detail.Confidence))
			return nil
		})
	}
	s.state.RecordPoll(nil)
}

func detailFields(d *api.SessionDetail) session.Fields {
	f := session.Fields{
		PersonaUsed: &d.PersonaUsed,
		ScamType:    &d.ScamType,
		TurnCount:   &d.TurnCount,
	}
	if st, ok := session.ParseStatus(d.Status); ok {
		f.Status = &st
	}
	if d.ScamType != "" {
		f.Confidence = &d.Confidence
		risk := session.ClassifyRisk(d.Confidence)
		f.RiskLevel = &risk
	}
	return f
}

// toMessages orders entries by server time and marks them settled.
func toMessages(entries []api.TranscriptEntry) []transcript.Message {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b api.TranscriptEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	out := make([]transcript.Message, 0, len(sorted))
	for i, e := range sorted {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("srv-%d", i)
		}
		out = append(out, transcript.Message{
			ID:         id,
			Role:       transcript.ParseRole(e.Role),
			Content:    e.Content,
			Timestamp:  e.CreatedAt,
			TurnNumber: e.TurnNumber,
			Status:     transcript.StatusSent,
			Metadata:   e.Metadata,
		})
	}
	return out
}
