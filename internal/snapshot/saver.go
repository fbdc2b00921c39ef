package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"scamwatch/internal/syncstate"
)

const saveTimeout = 5 * time.Second

// Saver writes the latest container state to a Store in the background.
// Bursts of changes are coalesced into one write.
type Saver struct {
	store  *Store
	slot   string
	state  *syncstate.Container
	logger *zap.Logger

	mu        sync.Mutex
	pending   *syncstate.Snapshot
	lastSaved uint64
	saved     bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	unsub  func()
	once   sync.Once
}

// NewSaver subscribes to state and starts the writer goroutine.
func NewSaver(store *Store, slot string, state *syncstate.Container, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Saver{
		store:  store,
		slot:   slot,
		state:  state,
		logger: logger,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.unsub = state.Subscribe(s.offer)
	go s.loop()
	return s
}

// offer keeps the newest snapshot and wakes the writer without blocking.
func (s *Saver) offer(snap syncstate.Snapshot) {
	s.mu.Lock()
	if s.pending == nil || snap.Version >= s.pending.Version {
		s.pending = &snap
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Saver) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
			s.flush()
		}
	}
}

func (s *Saver) flush() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	if snap == nil || (s.saved && snap.Version <= s.lastSaved) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.write(*snap)
}

func (s *Saver) write(snap syncstate.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, s.slot, snap); err != nil {
		s.logger.Warn("snapshot save failed", zap.String("slot", s.slot), zap.Error(err))
		return
	}
	s.mu.Lock()
	if !s.saved || snap.Version > s.lastSaved {
		s.lastSaved, s.saved = snap.Version, true
	}
	s.mu.Unlock()
	s.logger.Debug("snapshot saved",
		zap.String("slot", s.slot),
		zap.Uint64("version", snap.Version),
		zap.String("session_id", snap.SessionID()),
	)
}

// Close stops the writer and saves the final state synchronously.
func (s *Saver) Close() {
	s.once.Do(func() {
		s.unsub()
		close(s.stop)
		<-s.done
		s.write(s.state.Snapshot())
	})
}
