// Package snapshot persists the dashboard state so a restarted process can
// resume the session it was watching.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scamwatch/internal/intel"
	"scamwatch/internal/session"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

// interruptedReason marks optimistic messages that were still in flight when
// the snapshot was taken.
const interruptedReason = "interrupted before the backend confirmed it"

// Store keeps one snapshot per slot in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and creates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the saver is the only concurrent user.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS snapshots (
		slot TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		session_json TEXT,
		messages_json TEXT NOT NULL,
		entities_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap into slot, replacing what was there.
func (s *Store) Save(ctx context.Context, slot string, snap syncstate.Snapshot) error {
	var sessionJSON sql.NullString
	if snap.Session != nil {
		raw, err := json.Marshal(snap.Session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		sessionJSON = sql.NullString{String: string(raw), Valid: true}
	}
	messages, err := json.Marshal(nonNil(snap.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	entities, err := json.Marshal(nonNil(snap.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	query := `
	INSERT INTO snapshots (slot, session_id, version, session_json, messages_json, entities_json, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(slot) DO UPDATE SET
		session_id = excluded.session_id,
		version = excluded.version,
		session_json = excluded.session_json,
		messages_json = excluded.messages_json,
		entities_json = excluded.entities_json,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		slot, snap.SessionID(), int64(snap.Version), sessionJSON,
		string(messages), string(entities), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", slot, err)
	}
	return nil
}

// Load returns the snapshot stored in slot. ok is false when the slot is
// empty. Messages that were still sending are returned as retryable
// failures, since nothing survives a restart in flight.
func (s *Store) Load(ctx context.Context, slot string) (snap syncstate.Snapshot, ok bool, err error) {
	query := `
		SELECT version, session_json, messages_json, entities_json
		FROM snapshots WHERE slot = ?`

	var (
		version     int64
		sessionJSON sql.NullString
		messages    string
		entities    string
	)
	err = s.db.QueryRowContext(ctx, query, slot).Scan(&version, &sessionJSON, &messages, &entities)
	if errors.Is(err, sql.ErrNoRows) {
		return syncstate.Snapshot{}, false, nil
	}
	if err != nil {
		return syncstate.Snapshot{}, false, fmt.Errorf("load snapshot %q: %w", slot, err)
	}

	snap.Version = uint64(version)
	if sessionJSON.Valid && sessionJSON.String != "" {
		var sess session.Session
		if err := json.Unmarshal([]byte(sessionJSON.String), &sess); err != nil {
			return syncstate.Snapshot{}, false, fmt.Errorf("decode session: %w", err)
		}
		snap.Session = &sess
	}
	var msgs []transcript.Message
	if err := json.Unmarshal([]byte(messages), &msgs); err != nil {
		return syncstate.Snapshot{}, false, fmt.Errorf("decode messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].Status == transcript.StatusSending {
			msgs[i].Status = transcript.StatusError
			msgs[i].Failure = &transcript.Failure{Reason: interruptedReason, Retryable: true}
		}
	}
	snap.Messages = msgs

	var ents []intel.Entity
	if err := json.Unmarshal([]byte(entities), &ents); err != nil {
		return syncstate.Snapshot{}, false, fmt.Errorf("decode entities: %w", err)
	}
	snap.Entities = ents
	return snap, true, nil
}

// Delete empties slot.
func (s *Store) Delete(ctx context.Context, slot string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE slot = ?`, slot); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", slot, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
