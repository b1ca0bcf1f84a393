// Package journal keeps an optional SQLite log of the frames the UI receives
// from the host, so a session can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	// Pure-Go SQLite driver, registers "sqlite".
	_ "modernc.org/sqlite"

	apperrors "github.com/jeeves/ui/internal/errors"
)

// Outcome records what the connection handler did with a frame.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeEmpty      Outcome = "empty"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeUnhandled  Outcome = "unhandled"
)

// Entry is one journaled inbound frame.
type Entry struct {
	ID         int64
	MountID    string
	Type       string // empty when the frame had no discriminant
	Raw        string
	Outcome    Outcome
	ReceivedAt time.Time
}

// Recorder is what the connection handler needs from a journal.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Store is a Recorder backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
}

// Open opens or creates the journal database at path and applies the
// schema. Use ":memory:" for a throwaway journal.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("journal", path))

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed, "open database", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed, "ping database", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed, "init schema", err)
	}

	logger.Debug("journal ready", zap.Int("schema_version", currentSchemaVersion))
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e. A zero ReceivedAt is stamped with the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_messages (mount_id, type, raw, outcome, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.MountID, e.Type, e.Raw, string(e.Outcome), e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeJournalWriteFailed, "insert message", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mount_id, type, raw, outcome, received_at
		 FROM inbound_messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			outcome    string
			receivedAt string
		)
		if err := rows.Scan(&e.ID, &e.MountID, &e.Type, &e.Raw, &outcome, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return entries, nil
}

// CountByType returns how many frames of each type were journaled. Frames
// without a discriminant are counted under "".
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM inbound_messages GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}
