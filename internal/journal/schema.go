package journal

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is bumped together with a new migrateToVn.
const currentSchemaVersion = 2

func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the inbound_messages table.
func (s *Store) migrateToV1() error {
	s.logger.Info("applying journal migration", zap.Int("version", 1))

	const messagesTable = `
		CREATE TABLE IF NOT EXISTS inbound_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mount_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL,
			received_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(messagesTable); err != nil {
		return fmt.Errorf("create inbound_messages table: %w", err)
	}
	return s.recordMigration(1)
}

// migrateToV2 adds the outcome column and an index for per-type counts.
func (s *Store) migrateToV2() error {
	s.logger.Info("applying journal migration", zap.Int("version", 2))

	const alter = `
		ALTER TABLE inbound_messages ADD COLUMN outcome TEXT NOT NULL DEFAULT 'dispatched';
		CREATE INDEX IF NOT EXISTS idx_inbound_messages_type ON inbound_messages(type);
	`
	if _, err := s.db.Exec(alter); err != nil {
		return fmt.Errorf("add outcome column: %w", err)
	}
	return s.recordMigration(2)
}

func (s *Store) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
