package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteSink records events in a local database. Used for standalone runs
// without a collector; the same fire-and-forget contract applies.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteSink(dbPath string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stat_events (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			community_id TEXT NOT NULL,
			event        TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate stats db: %w", err)
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error { return s.db.Close() }

// Report implements domain.StatsSink.
func (s *SQLiteSink) Report(_ context.Context, userID, communityID, event string) {
	go func() {
		_, err := s.db.Exec(
			"INSERT INTO stat_events (id, user_id, community_id, event, created_at) VALUES (?, ?, ?, ?, ?)",
			ulid.Make().String(), userID, communityID, event, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			s.logger.Debug("stat insert failed", "error", err)
		}
	}()
}

// Count returns the number of recorded events with the given name for a
// community. Used by tests and local inspection tooling.
func (s *SQLiteSink) Count(ctx context.Context, communityID, event string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stat_events WHERE community_id = ? AND event = ?",
		communityID, event,
	).Scan(&n)
	return n, err
}
