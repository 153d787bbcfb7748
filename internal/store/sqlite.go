// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/browser-gateway/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", logging.CompStore)

	inMemory := path == MemoryPath
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			remote_addr   TEXT NOT NULL DEFAULT '',
			opened_at     TEXT NOT NULL,
			closed_at     TEXT,
			close_reason  TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_opened_at ON sessions(opened_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_close_reason ON sessions(close_reason);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSessionOpened inserts a new open session
func (s *SQLiteStore) RecordSessionOpened(ctx context.Context, id, remoteAddr string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, opened_at) VALUES (?, ?, ?)`,
		id, remoteAddr, formatTime(at),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordSessionClosed marks a session closed
func (s *SQLiteStore) RecordSessionClosed(ctx context.Context, id, reason string, messageCount int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ?, close_reason = ?, message_count = ? WHERE id = ?`,
		formatTime(at), reason, messageCount, id,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectSession = `SELECT id, remote_addr, opened_at, closed_at, close_reason, message_count FROM sessions`

// GetSession retrieves one session record
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recently opened sessions first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectSession+` ORDER BY opened_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return records, nil
}

// Stats aggregates the whole history
func (s *SQLiteStore) Stats(ctx context.Context) (*HistoryStats, error) {
	stats := &HistoryStats{ClosedByReason: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN closed_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(message_count), 0)
		FROM sessions`,
	).Scan(&stats.Total, &stats.Open, &stats.Messages)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT close_reason, COUNT(*) FROM sessions WHERE closed_at IS NOT NULL GROUP BY close_reason`)
	if err != nil {
		return nil, fmt.Errorf("grouping close reasons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("scanning close reason: %w", err)
		}
		stats.ClosedByReason[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating close reasons: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var openedAt string
	var closedAt sql.NullString
	if err := row.Scan(&rec.ID, &rec.RemoteAddr, &openedAt, &closedAt, &rec.CloseReason, &rec.MessageCount); err != nil {
		return nil, err
	}

	t, err := parseTime(openedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing opened_at: %w", err)
	}
	rec.OpenedAt = t

	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		rec.ClosedAt = &t
	}
	return &rec, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
