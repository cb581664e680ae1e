package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/negotiation-live/internal/domain"
)

const defaultListLimit = 50

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	logger  *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the bridge read history while a run is being saved.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		winner TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		retry INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL,
		transcript_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, completed_at);
	CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(completed_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveRun stores a finished run. Lock conflicts are retried with backoff.
func (s *SQLiteStore) SaveRun(ctx context.Context, run domain.RunRecord, transcript []domain.Message) error {
	if run.SessionID == "" {
		return errors.New("save run: session id is required")
	}
	if transcript == nil {
		transcript = []domain.Message{}
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = time.Now()
	}

	return withRetry(ctx, s.logger, "save run", func() error {
		return s.saveRunOnce(ctx, run, data)
	})
}

func (s *SQLiteStore) saveRunOnce(ctx context.Context, run domain.RunRecord, transcript []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO runs (
		session_id, mode, score, winner, result,
		duration_ms, retry, completed_at, transcript_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.SessionID, string(run.Mode), run.Score, run.Winner, run.Result,
		run.Duration.Milliseconds(), run.Retry, run.CompletedAt.UnixMilli(), string(transcript),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]StoredRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, session_id, mode, score, winner, result,
		       duration_ms, retry, completed_at
		FROM runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY completed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close run rows", "error", closeErr)
		}
	}()

	var runs []StoredRun
	for rows.Next() {
		var (
			run         StoredRun
			mode        string
			durationMs  int64
			completedAt int64
		)
		if err := rows.Scan(
			&run.ID, &run.SessionID, &mode, &run.Score, &run.Winner, &run.Result,
			&durationMs, &run.Retry, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.Mode = domain.Mode(mode)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		run.CompletedAt = time.UnixMilli(completedAt)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Transcript returns the transcript saved with a run.
func (s *SQLiteStore) Transcript(ctx context.Context, runID int64) ([]domain.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT transcript_json FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}

	var msgs []domain.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return msgs, nil
}

// DeleteRunsBefore removes runs completed before cutoff.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, s.logger, "delete runs", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE completed_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}
