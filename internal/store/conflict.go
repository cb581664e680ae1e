package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	maxWriteAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond
)

// IsConflict reports whether err is a SQLite lock conflict (SQLITE_BUSY or
// SQLITE_LOCKED) that is worth retrying.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs fn, retrying lock conflicts with exponential backoff
// (50ms, 100ms). Other errors are returned immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	for i := 0; i < maxWriteAttempts; i++ {
		err = fn()
		if err == nil || !IsConflict(err) {
			return err
		}
		if i == maxWriteAttempts-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<i)
		logger.Debug("database locked, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxWriteAttempts, err)
}
