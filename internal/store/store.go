// Package store persists finished negotiation runs and their transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/negotiation-live/internal/domain"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// StoredRun is a persisted run with its row identifier.
type StoredRun struct {
	ID int64 `json:"id"`
	domain.RunRecord
}

// Repository defines the interface for persisting run history.
type Repository interface {
	// SaveRun stores a finished run together with its transcript.
	SaveRun(ctx context.Context, run domain.RunRecord, transcript []domain.Message) error

	// ListRuns returns the most recent runs, newest first. An empty sessionID
	// lists runs of every session.
	ListRuns(ctx context.Context, sessionID string, limit int) ([]StoredRun, error)

	// Transcript returns the transcript saved with a run.
	Transcript(ctx context.Context, runID int64) ([]domain.Message, error)

	// DeleteRunsBefore removes runs completed before cutoff.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
