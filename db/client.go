package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"speech-dedup/models"
	"speech-dedup/utils"
)

// Index is the store contract the pipeline and matcher run against.
// Backends must keep per-recording insert atomicity: all occurrences of
// one recording become visible together or not at all.
type Index interface {
	// UpsertRecordings inserts or refreshes metadata rows, keyed by
	// external id. Existing match state is left untouched.
	UpsertRecordings(rows []models.Recording) error

	// NextPending pages through unprocessed recordings, longest first,
	// using keyset pagination. A nil cursor starts from the top.
	NextPending(limit int, cursor *models.PendingCursor) ([]models.Recording, *models.PendingCursor, error)

	// SetStatus updates a recording's match status; empty status maps
	// to NULL (back to the pending queue). Idempotent per recording.
	SetStatus(recordingID, status, originalRecordingID string) error

	// UpsertHashStats adds this recording's per-hash counts to the
	// global frequency profile (+1 recording per hash).
	UpsertHashStats(recordingID string, counts map[string]uint32) error

	// InsertOccurrences stores a recording's fingerprint.
	InsertOccurrences(recordingID string, occurrences []models.Occurrence) error

	// QueryCandidates matches a query fingerprint against the index.
	QueryCandidates(query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error)

	// DeleteRecording removes every occurrence of a recording and
	// clears its status, returning the number of rows removed. The
	// store's triggers (or equivalent) decrement global hash counts
	// and purge hashes whose counts reach zero.
	DeleteRecording(recordingID string) (int64, error)

	GetRecording(recordingID string) (*models.Recording, error)
	TotalRecordings() (int, error)
	TotalFingerprints() (int64, error)
	Close() error
}

// NewIndexClient creates an Index for the backend named by the
// INDEX_TYPE env var: "postgres", "mongo", or "sqlite" (default).
func NewIndexClient() (Index, error) {
	switch indexType := utils.GetEnv("INDEX_TYPE", "sqlite"); indexType {
	case "postgres":
		return NewPostgresIndex()
	case "mongo":
		return NewMongoIndex()
	case "sqlite":
		return NewSQLiteIndex()
	default:
		return nil, fmt.Errorf("unsupported INDEX_TYPE: %s", indexType)
	}
}

// AggregateHashCounts folds a fingerprint into hash -> occurrence count
// for the stats upsert.
func AggregateHashCounts(occurrences []models.Occurrence) map[string]uint32 {
	counts := make(map[string]uint32)
	for _, occ := range occurrences {
		counts[occ.Hash]++
	}
	return counts
}

// classify wraps a backend error with the retry kind the driver
// dispatches on: connection-level failures are transient, everything
// else stops the worker.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, models.ErrIndexTransient, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, models.ErrIndexFatal, err)
	}
}
