package lead

import (
	"context"
	"database/sql"
	"errors"
)

// Repository defines the operations for persisting and retrieving leads and their journal.
type Repository interface {
	// WithTx returns a repository bound to tx. All lifecycle commands go through it.
	WithTx(tx *sql.Tx) Repository

	GetByID(ctx context.Context, id int64) (*Lead, error)
	// GetForUpdate locks the lead row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Lead, error)
	// UpdateLifecycle writes the five lifecycle columns of l.
	UpdateLifecycle(ctx context.Context, l *Lead) error

	AppendJournal(ctx context.Context, e *JournalEntry) error
	// LatestJournalEntry returns nil and no error when the lead has no entries.
	LatestJournalEntry(ctx context.Context, leadID int64) (*JournalEntry, error)
	// LatestJournalEntries returns the latest entry for each id that has one.
	LatestJournalEntries(ctx context.Context, leadIDs []int64) (map[int64]*JournalEntry, error)

	// ListActiveByLevel lists leads with enable_followup = true and end_followup = false,
	// locking them for the rest of the transaction.
	ListActiveByLevel(ctx context.Context, level IntentionLevel) ([]*Lead, error)
	// SetNeedFollowup overwrites need_followup for ids that are still active.
	SetNeedFollowup(ctx context.Context, ids []int64, need bool) (int64, error)
}

// ErrNotFound is returned by repositories when no lead has the requested id.
var ErrNotFound = errors.New("lead not found")
