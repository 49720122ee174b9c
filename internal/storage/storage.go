// Package storage is the durable local copy of the registry dataset.
//
// The Dataset interface is the primary abstraction. SQLiteStore is the
// default implementation using pure-Go SQLite (modernc.org/sqlite) in WAL
// mode: a write transaction stays invisible to readers until Commit, and
// readers keep the snapshot they started with while a sync is running.
package storage

import (
	"context"
	"time"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// Snapshot is a consistent view of the committed dataset.
type Snapshot struct {
	Meta    invoice.SyncMetadata
	Records []invoice.Record // ascending SequenceNumber
}

// Run is one row of the sync ledger. Failed attempts are recorded too.
type Run struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	DaysApplied    int       `json:"daysApplied"`
	RecordsApplied int       `json:"recordsApplied"`
	Error          string    `json:"error,omitempty"`
}

// Reader is the read side used by the query engine and status reporting.
type Reader interface {
	// Load returns the committed snapshot, or invoice.ErrNotInitialized.
	Load(ctx context.Context) (*Snapshot, error)

	// Metadata returns the sync metadata without reading any records, or
	// invoice.ErrNotInitialized.
	Metadata(ctx context.Context) (invoice.SyncMetadata, error)
}

// Dataset is the full store contract used by the reconciler.
type Dataset interface {
	Reader

	// Begin starts the single write transaction. It blocks while another
	// transaction of the same store is open.
	Begin(ctx context.Context) (Tx, error)

	// RecordRun appends a row to the sync ledger in its own transaction.
	RecordRun(ctx context.Context, run Run) error
}

// Tx is a pending set of writes. Nothing is visible to readers before
// Commit; Abort (or any failure) discards everything.
type Tx interface {
	// Upsert replaces any record with the same SequenceNumber.
	Upsert(ctx context.Context, rec invoice.Record) error

	// Delete removes the record with the given sequence number, if any.
	Delete(ctx context.Context, sequenceNumber int64) error

	// ReplaceAll drops every record so the transaction rebuilds the dataset
	// from scratch.
	ReplaceAll(ctx context.Context) error

	// SetMetadata stages the metadata written on Commit. RecordCount,
	// StorageSizeBytes and UpdatedAt are filled in by Commit.
	SetMetadata(meta invoice.SyncMetadata)

	// Commit makes all writes visible atomically and returns the metadata
	// as stored.
	Commit(ctx context.Context) (invoice.SyncMetadata, error)

	// Abort rolls back. It is a no-op after Commit or a previous Abort.
	Abort() error
}
