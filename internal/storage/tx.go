package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

type sqliteTx struct {
	store  *SQLiteStore
	conn   *sql.Conn
	upsert *sql.Stmt
	meta   *invoice.SyncMetadata
	done   bool
}

func (t *sqliteTx) Upsert(ctx context.Context, r invoice.Record) error {
	if t.done {
		return errTxDone
	}
	_, err := t.upsert.ExecContext(ctx,
		r.SequenceNumber, r.RegistrationNumber, r.Process, r.Correct, r.Kind, r.Country, boolInt(r.Latest),
		nullDate(r.RegistrationDate), nullDate(r.UpdateDate), nullDate(r.DisposalDate), nullDate(r.ExpireDate),
		r.Address, r.AddressPrefectureCode, r.AddressCityCode,
		r.AddressRequest, r.AddressRequestPrefectureCode, r.AddressRequestCityCode,
		r.Kana, r.Name,
		r.AddressInside, r.AddressInsidePrefectureCode, r.AddressInsideCityCode,
		r.TradeName, r.PopularNamePreviousName,
	)
	if err != nil {
		return fmt.Errorf("upsert record %d: %w", r.SequenceNumber, err)
	}
	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, seq int64) error {
	if t.done {
		return errTxDone
	}
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM records WHERE sequence_number = ?", seq); err != nil {
		return fmt.Errorf("delete record %d: %w", seq, err)
	}
	return nil
}

func (t *sqliteTx) ReplaceAll(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

func (t *sqliteTx) SetMetadata(meta invoice.SyncMetadata) {
	t.meta = &meta
}

// Commit writes the staged metadata with the record count as seen inside the
// transaction, then commits. A staged metadata without a Generation gets a
// random one.
func (t *sqliteTx) Commit(ctx context.Context) (invoice.SyncMetadata, error) {
	if t.done {
		return invoice.SyncMetadata{}, errTxDone
	}
	if t.meta == nil {
		t.Abort()
		return invoice.SyncMetadata{}, errNoMetadata
	}

	meta := *t.meta
	if err := t.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&meta.RecordCount); err != nil {
		t.Abort()
		return meta, fmt.Errorf("count records: %w", err)
	}
	if meta.Generation == "" {
		meta.Generation = uuid.NewString()
	}
	meta.UpdatedAt = t.store.now().UTC().Truncate(time.Second)
	meta.StorageSizeBytes = t.store.sizeOnDisk()

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO sync_metadata (id, last_full_sync_date, last_diff_date, data_as_of_date, record_count, storage_size_bytes, generation, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_full_sync_date = excluded.last_full_sync_date,
			last_diff_date = excluded.last_diff_date,
			data_as_of_date = excluded.data_as_of_date,
			record_count = excluded.record_count,
			storage_size_bytes = excluded.storage_size_bytes,
			generation = excluded.generation,
			updated_at = excluded.updated_at`,
		nullDate(meta.LastFullSyncDate), nullDate(meta.LastDiffDate), nullDate(meta.DataAsOfDate),
		meta.RecordCount, meta.StorageSizeBytes, meta.Generation, meta.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		t.Abort()
		return meta, fmt.Errorf("write metadata: %w", err)
	}

	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		t.Abort()
		return meta, fmt.Errorf("commit: %w", err)
	}
	t.finish()

	// Size is only known after the pages hit disk. Storing it is
	// bookkeeping, a failure here does not undo the commit.
	if size := t.store.sizeOnDisk(); size > 0 {
		meta.StorageSizeBytes = size
		t.store.db.ExecContext(context.Background(),
			"UPDATE sync_metadata SET storage_size_bytes = ? WHERE id = 1", size)
	}
	return meta, nil
}

func (t *sqliteTx) Abort() error {
	if t.done {
		return nil
	}
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK")
	t.finish()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *sqliteTx) finish() {
	t.done = true
	t.upsert.Close()
	t.conn.Close()
	t.store.writeMu.Unlock()
}

var (
	errTxDone     = errors.New("storage: transaction already finished")
	errNoMetadata = errors.New("storage: commit without metadata")
)
