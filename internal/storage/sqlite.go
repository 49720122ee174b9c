package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	sequence_number                  INTEGER PRIMARY KEY,
	registration_number              TEXT NOT NULL,
	process                          TEXT NOT NULL DEFAULT '',
	correct                          TEXT NOT NULL DEFAULT '',
	kind                             TEXT NOT NULL DEFAULT '',
	country                          TEXT NOT NULL DEFAULT '',
	latest                           INTEGER NOT NULL DEFAULT 0,
	registration_date                TEXT,
	update_date                      TEXT,
	disposal_date                    TEXT,
	expire_date                      TEXT,
	address                          TEXT NOT NULL DEFAULT '',
	address_prefecture_code          TEXT NOT NULL DEFAULT '',
	address_city_code                TEXT NOT NULL DEFAULT '',
	address_request                  TEXT NOT NULL DEFAULT '',
	address_request_prefecture_code  TEXT NOT NULL DEFAULT '',
	address_request_city_code        TEXT NOT NULL DEFAULT '',
	kana                             TEXT NOT NULL DEFAULT '',
	name                             TEXT NOT NULL DEFAULT '',
	address_inside                   TEXT NOT NULL DEFAULT '',
	address_inside_prefecture_code   TEXT NOT NULL DEFAULT '',
	address_inside_city_code         TEXT NOT NULL DEFAULT '',
	trade_name                       TEXT NOT NULL DEFAULT '',
	popular_name_previous_name       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_registration_number ON records(registration_number);

CREATE TABLE IF NOT EXISTS sync_metadata (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	last_full_sync_date TEXT,
	last_diff_date      TEXT,
	data_as_of_date     TEXT,
	record_count        INTEGER NOT NULL DEFAULT 0,
	storage_size_bytes  INTEGER NOT NULL DEFAULT 0,
	generation          TEXT NOT NULL DEFAULT '',
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id          TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL,
	days_applied    INTEGER NOT NULL DEFAULT 0,
	records_applied INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);`

const recordColumns = `sequence_number, registration_number, process, correct, kind, country, latest,
	registration_date, update_date, disposal_date, expire_date,
	address, address_prefecture_code, address_city_code,
	address_request, address_request_prefecture_code, address_request_city_code,
	kana, name,
	address_inside, address_inside_prefecture_code, address_inside_city_code,
	trade_name, popular_name_previous_name`

const upsertSQL = `
INSERT INTO records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sequence_number) DO UPDATE SET
	registration_number = excluded.registration_number,
	process = excluded.process,
	correct = excluded.correct,
	kind = excluded.kind,
	country = excluded.country,
	latest = excluded.latest,
	registration_date = excluded.registration_date,
	update_date = excluded.update_date,
	disposal_date = excluded.disposal_date,
	expire_date = excluded.expire_date,
	address = excluded.address,
	address_prefecture_code = excluded.address_prefecture_code,
	address_city_code = excluded.address_city_code,
	address_request = excluded.address_request,
	address_request_prefecture_code = excluded.address_request_prefecture_code,
	address_request_city_code = excluded.address_request_city_code,
	kana = excluded.kana,
	name = excluded.name,
	address_inside = excluded.address_inside,
	address_inside_prefecture_code = excluded.address_inside_prefecture_code,
	address_inside_city_code = excluded.address_inside_city_code,
	trade_name = excluded.trade_name,
	popular_name_previous_name = excluded.popular_name_previous_name`

// SQLiteStore implements Dataset using SQLite.
type SQLiteStore struct {
	writeMu sync.Mutex // one write transaction at a time
	db      *sql.DB
	path    string
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the dataset database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Metadata reads the metadata row only.
func (s *SQLiteStore) Metadata(ctx context.Context) (invoice.SyncMetadata, error) {
	meta, err := readMetadata(ctx, s.db)
	if err != nil {
		return invoice.SyncMetadata{}, err
	}
	if size := s.sizeOnDisk(); size > 0 {
		meta.StorageSizeBytes = size
	}
	return meta, nil
}

// Load reads metadata and every record inside one read transaction, so the
// result is a single committed snapshot even if a sync commits meanwhile.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	meta, err := readMetadata(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, "SELECT "+recordColumns+" FROM records ORDER BY sequence_number")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Meta: meta, Records: make([]invoice.Record, 0, meta.RecordCount)}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return snap, nil
}

// Begin pins a connection and opens an IMMEDIATE transaction on it, taking
// SQLite's write lock up front rather than on the first write.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	s.writeMu.Lock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		s.writeMu.Unlock()
		return nil, fmt.Errorf("begin write: %w", err)
	}
	upsert, err := conn.PrepareContext(ctx, upsertSQL)
	if err != nil {
		conn.ExecContext(context.Background(), "ROLLBACK")
		conn.Close()
		s.writeMu.Unlock()
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	return &sqliteTx{store: s, conn: conn, upsert: upsert}, nil
}

// RecordRun appends a ledger row.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, mode, reason, status, started_at, finished_at, days_applied, records_applied, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			days_applied = excluded.days_applied,
			records_applied = excluded.records_applied,
			error = excluded.error`,
		run.ID, run.Mode, run.Reason, run.Status,
		run.StartedAt.UTC().Format(time.RFC3339), run.FinishedAt.UTC().Format(time.RFC3339),
		run.DaysApplied, run.RecordsApplied, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %q: %w", run.ID, err)
	}
	return nil
}

// Runs returns the most recent ledger rows, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, reason, status, started_at, finished_at, days_applied, records_applied, error
		FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Mode, &r.Reason, &r.Status, &started, &finished,
			&r.DaysApplied, &r.RecordsApplied, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// sizeOnDisk is the database file plus its write-ahead log.
func (s *SQLiteStore) sizeOnDisk() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMetadata(ctx context.Context, q queryer) (invoice.SyncMetadata, error) {
	var meta invoice.SyncMetadata
	var full, diff, asOf sql.NullString
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT last_full_sync_date, last_diff_date, data_as_of_date, record_count, storage_size_bytes, generation, updated_at
		FROM sync_metadata WHERE id = 1`,
	).Scan(&full, &diff, &asOf, &meta.RecordCount, &meta.StorageSizeBytes, &meta.Generation, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, invoice.ErrNotInitialized
	}
	if err != nil {
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if meta.LastFullSyncDate, err = parseNullDate(full); err != nil {
		return meta, err
	}
	if meta.LastDiffDate, err = parseNullDate(diff); err != nil {
		return meta, err
	}
	if meta.DataAsOfDate, err = parseNullDate(asOf); err != nil {
		return meta, err
	}
	meta.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return meta, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (invoice.Record, error) {
	var r invoice.Record
	var latest int
	var regDate, updDate, dispDate, expDate sql.NullString
	err := sc.Scan(
		&r.SequenceNumber, &r.RegistrationNumber, &r.Process, &r.Correct, &r.Kind, &r.Country, &latest,
		&regDate, &updDate, &dispDate, &expDate,
		&r.Address, &r.AddressPrefectureCode, &r.AddressCityCode,
		&r.AddressRequest, &r.AddressRequestPrefectureCode, &r.AddressRequestCityCode,
		&r.Kana, &r.Name,
		&r.AddressInside, &r.AddressInsidePrefectureCode, &r.AddressInsideCityCode,
		&r.TradeName, &r.PopularNamePreviousName,
	)
	if err != nil {
		return r, fmt.Errorf("scan record: %w", err)
	}
	r.Latest = latest != 0
	for _, d := range []struct {
		src sql.NullString
		dst *invoice.Date
	}{
		{regDate, &r.RegistrationDate},
		{updDate, &r.UpdateDate},
		{dispDate, &r.DisposalDate},
		{expDate, &r.ExpireDate},
	} {
		if *d.dst, err = parseNullDate(d.src); err != nil {
			return r, fmt.Errorf("record %d: %w", r.SequenceNumber, err)
		}
	}
	return r, nil
}

func parseNullDate(s sql.NullString) (invoice.Date, error) {
	if !s.Valid {
		return invoice.Date{}, nil
	}
	return invoice.ParseDate(s.String)
}

func nullDate(d invoice.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
