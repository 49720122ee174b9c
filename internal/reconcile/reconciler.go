// Package reconcile keeps the local dataset in step with upstream.
//
// Update decides between a full resync and applying the daily diffs since
// the last sync, and either way commits through a single store transaction:
// a failed or cancelled sync leaves the previous snapshot untouched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/observability"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
	"github.com/invoicesearchjp/invoicesearch/internal/textnorm"
	"github.com/invoicesearchjp/invoicesearch/internal/upstream"
)

// Sync modes.
const (
	ModeFull        = observability.ModeFull
	ModeIncremental = observability.ModeIncremental
)

// Reasons reported in Result.Reason and the run ledger.
const (
	ReasonNotInitialized = "not initialized"
	ReasonForced         = "forced"
	ReasonStale          = "diff retention exceeded"
	ReasonNoBase         = "no sync date recorded"
	ReasonPending        = "pending diffs"
	ReasonUpToDate       = "up to date"
	ReasonNothingNew     = "no diff published"
)

// ctxCheckEvery is how many rows are written between cancellation checks.
const ctxCheckEvery = 1000

// Locker provides cross-process exclusion for a sync attempt.
type Locker interface {
	Acquire() error
	Release() error
}

// Config wires a Reconciler.
type Config struct {
	Store    storage.Dataset
	Resolver upstream.Resolver
	Fetcher  upstream.Fetcher

	Lock    Locker                 // optional
	Logger  *observability.Logger  // optional
	Metrics *observability.Metrics // optional

	// Now is the clock; dates are taken in JST. Defaults to time.Now.
	Now func() time.Time

	// RetentionDays overrides RetentionBusinessDays.
	RetentionDays int

	// PartConcurrency bounds concurrent full-dataset part downloads.
	// Defaults to 3.
	PartConcurrency int

	// NormalizeOnIngest widens name and address fields before storing.
	NormalizeOnIngest bool
}

// Options tune a single Update.
type Options struct {
	ForceFull bool
}

// Result describes a finished sync attempt.
type Result struct {
	RunID          string
	Mode           string
	Reason         string
	Committed      bool
	DaysApplied    int
	DaysMissing    int
	RecordsApplied int
	Metadata       invoice.SyncMetadata // committed metadata; previous one when nothing was committed
}

// Reconciler runs syncs. It is safe for concurrent use; syncs are
// serialised.
type Reconciler struct {
	mu  sync.Mutex
	cfg Config
	log *observability.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = RetentionBusinessDays
	}
	if cfg.PartConcurrency <= 0 {
		cfg.PartConcurrency = 3
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NewNop()
	}
	return &Reconciler{cfg: cfg, log: log.Named("reconcile")}
}

// Init builds the dataset from the current full dump, replacing whatever is
// stored.
func (r *Reconciler) Init(ctx context.Context) (Result, error) {
	return r.Update(ctx, Options{ForceFull: true})
}

// Update brings the store up to date.
func (r *Reconciler) Update(ctx context.Context, opts Options) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Lock != nil {
		if err := r.cfg.Lock.Acquire(); err != nil {
			return Result{}, err
		}
		defer r.cfg.Lock.Release()
	}

	start := r.cfg.Now()
	today := invoice.DateOf(start)
	res := Result{RunID: uuid.NewString()}

	meta, err := r.cfg.Store.Metadata(ctx)
	initialized := err == nil
	if err != nil && !errors.Is(err, invoice.ErrNotInitialized) {
		return res, fmt.Errorf("read metadata: %w", err)
	}

	var days []invoice.Date
	switch {
	case !initialized:
		res.Mode, res.Reason = ModeFull, ReasonNotInitialized
	case opts.ForceFull:
		res.Mode, res.Reason = ModeFull, ReasonForced
	default:
		days, err = r.pendingDays(meta, today)
		switch {
		case errors.Is(err, invoice.ErrStaleMetadata):
			res.Mode, res.Reason = ModeFull, ReasonStale
		case err != nil:
			res.Mode, res.Reason = ModeFull, ReasonNoBase
		case len(days) == 0:
			res.Mode, res.Reason = ModeIncremental, ReasonUpToDate
		default:
			res.Mode, res.Reason = ModeIncremental, ReasonPending
		}
	}
	res.Metadata = meta

	r.log.SyncEvent(res.RunID, "decided",
		zap.String("mode", res.Mode),
		zap.String("reason", res.Reason),
		zap.Int("pending_days", len(days)),
	)

	if res.Mode == ModeFull {
		err = r.fullSync(ctx, today, &res)
	} else if len(days) > 0 {
		err = r.incrementalSync(ctx, meta, days, &res)
	}

	r.finish(ctx, start, &res, err)
	return res, err
}

// pendingDays lists the diff days still to apply, or ErrStaleMetadata when
// some of them are already out of upstream's retention window.
func (r *Reconciler) pendingDays(meta invoice.SyncMetadata, today invoice.Date) ([]invoice.Date, error) {
	base := meta.DiffBase()
	if base.IsZero() {
		return nil, errors.New("metadata has no sync date")
	}
	if n := CountBusinessDays(base, today); n > r.cfg.RetentionDays {
		return nil, fmt.Errorf("%d business days since %s: %w", n, base, invoice.ErrStaleMetadata)
	}
	return BusinessDaysAfter(base, today), nil
}

func (r *Reconciler) finish(ctx context.Context, start time.Time, res *Result, err error) {
	end := r.cfg.Now()
	status := observability.StatusOK
	switch {
	case err != nil:
		status = observability.StatusFailed
	case !res.Committed:
		status = observability.StatusNoop
	}

	r.cfg.Metrics.ObserveSync(res.Mode, status, end.Sub(start))
	if res.Committed {
		r.cfg.Metrics.AddRecordsApplied(res.RecordsApplied)
		r.cfg.Metrics.SetDatasetRecords(res.Metadata.RecordCount)
	}

	run := storage.Run{
		ID:             res.RunID,
		Mode:           res.Mode,
		Reason:         res.Reason,
		Status:         status,
		StartedAt:      start,
		FinishedAt:     end,
		DaysApplied:    res.DaysApplied,
		RecordsApplied: res.RecordsApplied,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if lerr := r.cfg.Store.RecordRun(context.WithoutCancel(ctx), run); lerr != nil {
		r.log.Warn("record run failed", zap.String("run_id", res.RunID), zap.Error(lerr))
	}

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("days_applied", res.DaysApplied),
		zap.Int("days_missing", res.DaysMissing),
		zap.Int("records_applied", res.RecordsApplied),
		zap.Duration("duration", end.Sub(start)),
	}
	if err != nil {
		r.log.Error("sync failed", append(fields, zap.String("run_id", res.RunID), zap.Error(err))...)
		return
	}
	r.log.SyncEvent(res.RunID, "finished", append(fields, zap.Int64("record_count", res.Metadata.RecordCount))...)
}

// fullSync downloads every part concurrently, then replaces the whole
// dataset in one transaction.
func (r *Reconciler) fullSync(ctx context.Context, today invoice.Date, res *Result) error {
	ds, err := r.cfg.Resolver.FullParts(ctx)
	if err != nil {
		return fmt.Errorf("resolve full dataset: %w", err)
	}
	if len(ds.Parts) == 0 {
		return &invoice.MalformedDataError{Source: "full dataset", Reason: "no parts listed"}
	}

	parts := make([][]invoice.Record, len(ds.Parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PartConcurrency)
	for i, ref := range ds.Parts {
		g.Go(func() error {
			recs, err := r.download(gctx, "full", ref)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return &invoice.MalformedDataError{Source: ref.URL, Reason: "empty full dataset part"}
			}
			r.log.SyncEvent(res.RunID, "part fetched",
				zap.String("file_id", ref.ID),
				zap.Int("records", len(recs)),
			)
			parts[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tx, err := r.cfg.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Abort()

	if err := tx.ReplaceAll(ctx); err != nil {
		return err
	}
	applied := 0
	for _, recs := range parts {
		for _, rec := range recs {
			if rec.Removal() {
				continue
			}
			if applied%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := tx.Upsert(ctx, r.ingest(rec)); err != nil {
				return err
			}
			applied++
		}
	}

	tx.SetMetadata(invoice.SyncMetadata{
		LastFullSyncDate: today,
		DataAsOfDate:     ds.AsOf,
		Generation:       res.RunID,
	})
	meta, err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	res.Committed = true
	res.RecordsApplied = applied
	res.Metadata = meta
	return nil
}

type dayBatch struct {
	day  invoice.Date
	recs []invoice.Record
}

// incrementalSync fetches the pending days in order and applies all of them
// in one transaction. A day without a published file is skipped; any other
// failure aborts the whole batch.
func (r *Reconciler) incrementalSync(ctx context.Context, meta invoice.SyncMetadata, days []invoice.Date, res *Result) error {
	var batches []dayBatch
	for _, day := range days {
		ref, found, err := r.cfg.Resolver.DiffFile(ctx, day)
		if err != nil {
			return fmt.Errorf("resolve diff %s: %w", day, err)
		}
		var recs []invoice.Record
		if !found {
			r.cfg.Metrics.ObserveFetch("diff", observability.StatusMissing, 0)
		} else {
			// A listed file can still 404 while upstream is publishing it.
			recs, err = r.download(ctx, "diff", ref)
			if upstream.IsNotFound(err) {
				found = false
			} else if err != nil {
				return fmt.Errorf("diff %s: %w", day, err)
			}
		}
		if !found {
			res.DaysMissing++
			r.log.SyncEvent(res.RunID, "diff missing", zap.String("day", day.String()))
			continue
		}
		r.log.SyncEvent(res.RunID, "diff fetched",
			zap.String("day", day.String()),
			zap.String("file_id", ref.ID),
			zap.Int("records", len(recs)),
		)
		batches = append(batches, dayBatch{day: day, recs: recs})
	}
	if len(batches) == 0 {
		res.Reason = ReasonNothingNew
		return nil
	}

	tx, err := r.cfg.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Abort()

	applied := 0
	for _, b := range batches {
		for _, rec := range b.recs {
			if applied%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if rec.Removal() {
				err = tx.Delete(ctx, rec.SequenceNumber)
			} else {
				err = tx.Upsert(ctx, r.ingest(rec))
			}
			if err != nil {
				return err
			}
			applied++
		}
	}

	next := meta
	next.LastDiffDate = batches[len(batches)-1].day
	next.Generation = res.RunID
	tx.SetMetadata(next)
	committed, err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	res.Committed = true
	res.DaysApplied = len(batches)
	res.RecordsApplied = applied
	res.Metadata = committed
	return nil
}

func (r *Reconciler) download(ctx context.Context, kind string, ref upstream.FileRef) ([]invoice.Record, error) {
	body, err := r.cfg.Fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		status := observability.StatusFailed
		if upstream.IsNotFound(err) {
			status = observability.StatusMissing
		}
		r.cfg.Metrics.ObserveFetch(kind, status, 0)
		return nil, err
	}
	r.cfg.Metrics.ObserveFetch(kind, observability.StatusOK, len(body))

	source := kind + ":" + ref.ID
	if !ref.Day.IsZero() {
		source += "@" + ref.Day.String()
	}
	return upstream.ParseFile(source, body)
}

func (r *Reconciler) ingest(rec invoice.Record) invoice.Record {
	if !r.cfg.NormalizeOnIngest {
		return rec
	}
	rec.Name = textnorm.Widen(rec.Name)
	rec.Kana = textnorm.Widen(rec.Kana)
	rec.Address = textnorm.Widen(rec.Address)
	rec.AddressRequest = textnorm.Widen(rec.AddressRequest)
	rec.AddressInside = textnorm.Widen(rec.AddressInside)
	rec.TradeName = textnorm.Widen(rec.TradeName)
	rec.PopularNamePreviousName = textnorm.Widen(rec.PopularNamePreviousName)
	return rec
}
