// Package query answers searches and registration number lookups against
// the last committed snapshot of the local dataset.
//
// The Engine loads a snapshot once and keeps an index of it behind an atomic
// pointer. Queries read whatever index is current and never wait for a sync;
// Refresh swaps in a new index only when the store's generation changed.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/observability"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
	"github.com/invoicesearchjp/invoicesearch/internal/textnorm"
)

// Operation names used in logs and metrics.
const (
	OpSearch  = "search"
	OpLookup  = "lookup"
	OpHistory = "history"
)

// SearchRequest is a text search. Page is 1-based.
type SearchRequest struct {
	Query      string
	Prefecture string // JIS code ("13") or name ("東京都", "東京"); empty for all
	Page       int
	PageSize   int

	// IncludeInactive also returns superseded, disposed and expired records.
	IncludeInactive bool
}

// Page is one page of search results.
type Page struct {
	Records    []invoice.Record `json:"records"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalCount int              `json:"totalCount"`
	TotalPages int              `json:"totalPages"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.log = l.Named("query") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine serves queries. It is safe for concurrent use.
type Engine struct {
	store   storage.Reader
	current atomic.Pointer[index]
	loadMu  sync.Mutex
	log     *observability.Logger
	metrics *observability.Metrics
}

// New creates an Engine over store. Nothing is loaded until the first query
// or Refresh.
func New(store storage.Reader, opts ...Option) *Engine {
	e := &Engine{store: store, log: observability.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Refresh loads the committed snapshot if it differs from the one in use.
func (e *Engine) Refresh(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	meta, err := e.store.Metadata(ctx)
	if err != nil {
		return err
	}
	if cur := e.current.Load(); cur != nil && cur.meta.Generation == meta.Generation {
		return nil
	}

	snap, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	idx := buildIndex(snap)
	e.current.Store(idx)

	e.metrics.ObserveIndexBuild(time.Since(start))
	e.log.Debug("index built",
		zap.String("generation", snap.Meta.Generation),
		zap.Int("records", len(snap.Records)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Metadata returns the metadata of the snapshot in use, loading one if
// needed.
func (e *Engine) Metadata(ctx context.Context) (invoice.SyncMetadata, error) {
	idx, err := e.index(ctx)
	if err != nil {
		return invoice.SyncMetadata{}, err
	}
	return idx.meta, nil
}

func (e *Engine) index(ctx context.Context) (*index, error) {
	if idx := e.current.Load(); idx != nil {
		return idx, nil
	}
	if err := e.Refresh(ctx); err != nil {
		return nil, err
	}
	return e.current.Load(), nil
}

// Search returns one page of records whose name or address contains the
// widened query, in ascending sequence order. An empty query is accepted
// only together with a prefecture.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (page Page, err error) {
	start := time.Now()
	defer func() { e.observe(OpSearch, start, err, zap.String("query", req.Query), zap.Int("total", page.TotalCount)) }()

	if req.Page <= 0 {
		return Page{}, invoice.NewQueryError("page", "must be a positive integer")
	}
	if req.PageSize <= 0 {
		return Page{}, invoice.NewQueryError("pageSize", "must be a positive integer")
	}
	needle := textnorm.Query(req.Query)

	var pref string
	if req.Prefecture != "" {
		code, ok := invoice.PrefectureCode(req.Prefecture)
		if !ok {
			return Page{}, invoice.NewQueryError("prefecture", fmt.Sprintf("unknown prefecture %q", req.Prefecture))
		}
		pref = code
	}
	if needle == "" && pref == "" {
		return Page{}, invoice.NewQueryError("query", "empty query needs a prefecture filter")
	}

	idx, err := e.index(ctx)
	if err != nil {
		return Page{}, err
	}

	var candidates []int
	if pref != "" {
		candidates = idx.byPrefecture[pref]
		if candidates == nil {
			candidates = []int{}
		}
	}
	hits, err := idx.scan(ctx, candidates, filter{needle: needle, includeInactive: req.IncludeInactive})
	if err != nil {
		return Page{}, err
	}

	page = Page{
		Records:    []invoice.Record{},
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalCount: len(hits),
		TotalPages: len(hits) / req.PageSize,
	}
	if len(hits)%req.PageSize != 0 {
		page.TotalPages++
	}
	if req.Page > page.TotalPages {
		return page, nil
	}
	// Page <= TotalPages keeps from below len(hits) without overflow.
	from := (req.Page - 1) * req.PageSize
	to := from + min(req.PageSize, len(hits)-from)
	page.Records = make([]invoice.Record, 0, to-from)
	for _, i := range hits[from:to] {
		page.Records = append(page.Records, idx.records[i])
	}
	return page, nil
}

// Lookup returns the active record registered under id. When several
// active revisions exist the highest sequence number wins.
func (e *Engine) Lookup(ctx context.Context, id string) (rec invoice.Record, err error) {
	start := time.Now()
	defer func() { e.observe(OpLookup, start, err, zap.String("id", id)) }()

	if !invoice.ValidRegistrationNumber(id) {
		return invoice.Record{}, invoice.NewIdentifierError(id)
	}
	idx, err := e.index(ctx)
	if err != nil {
		return invoice.Record{}, err
	}

	found := false
	for _, i := range idx.byNumber[id] {
		r := idx.records[i]
		if r.Active() && (!found || r.SequenceNumber > rec.SequenceNumber) {
			rec, found = r, true
		}
	}
	if !found {
		return invoice.Record{}, fmt.Errorf("%s: %w", id, invoice.ErrNotFound)
	}
	return rec, nil
}

// History returns every stored revision registered under id, active or not,
// in ascending sequence order.
func (e *Engine) History(ctx context.Context, id string) (recs []invoice.Record, err error) {
	start := time.Now()
	defer func() { e.observe(OpHistory, start, err, zap.String("id", id)) }()

	if !invoice.ValidRegistrationNumber(id) {
		return nil, invoice.NewIdentifierError(id)
	}
	idx, err := e.index(ctx)
	if err != nil {
		return nil, err
	}
	for _, i := range idx.byNumber[id] {
		recs = append(recs, idx.records[i])
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", id, invoice.ErrNotFound)
	}
	return recs, nil
}

func (e *Engine) observe(op string, start time.Time, err error, fields ...zap.Field) {
	d := time.Since(start)
	status := observability.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, invoice.ErrNotFound):
		status = "not_found"
	case errors.Is(err, invoice.ErrInvalidQuery), errors.Is(err, invoice.ErrInvalidIdentifier):
		status = "invalid"
	default:
		status = observability.StatusFailed
	}
	e.metrics.ObserveQuery(op, status, d)
	e.log.QueryEvent(op, append(fields, zap.String("status", status), zap.Duration("duration", d))...)
}
