package query

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/observability"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
)

func rec(seq int64, number, name, address, pref string) invoice.Record {
	return invoice.Record{
		SequenceNumber:        seq,
		RegistrationNumber:    number,
		Process:               "01",
		Kind:                  "2",
		Country:               "1",
		Latest:                true,
		RegistrationDate:      invoice.MustParseDate("2023-10-01"),
		UpdateDate:            invoice.MustParseDate("2023-10-01"),
		Name:                  name,
		Address:               address,
		AddressPrefectureCode: pref,
	}
}

func number(n int) string {
	return fmt.Sprintf("T%013d", n)
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "invoice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commit(t *testing.T, s *storage.SQLiteStore, recs ...invoice.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, tx.Upsert(ctx, r))
	}
	tx.SetMetadata(invoice.SyncMetadata{
		LastFullSyncDate: invoice.MustParseDate("2024-03-01"),
		DataAsOfDate:     invoice.MustParseDate("2024-02-29"),
	})
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
}

func sampleStore(t *testing.T) *storage.SQLiteStore {
	s := newStore(t)

	superseded := rec(5, "T1000020012131", "旧商号株式会社", "東京都千代田区霞が関３丁目１－１", "13")
	superseded.Latest = false
	disposed := rec(6, number(6), "株式会社サンプル廃止", "大阪府大阪市北区梅田１丁目", "27")
	disposed.DisposalDate = invoice.MustParseDate("2024-01-31")
	expired := rec(7, number(7), "株式会社サンプル期限", "大阪府大阪市中央区", "27")
	expired.ExpireDate = invoice.MustParseDate("2024-02-01")

	commit(t, s,
		rec(1, number(1), "株式会社サンプル", "東京都港区芝公園４丁目２－８", "13"),
		rec(2, number(2), "ＡＢＣ商事株式会社", "大阪府大阪市北区梅田２丁目", "27"),
		rec(3, number(3), "有限会社テスト", "北海道札幌市中央区北一条西２丁目サンプルビル", "01"),
		rec(4, "T1000020012131", "新商号株式会社", "東京都千代田区霞が関３丁目１－１", "13"),
		superseded, disposed, expired,
	)
	return s
}

func seqs(recs []invoice.Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.SequenceNumber)
	}
	return out
}

func TestSearch_NameOrAddressActiveOnly(t *testing.T) {
	e := New(sampleStore(t))

	page, err := e.Search(context.Background(), SearchRequest{Query: "サンプル", Page: 1, PageSize: 20})
	require.NoError(t, err)

	// 1 by name, 3 by address; 6 and 7 are inactive.
	assert.Equal(t, []int64{1, 3}, seqs(page.Records))
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 1, page.TotalPages)
}

func TestSearch_IncludeInactive(t *testing.T) {
	e := New(sampleStore(t))

	page, err := e.Search(context.Background(), SearchRequest{Query: "サンプル", Page: 1, PageSize: 20, IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 6, 7}, seqs(page.Records))
}

func TestSearch_QueryIsWidened(t *testing.T) {
	e := New(sampleStore(t))
	ctx := context.Background()

	page, err := e.Search(ctx, SearchRequest{Query: "4丁目", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqs(page.Records))

	page, err = e.Search(ctx, SearchRequest{Query: "  ABC  ", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqs(page.Records))

	page, err = e.Search(ctx, SearchRequest{Query: "ｻﾝ", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, seqs(page.Records))
}

func TestSearch_NoMatch(t *testing.T) {
	e := New(sampleStore(t))

	page, err := e.Search(context.Background(), SearchRequest{Query: "存在しない", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.NotNil(t, page.Records)
	assert.Zero(t, page.TotalCount)
	assert.Zero(t, page.TotalPages)
}

func TestSearch_Prefecture(t *testing.T) {
	e := New(sampleStore(t))
	ctx := context.Background()

	for _, pref := range []string{"27", "大阪府", "大阪"} {
		page, err := e.Search(ctx, SearchRequest{Prefecture: pref, Page: 1, PageSize: 10})
		require.NoError(t, err, pref)
		assert.Equal(t, []int64{2}, seqs(page.Records), pref)
	}

	page, err := e.Search(ctx, SearchRequest{Query: "株式会社", Prefecture: "東京都", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, seqs(page.Records))

	page, err = e.Search(ctx, SearchRequest{Prefecture: "沖縄", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestSearch_Validation(t *testing.T) {
	e := New(sampleStore(t))
	ctx := context.Background()

	cases := map[string]SearchRequest{
		"zero page":          {Query: "株式会社", Page: 0, PageSize: 10},
		"negative page":      {Query: "株式会社", Page: -1, PageSize: 10},
		"zero page size":     {Query: "株式会社", Page: 1, PageSize: 0},
		"unknown prefecture": {Query: "株式会社", Prefecture: "99", Page: 1, PageSize: 10},
		"empty query":        {Query: "   ", Page: 1, PageSize: 10},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Search(ctx, req)
			assert.ErrorIs(t, err, invoice.ErrInvalidQuery)
		})
	}
}

func TestSearch_PaginationPartitionsResults(t *testing.T) {
	s := newStore(t)
	var recs []invoice.Record
	for i := 1; i <= 25; i++ {
		recs = append(recs, rec(int64(i), number(i), fmt.Sprintf("株式会社連番%02d", i), "東京都", "13"))
	}
	commit(t, s, recs...)
	e := New(s)
	ctx := context.Background()

	all, err := e.Search(ctx, SearchRequest{Query: "連番", Page: 1, PageSize: 100})
	require.NoError(t, err)
	require.Len(t, all.Records, 25)

	var joined []invoice.Record
	for p := 1; p <= 3; p++ {
		page, err := e.Search(ctx, SearchRequest{Query: "連番", Page: p, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 25, page.TotalCount)
		assert.Equal(t, 3, page.TotalPages)
		joined = append(joined, page.Records...)
	}
	assert.Equal(t, seqs(all.Records), seqs(joined))

	beyond, err := e.Search(ctx, SearchRequest{Query: "連番", Page: 4, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Records)
	assert.Equal(t, 25, beyond.TotalCount)

	huge, err := e.Search(ctx, SearchRequest{Query: "連番", Page: 1, PageSize: math.MaxInt})
	require.NoError(t, err)
	assert.Equal(t, 1, huge.TotalPages)
	assert.Len(t, huge.Records, 25)

	far, err := e.Search(ctx, SearchRequest{Query: "連番", Page: math.MaxInt, PageSize: math.MaxInt})
	require.NoError(t, err)
	assert.Empty(t, far.Records)
	assert.Equal(t, 1, far.TotalPages)

	far, err = e.Search(ctx, SearchRequest{Query: "連番", Page: math.MaxInt/2 + 2, PageSize: 4})
	require.NoError(t, err)
	assert.Empty(t, far.Records, "page offset wrapping around must not land on real rows")
}

func TestLookup(t *testing.T) {
	e := New(sampleStore(t))
	ctx := context.Background()

	got, err := e.Lookup(ctx, "T1000020012131")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.SequenceNumber)
	assert.Equal(t, "新商号株式会社", got.Name)

	_, err = e.Lookup(ctx, number(6))
	assert.ErrorIs(t, err, invoice.ErrNotFound, "disposed")

	_, err = e.Lookup(ctx, number(999))
	assert.ErrorIs(t, err, invoice.ErrNotFound)

	for _, bad := range []string{"X123", "1000020012131", "T100002001213", "t1000020012131", ""} {
		_, err = e.Lookup(ctx, bad)
		assert.ErrorIs(t, err, invoice.ErrInvalidIdentifier, bad)
	}
}

func TestLookup_HighestActiveSequenceWins(t *testing.T) {
	s := newStore(t)
	commit(t, s,
		rec(10, number(42), "第一", "東京都", "13"),
		rec(12, number(42), "第二", "東京都", "13"),
	)
	e := New(s)

	got, err := e.Lookup(context.Background(), number(42))
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.SequenceNumber)
}

func TestHistory(t *testing.T) {
	e := New(sampleStore(t))
	ctx := context.Background()

	recs, err := e.History(ctx, "T1000020012131")
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, seqs(recs))

	recs, err = e.History(ctx, number(6))
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, seqs(recs))

	_, err = e.History(ctx, number(999))
	assert.ErrorIs(t, err, invoice.ErrNotFound)

	_, err = e.History(ctx, "X123")
	assert.ErrorIs(t, err, invoice.ErrInvalidIdentifier)
}

func TestEngine_NotInitialized(t *testing.T) {
	e := New(newStore(t))
	ctx := context.Background()

	_, err := e.Search(ctx, SearchRequest{Query: "株式会社", Page: 1, PageSize: 10})
	assert.ErrorIs(t, err, invoice.ErrNotInitialized)

	_, err = e.Lookup(ctx, "T1000020012131")
	assert.ErrorIs(t, err, invoice.ErrNotInitialized)

	// Validation comes before any store access.
	_, err = e.Lookup(ctx, "X123")
	assert.ErrorIs(t, err, invoice.ErrInvalidIdentifier)

	_, err = e.Metadata(ctx)
	assert.ErrorIs(t, err, invoice.ErrNotInitialized)
}

func TestEngine_RefreshFollowsGeneration(t *testing.T) {
	s := newStore(t)
	commit(t, s, rec(1, number(1), "株式会社初版", "東京都", "13"))
	e := New(s)
	ctx := context.Background()

	before, err := e.Metadata(ctx)
	require.NoError(t, err)

	commit(t, s, rec(2, number(2), "株式会社追加", "東京都", "13"))

	// The loaded snapshot stays in use until Refresh.
	page, err := e.Search(ctx, SearchRequest{Query: "追加", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	require.NoError(t, e.Refresh(ctx))
	after, err := e.Metadata(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.Generation, after.Generation)

	page, err = e.Search(ctx, SearchRequest{Query: "追加", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqs(page.Records))
}

func TestEngine_RefreshSameGenerationKeepsIndex(t *testing.T) {
	s := newStore(t)
	commit(t, s, rec(1, number(1), "株式会社初版", "東京都", "13"))
	e := New(s)
	ctx := context.Background()

	require.NoError(t, e.Refresh(ctx))
	first := e.current.Load()
	require.NoError(t, e.Refresh(ctx))
	assert.Same(t, first, e.current.Load())
}

func TestEngine_Metrics(t *testing.T) {
	m := observability.NewMetrics()
	e := New(sampleStore(t), WithMetrics(m), WithLogger(observability.NewNop()))
	ctx := context.Background()

	_, err := e.Search(ctx, SearchRequest{Query: "株式会社", Page: 1, PageSize: 10})
	require.NoError(t, err)
	_, _ = e.Lookup(ctx, "X123")
	_, _ = e.Lookup(ctx, number(999))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(OpSearch, observability.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(OpLookup, "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(OpLookup, "not_found")))
}

func TestSearch_Cancelled(t *testing.T) {
	e := New(sampleStore(t))
	require.NoError(t, e.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Search(ctx, SearchRequest{Query: "株式会社", Page: 1, PageSize: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndexScan_ParallelKeepsOrder(t *testing.T) {
	n := parallelScanMin + 5000
	snap := &storage.Snapshot{Records: make([]invoice.Record, n)}
	for i := range snap.Records {
		name := "株式会社その他"
		if i%7 == 0 {
			name = "株式会社対象"
		}
		snap.Records[i] = rec(int64(i+1), number(i+1), name, "東京都", "13")
	}
	idx := buildIndex(snap)

	hits, err := idx.scan(context.Background(), nil, filter{needle: "対象"})
	require.NoError(t, err)
	require.Len(t, hits, (n+6)/7)
	for k, i := range hits {
		assert.Equal(t, k*7, i)
	}
}
