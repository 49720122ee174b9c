package query

import (
	"context"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
	"github.com/invoicesearchjp/invoicesearch/internal/textnorm"
)

const (
	// parallelScanMin is the candidate count above which a scan is split
	// across goroutines.
	parallelScanMin = 100_000

	// cancelCheckEvery is how many candidates a scan visits between
	// cancellation checks.
	cancelCheckEvery = 4096
)

// index is an immutable view of one committed snapshot. Records keep the
// store's ascending sequence order, so every candidate list built from it
// is already in result order.
type index struct {
	meta    invoice.SyncMetadata
	records []invoice.Record

	// Widened name and address, parallel to records.
	names     []string
	addresses []string

	byPrefecture map[string][]int
	byNumber     map[string][]int
}

func buildIndex(snap *storage.Snapshot) *index {
	n := len(snap.Records)
	idx := &index{
		meta:         snap.Meta,
		records:      snap.Records,
		names:        make([]string, n),
		addresses:    make([]string, n),
		byPrefecture: make(map[string][]int, 48),
		byNumber:     make(map[string][]int, n),
	}
	for i := range snap.Records {
		r := &snap.Records[i]
		idx.names[i] = textnorm.Widen(r.Name)
		idx.addresses[i] = textnorm.Widen(r.Address)
		idx.byPrefecture[r.AddressPrefectureCode] = append(idx.byPrefecture[r.AddressPrefectureCode], i)
		idx.byNumber[r.RegistrationNumber] = append(idx.byNumber[r.RegistrationNumber], i)
	}
	return idx
}

// filter selects what a scan keeps. needle is already widened; an empty
// needle matches everything.
type filter struct {
	needle          string
	includeInactive bool
}

func (idx *index) matches(i int, f filter) bool {
	if !f.includeInactive && !idx.records[i].Active() {
		return false
	}
	if f.needle == "" {
		return true
	}
	return strings.Contains(idx.names[i], f.needle) || strings.Contains(idx.addresses[i], f.needle)
}

// scan returns the positions of matching records in ascending order.
// candidates nil means every record.
func (idx *index) scan(ctx context.Context, candidates []int, f filter) ([]int, error) {
	n := len(idx.records)
	if candidates != nil {
		n = len(candidates)
	}
	at := func(k int) int {
		if candidates != nil {
			return candidates[k]
		}
		return k
	}

	scanRange := func(ctx context.Context, lo, hi int) ([]int, error) {
		var out []int
		for k := lo; k < hi; k++ {
			if (k-lo)%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if i := at(k); idx.matches(i, f) {
				out = append(out, i)
			}
		}
		return out, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if n < parallelScanMin || workers < 2 {
		return scanRange(ctx, 0, n)
	}

	chunk := (n + workers - 1) / workers
	results := make([][]int, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			break
		}
		g.Go(func() error {
			out, err := scanRange(gctx, lo, hi)
			results[w] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	merged := make([]int, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}
