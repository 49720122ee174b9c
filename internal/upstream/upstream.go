// Package upstream talks to the registry's public download site: it resolves
// which files make up the current full dataset and which diff file belongs
// to a given day, downloads them, and decodes their zip/CSV payload into
// records.
package upstream

import (
	"context"
	"net/url"
	"strings"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// DefaultBaseURL is the registry's public site.
const DefaultBaseURL = "https://www.invoice-kohyo.nta.go.jp"

// DefaultFullIDs are the corporation/CSV part identifiers known at the time
// of writing. The site rotates them; PageResolver discovers the current set.
var DefaultFullIDs = []string{"4054", "4063", "4055", "4064", "4057"}

// Download parameters for corporations (jinkaku 2) in CSV (type 01).
const (
	entityCorporation = "2"
	fileTypeCSV       = "01"
)

// Fetcher downloads one upstream file.
type Fetcher interface {
	// Fetch returns the response body, or an *invoice.FetchError.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FileRef points at one downloadable file.
type FileRef struct {
	ID  string
	URL string
	Day invoice.Date // publication day of a diff file; zero for full parts
}

// FullDataset is the current full dump, split into parts.
type FullDataset struct {
	Parts []FileRef
	AsOf  invoice.Date // zero when upstream does not say
}

// Resolver maps logical files to current download URLs.
type Resolver interface {
	// FullParts lists the parts of the current full dataset.
	FullParts(ctx context.Context) (FullDataset, error)

	// DiffFile returns the diff file published for day. found is false when
	// nothing was published that day (weekend, holiday, not yet out).
	DiffFile(ctx context.Context, day invoice.Date) (ref FileRef, found bool, err error)
}

// FullURL builds the full-dataset download URL for a file id.
func FullURL(baseURL, id string) string {
	return downloadURL(baseURL, "zenken", id)
}

// DiffURL builds the diff download URL for a file id.
func DiffURL(baseURL, id string) string {
	return downloadURL(baseURL, "sabun", id)
}

func downloadURL(baseURL, kind, id string) string {
	q := url.Values{}
	q.Set("dlFilKanriNo", id)
	q.Set("dlFilJinkakuKbn", entityCorporation)
	q.Set("dlFilType", fileTypeCSV)
	return strings.TrimRight(baseURL, "/") + "/download/" + kind + "/dlfile?" + q.Encode()
}

// StaticResolver serves fixed identifiers. It backs tests and the
// INVOICESEARCH_FILE_IDS override.
type StaticResolver struct {
	BaseURL string
	FullIDs []string
	AsOf    invoice.Date
	DiffIDs map[string]string // "2006-01-02" -> file id
}

// FullParts implements Resolver.
func (s *StaticResolver) FullParts(ctx context.Context) (FullDataset, error) {
	ids := s.FullIDs
	if len(ids) == 0 {
		ids = DefaultFullIDs
	}
	ds := FullDataset{AsOf: s.AsOf}
	for _, id := range ids {
		ds.Parts = append(ds.Parts, FileRef{ID: id, URL: FullURL(s.baseURL(), id)})
	}
	return ds, nil
}

// DiffFile implements Resolver.
func (s *StaticResolver) DiffFile(ctx context.Context, day invoice.Date) (FileRef, bool, error) {
	id, ok := s.DiffIDs[day.String()]
	if !ok {
		return FileRef{}, false, nil
	}
	return FileRef{ID: id, URL: DiffURL(s.baseURL(), id), Day: day}, true, nil
}

func (s *StaticResolver) baseURL() string {
	if s.BaseURL == "" {
		return DefaultBaseURL
	}
	return s.BaseURL
}
