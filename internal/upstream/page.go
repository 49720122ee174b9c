package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/text/width"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// PageResolver discovers file identifiers by reading the site's download
// pages, so rotated identifiers are picked up without a release.
type PageResolver struct {
	BaseURL string
	Fetcher Fetcher

	// FullIDs, when set, replaces discovery of the full dataset parts.
	// Diff files are still discovered from the page.
	FullIDs []string

	mu    sync.Mutex
	diffs map[string]FileRef // by day; loaded once per resolver
}

// NewPageResolver creates a resolver for baseURL (DefaultBaseURL if empty).
func NewPageResolver(baseURL string, f Fetcher) *PageResolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &PageResolver{BaseURL: strings.TrimRight(baseURL, "/"), Fetcher: f}
}

// FullPageURL is the page listing the full dataset files.
func (p *PageResolver) FullPageURL() string { return p.BaseURL + "/download/zenken/index.html" }

// DiffPageURL is the page listing the diff files still retained.
func (p *PageResolver) DiffPageURL() string { return p.BaseURL + "/download/sabun/index.html" }

// FullParts implements Resolver.
func (p *PageResolver) FullParts(ctx context.Context) (FullDataset, error) {
	if len(p.FullIDs) > 0 {
		static := &StaticResolver{BaseURL: p.BaseURL, FullIDs: p.FullIDs}
		return static.FullParts(ctx)
	}

	pageURL := p.FullPageURL()
	body, err := p.Fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return FullDataset{}, fmt.Errorf("full dataset page: %w", err)
	}
	links, asOf, err := scanDownloadLinks(body)
	if err != nil {
		return FullDataset{}, &invoice.MalformedDataError{Source: pageURL, Reason: err.Error()}
	}

	ds := FullDataset{AsOf: asOf}
	seen := make(map[string]bool)
	for _, l := range links {
		if seen[l.id] {
			continue
		}
		seen[l.id] = true
		ds.Parts = append(ds.Parts, FileRef{ID: l.id, URL: FullURL(p.BaseURL, l.id)})
	}
	if len(ds.Parts) == 0 {
		return FullDataset{}, &invoice.MalformedDataError{Source: pageURL, Reason: "no corporation CSV download links"}
	}
	return ds, nil
}

// DiffFile implements Resolver. The diff page is read on first use and
// cached for the lifetime of the resolver.
func (p *PageResolver) DiffFile(ctx context.Context, day invoice.Date) (FileRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.diffs == nil {
		pageURL := p.DiffPageURL()
		body, err := p.Fetcher.Fetch(ctx, pageURL)
		if err != nil {
			return FileRef{}, false, fmt.Errorf("diff page: %w", err)
		}
		links, _, err := scanDownloadLinks(body)
		if err != nil {
			return FileRef{}, false, &invoice.MalformedDataError{Source: pageURL, Reason: err.Error()}
		}
		diffs := make(map[string]FileRef, len(links))
		for _, l := range links {
			if l.day.IsZero() {
				continue
			}
			key := l.day.String()
			if _, dup := diffs[key]; dup {
				continue
			}
			diffs[key] = FileRef{ID: l.id, URL: DiffURL(p.BaseURL, l.id), Day: l.day}
		}
		p.diffs = diffs
	}

	ref, ok := p.diffs[day.String()]
	return ref, ok, nil
}

type pageLink struct {
	id  string
	day invoice.Date
}

// scanDownloadLinks walks the page in document order and returns every
// corporation CSV download link. Each link is dated with the last date seen
// before it, preferring the date of its own table row or list item.
// asOf is the first date written next to an as-of marker (時点, 基準日),
// looked up in the marker's text node and then in its parent element.
func scanDownloadLinks(body []byte) (links []pageLink, asOf invoice.Date, err error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, invoice.Date{}, fmt.Errorf("parse html: %w", err)
	}

	var current invoice.Date
	locked := 0 // inside a row or item that carries its own date
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if asOf.IsZero() && hasAsOfMarker(n.Data) {
				asOf = asOfDate(n)
			}
			if d, ok := findDate(n.Data); ok && locked == 0 {
				current = d
			}
		case html.ElementNode:
			switch n.Data {
			case "tr", "li":
				if d, ok := findDate(nodeText(n)); ok && locked == 0 {
					current = d
					locked++
					defer func() { locked-- }()
				}
			case "a":
				if id, ok := downloadID(attr(n, "href")); ok {
					links = append(links, pageLink{id: id, day: current})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, asOf, nil
}

var asOfMarkers = []string{"時点", "基準日"}

func hasAsOfMarker(s string) bool {
	for _, m := range asOfMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// asOfDate dates a marker text node, as in "令和6年2月29日時点" or
// "<span>2024/02/29</span> 時点".
func asOfDate(n *html.Node) invoice.Date {
	if d, ok := findDate(n.Data); ok {
		return d
	}
	if n.Parent != nil {
		if d, ok := findDate(nodeText(n.Parent)); ok {
			return d
		}
	}
	return invoice.Date{}
}

// downloadID extracts dlFilKanriNo from a corporation CSV download href.
func downloadID(href string) (string, bool) {
	if !strings.Contains(href, "dlFilKanriNo") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	q := u.Query()
	id := q.Get("dlFilKanriNo")
	if id == "" {
		return "", false
	}
	if k := q.Get("dlFilJinkakuKbn"); k != "" && k != entityCorporation {
		return "", false
	}
	if t := q.Get("dlFilType"); t != "" && t != fileTypeCSV {
		return "", false
	}
	return id, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}

var (
	westernDate = regexp.MustCompile(`(\d{4})\s*[年/.\-]\s*(\d{1,2})\s*[月/.\-]\s*(\d{1,2})`)
	reiwaDate   = regexp.MustCompile(`令和\s*(\d{1,2}|元)\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
)

// findDate finds the first date in s, written either in the western form
// (2024年3月1日, 2024/03/01, 2024-03-01) or in the Reiwa era. Full-width
// digits are accepted.
func findDate(s string) (invoice.Date, bool) {
	s = width.Narrow.String(s)

	if m := reiwaDate.FindStringSubmatch(s); m != nil {
		year := 1
		if m[1] != "元" {
			year, _ = strconv.Atoi(m[1])
		}
		return makeDate(2018+year, m[2], m[3])
	}
	if m := westernDate.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		return makeDate(y, m[2], m[3])
	}
	return invoice.Date{}, false
}

func makeDate(year int, month, day string) (invoice.Date, bool) {
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return invoice.Date{}, false
	}
	date := invoice.NewDate(year, time.Month(m), d)
	if date.Time().Day() != d {
		return invoice.Date{}, false // e.g. 2月30日
	}
	return date, true
}
