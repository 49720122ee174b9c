package upstream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// pageFetcher serves fixed bodies by URL and counts requests.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
}

func (f *pageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	body, ok := f.pages[url]
	if !ok {
		return nil, &invoice.FetchError{URL: url, StatusCode: 404}
	}
	return []byte(body), nil
}

const zenkenPage = `<html><body>
<p>令和６年２月２９日時点のデータです。</p>
<table>
<tr><td>全件 1/2</td><td><a href="/download/zenken/dlfile?dlFilKanriNo=5001&dlFilJinkakuKbn=2&dlFilType=01">CSV</a></td></tr>
<tr><td>全件 1/2</td><td><a href="/download/zenken/dlfile?dlFilKanriNo=5001&dlFilJinkakuKbn=2&dlFilType=02">XML</a></td></tr>
<tr><td>全件 2/2</td><td><a href="dlfile?dlFilKanriNo=5002&amp;dlFilJinkakuKbn=2&amp;dlFilType=01">CSV</a></td></tr>
<tr><td>個人</td><td><a href="/download/zenken/dlfile?dlFilKanriNo=6001&dlFilJinkakuKbn=1&dlFilType=01">CSV</a></td></tr>
<tr><td>重複</td><td><a href="/download/zenken/dlfile?dlFilKanriNo=5001&dlFilJinkakuKbn=2&dlFilType=01">CSV</a></td></tr>
</table>
<a href="/faq.html">FAQ</a>
</body></html>`

const sabunPage = `<html><body>
<h2>差分データ</h2>
<table>
<tr><td>2024/03/01</td><td><a href="/download/sabun/dlfile?dlFilKanriNo=9001&dlFilJinkakuKbn=2&dlFilType=01">CSV</a></td><td>掲載期限 2024/04/26</td></tr>
<tr><td>2024年3月4日</td><td><a href="/download/sabun/dlfile?dlFilKanriNo=9002&dlFilJinkakuKbn=2&dlFilType=01">CSV</a></td></tr>
</table>
<ul>
<li>令和6年3月5日 <a href="/download/sabun/dlfile?dlFilKanriNo=9003&dlFilJinkakuKbn=2&dlFilType=01">CSV</a></li>
</ul>
<a href="/download/sabun/dlfile?dlFilKanriNo=9999&dlFilJinkakuKbn=2&dlFilType=01">undated</a>
</body></html>`

func newPageFixture() (*PageResolver, *pageFetcher) {
	f := &pageFetcher{pages: map[string]string{
		"http://host/download/zenken/index.html": zenkenPage,
		"http://host/download/sabun/index.html":  sabunPage,
	}}
	return NewPageResolver("http://host/", f), f
}

func TestPageResolver_FullParts(t *testing.T) {
	r, _ := newPageFixture()

	ds, err := r.FullParts(context.Background())
	require.NoError(t, err)
	require.Len(t, ds.Parts, 2)
	assert.Equal(t, "5001", ds.Parts[0].ID)
	assert.Equal(t, "5002", ds.Parts[1].ID)
	assert.Equal(t, FullURL("http://host", "5002"), ds.Parts[1].URL)
	assert.Equal(t, "2024-02-29", ds.AsOf.String())
}

func TestPageResolver_FullPartsAsOf(t *testing.T) {
	link := `<a href="/download/zenken/dlfile?dlFilKanriNo=5001&dlFilJinkakuKbn=2&dlFilType=01">CSV</a>`
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "notice date before the marker",
			body: `<p>2024年1月9日 システムメンテナンスのお知らせ</p><p>令和6年2月29日時点</p>` + link,
			want: "2024-02-29",
		},
		{
			name: "date in a sibling element",
			body: `<p>データ基準日: <span>2024/02/29</span></p>` + link,
			want: "2024-02-29",
		},
		{
			name: "no marker",
			body: `<p>2024年1月9日 更新</p>` + link,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &pageFetcher{pages: map[string]string{
				"http://host/download/zenken/index.html": "<html><body>" + tt.body + "</body></html>",
			}}
			ds, err := NewPageResolver("http://host", f).FullParts(context.Background())
			require.NoError(t, err)
			if tt.want == "" {
				assert.True(t, ds.AsOf.IsZero(), ds.AsOf.String())
				return
			}
			assert.Equal(t, tt.want, ds.AsOf.String())
		})
	}
}

func TestPageResolver_FullPartsOverride(t *testing.T) {
	r, f := newPageFixture()
	r.FullIDs = []string{"4054"}

	ds, err := r.FullParts(context.Background())
	require.NoError(t, err)
	require.Len(t, ds.Parts, 1)
	assert.Equal(t, "4054", ds.Parts[0].ID)
	assert.True(t, ds.AsOf.IsZero())
	assert.Zero(t, f.calls[r.FullPageURL()])
}

func TestPageResolver_FullPartsNoLinks(t *testing.T) {
	f := &pageFetcher{pages: map[string]string{
		"http://host/download/zenken/index.html": "<html><body>メンテナンス中</body></html>",
	}}
	r := NewPageResolver("http://host", f)

	_, err := r.FullParts(context.Background())
	assert.ErrorIs(t, err, invoice.ErrMalformedData)
}

func TestPageResolver_FullPartsFetchError(t *testing.T) {
	r := NewPageResolver("http://host", &pageFetcher{})
	_, err := r.FullParts(context.Background())
	assert.ErrorIs(t, err, invoice.ErrFetch)
}

func TestPageResolver_DiffFile(t *testing.T) {
	r, f := newPageFixture()
	ctx := context.Background()

	tests := []struct {
		day   string
		id    string
		found bool
	}{
		{"2024-03-01", "9001", true},
		{"2024-03-04", "9002", true},
		{"2024-03-05", "9003", true},
		{"2024-03-06", "", false},
		{"2024-04-26", "", false},
	}
	for _, tt := range tests {
		ref, found, err := r.DiffFile(ctx, invoice.MustParseDate(tt.day))
		require.NoError(t, err, tt.day)
		assert.Equal(t, tt.found, found, tt.day)
		if tt.found {
			assert.Equal(t, tt.id, ref.ID, tt.day)
			assert.Equal(t, DiffURL("http://host", tt.id), ref.URL)
			assert.Equal(t, tt.day, ref.Day.String())
		}
	}
	assert.Equal(t, 1, f.calls[r.DiffPageURL()], "diff page is read once")
}

func TestFindDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024年3月1日", "2024-03-01"},
		{"更新日：2024/03/01", "2024-03-01"},
		{"2024-12-31 公開", "2024-12-31"},
		{"令和6年3月5日", "2024-03-05"},
		{"令和元年10月1日", "2019-10-01"},
		{"２０２４年３月１日", "2024-03-01"},
		{"令和６年２月２９日時点", "2024-02-29"},
	}
	for _, tt := range tests {
		d, ok := findDate(tt.in)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, d.String(), tt.in)
	}

	for _, in := range []string{"", "CSV", "2024年2月30日", "2024/13/01"} {
		_, ok := findDate(in)
		assert.False(t, ok, in)
	}
}
