// Package render writes query results as an aligned table, CSV, JSON or an
// XLSX workbook.
package render

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/query"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatXLSX  Format = "xlsx"
)

var errBinaryToTerminal = errors.New("render: refusing to write xlsx to a terminal")

// ParseFormat accepts a format name; empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want table, csv, json or xlsx)", s)
	}
}

// column is one exported record field. name is the upstream column name.
type column struct {
	name  string
	value func(invoice.Record) string
}

var columns = []column{
	{"sequenceNumber", func(r invoice.Record) string { return strconv.FormatInt(r.SequenceNumber, 10) }},
	{"registratedNumber", func(r invoice.Record) string { return r.RegistrationNumber }},
	{"process", func(r invoice.Record) string { return r.Process }},
	{"correct", func(r invoice.Record) string { return r.Correct }},
	{"kind", func(r invoice.Record) string { return r.Kind }},
	{"country", func(r invoice.Record) string { return r.Country }},
	{"latest", func(r invoice.Record) string {
		if r.Latest {
			return "1"
		}
		return "0"
	}},
	{"registrationDate", func(r invoice.Record) string { return r.RegistrationDate.String() }},
	{"updateDate", func(r invoice.Record) string { return r.UpdateDate.String() }},
	{"disposalDate", func(r invoice.Record) string { return r.DisposalDate.String() }},
	{"expireDate", func(r invoice.Record) string { return r.ExpireDate.String() }},
	{"address", func(r invoice.Record) string { return r.Address }},
	{"addressPrefectureCode", func(r invoice.Record) string { return r.AddressPrefectureCode }},
	{"addressCityCode", func(r invoice.Record) string { return r.AddressCityCode }},
	{"addressRequest", func(r invoice.Record) string { return r.AddressRequest }},
	{"addressRequestPrefectureCode", func(r invoice.Record) string { return r.AddressRequestPrefectureCode }},
	{"addressRequestCityCode", func(r invoice.Record) string { return r.AddressRequestCityCode }},
	{"kana", func(r invoice.Record) string { return r.Kana }},
	{"name", func(r invoice.Record) string { return r.Name }},
	{"addressInside", func(r invoice.Record) string { return r.AddressInside }},
	{"addressInsidePrefectureCode", func(r invoice.Record) string { return r.AddressInsidePrefectureCode }},
	{"addressInsideCityCode", func(r invoice.Record) string { return r.AddressInsideCityCode }},
	{"tradeName", func(r invoice.Record) string { return r.TradeName }},
	{"popularName_previousName", func(r invoice.Record) string { return r.PopularNamePreviousName }},
}

// Header returns the upstream column names in file order.
func Header() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.name
	}
	return out
}

// Row returns rec's fields in Header order.
func Row(rec invoice.Record) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.value(rec)
	}
	return out
}

// Status is a short label for a record's state.
func Status(rec invoice.Record) string {
	switch {
	case !rec.DisposalDate.IsZero():
		return "取消"
	case !rec.ExpireDate.IsZero():
		return "失効"
	case !rec.Latest:
		return "旧履歴"
	default:
		return "有効"
	}
}

// Renderer writes to one destination in one format.
type Renderer struct {
	w      io.Writer
	format Format
	tty    bool
}

// New creates a Renderer. Table output is aligned with a title when w is a
// terminal and tab-separated otherwise.
func New(w io.Writer, format Format) *Renderer {
	return &Renderer{w: w, format: format, tty: IsTerminal(w)}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Page writes one page of search results.
func (r *Renderer) Page(p query.Page, title string) error {
	switch r.format {
	case FormatJSON:
		return r.JSON(p)
	case FormatTable:
		return r.list(p.Records, title)
	default:
		return r.full(p.Records)
	}
}

// Records writes a list of records, such as the revisions of one number.
func (r *Renderer) Records(recs []invoice.Record, title string) error {
	switch r.format {
	case FormatJSON:
		if recs == nil {
			recs = []invoice.Record{}
		}
		return r.JSON(recs)
	case FormatTable:
		return r.list(recs, title)
	default:
		return r.full(recs)
	}
}

// Record writes the details of a single record. The table form lists every
// non-empty field.
func (r *Renderer) Record(rec invoice.Record, title string) error {
	switch r.format {
	case FormatJSON:
		return r.JSON(rec)
	case FormatTable:
		var kv [][2]string
		for _, c := range columns {
			if v := c.value(rec); v != "" {
				kv = append(kv, [2]string{c.name, v})
			}
		}
		kv = append(kv, [2]string{"status", Status(rec)})
		return r.KeyValues(kv, title)
	default:
		return r.full([]invoice.Record{rec})
	}
}

// KeyValues writes two-column label/value rows.
func (r *Renderer) KeyValues(kv [][2]string, title string) error {
	switch r.format {
	case FormatJSON:
		m := make(map[string]string, len(kv))
		for _, p := range kv {
			m[p[0]] = p[1]
		}
		return r.JSON(m)
	case FormatCSV:
		cw := csv.NewWriter(r.w)
		for _, p := range kv {
			if err := cw.Write(p[:]); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatXLSX:
		rows := make([][]string, 0, len(kv))
		for _, p := range kv {
			rows = append(rows, p[:])
		}
		return r.xlsx([]string{"項目", "内容"}, rows)
	default:
		rows := make([][]string, 0, len(kv))
		for _, p := range kv {
			rows = append(rows, []string{p[0], p[1]})
		}
		return r.table(nil, rows, title)
	}
}

// JSON writes v as indented JSON.
func (r *Renderer) JSON(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// list is the short table form: the columns people scan for.
func (r *Renderer) list(recs []invoice.Record, title string) error {
	header := []string{"登録番号", "名称", "所在地", "都道府県", "登録日"}
	withStatus := false
	for _, rec := range recs {
		if !rec.Active() {
			withStatus = true
			header = append(header, "状態")
			break
		}
	}
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		row := []string{
			rec.RegistrationNumber,
			rec.Name,
			rec.Address,
			invoice.PrefectureName(rec.AddressPrefectureCode),
			rec.RegistrationDate.String(),
		}
		if withStatus {
			row = append(row, Status(rec))
		}
		rows = append(rows, row)
	}
	return r.table(header, rows, title)
}

// full writes every field, as CSV or a workbook.
func (r *Renderer) full(recs []invoice.Record) error {
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, Row(rec))
	}
	if r.format == FormatXLSX {
		return r.xlsx(Header(), rows)
	}

	cw := csv.NewWriter(r.w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}
