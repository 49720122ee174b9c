package upstream

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// columnCount is the number of columns of the published CSV layout. Rows may
// carry more; the extra trailing columns are ignored.
const columnCount = 24

var (
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// ParseFile decodes a downloaded file. Upstream ships a zip archive with one
// CSV inside; a bare CSV body is accepted too. Any malformed row rejects the
// whole file with an *invoice.MalformedDataError.
func ParseFile(source string, data []byte) ([]invoice.Record, error) {
	if !bytes.HasPrefix(data, zipMagic) {
		return ReadCSV(source, bytes.NewReader(data))
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &invoice.MalformedDataError{Source: source, Reason: "bad zip archive: " + err.Error()}
	}

	var records []invoice.Record
	found := false
	for _, zf := range zr.File {
		if !strings.EqualFold(path.Ext(zf.Name), ".csv") {
			continue
		}
		found = true
		recs, err := parseZipEntry(source+"!"+zf.Name, zf)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	if !found {
		return nil, &invoice.MalformedDataError{Source: source, Reason: "no csv file in archive"}
	}
	return records, nil
}

// parseZipEntry reads a single CSV entry from a zip archive.
func parseZipEntry(source string, zf *zip.File) ([]invoice.Record, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, &invoice.MalformedDataError{Source: source, Reason: "open entry: " + err.Error()}
	}
	defer rc.Close()
	return ReadCSV(source, rc)
}

// ReadCSV decodes headerless upstream CSV rows.
func ReadCSV(source string, r io.Reader) ([]invoice.Record, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var records []invoice.Record
	for line := 1; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &invoice.MalformedDataError{Source: source, Line: pe.Line, Reason: pe.Err.Error()}
			}
			return nil, &invoice.MalformedDataError{Source: source, Line: line, Reason: err.Error()}
		}
		rec, err := parseRow(fields)
		if err != nil {
			return nil, &invoice.MalformedDataError{Source: source, Line: line, Reason: err.Error()}
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(f []string) (invoice.Record, error) {
	if len(f) < columnCount {
		return invoice.Record{}, fmt.Errorf("expected %d columns, got %d", columnCount, len(f))
	}

	seq, err := strconv.ParseInt(strings.TrimSpace(f[0]), 10, 64)
	if err != nil {
		return invoice.Record{}, fmt.Errorf("sequence number %q: not an integer", f[0])
	}
	latest, err := parseFlag(f[6])
	if err != nil {
		return invoice.Record{}, err
	}

	r := invoice.Record{
		SequenceNumber:               seq,
		RegistrationNumber:           f[1],
		Process:                      f[2],
		Correct:                      f[3],
		Kind:                         f[4],
		Country:                      f[5],
		Latest:                       latest,
		Address:                      f[11],
		AddressPrefectureCode:        f[12],
		AddressCityCode:              f[13],
		AddressRequest:               f[14],
		AddressRequestPrefectureCode: f[15],
		AddressRequestCityCode:       f[16],
		Kana:                         f[17],
		Name:                         f[18],
		AddressInside:                f[19],
		AddressInsidePrefectureCode:  f[20],
		AddressInsideCityCode:        f[21],
		TradeName:                    f[22],
		PopularNamePreviousName:      f[23],
	}
	for _, d := range []struct {
		col int
		dst *invoice.Date
	}{
		{7, &r.RegistrationDate},
		{8, &r.UpdateDate},
		{9, &r.DisposalDate},
		{10, &r.ExpireDate},
	} {
		if *d.dst, err = invoice.ParseDate(strings.TrimSpace(f[d.col])); err != nil {
			return invoice.Record{}, err
		}
	}
	return r, nil
}

func parseFlag(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("latest flag %q: expected 0 or 1", s)
	}
}
