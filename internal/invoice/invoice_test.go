package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidRegistrationNumber(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"T1000020012131", true},
		{"T0000000000000", true},
		{"1000020012131", false},
		{"X123", false},
		{"T100002001213", false},
		{"T10000200121311", false},
		{"t1000020012131", false},
		{"T10000200121A1", false},
		{"T１０００020012131", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidRegistrationNumber(tt.id), tt.id)
	}
}

func TestCanonicalRegistrationNumber(t *testing.T) {
	assert.Equal(t, "T1000020012131", CanonicalRegistrationNumber("1000020012131"))
	assert.Equal(t, "T1000020012131", CanonicalRegistrationNumber(" T1000020012131 "))
	assert.Equal(t, "X123", CanonicalRegistrationNumber("X123"))
	assert.Equal(t, "123", CanonicalRegistrationNumber("123"))
}

func TestRecord_Active(t *testing.T) {
	base := Record{SequenceNumber: 1, RegistrationNumber: "T1000020012131", Latest: true}
	assert.True(t, base.Active())

	notLatest := base
	notLatest.Latest = false
	assert.False(t, notLatest.Active())

	disposed := base
	disposed.DisposalDate = NewDate(2024, 3, 1)
	assert.False(t, disposed.Active())

	expired := base
	expired.ExpireDate = NewDate(2024, 3, 1)
	assert.False(t, expired.Active())
}

func TestSyncMetadata_DiffBase(t *testing.T) {
	full := NewDate(2025, 6, 10)
	asOf := NewDate(2025, 5, 30)
	diff := NewDate(2025, 6, 12)

	assert.Equal(t, full, SyncMetadata{LastFullSyncDate: full}.DiffBase())
	assert.Equal(t, asOf, SyncMetadata{LastFullSyncDate: full, DataAsOfDate: asOf}.DiffBase())
	assert.Equal(t, diff, SyncMetadata{LastFullSyncDate: full, DataAsOfDate: asOf, LastDiffDate: diff}.DiffBase())
}

func TestDate_ParseAndFormat(t *testing.T) {
	d, err := ParseDate("2023-10-01")
	require.NoError(t, err)
	assert.Equal(t, "2023-10-01", d.String())
	assert.Equal(t, time.Sunday, d.Weekday())

	zero, err := ParseDate("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())

	_, err = ParseDate("2023/10/01")
	assert.Error(t, err)
}

func TestDate_DateOfUsesJST(t *testing.T) {
	// 2024-01-01 20:00 UTC is already Jan 2 in Japan.
	utc := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-02", DateOf(utc).String())
}

func TestDate_JSON(t *testing.T) {
	type wrap struct {
		D Date `json:"d"`
	}
	b, err := json.Marshal(wrap{D: NewDate(2024, 2, 29)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-02-29"}`, string(b))

	b, err = json.Marshal(wrap{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":null}`, string(b))

	var w wrap
	require.NoError(t, json.Unmarshal([]byte(`{"d":"2024-02-29"}`), &w))
	assert.True(t, w.D.Equal(NewDate(2024, 2, 29)))
}

func TestErrors_Is(t *testing.T) {
	fe := &FetchError{URL: "https://example.test/a", StatusCode: 503}
	wrapped := fmt.Errorf("sync: %w", fe)
	assert.ErrorIs(t, wrapped, ErrFetch)
	var got *FetchError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, 503, got.StatusCode)

	me := &MalformedDataError{Source: "part-1.csv", Line: 4, Reason: "too few columns"}
	assert.ErrorIs(t, fmt.Errorf("parse: %w", me), ErrMalformedData)
	assert.Contains(t, me.Error(), "line 4")

	assert.ErrorIs(t, NewQueryError("page", "must be positive"), ErrInvalidQuery)
	assert.NotErrorIs(t, NewQueryError("page", "must be positive"), ErrInvalidIdentifier)
	assert.ErrorIs(t, NewIdentifierError("X123"), ErrInvalidIdentifier)
}

func TestPrefectureCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"13", "13", true},
		{"1", "01", true},
		{"東京都", "13", true},
		{"東京", "13", true},
		{"京都府", "26", true},
		{"京都", "26", true},
		{"北海道", "01", true},
		{"沖縄県", "47", true},
		{"48", "", false},
		{"0", "", false},
		{"アトランティス", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := PrefectureCode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, "大阪府", PrefectureName("27"))
	assert.Equal(t, "", PrefectureName("99"))
}
