// Package invoice defines the qualified-invoice issuer registration record,
// the sync metadata kept alongside the local dataset, and the error taxonomy
// shared by the store, the reconciler and the query engine.
package invoice

import "time"

// Record is one registration entry as published by the registry.
//
// SequenceNumber is the merge key: every revision of the same logical entry
// keeps it. RegistrationNumber is the externally visible identifier and is
// unique only among active records.
type Record struct {
	SequenceNumber     int64  `json:"sequenceNumber"`
	RegistrationNumber string `json:"registratedNumber"`

	// Coded fields, preserved as published.
	Process string `json:"process"`
	Correct string `json:"correct"`
	Kind    string `json:"kind"`
	Country string `json:"country"`

	Latest bool `json:"latest"`

	RegistrationDate Date `json:"registrationDate"`
	UpdateDate       Date `json:"updateDate"`
	DisposalDate     Date `json:"disposalDate"`
	ExpireDate       Date `json:"expireDate"`

	Address               string `json:"address"`
	AddressPrefectureCode string `json:"addressPrefectureCode"`
	AddressCityCode       string `json:"addressCityCode"`

	AddressRequest               string `json:"addressRequest"`
	AddressRequestPrefectureCode string `json:"addressRequestPrefectureCode"`
	AddressRequestCityCode       string `json:"addressRequestCityCode"`

	Kana string `json:"kana"`
	Name string `json:"name"`

	AddressInside               string `json:"addressInside"`
	AddressInsidePrefectureCode string `json:"addressInsidePrefectureCode"`
	AddressInsideCityCode       string `json:"addressInsideCityCode"`

	TradeName               string `json:"tradeName"`
	PopularNamePreviousName string `json:"popularName_previousName"`
}

// Active reports whether the record is the current revision of a live
// registration. Any one of latest=false, a disposal date or an expiry date
// is enough to make a record inactive.
func (r Record) Active() bool {
	return r.Latest && r.DisposalDate.IsZero() && r.ExpireDate.IsZero()
}

// ProcessDeleted is the process code upstream uses in diff files for a hard
// removal of an entry.
const ProcessDeleted = "99"

// Removal reports whether a diff entry asks for the sequence to be deleted
// rather than upserted.
func (r Record) Removal() bool {
	return r.Process == ProcessDeleted
}

// SyncMetadata is the singleton bookkeeping row of a local dataset.
type SyncMetadata struct {
	LastFullSyncDate Date `json:"lastFullSyncDate"`
	LastDiffDate     Date `json:"lastDiffDate"` // zero if no diff applied since the last full sync
	DataAsOfDate     Date `json:"dataAsOfDate"`

	RecordCount      int64 `json:"recordCount"`
	StorageSizeBytes int64 `json:"storageSizeBytes"`

	// Generation is the id of the sync run that produced the committed
	// snapshot. It changes on every successful commit.
	Generation string    `json:"generation"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DiffBase returns the day after which incremental files still have to be
// applied: the last applied diff day, else the dataset's as-of date, else the
// full sync day.
func (m SyncMetadata) DiffBase() Date {
	switch {
	case !m.LastDiffDate.IsZero():
		return m.LastDiffDate
	case !m.DataAsOfDate.IsZero():
		return m.DataAsOfDate
	default:
		return m.LastFullSyncDate
	}
}
