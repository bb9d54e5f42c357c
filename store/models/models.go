package models

import (
	"time"
)

// ----- BEGIN SCAN -----

// Meta information for individual scans
type Scan struct {
	ID        uint   `gorm:"primary_key" pg:",pk"`
	Suid      string `gorm:"index"`
	Brand     string
	Seed      string
	Keywords  string
	Host      string
	StartTime time.Time
	EndTime   time.Time
}

// ----- END SCAN -----

// ----- BEGIN VERDICT -----

// Verdict is the terminal outcome of one domain in one scan. The unique index
// on (scan_id, fqdn) backs the idempotent upsert.
type Verdict struct {
	ID      uint   `gorm:"primary_key" pg:",pk"`
	ScanId  string `gorm:"unique_index:idx_scan_fqdn"`
	Fqdn    string `gorm:"unique_index:idx_scan_fqdn;index"`
	Brand   string `gorm:"index"`
	Source  string
	Keyword string

	Stage    string
	FailedAt string
	Note     string

	Registrar         *string
	RegistrantOrg     *string
	RegistrantCountry *string
	Created           *time.Time
	Expires           *time.Time
	Updated           *time.Time
	ARecords          string
	MxRecords         string
	NsRecords         string
	TlsIssuer         *string
	Partial           bool

	Score        *float64
	Label        string
	ModelVersion string
	Features     string

	CaptureStatus  string
	EvidenceRef    string
	EvidenceSha256 string
	HttpStatus     int
	PageTitle      string

	CompletedAt time.Time `gorm:"index"`
}

// ----- END VERDICT -----
