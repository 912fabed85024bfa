package domain

import "time"

// Credentials hold the portal login. They are supplied through the
// environment, live only for the duration of a run and are never persisted.
type Credentials struct {
	Username string
	Password string
}

// RawRecord is one sales row exactly as rendered on the listing page,
// keyed by column header. Produced by the extractor, consumed by the
// normalizer, never stored.
type RawRecord struct {
	// Ref locates the row on the portal ("page 2, row 14") for error
	// reporting.
	Ref    string
	Fields map[string]string
}

// SalesRecord mirrors the `sales_records` PostgreSQL table schema.
// ExternalID is the portal's natural key; re-ingesting the same ID updates
// the non-key columns instead of inserting a duplicate.
type SalesRecord struct {
	ExternalID string
	Date       time.Time
	Customer   string
	Product    string
	Quantity   int
	Amount     float64
	IngestedAt time.Time
}

// RejectionReason classifies why a scraped row was dropped.
type RejectionReason string

const (
	ReasonSchemaMismatch  RejectionReason = "schema_mismatch"
	ReasonFieldParseError RejectionReason = "field_parse_error"
	ReasonMissingKey      RejectionReason = "missing_key"
	ReasonPersistence     RejectionReason = "persistence_error"
	ReasonFatal           RejectionReason = "fatal_error"
)

// Rejection records a single skipped row or failed batch. Rejections are
// accumulated into the run summary; they never abort a run.
type Rejection struct {
	Ref    string          `json:"ref"`
	Reason RejectionReason `json:"reason"`
	Field  string          `json:"field,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// RunSummary is the immutable result of one pipeline execution, emitted as
// structured log output for the external trigger to capture.
type RunSummary struct {
	RecordsSeen     int         `json:"records_seen"`
	RecordsUpserted int         `json:"records_upserted"`
	RecordsRejected int         `json:"records_rejected"`
	Errors          []Rejection `json:"errors"`
	Started         time.Time   `json:"started"`
	Finished        time.Time   `json:"finished"`
}

// Duration is the wall-clock time of the run.
func (s RunSummary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}
