package models

import "time"

// RecordKind identifies which canonical table a parsed record targets.
type RecordKind string

const (
	KindTicker    RecordKind = "ticker"
	KindOHLC      RecordKind = "ohlc"
	KindIntraday  RecordKind = "intraday"
	KindStatement RecordKind = "statement"
	KindDividend  RecordKind = "dividend"
	KindAction    RecordKind = "action"
	KindFund      RecordKind = "fund"
	KindNAV       RecordKind = "nav"
	KindOwnership RecordKind = "ownership"
	KindAnalyst   RecordKind = "analyst"
	KindEarnings  RecordKind = "earnings"
	KindFairValue RecordKind = "fair_value"
)

// RecordKey carries the business identity of a record. Only the components
// relevant to the record's kind are set; surrogate IDs never cross the
// integration boundary.
type RecordKey struct {
	Symbol        string
	Market        string
	FundID        string
	FiscalYear    int
	PeriodType    string
	StatementKind string
	ActionType    string
	Date          time.Time
	Timestamp     time.Time
	Interval      string
}

// Record is the unit parsers emit and the normaliser consumes. Fields maps
// canonical column names to parsed values; Raw preserves the source's
// original label->value pairs for auditing. A nil value in Fields means
// "not supplied", never "zero".
type Record struct {
	Kind   RecordKind
	Key    RecordKey
	Fields map[string]any
	Raw    map[string]string
}

// Set assigns a canonical field, allocating the map on first use.
func (r *Record) Set(column string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[column] = value
}

// Keep stores an unmapped label in the raw bag without failing the parse.
func (r *Record) Keep(label, value string) {
	if r.Raw == nil {
		r.Raw = make(map[string]string)
	}
	r.Raw[label] = value
}

// Provenance records where a canonical row's winning values came from.
type Provenance struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	URL       string    `json:"url"`
}
