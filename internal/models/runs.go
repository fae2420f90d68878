package models

import "time"

// Ingest source names. One ingester per source capability; the admin
// trigger interface addresses ingesters by these names.
const (
	SourceQuotesDaily    = "quotes_daily"
	SourceQuotesIntraday = "quotes_intraday"
	SourceOHLCHistory    = "ohlc_history"
	SourceProfile        = "profile"
	SourceStatements     = "statements"
	SourceRatios         = "ratios"
	SourceDividends      = "dividends"
	SourceActions        = "actions"
	SourceOwnership      = "ownership"
	SourceAnalyst        = "analyst"
	SourceEarnings       = "earnings"
	SourceFundList       = "fund_list"
	SourceFundNAV        = "fund_nav"
	SourceFundMeta       = "fund_meta"
)

// AllSources lists every registered ingest source.
var AllSources = []string{
	SourceQuotesDaily,
	SourceQuotesIntraday,
	SourceOHLCHistory,
	SourceProfile,
	SourceStatements,
	SourceRatios,
	SourceDividends,
	SourceActions,
	SourceOwnership,
	SourceAnalyst,
	SourceEarnings,
	SourceFundList,
	SourceFundNAV,
	SourceFundMeta,
}

// RunParams carries the knobs every ingester accepts.
type RunParams struct {
	Symbols []string `json:"symbols,omitempty"` // explicit entity list; empty = enumerate
	Limit   int      `json:"limit,omitempty"`   // cap on entities processed; 0 = no cap
	DryRun  bool     `json:"dry_run,omitempty"` // parse and normalise, skip sink writes
	Resume  bool     `json:"resume,omitempty"`  // skip entities fresher than the source TTL
}

// Run statuses.
const (
	RunStatusOK        = "ok"
	RunStatusDegraded  = "degraded"
	RunStatusBlocked   = "blocked"
	RunStatusCancelled = "cancelled"
)

// RunReport aggregates the outcome of one ingester run.
type RunReport struct {
	RunID             string         `json:"run_id"`
	Source            string         `json:"source"`
	Status            string         `json:"status"`
	EntitiesProcessed int            `json:"entities_processed"`
	RowsUpserted      int            `json:"rows_upserted"`
	EntitiesEmpty     int            `json:"entities_empty"` // 404s: entity has no data at the source
	Retried           int            `json:"retried"`
	ErrorsByCategory  map[string]int `json:"errors_by_category,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	DryRun            bool           `json:"dry_run,omitempty"`
}

// AddError bumps the counter for one error category.
func (r *RunReport) AddError(category string) {
	if r.ErrorsByCategory == nil {
		r.ErrorsByCategory = make(map[string]int)
	}
	r.ErrorsByCategory[category]++
}

// Merge folds a per-entity outcome into the aggregate.
func (r *RunReport) Merge(other EntityOutcome) {
	r.EntitiesProcessed++
	r.RowsUpserted += other.RowsUpserted
	r.Retried += other.Retried
	if other.Empty {
		r.EntitiesEmpty++
	}
	if other.ErrorCategory != "" {
		r.AddError(other.ErrorCategory)
	}
}

// EntityOutcome is the result of ingesting a single entity.
type EntityOutcome struct {
	Entity        string
	RowsUpserted  int
	Retried       int
	Empty         bool
	ErrorCategory string
	DurationMS    int64
}

// AuditEntry is one provenance row recorded by the coordinator per entity.
type AuditEntry struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Entity     string    `json:"entity"`
	IngestedAt time.Time `json:"ingested_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"` // "ok", "empty", "error:<category>", "running", "aborted"
}

// Alert is the structured message posted to the operator webhook for
// degraded or failed runs.
type Alert struct {
	Source          string `json:"source"`
	Phase           string `json:"phase"`
	Error           string `json:"error"`
	RetriedAttempts int    `json:"retried_attempts"`
	StaleDays       int    `json:"stale_days,omitempty"`
}
