package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nilemarkets/sahm/internal/models"
)

// schemaStatements is the idempotent DDL, executed in order at startup.
// Columns are only ever added, never dropped or retyped.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS market_tickers (
		symbol          TEXT NOT NULL,
		market_code     TEXT NOT NULL,
		name_en         TEXT,
		name_ar         TEXT,
		sector          TEXT,
		industry        TEXT,
		currency        TEXT,
		last_price      DOUBLE PRECISION,
		prev_close      DOUBLE PRECISION,
		change_percent  DOUBLE PRECISION,
		volume          BIGINT,
		market_cap      DOUBLE PRECISION,
		pe_ratio        DOUBLE PRECISION,
		dividend_yield  DOUBLE PRECISION,
		shares_outstanding DOUBLE PRECISION,
		fifty_two_week_high DOUBLE PRECISION,
		fifty_two_week_low  DOUBLE PRECISION,
		website         TEXT,
		description     TEXT,
		field_sources   JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickers_updated ON market_tickers (market_code, last_updated)`,

	`CREATE TABLE IF NOT EXISTS ohlc_data (
		symbol      TEXT NOT NULL,
		market_code TEXT NOT NULL,
		date        DATE NOT NULL,
		open        DOUBLE PRECISION NOT NULL,
		high        DOUBLE PRECISION NOT NULL,
		low         DOUBLE PRECISION NOT NULL,
		close       DOUBLE PRECISION NOT NULL,
		volume      BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, market_code, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ohlc_market_date ON ohlc_data (market_code, date)`,

	`CREATE TABLE IF NOT EXISTS intraday_data (
		symbol      TEXT NOT NULL,
		market_code TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		interval    TEXT NOT NULL,
		open        DOUBLE PRECISION NOT NULL,
		high        DOUBLE PRECISION NOT NULL,
		low         DOUBLE PRECISION NOT NULL,
		close       DOUBLE PRECISION NOT NULL,
		volume      BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, market_code, ts, interval)
	)`,

	`CREATE TABLE IF NOT EXISTS income_statements (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		fiscal_year  INT NOT NULL,
		period_type  TEXT NOT NULL,
		currency     TEXT,
		items        JSONB NOT NULL DEFAULT '{}'::jsonb,
		raw_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, fiscal_year, period_type)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_sheets (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		fiscal_year  INT NOT NULL,
		period_type  TEXT NOT NULL,
		currency     TEXT,
		items        JSONB NOT NULL DEFAULT '{}'::jsonb,
		raw_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, fiscal_year, period_type)
	)`,
	`CREATE TABLE IF NOT EXISTS cashflow_statements (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		fiscal_year  INT NOT NULL,
		period_type  TEXT NOT NULL,
		currency     TEXT,
		items        JSONB NOT NULL DEFAULT '{}'::jsonb,
		raw_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, fiscal_year, period_type)
	)`,

	`CREATE TABLE IF NOT EXISTS financial_ratios_history (
		symbol         TEXT NOT NULL,
		market_code    TEXT NOT NULL,
		fiscal_year    INT NOT NULL,
		period_type    TEXT NOT NULL,
		pe_ratio       DOUBLE PRECISION,
		pb_ratio       DOUBLE PRECISION,
		roe            DOUBLE PRECISION,
		roa            DOUBLE PRECISION,
		debt_to_equity DOUBLE PRECISION,
		current_ratio  DOUBLE PRECISION,
		gross_margin   DOUBLE PRECISION,
		net_margin     DOUBLE PRECISION,
		eps            DOUBLE PRECISION,
		raw_data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, fiscal_year, period_type)
	)`,

	// raw_data arrived after the first deployments.
	`ALTER TABLE income_statements ADD COLUMN IF NOT EXISTS raw_data JSONB NOT NULL DEFAULT '{}'::jsonb`,
	`ALTER TABLE balance_sheets ADD COLUMN IF NOT EXISTS raw_data JSONB NOT NULL DEFAULT '{}'::jsonb`,
	`ALTER TABLE cashflow_statements ADD COLUMN IF NOT EXISTS raw_data JSONB NOT NULL DEFAULT '{}'::jsonb`,
	`ALTER TABLE financial_ratios_history ADD COLUMN IF NOT EXISTS raw_data JSONB NOT NULL DEFAULT '{}'::jsonb`,

	`CREATE TABLE IF NOT EXISTS dividend_history (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		ex_date      DATE NOT NULL,
		amount       DOUBLE PRECISION NOT NULL,
		currency     TEXT,
		record_date  DATE,
		pay_date     DATE,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, ex_date)
	)`,

	`CREATE TABLE IF NOT EXISTS corporate_actions (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		action_type  TEXT NOT NULL,
		ex_date      DATE NOT NULL,
		payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, action_type, ex_date)
	)`,

	`CREATE TABLE IF NOT EXISTS ownership_records (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		holder_name  TEXT NOT NULL,
		as_of_date   DATE NOT NULL,
		holder_type  TEXT,
		stake_percent DOUBLE PRECISION,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, holder_name, as_of_date)
	)`,

	`CREATE TABLE IF NOT EXISTS analyst_estimates (
		symbol        TEXT NOT NULL,
		market_code   TEXT NOT NULL,
		as_of_date    DATE NOT NULL,
		rating        TEXT,
		target_price  DOUBLE PRECISION,
		fair_value    DOUBLE PRECISION,
		analyst_count INT,
		last_updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, as_of_date)
	)`,

	`CREATE TABLE IF NOT EXISTS earnings_calendar (
		symbol       TEXT NOT NULL,
		market_code  TEXT NOT NULL,
		event_date   DATE NOT NULL,
		fiscal_year  INT,
		period_type  TEXT,
		eps_estimate DOUBLE PRECISION,
		eps_actual   DOUBLE PRECISION,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code, event_date)
	)`,

	`CREATE TABLE IF NOT EXISTS mutual_funds (
		fund_id       TEXT PRIMARY KEY,
		name_en       TEXT,
		name_ar       TEXT,
		manager       TEXT,
		issuer        TEXT,
		market_code   TEXT,
		currency      TEXT,
		latest_nav    DOUBLE PRECISION,
		aum_millions  DOUBLE PRECISION,
		aum_currency  TEXT,
		return_1m     DOUBLE PRECISION,
		return_3m     DOUBLE PRECISION,
		return_ytd    DOUBLE PRECISION,
		return_1y     DOUBLE PRECISION,
		return_3y     DOUBLE PRECISION,
		is_shariah    BOOLEAN,
		expense_ratio DOUBLE PRECISION,
		risk_rating   TEXT,
		field_sources JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS nav_history (
		fund_id TEXT NOT NULL,
		date    DATE NOT NULL,
		nav     DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (fund_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS ticker_aliases (
		alias_text_norm TEXT NOT NULL,
		market_code     TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		priority        INT NOT NULL DEFAULT 0,
		PRIMARY KEY (alias_text_norm, market_code)
	)`,

	`CREATE TABLE IF NOT EXISTS yahoo_cache (
		symbol         TEXT NOT NULL,
		market_code    TEXT NOT NULL,
		profile_data   JSONB,
		financial_data JSONB,
		history_data   JSONB,
		last_updated   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market_code)
	)`,

	`CREATE TABLE IF NOT EXISTS ingest_audit (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT NOT NULL,
		source      TEXT NOT NULL,
		entity      TEXT NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		outcome     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_source_time ON ingest_audit (source, ingested_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_outcome ON ingest_audit (outcome) WHERE outcome = 'running'`,

	`CREATE TABLE IF NOT EXISTS ingest_watermarks (
		source     TEXT NOT NULL,
		entity     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source, entity)
	)`,
}

// fiscalYearTables carry a fiscal_year column subject to the plausibility
// bound.
var fiscalYearTables = []string{
	"income_statements",
	"balance_sheets",
	"cashflow_statements",
	"financial_ratios_history",
}

// purgeBadFiscalYears deletes rows outside [MinFiscalYear, now+1]. Bad rows
// predate the year guard in the date parser; this runs once per boot so the
// exposed schema never shows them.
func (p *Postgres) purgeBadFiscalYears(ctx context.Context) (int64, error) {
	maxYear := time.Now().Year() + 1
	var total int64
	for _, table := range fiscalYearTables {
		tag, err := p.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE fiscal_year < $1 OR fiscal_year > $2`, table),
			models.MinFiscalYear, maxYear)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
