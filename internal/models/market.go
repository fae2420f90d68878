// Package models defines the canonical entities written to the shared schema.
package models

import "time"

// Market codes for the exchanges the pipeline tracks.
const (
	MarketEGX  = "EGX"
	MarketTDWL = "TDWL"
)

// Ticker represents one listed equity, keyed by (Symbol, MarketCode).
// Created on first discovery and mutated by every price and profile
// ingester; never deleted automatically.
type Ticker struct {
	Symbol        string    `json:"symbol"`
	MarketCode    string    `json:"market_code"`
	NameEN        string    `json:"name_en"`
	NameAR        string    `json:"name_ar"`
	Sector        string    `json:"sector"`
	Industry      string    `json:"industry"`
	Currency      string    `json:"currency"`
	LastPrice     float64   `json:"last_price"`
	PrevClose     float64   `json:"prev_close"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	MarketCap     float64   `json:"market_cap"`
	PERatio       float64   `json:"pe_ratio"`
	DividendYield float64   `json:"dividend_yield"`
	LastUpdated   time.Time `json:"last_updated"`
}

// OHLCBar is one daily price bar, keyed by (Symbol, Date).
type OHLCBar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Valid reports whether the bar satisfies low <= open,close <= high and a
// non-negative volume.
func (b OHLCBar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low > b.High {
		return false
	}
	if b.Open < b.Low || b.Open > b.High {
		return false
	}
	if b.Close < b.Low || b.Close > b.High {
		return false
	}
	return true
}

// IntradayBar is one intraday bar, keyed by (Symbol, Timestamp, Interval).
type IntradayBar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Statement kinds.
const (
	StatementIncome   = "income"
	StatementBalance  = "balance"
	StatementCashflow = "cashflow"
	StatementRatios   = "ratios"
)

// Period types for financial statements.
const (
	PeriodAnnual = "annual"
	PeriodQ1     = "Q1"
	PeriodQ2     = "Q2"
	PeriodQ3     = "Q3"
	PeriodQ4     = "Q4"
)

// MinFiscalYear is the lower bound for acceptable fiscal years. Upstream
// sources have served years like 2076; anything outside
// [MinFiscalYear, now+1] is dropped before exposure.
const MinFiscalYear = 1980

// FiscalYearInRange reports whether a fiscal year is plausible.
func FiscalYearInRange(year int, now time.Time) bool {
	return year >= MinFiscalYear && year <= now.Year()+1
}

// Dividend lifecycle record, keyed by (Symbol, ExDate).
type Dividend struct {
	Symbol     string    `json:"symbol"`
	ExDate     time.Time `json:"ex_date"`
	Amount     float64   `json:"dividend_amount"`
	Currency   string    `json:"currency"`
	RecordDate time.Time `json:"record_date"`
	PayDate    time.Time `json:"pay_date"`
}

// Corporate action types.
const (
	ActionDividend = "DIVIDEND"
	ActionSplit    = "SPLIT"
	ActionBonus    = "BONUS"
	ActionRights   = "RIGHTS"
)

// CorporateAction is keyed by (Symbol, ActionType, ExDate) with a
// polymorphic payload.
type CorporateAction struct {
	Symbol     string         `json:"symbol"`
	ActionType string         `json:"action_type"`
	ExDate     time.Time      `json:"ex_date"`
	Payload    map[string]any `json:"payload"`
}
