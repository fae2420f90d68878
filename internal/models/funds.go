package models

import "time"

// MutualFund holds summary attributes for one fund, keyed by the source's
// opaque FundID. Per-day NAV points live in nav_history, not here.
type MutualFund struct {
	FundID       string    `json:"fund_id"`
	FundName     string    `json:"fund_name"`
	FundNameEN   string    `json:"fund_name_en"`
	Manager      string    `json:"manager"`
	Issuer       string    `json:"issuer"`
	MarketCode   string    `json:"market_code"`
	Currency     string    `json:"currency"`
	LatestNAV    float64   `json:"latest_nav"`
	AUMMillions  float64   `json:"aum_millions"`
	AUMCurrency  string    `json:"aum_currency"` // explicit per-field currency (AUM is often USD)
	Return1M     float64   `json:"return_1m"`
	Return3M     float64   `json:"return_3m"`
	ReturnYTD    float64   `json:"return_ytd"`
	Return1Y     float64   `json:"return_1y"`
	Return3Y     float64   `json:"return_3y"`
	IsShariah    bool      `json:"is_shariah"`
	ExpenseRatio float64   `json:"expense_ratio"`
	RiskRating   string    `json:"risk_rating"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NAVPoint is one per-day net asset value, keyed by (FundID, Date).
type NAVPoint struct {
	FundID string    `json:"fund_id"`
	Date   time.Time `json:"date"`
	NAV    float64   `json:"nav"`
}
