package models

// Alias maps free-text (Arabic or English) to a canonical ticker or fund
// with an integer priority. Higher priority wins; ties break by
// lexicographic order of the normalised alias text so resolution stays
// deterministic.
type Alias struct {
	AliasTextNorm string `json:"alias_text_norm"`
	MarketCode    string `json:"market_code"`
	Symbol        string `json:"symbol"`
	Priority      int    `json:"priority"`
}
