package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// ErrUnresolvable is returned when a record carries no symbol and its name
// cannot be resolved through the alias index.
var ErrUnresolvable = errors.New("entity unresolvable")

// ErrInvariant is returned when a record violates a data invariant and must
// be dropped rather than stored.
var ErrInvariant = errors.New("invariant violation")

// Normalizer canonicalises parsed records in place: symbol resolution,
// unit conventions and invariant checks. Merging against stored rows is the
// separate MergeColumns step because it needs the current row.
type Normalizer struct {
	index  *Index
	logger *common.Logger
	loc    *time.Location
}

// NewNormalizer creates a normaliser over a loaded alias index.
func NewNormalizer(index *Index, logger *common.Logger, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{index: index, logger: logger, loc: loc}
}

// Clean canonicalises one record. Records that cannot be attributed to an
// entity or that violate invariants return an error; the caller counts and
// skips them.
func (n *Normalizer) Clean(rec *models.Record) error {
	if err := n.resolveIdentity(rec); err != nil {
		return err
	}

	n.canonicaliseFields(rec)

	return n.checkInvariants(rec)
}

func (n *Normalizer) resolveIdentity(rec *models.Record) error {
	rec.Key.Market = strings.ToUpper(strings.TrimSpace(rec.Key.Market))

	switch rec.Kind {
	case models.KindFund, models.KindNAV:
		if strings.TrimSpace(rec.Key.FundID) == "" {
			return fmt.Errorf("%w: fund record without fund_id", ErrUnresolvable)
		}
		rec.Key.FundID = strings.TrimSpace(rec.Key.FundID)
		return nil
	}

	if rec.Key.Symbol != "" {
		rec.Key.Symbol = parse.NormalizeSymbol(rec.Key.Symbol)
		return nil
	}

	// No explicit symbol: resolve the display name through the alias index.
	name, _ := rec.Fields["name_en"].(string)
	if name == "" {
		name, _ = rec.Fields["name_ar"].(string)
	}
	if name == "" {
		return fmt.Errorf("%w: record carries neither symbol nor name", ErrUnresolvable)
	}

	symbol, ok := n.index.Resolve(rec.Key.Market, name)
	if !ok {
		var confidence float64
		symbol, confidence, ok = n.index.ResolveNGrams(rec.Key.Market, name, 5)
		if ok && confidence < 1 {
			n.logger.Debug().Str("name", name).Str("symbol", symbol).
				Float64("confidence", confidence).Msg("name resolved by partial match")
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q in %s", ErrUnresolvable, name, rec.Key.Market)
	}
	rec.Key.Symbol = symbol
	return nil
}

// percentFields carry the fraction convention: any stored magnitude above 1
// is a display percentage that slipped through a parser and is rescaled.
func isPercentField(field string) bool {
	return strings.HasSuffix(field, "_percent") ||
		strings.HasSuffix(field, "_yield") ||
		strings.HasSuffix(field, "_margin") ||
		strings.HasPrefix(field, "return_")
}

func (n *Normalizer) canonicaliseFields(rec *models.Record) {
	for field, value := range rec.Fields {
		v, ok := value.(float64)
		if !ok {
			continue
		}
		if isPercentField(field) && (v > 1 || v < -1) {
			rec.Fields[field] = v / 100
		}
	}

	// Trim every free-text field; empty strings become nil so they never
	// overwrite stored values.
	for field, value := range rec.Fields {
		if s, ok := value.(string); ok {
			trimmed := strings.TrimSpace(s)
			if trimmed == "" {
				rec.Fields[field] = nil
			} else if trimmed != s {
				rec.Fields[field] = trimmed
			}
		}
	}
}

func (n *Normalizer) checkInvariants(rec *models.Record) error {
	switch rec.Kind {
	case models.KindOHLC:
		bar := barFromFields(rec)
		if !bar.Valid() {
			return fmt.Errorf("%w: ohlc bounds for %s on %s", ErrInvariant, rec.Key.Symbol, rec.Key.Date.Format("2006-01-02"))
		}
	case models.KindIntraday:
		bar := barFromFields(rec)
		if !bar.Valid() {
			return fmt.Errorf("%w: ohlc bounds for %s at %s", ErrInvariant, rec.Key.Symbol, rec.Key.Timestamp.Format(time.RFC3339))
		}
	case models.KindStatement:
		if !models.FiscalYearInRange(rec.Key.FiscalYear, time.Now()) {
			return fmt.Errorf("%w: fiscal year %d for %s", ErrInvariant, rec.Key.FiscalYear, rec.Key.Symbol)
		}
	case models.KindNAV:
		if nav, ok := rec.Fields["nav"].(float64); ok && nav <= 0 {
			return fmt.Errorf("%w: non-positive nav for %s", ErrInvariant, rec.Key.FundID)
		}
	case models.KindDividend:
		if amount, ok := rec.Fields["amount"].(float64); ok && amount < 0 {
			return fmt.Errorf("%w: negative dividend for %s", ErrInvariant, rec.Key.Symbol)
		}
	default:
		n.quarantineFields(rec)
	}
	return nil
}

// nonNegativeFields are magnitudes that can never be below zero. A negative
// value here is an upstream glitch, not a fact.
func isNonNegativeField(field string) bool {
	switch field {
	case "last_price", "prev_close", "volume", "market_cap", "pe_ratio",
		"shares_outstanding", "fifty_two_week_high", "fifty_two_week_low",
		"latest_nav", "aum_millions", "expense_ratio", "target_price",
		"fair_value", "eps_estimate", "eps_actual", "stake_percent":
		return true
	}
	return false
}

// quarantineFields moves invariant-violating values out of the canonical
// columns and into the raw bag, keeping the rest of the row. Only the wide
// nullable tables come through here; the strict time-series kinds drop the
// whole row instead.
func (n *Normalizer) quarantineFields(rec *models.Record) {
	for field, value := range rec.Fields {
		if !isNonNegativeField(field) {
			continue
		}
		var bad bool
		switch v := value.(type) {
		case float64:
			bad = v < 0
		case int64:
			bad = v < 0
		}
		if !bad {
			continue
		}
		rec.Keep(field, fmt.Sprint(value))
		delete(rec.Fields, field)
		n.logger.Warn().
			Str("symbol", rec.Key.Symbol).
			Str("fund_id", rec.Key.FundID).
			Str("field", field).
			Msg("negative magnitude quarantined")
	}
}

func barFromFields(rec *models.Record) models.OHLCBar {
	f := func(name string) float64 {
		v, _ := rec.Fields[name].(float64)
		return v
	}
	volume, _ := rec.Fields["volume"].(int64)
	return models.OHLCBar{
		Symbol: rec.Key.Symbol,
		Date:   rec.Key.Date,
		Open:   f("open"),
		High:   f("high"),
		Low:    f("low"),
		Close:  f("close"),
		Volume: volume,
	}
}
