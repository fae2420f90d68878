package normalize

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/models"
)

func loadedIndex() *Index {
	idx := NewIndex()
	idx.Load([]models.Alias{
		{AliasTextNorm: "commercial international bank", MarketCode: "EGX", Symbol: "COMI", Priority: 10},
		{AliasTextNorm: "cib", MarketCode: "EGX", Symbol: "COMI", Priority: 5},
		{AliasTextNorm: "telecom egypt", MarketCode: "EGX", Symbol: "ETEL", Priority: 10},
		{AliasTextNorm: "المراعي", MarketCode: "TDWL", Symbol: "2280", Priority: 10},
	})
	return idx
}

func TestIndexResolve(t *testing.T) {
	idx := loadedIndex()

	symbol, ok := idx.Resolve("EGX", "Commercial International Bank")
	require.True(t, ok)
	assert.Equal(t, "COMI", symbol)

	// Arabic folding applies before lookup.
	symbol, ok = idx.Resolve("TDWL", "شركة المراعي")
	require.True(t, ok)
	assert.Equal(t, "2280", symbol)

	_, ok = idx.Resolve("EGX", "Unknown Company")
	assert.False(t, ok)

	// Market scoping: the alias does not leak across exchanges.
	_, ok = idx.Resolve("TDWL", "Telecom Egypt")
	assert.False(t, ok)
}

func TestIndexResolveNGrams(t *testing.T) {
	idx := loadedIndex()

	symbol, confidence, ok := idx.ResolveNGrams("EGX", "Board changes at Commercial International Bank announced", 5)
	require.True(t, ok)
	assert.Equal(t, "COMI", symbol)
	// Three of seven words matched; the score reflects the gram, not a
	// single token.
	assert.InDelta(t, 3.0/7.0, confidence, 1e-9)

	_, _, ok = idx.ResolveNGrams("EGX", "no listed company here", 5)
	assert.False(t, ok)
}

func TestIndexResolveNGramsConfidenceScalesWithMatch(t *testing.T) {
	idx := loadedIndex()

	// The full name as the whole text scores 1.
	_, full, ok := idx.ResolveNGrams("EGX", "Commercial International Bank", 5)
	require.True(t, ok)
	assert.InDelta(t, 1.0, full, 1e-9)

	// A one-word alias buried in prose scores below the multi-word match.
	_, partial, ok := idx.ResolveNGrams("EGX", "CIB posts record quarterly profit", 5)
	require.True(t, ok)
	assert.Less(t, partial, full)
	assert.Greater(t, partial, 0.0)
}

func TestIndexPriorityAndTieBreak(t *testing.T) {
	idx := NewIndex()
	idx.Load([]models.Alias{
		{AliasTextNorm: "delta", MarketCode: "EGX", Symbol: "LOWP", Priority: 1},
		{AliasTextNorm: "delta", MarketCode: "EGX", Symbol: "HIGH", Priority: 9},
	})
	symbol, ok := idx.Resolve("EGX", "Delta")
	require.True(t, ok)
	assert.Equal(t, "HIGH", symbol)

	// Equal priority: lexicographic symbol order decides.
	idx.Load([]models.Alias{
		{AliasTextNorm: "delta", MarketCode: "EGX", Symbol: "ZZZZ", Priority: 5},
		{AliasTextNorm: "delta", MarketCode: "EGX", Symbol: "AAAA", Priority: 5},
	})
	symbol, ok = idx.Resolve("EGX", "Delta")
	require.True(t, ok)
	assert.Equal(t, "AAAA", symbol)
}

func TestIndexResolveDeterministic(t *testing.T) {
	aliases := []models.Alias{
		{AliasTextNorm: "alpha fund", MarketCode: "EGX", Symbol: "ALFA", Priority: 3},
		{AliasTextNorm: "alpha fund", MarketCode: "EGX", Symbol: "ALPH", Priority: 3},
		{AliasTextNorm: "alpha fund", MarketCode: "EGX", Symbol: "AAAA", Priority: 1},
	}

	properties := gopter.NewProperties(nil)
	properties.Property("resolution is independent of load order", prop.ForAll(
		func(seed int64) bool {
			shuffled := make([]models.Alias, len(aliases))
			copy(shuffled, aliases)
			// Fisher-Yates with the generated seed.
			r := seed
			for i := len(shuffled) - 1; i > 0; i-- {
				r = r*6364136223846793005 + 1442695040888963407
				j := int((r%int64(i+1) + int64(i+1)) % int64(i+1))
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}
			idx := NewIndex()
			idx.Load(shuffled)
			symbol, ok := idx.Resolve("EGX", "Alpha Fund")
			return ok && symbol == "ALFA"
		},
		gen.Int64(),
	))
	properties.TestingRun(t)
}

func TestMergeColumnsNeverNullsOverData(t *testing.T) {
	existing := map[string]any{"name_en": "Telecom Egypt", "pe_ratio": 7.2}
	prov := map[string]string{"name_en": "mubasher", "pe_ratio": "mubasher"}

	cols, newProv := MergeColumns(existing, prov, map[string]any{
		"name_en":  nil,
		"pe_ratio": 7.5,
		"sector":   "Telecom",
	}, "mubasher")

	assert.NotContains(t, cols, "name_en")
	assert.Equal(t, 7.5, cols["pe_ratio"])
	assert.Equal(t, "Telecom", cols["sector"])
	assert.Equal(t, "mubasher", newProv["sector"])
}

func TestMergeColumnsPriority(t *testing.T) {
	existing := map[string]any{"name_en": "Telecom Egypt", "last_price": 31.1}
	prov := map[string]string{"name_en": "mubasher", "last_price": "egx_web"}

	// Lower-ranked source cannot overwrite the vendor's name field.
	cols, _ := MergeColumns(existing, prov, map[string]any{"name_en": "TELECOM EGYPT SAE"}, "yahoo_edge")
	assert.NotContains(t, cols, "name_en")

	// But the exchange outranks everyone for price fields.
	cols, _ = MergeColumns(existing, prov, map[string]any{"last_price": 31.4}, "egx_web")
	assert.Equal(t, 31.4, cols["last_price"])

	// Same source refreshing its own field always wins.
	cols, _ = MergeColumns(existing, prov, map[string]any{"name_en": "Telecom Egypt Co"}, "mubasher")
	assert.Equal(t, "Telecom Egypt Co", cols["name_en"])
}

func TestMergeColumnsMonotone(t *testing.T) {
	// After any merge, no field that had a value is left without one.
	properties := gopter.NewProperties(nil)
	properties.Property("merge never loses a populated field", prop.ForAll(
		func(existingVal float64, incomingPresent bool) bool {
			existing := map[string]any{"market_cap": existingVal}
			prov := map[string]string{"market_cap": "argaam"}
			incoming := map[string]any{}
			if incomingPresent {
				incoming["market_cap"] = existingVal + 1
			} else {
				incoming["market_cap"] = nil
			}
			cols, newProv := MergeColumns(existing, prov, incoming, "yahoo_edge")
			if _, wrote := cols["market_cap"]; wrote {
				return false // yahoo_edge is outranked by argaam
			}
			return newProv["market_cap"] == "argaam"
		},
		gen.Float64Range(1, 1e9),
		gen.Bool(),
	))
	properties.TestingRun(t)
}

func newNormalizer() *Normalizer {
	return NewNormalizer(loadedIndex(), common.NewSilentLogger(), time.UTC)
}

func TestCleanResolvesSymbolFromName(t *testing.T) {
	rec := &models.Record{
		Kind:   models.KindTicker,
		Key:    models.RecordKey{Market: "egx"},
		Fields: map[string]any{"name_en": "Commercial International Bank", "last_price": 82.5},
	}
	require.NoError(t, newNormalizer().Clean(rec))
	assert.Equal(t, "COMI", rec.Key.Symbol)
	assert.Equal(t, "EGX", rec.Key.Market)
}

func TestCleanUnresolvable(t *testing.T) {
	rec := &models.Record{
		Kind:   models.KindTicker,
		Key:    models.RecordKey{Market: "EGX"},
		Fields: map[string]any{"name_en": "Ghost Corp"},
	}
	assert.ErrorIs(t, newNormalizer().Clean(rec), ErrUnresolvable)
}

func TestCleanPercentConvention(t *testing.T) {
	rec := &models.Record{
		Kind: models.KindTicker,
		Key:  models.RecordKey{Symbol: "COMI", Market: "EGX"},
		Fields: map[string]any{
			"change_percent": 4.2,   // display percentage
			"dividend_yield": 0.035, // already a fraction
			"return_1y":      -12.0,
		},
	}
	require.NoError(t, newNormalizer().Clean(rec))
	assert.InDelta(t, 0.042, rec.Fields["change_percent"].(float64), 1e-9)
	assert.InDelta(t, 0.035, rec.Fields["dividend_yield"].(float64), 1e-9)
	assert.InDelta(t, -0.12, rec.Fields["return_1y"].(float64), 1e-9)
}

func TestCleanOHLCInvariant(t *testing.T) {
	rec := &models.Record{
		Kind: models.KindOHLC,
		Key:  models.RecordKey{Symbol: "COMI", Market: "EGX", Date: time.Now()},
		Fields: map[string]any{
			"open": 80.0, "high": 79.0, "low": 81.0, "close": 80.5, "volume": int64(100),
		},
	}
	assert.ErrorIs(t, newNormalizer().Clean(rec), ErrInvariant)
}

func TestCleanFiscalYearInvariant(t *testing.T) {
	rec := &models.Record{
		Kind:   models.KindStatement,
		Key:    models.RecordKey{Symbol: "COMI", Market: "EGX", FiscalYear: 2076, PeriodType: models.PeriodAnnual},
		Fields: map[string]any{"revenue": 1000.0},
	}
	assert.ErrorIs(t, newNormalizer().Clean(rec), ErrInvariant)
}

func TestCleanQuarantinesNegativeMagnitudes(t *testing.T) {
	rec := &models.Record{
		Kind: models.KindTicker,
		Key:  models.RecordKey{Symbol: "COMI", Market: "EGX"},
		Fields: map[string]any{
			"last_price": -82.5,
			"volume":     int64(1000),
			"sector":     "Banking",
		},
	}
	require.NoError(t, newNormalizer().Clean(rec))

	_, present := rec.Fields["last_price"]
	assert.False(t, present, "negative price should leave the canonical columns")
	assert.Equal(t, "-82.5", rec.Raw["last_price"])
	assert.Equal(t, int64(1000), rec.Fields["volume"])
	assert.Equal(t, "Banking", rec.Fields["sector"])
}

func TestCleanIntradayBoundsChecked(t *testing.T) {
	bad := &models.Record{
		Kind: models.KindIntraday,
		Key:  models.RecordKey{Symbol: "COMI", Market: "EGX", Timestamp: time.Now(), Interval: "5m"},
		Fields: map[string]any{
			"open": 50.0, "high": 48.0, "low": 49.0, "close": 50.5,
			"volume": int64(100),
		},
	}
	err := newNormalizer().Clean(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)

	good := &models.Record{
		Kind: models.KindIntraday,
		Key:  models.RecordKey{Symbol: "COMI", Market: "EGX", Timestamp: time.Now(), Interval: "5m"},
		Fields: map[string]any{
			"open": 49.0, "high": 50.5, "low": 48.5, "close": 50.0,
			"volume": int64(100),
		},
	}
	require.NoError(t, newNormalizer().Clean(good))
}

func TestCleanEmptyStringsBecomeNil(t *testing.T) {
	rec := &models.Record{
		Kind:   models.KindTicker,
		Key:    models.RecordKey{Symbol: "COMI", Market: "EGX"},
		Fields: map[string]any{"sector": "  ", "industry": " Banking "},
	}
	require.NoError(t, newNormalizer().Clean(rec))
	assert.Nil(t, rec.Fields["sector"])
	assert.Equal(t, "Banking", rec.Fields["industry"])
}
