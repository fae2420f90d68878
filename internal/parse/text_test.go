package parse

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDigits(t *testing.T) {
	assert.Equal(t, "123.45", NormalizeDigits("١٢٣٫٤٥"))
	assert.Equal(t, "1,250", NormalizeDigits("۱٬۲۵۰"))
	assert.Equal(t, "12.5%", NormalizeDigits("١٢.٥٪"))
	assert.Equal(t, "plain", NormalizeDigits("plain"))
}

func TestFoldText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"latin lowering", "Commercial International Bank", "commercial international bank"},
		{"corporate suffix en", "Telecom Egypt Co.", "telecom egypt"},
		{"corporate suffix ar", "شركة المراعي", "المراعي"},
		{"alef folding", "أسمنت", "اسمنت"},
		{"taa marbuta", "القاهرة", "القاهره"},
		{"parens stripped", "EFG Hermes (Holding)", "efg hermes holding"},
		{"whitespace collapse", "  Juhayna   Food  ", "juhayna food"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldText(tt.in))
		})
	}
}

func TestFoldTextIdempotent(t *testing.T) {
	inputs := []string{"Commercial International Bank", "شركة المراعي S.A.E.", "EFG Hermes (Holding)"}
	for _, in := range inputs {
		once := FoldText(in)
		assert.Equal(t, once, FoldText(once))
	}
}

func TestNGramsLongestFirst(t *testing.T) {
	grams := NGrams("Commercial International Bank", 3)
	require.NotEmpty(t, grams)
	assert.Equal(t, "commercial international bank", grams[0])
	assert.Contains(t, grams, "international bank")
	assert.Contains(t, grams, "bank")
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1,234.56", 1234.56},
		{"(500)", -500},
		{"12.5%", 12.5},
		{"1.2M", 1200000},
		{"3.4B", 3400000000},
		{"2K", 2000},
		{"١٢٣٫٥", 123.5},
		{"-7.25", -7.25},
	}
	for _, tt := range tests {
		got, err := ParseNumber(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "input %q", tt.in)
	}
}

func TestParseNumberEmpty(t *testing.T) {
	for _, in := range []string{"", "-", "--", "N/A", "n/a", "null", "  "} {
		_, err := ParseNumber(in)
		assert.ErrorIs(t, err, ErrNoNumber, "input %q", in)
	}
}

func TestParsePercentStoresFraction(t *testing.T) {
	got, err := ParsePercent("12.5%")
	require.NoError(t, err)
	assert.InDelta(t, 0.125, got, 1e-9)

	got, err = ParsePercent("0.125")
	require.NoError(t, err)
	assert.InDelta(t, 0.125, got, 1e-9)

	got, err = ParsePercent("-45")
	require.NoError(t, err)
	assert.InDelta(t, -0.45, got, 1e-9)
}

func TestFormatNumberRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("ParseNumber(FormatNumber(v)) == v", prop.ForAll(
		func(v float64) bool {
			got, err := ParseNumber(FormatNumber(v))
			return err == nil && got == v
		},
		gen.Float64Range(-1e12, 1e12),
	))
	properties.TestingRun(t)
}

func TestParseDate(t *testing.T) {
	cairo, err := time.LoadLocation("Africa/Cairo")
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{"2024-03-15", "2024-03-15"},
		{"15/03/2024", "2024-03-15"},
		{"Mar 2, 2024", "2024-03-02"},
		{"2024/03/15", "2024-03-15"},
		{"٢٠٢٤-٠٣-١٥", "2024-03-15"},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, cairo)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got.Format("2006-01-02"), "input %q", tt.in)
	}
}

func TestParseDateYearGuard(t *testing.T) {
	_, err := ParseDate("2076-01-01", time.UTC)
	assert.ErrorIs(t, err, ErrYearOutOfRange)

	_, err = ParseDate("1975-01-01", time.UTC)
	assert.ErrorIs(t, err, ErrYearOutOfRange)

	_, err = ParseDate("not a date", time.UTC)
	assert.ErrorIs(t, err, ErrNoDate)
}

func TestParseMillis(t *testing.T) {
	got, err := ParseMillis(1710460800000, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15", got.Format("2006-01-02"))

	_, err = ParseMillis(1710460800, time.UTC) // seconds passed as millis
	assert.ErrorIs(t, err, ErrYearOutOfRange)
}

func TestLabelTable(t *testing.T) {
	labels := NewLabelTable(map[string][]string{
		"pe_ratio": {"P/E Ratio", "PE Ratio", "مكرر الربحية"},
		"volume":   {"Volume", "حجم التداول"},
	})

	col, ok := labels.Lookup("P/E Ratio")
	require.True(t, ok)
	assert.Equal(t, "pe_ratio", col)

	col, ok = labels.Lookup("pe ratio")
	require.True(t, ok)
	assert.Equal(t, "pe_ratio", col)

	col, ok = labels.Lookup("حجم التداول")
	require.True(t, ok)
	assert.Equal(t, "volume", col)

	_, ok = labels.Lookup("Unknown Column")
	assert.False(t, ok)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "COMI", NormalizeSymbol("comi.ca"))
	assert.Equal(t, "2222", NormalizeSymbol("2222.SR"))
	assert.Equal(t, "ETEL", NormalizeSymbol("  etel "))
}
