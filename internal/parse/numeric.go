package parse

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoNumber is returned when the input carries no numeric value at all
// (empty cells, dashes, "N/A").
var ErrNoNumber = errors.New("no numeric value")

// suffixMultipliers applies K/M/B/T scale suffixes. Multiplication happens
// in decimal so 1.2T stays exact before the final float conversion.
var suffixMultipliers = map[byte]decimal.Decimal{
	'K': decimal.New(1, 3),
	'M': decimal.New(1, 6),
	'B': decimal.New(1, 9),
	'T': decimal.New(1, 12),
}

// ParseNumber parses a display-formatted number: thousands separators,
// parentheses for negatives, a trailing %, K/M/B/T suffixes and
// Arabic-Indic digits. The % sign is stripped here without rescaling; use
// ParsePercent for percent-typed fields.
func ParseNumber(s string) (float64, error) {
	cleaned := strings.TrimSpace(NormalizeDigits(s))
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	switch cleaned {
	case "", "-", "--", "—", "N/A", "n/a", "NA", "null":
		return 0, ErrNoNumber
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = cleaned[1 : len(cleaned)-1]
	}

	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "%")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, ErrNoNumber
	}

	multiplier := decimal.New(1, 0)
	last := cleaned[len(cleaned)-1]
	if m, ok := suffixMultipliers[asciiUpper(last)]; ok {
		multiplier = m
		cleaned = strings.TrimSpace(cleaned[:len(cleaned)-1])
		if cleaned == "" {
			return 0, ErrNoNumber
		}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, ErrNoNumber
	}

	d = d.Mul(multiplier)
	if negative {
		d = d.Neg()
	}

	f, _ := d.Float64()
	return f, nil
}

// ParsePercent parses a percent-typed field and always stores a fraction:
// an absolute value of at most 1 passes through as an already-scaled
// fraction, anything larger is divided by 100. Several upstream sources
// disagree on the convention; this is the single policy for all of them.
func ParsePercent(s string) (float64, error) {
	v, err := ParseNumber(s)
	if err != nil {
		return 0, err
	}
	if v > 1 || v < -1 {
		return v / 100, nil
	}
	return v, nil
}

// ParseInt parses a display-formatted integer, truncating any fractional
// part left over after suffix expansion.
func ParseInt(s string) (int64, error) {
	v, err := ParseNumber(s)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// FormatNumber renders a float in its canonical string form. The form
// round-trips through strconv.ParseFloat to the same value.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func asciiUpper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}
