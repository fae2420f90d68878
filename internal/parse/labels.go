package parse

import (
	"strings"
)

// LabelTable maps upstream display labels to canonical column names.
// Multiple accepted strings per column absorb upstream label drift
// ("P/E Ratio" vs "PE Ratio") and bilingual variants; English and Arabic
// labels for the same concept map to the same column.
type LabelTable struct {
	byLabel map[string]string
}

// NewLabelTable builds a table from canonical column -> accepted labels.
// Labels are folded before storage so lookups are case-, diacritic- and
// whitespace-insensitive.
func NewLabelTable(columns map[string][]string) *LabelTable {
	t := &LabelTable{byLabel: make(map[string]string)}
	for column, labels := range columns {
		for _, label := range labels {
			t.byLabel[FoldText(label)] = column
		}
	}
	return t
}

// Lookup resolves a display label to its canonical column. Unknown labels
// return ok=false; callers keep the value in the record's raw bag instead
// of failing the parse.
func (t *LabelTable) Lookup(label string) (string, bool) {
	column, ok := t.byLabel[FoldText(label)]
	return column, ok
}

// normalizeSymbol uppercases and trims a raw ticker symbol, dropping a
// trailing exchange qualifier such as ".CA" or ".SR".
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(NormalizeDigits(raw)))
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	return s
}
