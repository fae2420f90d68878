// Package parse holds the source-shape decoders: every parser is a pure
// function from bytes to records, with shared numeric, date and bilingual
// text helpers.
package parse

import (
	"strings"
	"unicode"
)

// arabicIndicDigits maps Arabic-Indic and Extended Arabic-Indic digits to
// ASCII. Upstream pages mix both freely with Latin digits.
var arabicIndicDigits = map[rune]rune{
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
	'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
	'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
}

// NormalizeDigits converts Arabic-Indic digits and the Arabic decimal and
// thousands separators to their ASCII equivalents.
func NormalizeDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case arabicIndicDigits[r] != 0:
			b.WriteRune(arabicIndicDigits[r])
		case r == '٫': // Arabic decimal separator
			b.WriteRune('.')
		case r == '٬': // Arabic thousands separator
			b.WriteRune(',')
		case r == '٪': // Arabic percent sign
			b.WriteRune('%')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// corporateSuffixes are stripped from company names before alias lookup.
// Both Latin and Arabic legal-form suffixes appear in upstream labels.
var corporateSuffixes = []string{
	"s.a.e.", "s.a.e", "sae",
	"ltd.", "ltd", "llc", "co.", "co", "inc.", "inc", "plc",
	"ش.م.م", "ش.م.ع", "ش.م.س",
	"شركة",
}

// FoldText normalises free text for alias matching: Arabic diacritics are
// removed, alef/yaa/taa-marbuta variants collapse to one form, Latin
// letters are lowercased, digits are normalised and whitespace collapsed.
func FoldText(s string) string {
	s = NormalizeDigits(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		// Arabic diacritics (tashkeel) and tatweel
		case 0x064B, 0x064C, 0x064D, 0x064E, 0x064F, 0x0650, 0x0651, 0x0652, 0x0640:
			continue
		// alef variants -> bare alef
		case 'أ', 'إ', 'آ', 'ٱ':
			b.WriteRune('ا')
		// yaa variants -> yaa
		case 'ى', 'ئ':
			b.WriteRune('ي')
		// taa marbuta -> haa
		case 'ة':
			b.WriteRune('ه')
		// waw with hamza -> waw
		case 'ؤ':
			b.WriteRune('و')
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}

	folded := b.String()

	// Strip punctuation that never carries meaning in a company name.
	folded = strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '[', ']', '"', '\'', '«', '»', '،', '؛', '؟':
			return ' '
		}
		return r
	}, folded)

	words := strings.Fields(folded)
	kept := words[:0]
	for _, w := range words {
		trimmed := strings.Trim(w, ".,-")
		if trimmed == "" {
			continue
		}
		if isCorporateSuffix(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	return strings.Join(kept, " ")
}

func isCorporateSuffix(word string) bool {
	for _, suffix := range corporateSuffixes {
		if word == suffix {
			return true
		}
	}
	return false
}

// NGrams returns all 1..maxN word n-grams of the folded input, longest
// first so embedded company names match before their fragments.
func NGrams(s string, maxN int) []string {
	words := strings.Fields(FoldText(s))
	if maxN <= 0 {
		maxN = 5
	}
	var grams []string
	for n := min(maxN, len(words)); n >= 1; n-- {
		for i := 0; i+n <= len(words); i++ {
			grams = append(grams, strings.Join(words[i:i+n], " "))
		}
	}
	return grams
}
