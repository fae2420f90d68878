// Package normalize turns parsed records into canonical rows: symbol
// resolution through the alias index, unit canonicalisation, invariant
// checks and field-level merging across sources.
package normalize

import (
	"sort"
	"strings"
	"sync"

	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// Index is the in-memory alias index: folded alias text to canonical
// symbol, per market. It is loaded from the alias table at boot and updated
// as ingesters discover new name variants.
type Index struct {
	mu     sync.RWMutex
	byText map[string][]models.Alias // key: market + "\x00" + folded text
}

// NewIndex creates an empty alias index.
func NewIndex() *Index {
	return &Index{byText: make(map[string][]models.Alias)}
}

func indexKey(market, folded string) string {
	return market + "\x00" + folded
}

// Load replaces the index contents.
func (i *Index) Load(aliases []models.Alias) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byText = make(map[string][]models.Alias, len(aliases))
	for _, a := range aliases {
		key := indexKey(a.MarketCode, a.AliasTextNorm)
		i.byText[key] = append(i.byText[key], a)
	}
}

// Add inserts one alias. The text is folded here so callers can pass raw
// display names.
func (i *Index) Add(alias models.Alias) {
	alias.AliasTextNorm = parse.FoldText(alias.AliasTextNorm)
	i.mu.Lock()
	defer i.mu.Unlock()
	key := indexKey(alias.MarketCode, alias.AliasTextNorm)
	for _, existing := range i.byText[key] {
		if existing.Symbol == alias.Symbol {
			return
		}
	}
	i.byText[key] = append(i.byText[key], alias)
}

// Resolve maps free text to a canonical symbol within a market. When more
// than one alias matches, the highest priority wins; ties break by
// lexicographic order of the normalised alias text, then symbol, so the
// result never depends on load order.
func (i *Index) Resolve(market, text string) (string, bool) {
	folded := parse.FoldText(text)
	if folded == "" {
		return "", false
	}

	i.mu.RLock()
	candidates := i.byText[indexKey(market, folded)]
	i.mu.RUnlock()

	best, ok := pickBest(candidates)
	if !ok {
		return "", false
	}
	return best.Symbol, true
}

// ResolveNGrams resolves text that embeds a company name in longer prose
// (news headlines, ownership tables). All 1..maxN word n-grams of the
// folded text are tried longest-first; among grams of equal length the
// best-priority alias wins. The confidence is the share of the text's words
// the winning gram covers, so a full-name match scores 1 and a one-word
// fragment of a long title scores low.
func (i *Index) ResolveNGrams(market, text string, maxN int) (string, float64, bool) {
	grams := parse.NGrams(text, maxN)
	totalWords := len(strings.Fields(parse.FoldText(text)))

	i.mu.RLock()
	defer i.mu.RUnlock()

	// Grams arrive longest-first; once any word length has produced a
	// match, shorter grams are fragments and are ignored.
	var candidates []models.Alias
	matchedWords := -1
	for _, gram := range grams {
		words := len(strings.Fields(gram))
		if matchedWords != -1 && words < matchedWords {
			break
		}
		if matches := i.byText[indexKey(market, gram)]; len(matches) > 0 {
			candidates = append(candidates, matches...)
			matchedWords = words
		}
	}

	best, ok := pickBest(candidates)
	if !ok {
		return "", 0, false
	}
	confidence := 1.0
	if totalWords > 0 {
		confidence = float64(matchedWords) / float64(totalWords)
	}
	return best.Symbol, confidence, true
}

func pickBest(candidates []models.Alias) (models.Alias, bool) {
	if len(candidates) == 0 {
		return models.Alias{}, false
	}
	sorted := make([]models.Alias, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Priority != sorted[b].Priority {
			return sorted[a].Priority > sorted[b].Priority
		}
		if sorted[a].AliasTextNorm != sorted[b].AliasTextNorm {
			return sorted[a].AliasTextNorm < sorted[b].AliasTextNorm
		}
		return sorted[a].Symbol < sorted[b].Symbol
	})
	return sorted[0], true
}
