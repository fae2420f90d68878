package normalize

// defaultSourcePriority ranks sources for field-level merging. The
// credentialed vendor feed outranks public scrapes; the edge API is a
// gap-filler only.
var defaultSourcePriority = map[string]int{
	"mubasher":   50,
	"argaam":     40,
	"egx_web":    30,
	"fund_data":  30,
	"yahoo_edge": 10,
}

// fieldPriorityOverrides adjusts ranking for fields where a lower-ranked
// source is authoritative: the exchange is the truth for prices and volume,
// the fund platform for everything fund-shaped.
var fieldPriorityOverrides = map[string]map[string]int{
	"last_price":    {"egx_web": 60},
	"prev_close":    {"egx_web": 60},
	"volume":        {"egx_web": 60},
	"latest_nav":    {"fund_data": 60},
	"aum_millions":  {"fund_data": 60},
	"expense_ratio": {"fund_data": 60},
}

func priorityFor(source, field string) int {
	if overrides, ok := fieldPriorityOverrides[field]; ok {
		if p, ok := overrides[source]; ok {
			return p
		}
	}
	return defaultSourcePriority[source]
}

// MergeColumns decides, per field, whether the incoming value may replace
// the stored one. The result is the column set to upsert plus the updated
// provenance map. Rules, in order:
//
//   - a nil incoming value never writes (no null-over-non-null)
//   - a nil stored value always loses to a real incoming one
//   - otherwise the incoming source must rank at least as high as the
//     source that wrote the field; equal rank overwrites, so a source's
//     own fresher data wins
func MergeColumns(existing map[string]any, existingProv map[string]string, incoming map[string]any, source string) (map[string]any, map[string]string) {
	cols := make(map[string]any, len(incoming))
	prov := make(map[string]string, len(existingProv)+len(incoming))
	for field, s := range existingProv {
		prov[field] = s
	}

	for field, value := range incoming {
		if value == nil {
			continue
		}
		if existing != nil {
			if current, ok := existing[field]; ok && current != nil {
				if priorityFor(source, field) < priorityFor(prov[field], field) {
					continue
				}
			}
		}
		cols[field] = value
		prov[field] = source
	}

	return cols, prov
}
