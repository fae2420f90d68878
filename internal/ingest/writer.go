package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/normalize"
	"github.com/nilemarkets/sahm/internal/parse"
)

// writer maps canonical records onto sink tables. One writer is shared by
// all ingesters; it owns the kind-to-table routing and the field-level
// merge for the wide tables.
type writer struct {
	deps *Deps
}

// statementTables routes a statement record by its kind.
var statementTables = map[string]string{
	models.StatementIncome:   "income_statements",
	models.StatementBalance:  "balance_sheets",
	models.StatementCashflow: "cashflow_statements",
	models.StatementRatios:   "financial_ratios_history",
}

// write normalises and stores one record, returning 1 when a row was
// written. Dry runs stop after normalisation and count the would-be write.
func (w *writer) write(ctx context.Context, rec *models.Record, prov models.Provenance, dryRun bool) (int, error) {
	if err := w.deps.Norm.Clean(rec); err != nil {
		return 0, err
	}
	if dryRun {
		return 1, nil
	}

	switch rec.Kind {
	case models.KindTicker:
		n, err := w.writeMerged(ctx, "market_tickers", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market,
		}, rec, prov, true)
		if err != nil {
			return 0, err
		}
		w.registerAliases(ctx, rec)
		return n, nil

	case models.KindFund:
		return w.writeMerged(ctx, "mutual_funds", map[string]any{
			"fund_id": rec.Key.FundID,
		}, rec, prov, false)

	case models.KindOHLC:
		if err := w.ensureTicker(ctx, rec); err != nil {
			return 0, err
		}
		return w.append(ctx, "ohlc_data", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market, "date": rec.Key.Date,
		}, rec)

	case models.KindIntraday:
		if err := w.ensureTicker(ctx, rec); err != nil {
			return 0, err
		}
		return w.append(ctx, "intraday_data", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market,
			"ts": rec.Key.Timestamp, "interval": rec.Key.Interval,
		}, rec)

	case models.KindNAV:
		return w.append(ctx, "nav_history", map[string]any{
			"fund_id": rec.Key.FundID, "date": rec.Key.Date,
		}, rec)

	case models.KindStatement:
		table, ok := statementTables[rec.Key.StatementKind]
		if !ok {
			return 0, fmt.Errorf("unknown statement kind %q", rec.Key.StatementKind)
		}
		return w.writeStatement(ctx, table, rec, prov)

	case models.KindDividend:
		return w.upsert(ctx, "dividend_history", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market, "ex_date": rec.Key.Date,
		}, rec, prov)

	case models.KindAction:
		return w.upsert(ctx, "corporate_actions", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market,
			"action_type": rec.Key.ActionType, "ex_date": rec.Key.Date,
		}, rec, prov)

	case models.KindOwnership:
		holder, _ := rec.Fields["holder_name"].(string)
		fields := copyWithout(rec.Fields, "holder_name")
		return w.upsertCols(ctx, "ownership_records", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market,
			"holder_name": holder, "as_of_date": rec.Key.Date,
		}, fields, prov, rec)

	case models.KindAnalyst, models.KindFairValue:
		return w.upsert(ctx, "analyst_estimates", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market, "as_of_date": rec.Key.Date,
		}, rec, prov)

	case models.KindEarnings:
		// The company name only existed to resolve the symbol.
		fields := copyWithout(copyWithout(rec.Fields, "name_en"), "name_ar")
		return w.upsertCols(ctx, "earnings_calendar", map[string]any{
			"symbol": rec.Key.Symbol, "market_code": rec.Key.Market, "event_date": rec.Key.Date,
		}, fields, prov, rec)

	default:
		return 0, fmt.Errorf("unroutable record kind %q", rec.Kind)
	}
}

// registerAliases records a ticker's display names as resolvable aliases,
// in the store and the live index, so calendar-style sources can map
// free-text company names back to the symbol. Failures degrade resolution,
// not the write.
func (w *writer) registerAliases(ctx context.Context, rec *models.Record) {
	for _, column := range []string{"name_en", "name_ar"} {
		name, _ := rec.Fields[column].(string)
		folded := parse.FoldText(name)
		if folded == "" {
			continue
		}
		alias := models.Alias{
			AliasTextNorm: folded,
			MarketCode:    rec.Key.Market,
			Symbol:        rec.Key.Symbol,
			Priority:      10,
		}
		if err := w.deps.Sink.Aliases().Upsert(ctx, alias); err != nil {
			w.deps.Logger.Warn().Str("symbol", rec.Key.Symbol).Str("alias", folded).Err(err).Msg("alias upsert failed")
			continue
		}
		w.deps.Index.Add(alias)
	}
}

// writeStatement stores one statement period. The items blob is merged key
// by key against the stored row first: a source that covers only some line
// items must never erase another source's items for the same period. The
// incoming value wins per item; items only the stored row carries survive.
// The raw bag merges the same way.
func (w *writer) writeStatement(ctx context.Context, table string, rec *models.Record, prov models.Provenance) (int, error) {
	key := map[string]any{
		"symbol": rec.Key.Symbol, "market_code": rec.Key.Market,
		"fiscal_year": rec.Key.FiscalYear, "period_type": rec.Key.PeriodType,
	}

	cols := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		cols[k] = v
	}

	incoming, hasItems := cols["items"]
	if hasItems || len(rec.Raw) > 0 {
		existing, _, err := w.deps.Sink.Tables().GetRow(ctx, table, key)
		if err != nil {
			return 0, err
		}
		if hasItems {
			cols["items"] = mergeItems(jsonObject(existing["items"]), jsonObject(incoming))
		}
		if len(rec.Raw) > 0 {
			raw := make(map[string]any, len(rec.Raw))
			for k, v := range rec.Raw {
				raw[k] = v
			}
			cols["raw_data"] = mergeItems(jsonObject(existing["raw_data"]), raw)
		}
	}
	return w.upsertCols(ctx, table, key, cols, prov, rec)
}

// mergeItems unions two item maps, incoming winning per key.
func mergeItems(stored, incoming map[string]any) map[string]any {
	if len(stored) == 0 {
		return incoming
	}
	out := make(map[string]any, len(stored)+len(incoming))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// jsonObject coerces a jsonb column value back to a map. pgx decodes jsonb
// to map[string]any; raw bytes and text show up from other drivers and
// fakes.
func jsonObject(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case []byte:
		var m map[string]any
		if json.Unmarshal(t, &m) == nil {
			return m
		}
	case string:
		var m map[string]any
		if json.Unmarshal([]byte(t), &m) == nil {
			return m
		}
	}
	return nil
}

func (w *writer) ensureTicker(ctx context.Context, rec *models.Record) error {
	return w.deps.Sink.Universe().EnsureTicker(ctx, rec.Key.Symbol, rec.Key.Market)
}

// writeMerged handles the wide tables: read the current row and per-field
// provenance, keep only fields the incoming source may write, stamp the
// provenance column and upsert.
func (w *writer) writeMerged(ctx context.Context, table string, key map[string]any, rec *models.Record, prov models.Provenance, isTicker bool) (int, error) {
	if isTicker {
		if err := w.ensureTicker(ctx, rec); err != nil {
			return 0, err
		}
	}

	tables := w.deps.Sink.Tables()
	existing, existingProv, err := tables.GetRow(ctx, table, key)
	if err != nil {
		return 0, err
	}

	cols, newProv := normalize.MergeColumns(existing, existingProv, rec.Fields, prov.Source)
	if len(cols) == 0 {
		return 0, nil
	}
	cols["field_sources"] = newProv

	written, err := tables.Upsert(ctx, table, key, cols, prov.FetchedAt)
	if err != nil {
		return 0, err
	}
	if written {
		return 1, nil
	}
	return 0, nil
}

func (w *writer) upsert(ctx context.Context, table string, key map[string]any, rec *models.Record, prov models.Provenance) (int, error) {
	return w.upsertCols(ctx, table, key, rec.Fields, prov, rec)
}

func (w *writer) upsertCols(ctx context.Context, table string, key, cols map[string]any, prov models.Provenance, rec *models.Record) (int, error) {
	if rec.Key.Symbol != "" {
		if err := w.ensureTicker(ctx, rec); err != nil {
			return 0, err
		}
	}

	stamp := prov.FetchedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	written, err := w.deps.Sink.Tables().Upsert(ctx, table, key, cols, stamp)
	if err != nil {
		return 0, err
	}
	if written {
		return 1, nil
	}
	return 0, nil
}

func (w *writer) append(ctx context.Context, table string, key map[string]any, rec *models.Record) (int, error) {
	written, err := w.deps.Sink.Tables().AppendOrUpdate(ctx, table, key, rec.Fields)
	if err != nil {
		return 0, err
	}
	if written {
		return 1, nil
	}
	return 0, nil
}

func copyWithout(m map[string]any, drop string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == drop {
			continue
		}
		out[k] = v
	}
	return out
}
