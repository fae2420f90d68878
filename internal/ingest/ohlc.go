package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// ohlcLabels maps the vendor's history export columns.
var ohlcLabels = parse.NewLabelTable(map[string][]string{
	"date":   {"Date", "التاريخ"},
	"open":   {"Open", "الافتتاح"},
	"high":   {"High", "أعلى"},
	"low":    {"Low", "أدنى"},
	"close":  {"Close", "الإغلاق"},
	"volume": {"Volume", "حجم التداول"},
})

// ohlcHistory backfills daily bars from the vendor's per-symbol export.
// Bars go through the bulk path: validated locally, then copied with
// conflicting dates skipped, so replaying history is cheap and idempotent.
type ohlcHistory struct {
	deps *Deps
	w    *writer
}

func (o *ohlcHistory) Source() string { return models.SourceOHLCHistory }

func (o *ohlcHistory) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, o.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := o.deps.Config.Sources.Mubasher.BaseURL
	loc := o.deps.Config.Location()

	return runEntities(ctx, o.deps, o.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/api/1/stocks/prices/export?market=%s&symbol=%s&range=max", base, market, symbol)

		resp, err := fetchFrom(ctx, o.deps, "mubasher", &interfaces.FetchRequest{URL: url})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		table, err := parse.ReadTabular(resp.Header.Get("Content-Type"), resp.Body, ohlcLabels, "date", "close")
		if err != nil {
			return 0, err
		}

		rows := make([][]any, 0, len(table.Rows))
		for _, row := range table.Rows {
			bar, err := ohlcBar(table, row, loc)
			if err != nil {
				o.deps.Logger.Debug().Str("symbol", symbol).Err(err).Msg("bar skipped")
				continue
			}
			if !bar.Valid() {
				o.deps.Logger.Warn().Str("symbol", symbol).Time("date", bar.Date).Msg("bar violates price bounds, dropped")
				continue
			}
			rows = append(rows, []any{symbol, market, bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume})
		}
		if len(rows) == 0 {
			return 0, nil
		}
		if params.DryRun {
			return len(rows), nil
		}

		if err := o.deps.Sink.Universe().EnsureTicker(ctx, symbol, market); err != nil {
			return 0, err
		}
		written, err := o.deps.Sink.Tables().BulkCopy(ctx, "ohlc_data",
			[]string{"symbol", "market_code", "date", "open", "high", "low", "close", "volume"}, rows)
		if err != nil {
			return 0, err
		}
		return int(written), nil
	})
}

func ohlcBar(table *parse.Table, row []string, loc *time.Location) (models.OHLCBar, error) {
	var bar models.OHLCBar

	dateText, ok := table.Cell(row, ohlcLabels, "date")
	if !ok {
		return bar, fmt.Errorf("row has no date cell")
	}
	date, err := parse.ParseDate(dateText, loc)
	if err != nil {
		return bar, err
	}
	bar.Date = date

	read := func(column string, dst *float64) error {
		text, ok := table.Cell(row, ohlcLabels, column)
		if !ok {
			return fmt.Errorf("row has no %s cell", column)
		}
		v, err := parse.ParseNumber(text)
		if err != nil {
			return fmt.Errorf("%s %q: %w", column, text, err)
		}
		*dst = v
		return nil
	}
	if err := read("close", &bar.Close); err != nil {
		return bar, err
	}
	// Some exports omit open/high/low for thin days; collapse to close.
	if err := read("open", &bar.Open); err != nil {
		bar.Open = bar.Close
	}
	if err := read("high", &bar.High); err != nil {
		bar.High = bar.Close
	}
	if err := read("low", &bar.Low); err != nil {
		bar.Low = bar.Close
	}

	if text, ok := table.Cell(row, ohlcLabels, "volume"); ok {
		if v, err := parse.ParseInt(text); err == nil {
			bar.Volume = v
		}
	}
	return bar, nil
}
