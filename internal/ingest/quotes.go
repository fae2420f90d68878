package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// quoteLabels maps the exchange listing columns. Both exchanges publish
// bilingual tables; the Arabic labels map to the same canonical columns.
var quoteLabels = parse.NewLabelTable(map[string][]string{
	"symbol":         {"Symbol", "Code", "الرمز", "الكود"},
	"name_en":        {"Company", "Company Name", "Name"},
	"name_ar":        {"اسم الشركة", "الشركة"},
	"last_price":     {"Last Price", "Last", "Close", "آخر سعر", "الإغلاق"},
	"prev_close":     {"Prev. Close", "Previous Close", "الإغلاق السابق"},
	"change_percent": {"Change %", "% Change", "التغير %", "نسبة التغير"},
	"volume":         {"Volume", "حجم التداول", "الكمية"},
})

// quoteListingURLs gives the per-market listing page on each exchange site.
func quoteListingURLs(deps *Deps) map[string]struct{ upstream, url string } {
	return map[string]struct{ upstream, url string }{
		models.MarketEGX: {
			upstream: "egx_web",
			url:      deps.Config.Sources.EGXWeb.BaseURL + "/en/prices.aspx",
		},
		models.MarketTDWL: {
			upstream: "argaam",
			url:      deps.Config.Sources.Argaam.BaseURL + "/en/company/companies-prices",
		},
	}
}

// quotesDaily scrapes both exchanges' listing pages: the full quote board
// in one fetch per market. It is also how new listings enter the universe.
type quotesDaily struct {
	deps *Deps
	w    *writer
}

func (q *quotesDaily) Source() string { return models.SourceQuotesDaily }

func (q *quotesDaily) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	targets := quoteListingURLs(q.deps)
	entities := []string{models.MarketEGX, models.MarketTDWL}

	return runEntities(ctx, q.deps, q.Source(), entities, params, func(ctx context.Context, market string) (int, error) {
		target := targets[market]
		resp, err := fetchFrom(ctx, q.deps, target.upstream, &interfaces.FetchRequest{URL: target.url})
		if err != nil {
			return 0, err
		}

		tables, err := parse.ParseTables(resp.Body)
		if err != nil {
			return 0, err
		}
		table, err := parse.FindTable(tables, quoteLabels, "symbol", "last_price")
		if err != nil {
			return 0, err
		}

		prov := models.Provenance{Source: target.upstream, FetchedAt: time.Now(), URL: target.url}
		rows := 0
		for _, row := range table.Rows {
			rec, err := quoteRecord(table, row, market)
			if err != nil {
				q.deps.Logger.Debug().Str("market", market).Err(err).Msg("quote row skipped")
				continue
			}
			n, err := q.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		if rows == 0 && len(table.Rows) == 0 {
			return 0, fmt.Errorf("%w: quote board has no rows", parse.ErrSchemaDrift)
		}
		return rows, nil
	})
}

func quoteRecord(table *parse.Table, row []string, market string) (*models.Record, error) {
	rec := &models.Record{Kind: models.KindTicker, Key: models.RecordKey{Market: market}}

	if symbol, ok := table.Cell(row, quoteLabels, "symbol"); ok {
		rec.Key.Symbol = symbol
	}
	if name, ok := table.Cell(row, quoteLabels, "name_en"); ok && name != "" {
		rec.Set("name_en", name)
	}
	if name, ok := table.Cell(row, quoteLabels, "name_ar"); ok && name != "" {
		rec.Set("name_ar", name)
	}

	price, ok := table.Cell(row, quoteLabels, "last_price")
	if !ok {
		return nil, fmt.Errorf("row has no price cell")
	}
	v, err := parse.ParseNumber(price)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", price, err)
	}
	rec.Set("last_price", v)

	if s, ok := table.Cell(row, quoteLabels, "prev_close"); ok {
		if v, err := parse.ParseNumber(s); err == nil {
			rec.Set("prev_close", v)
		}
	}
	if s, ok := table.Cell(row, quoteLabels, "change_percent"); ok {
		if v, err := parse.ParsePercent(s); err == nil {
			rec.Set("change_percent", v)
		}
	}
	if s, ok := table.Cell(row, quoteLabels, "volume"); ok {
		if v, err := parse.ParseInt(s); err == nil {
			rec.Set("volume", v)
		}
	}
	return rec, nil
}

// quotesIntraday pulls per-symbol intraday bars from the vendor JSON API.
type quotesIntraday struct {
	deps *Deps
	w    *writer
}

func (q *quotesIntraday) Source() string { return models.SourceQuotesIntraday }

// intradayPayload is the vendor's bar envelope.
type intradayPayload struct {
	Bars []struct {
		T int64   `json:"t"` // epoch millis
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V int64   `json:"v"`
	} `json:"bars"`
	Interval string `json:"interval"`
}

func (q *quotesIntraday) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, q.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := q.deps.Config.Sources.Mubasher.BaseURL
	loc := q.deps.Config.Location()

	return runEntities(ctx, q.deps, q.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/api/1/stocks/intraday?market=%s&symbol=%s", base, market, symbol)

		resp, err := fetchFrom(ctx, q.deps, "mubasher", &interfaces.FetchRequest{URL: url})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		var payload intradayPayload
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return 0, fmt.Errorf("%w: intraday payload: %v", parse.ErrSchemaDrift, err)
		}
		interval := payload.Interval
		if interval == "" {
			interval = "5m"
		}

		prov := models.Provenance{Source: "mubasher", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, bar := range payload.Bars {
			ts, err := parse.ParseMillis(bar.T, loc)
			if err != nil {
				continue
			}
			rec := &models.Record{
				Kind: models.KindIntraday,
				Key: models.RecordKey{
					Symbol: symbol, Market: market,
					Timestamp: ts, Interval: interval,
				},
			}
			rec.Set("open", bar.O)
			rec.Set("high", bar.H)
			rec.Set("low", bar.L)
			rec.Set("close", bar.C)
			rec.Set("volume", bar.V)

			n, err := q.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}
