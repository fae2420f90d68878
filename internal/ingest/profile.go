package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// profile scrapes the vendor's company page: identity, classification and
// valuation snapshot. The page carries its data twice, in display tables
// and in an embedded script object; the object is authoritative, the tables
// fill whatever it omits.
type profile struct {
	deps *Deps
	w    *writer
}

func (p *profile) Source() string { return models.SourceProfile }

var profileLabels = parse.NewLabelTable(map[string][]string{
	"sector":             {"Sector", "القطاع"},
	"industry":           {"Industry", "الصناعة"},
	"market_cap":         {"Market Cap", "Market Capitalization", "القيمة السوقية"},
	"pe_ratio":           {"P/E Ratio", "PE Ratio", "مكرر الربحية"},
	"dividend_yield":     {"Dividend Yield", "عائد التوزيع"},
	"shares_outstanding": {"Shares Outstanding", "الأسهم القائمة"},
})

// profileObjectPaths maps canonical columns to paths inside the embedded
// companyProfile object.
var profileObjectPaths = map[string]string{
	"name_en":             "name.en",
	"name_ar":             "name.ar",
	"currency":            "currency",
	"website":             "website",
	"description":         "about.en",
	"market_cap":          "valuation.marketCap",
	"pe_ratio":            "valuation.pe",
	"dividend_yield":      "valuation.dividendYield",
	"fifty_two_week_high": "range52w.high",
	"fifty_two_week_low":  "range52w.low",
}

func (p *profile) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, p.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := p.deps.Config.Sources.Mubasher.BaseURL

	return runEntities(ctx, p.deps, p.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/markets/%s/stocks/%s", base, strings.ToLower(market), symbol)

		resp, err := fetchFrom(ctx, p.deps, "mubasher", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		rec := &models.Record{Kind: models.KindTicker, Key: models.RecordKey{Symbol: symbol, Market: market}}

		// Embedded object first.
		if obj, err := parse.ExtractObject(resp.Body, "midata.companyProfile"); err == nil {
			for column, path := range profileObjectPaths {
				value := parse.Walk(obj, path)
				if value == nil {
					continue
				}
				switch column {
				case "name_en", "name_ar", "currency", "website", "description":
					if s := parse.AsString(value); s != "" {
						rec.Set(column, s)
					}
				default:
					if v, err := parse.AsFloat(value); err == nil {
						rec.Set(column, v)
					}
				}
			}
		}

		// Display tables fill the gaps.
		if tables, err := parse.ParseTables(resp.Body); err == nil {
			for i := range tables {
				p.fillFromTable(rec, &tables[i])
			}
		}

		if len(rec.Fields) == 0 {
			return 0, fmt.Errorf("%w: profile page carries no recognisable data", parse.ErrSchemaDrift)
		}

		prov := models.Provenance{Source: "mubasher", FetchedAt: time.Now(), URL: url}
		rows, err := p.w.write(ctx, rec, prov, params.DryRun)
		if err != nil {
			return 0, err
		}

		// Yahoo edge fills whatever the vendor page omitted; best effort,
		// lowest merge priority.
		if profileIncomplete(rec) {
			n, err := p.yahooFallback(ctx, market, symbol, params.DryRun)
			if err != nil {
				p.deps.Logger.Debug().Str("symbol", symbol).Err(err).Msg("yahoo fallback failed")
			}
			rows += n
		}
		return rows, nil
	})
}

// profileIncomplete reports whether the primary page left descriptive gaps
// worth a fallback call.
func profileIncomplete(rec *models.Record) bool {
	for _, column := range []string{"name_en", "sector", "website"} {
		if _, ok := rec.Fields[column]; !ok {
			return true
		}
	}
	return false
}

// yahooSuffix maps markets to Yahoo's exchange symbol suffixes.
var yahooSuffix = map[string]string{
	models.MarketEGX:  ".CA",
	models.MarketTDWL: ".SR",
}

// yahooSummary is the subset of the quoteSummary envelope the fallback
// reads.
type yahooSummary struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
				Website  string `json:"website"`
				Summary  string `json:"longBusinessSummary"`
			} `json:"assetProfile"`
			Price struct {
				LongName  string `json:"longName"`
				MarketCap struct {
					Raw float64 `json:"raw"`
				} `json:"marketCap"`
			} `json:"price"`
		} `json:"result"`
	} `json:"quoteSummary"`
}

// yahooFallback fetches the quoteSummary edge payload, caches the raw blob
// and merges descriptive fields at yahoo priority so they only ever fill
// nulls.
func (p *profile) yahooFallback(ctx context.Context, market, symbol string, dryRun bool) (int, error) {
	url := fmt.Sprintf("%s/v10/finance/quoteSummary/%s%s?modules=assetProfile,price",
		p.deps.Config.Sources.YahooEdge.BaseURL, symbol, yahooSuffix[market])

	resp, err := fetchFrom(ctx, p.deps, "yahoo_edge", &interfaces.FetchRequest{URL: url})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	var summary yahooSummary
	if err := json.Unmarshal(resp.Body, &summary); err != nil {
		return 0, fmt.Errorf("quote summary payload: %w", err)
	}
	if len(summary.QuoteSummary.Result) == 0 {
		return 0, nil
	}
	result := summary.QuoteSummary.Result[0]

	if !dryRun {
		_, err := p.deps.Sink.Tables().Upsert(ctx, "yahoo_cache",
			map[string]any{"symbol": symbol, "market_code": market},
			map[string]any{"profile_data": string(resp.Body)},
			time.Now())
		if err != nil {
			return 0, err
		}
	}

	rec := &models.Record{Kind: models.KindTicker, Key: models.RecordKey{Symbol: symbol, Market: market}}
	if s := result.Price.LongName; s != "" {
		rec.Set("name_en", s)
	}
	if s := result.AssetProfile.Sector; s != "" {
		rec.Set("sector", s)
	}
	if s := result.AssetProfile.Industry; s != "" {
		rec.Set("industry", s)
	}
	if s := result.AssetProfile.Website; s != "" {
		rec.Set("website", s)
	}
	if s := result.AssetProfile.Summary; s != "" {
		rec.Set("description", s)
	}
	if v := result.Price.MarketCap.Raw; v > 0 {
		rec.Set("market_cap", v)
	}
	if len(rec.Fields) == 0 {
		return 0, nil
	}

	prov := models.Provenance{Source: "yahoo_edge", FetchedAt: time.Now(), URL: url}
	return p.w.write(ctx, rec, prov, dryRun)
}

// fillFromTable reads label/value pairs out of a two-column table, keeping
// values the embedded object already supplied.
func (p *profile) fillFromTable(rec *models.Record, table *parse.Table) {
	for _, row := range table.Rows {
		if len(row) < 2 {
			continue
		}
		column, ok := profileLabels.Lookup(row[0])
		if !ok {
			rec.Keep(row[0], row[1])
			continue
		}
		if _, exists := rec.Fields[column]; exists {
			continue
		}
		switch column {
		case "sector", "industry":
			rec.Set(column, row[1])
		case "dividend_yield":
			if v, err := parse.ParsePercent(row[1]); err == nil {
				rec.Set(column, v)
			}
		default:
			if v, err := parse.ParseNumber(row[1]); err == nil {
				rec.Set(column, v)
			}
		}
	}
}
