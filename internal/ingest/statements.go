package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// statements pulls the three financial statements from the embedded script
// object on the vendor's financials page. The object is keyed by statement
// kind, then lists periods with line items.
type statements struct {
	deps  *Deps
	w     *writer
	kinds []string
	name  string
}

func (s *statements) Source() string { return s.name }

// statementAnchors locates each statement inside the embedded object.
var statementAnchors = map[string]string{
	models.StatementIncome:   "income",
	models.StatementBalance:  "balance",
	models.StatementCashflow: "cashflow",
}

func (s *statements) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, s.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := s.deps.Config.Sources.Mubasher.BaseURL

	return runEntities(ctx, s.deps, s.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/markets/%s/stocks/%s/financial-statements", base, strings.ToLower(market), symbol)

		resp, err := fetchFrom(ctx, s.deps, "mubasher", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		obj, err := parse.ExtractObject(resp.Body, "midata.financialStatement")
		if err != nil {
			return 0, err
		}

		currency := parse.AsString(parse.Walk(obj, "currency"))
		prov := models.Provenance{Source: "mubasher", FetchedAt: time.Now(), URL: url}

		rows := 0
		for _, kind := range s.kinds {
			periods, ok := parse.Walk(obj, statementAnchors[kind]).([]any)
			if !ok {
				continue
			}
			for _, raw := range periods {
				rec, err := statementRecord(raw, kind, symbol, market, currency)
				if err != nil {
					s.deps.Logger.Debug().Str("symbol", symbol).Str("kind", kind).Err(err).Msg("statement period skipped")
					continue
				}
				n, err := s.w.write(ctx, rec, prov, params.DryRun)
				if err != nil {
					return rows, err
				}
				rows += n
			}
		}
		if rows == 0 {
			// Page rendered but the object held nothing we recognise.
			return 0, nil
		}
		return rows, nil
	})
}

// statementRecord converts one period node: {year, period, items: {...}}.
func statementRecord(raw any, kind, symbol, market, currency string) (*models.Record, error) {
	year, err := parse.AsFloat(parse.Walk(raw, "year"))
	if err != nil {
		return nil, fmt.Errorf("period without year")
	}

	period := parse.AsString(parse.Walk(raw, "period"))
	if period == "" || strings.EqualFold(period, "FY") {
		period = models.PeriodAnnual
	}

	items, ok := parse.Walk(raw, "items").(map[string]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("period without items")
	}

	// Values arrive as display strings or numbers; store numbers and keep
	// whatever we cannot read in the raw bag.
	cleaned := make(map[string]any, len(items))
	unparsed := make(map[string]string)
	for label, value := range items {
		if v, err := parse.AsFloat(value); err == nil {
			cleaned[parse.FoldText(label)] = v
		} else if text := parse.AsString(value); text != "" {
			unparsed[label] = text
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("period items all unparseable")
	}

	rec := &models.Record{
		Kind: models.KindStatement,
		Key: models.RecordKey{
			Symbol: symbol, Market: market,
			FiscalYear: int(year), PeriodType: period, StatementKind: kind,
		},
	}
	for label, text := range unparsed {
		rec.Keep(label, text)
	}
	if currency != "" {
		rec.Set("currency", currency)
	}
	rec.Set("items", cleaned)
	return rec, nil
}

// ratios scrapes the historical ratio table from the research site into
// typed columns.
type ratios struct {
	deps *Deps
	w    *writer
}

func (r *ratios) Source() string { return models.SourceRatios }

var ratioLabels = parse.NewLabelTable(map[string][]string{
	"fiscal_year":    {"Year", "Fiscal Year", "السنة"},
	"pe_ratio":       {"P/E", "P/E Ratio", "مكرر الربحية"},
	"pb_ratio":       {"P/B", "P/B Ratio", "مكرر القيمة الدفترية"},
	"roe":            {"ROE", "Return on Equity", "العائد على حقوق المساهمين"},
	"roa":            {"ROA", "Return on Assets", "العائد على الأصول"},
	"debt_to_equity": {"Debt/Equity", "D/E", "الدين إلى حقوق الملكية"},
	"current_ratio":  {"Current Ratio", "نسبة التداول"},
	"gross_margin":   {"Gross Margin", "هامش الربح الإجمالي"},
	"net_margin":     {"Net Margin", "هامش صافي الربح"},
	"eps":            {"EPS", "Earnings Per Share", "ربحية السهم"},
})

// ratioPercentColumns carry the fraction convention.
var ratioPercentColumns = map[string]bool{
	"roe": true, "roa": true, "gross_margin": true, "net_margin": true,
}

func (r *ratios) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, r.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := r.deps.Config.Sources.Argaam.BaseURL

	return runEntities(ctx, r.deps, r.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/company/ratios/%s/%s", base, strings.ToLower(market), symbol)

		resp, err := fetchFrom(ctx, r.deps, "argaam", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		tables, err := parse.ParseTables(resp.Body)
		if err != nil {
			return 0, err
		}
		table, err := parse.FindTable(tables, ratioLabels, "fiscal_year")
		if err != nil {
			return 0, err
		}

		prov := models.Provenance{Source: "argaam", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, row := range table.Rows {
			yearText, ok := table.Cell(row, ratioLabels, "fiscal_year")
			if !ok {
				continue
			}
			year, err := parse.ParseInt(yearText)
			if err != nil {
				continue
			}

			rec := &models.Record{
				Kind: models.KindStatement,
				Key: models.RecordKey{
					Symbol: symbol, Market: market,
					FiscalYear: int(year), PeriodType: models.PeriodAnnual,
					StatementKind: models.StatementRatios,
				},
			}
			for _, column := range []string{"pe_ratio", "pb_ratio", "roe", "roa", "debt_to_equity", "current_ratio", "gross_margin", "net_margin", "eps"} {
				text, ok := table.Cell(row, ratioLabels, column)
				if !ok {
					continue
				}
				var v float64
				var perr error
				if ratioPercentColumns[column] {
					v, perr = parse.ParsePercent(text)
				} else {
					v, perr = parse.ParseNumber(text)
				}
				if perr == nil {
					rec.Set(column, v)
				}
			}
			if len(rec.Fields) == 0 {
				continue
			}

			n, err := r.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}
