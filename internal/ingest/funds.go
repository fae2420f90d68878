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

// fundList discovers the fund universe from the platform's directory page,
// a framework payload carrying every fund's identity and headline figures.
type fundList struct {
	deps *Deps
	w    *writer
}

func (f *fundList) Source() string { return models.SourceFundList }

func (f *fundList) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	url := f.deps.Config.Sources.FundData.BaseURL + "/funds/list"

	return runEntities(ctx, f.deps, f.Source(), []string{"directory"}, params, func(ctx context.Context, _ string) (int, error) {
		resp, err := fetchFrom(ctx, f.deps, "fund_data", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			return 0, err
		}

		node, err := findResearchNode(resp.Body, "funds")
		if err != nil {
			return 0, err
		}
		funds, _ := node["funds"].([]any)
		if len(funds) == 0 {
			return 0, fmt.Errorf("%w: fund directory is empty", parse.ErrSchemaDrift)
		}

		prov := models.Provenance{Source: "fund_data", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, raw := range funds {
			fund, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			rec, err := fundRecord(fund)
			if err != nil {
				f.deps.Logger.Debug().Err(err).Msg("fund entry skipped")
				continue
			}
			n, err := f.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}

func fundRecord(fund map[string]any) (*models.Record, error) {
	id := parse.AsString(fund["id"])
	if id == "" {
		return nil, fmt.Errorf("fund entry without id")
	}

	rec := &models.Record{Kind: models.KindFund, Key: models.RecordKey{FundID: id}}
	if s := parse.AsString(fund["nameEn"]); s != "" {
		rec.Set("name_en", s)
	}
	if s := parse.AsString(fund["nameAr"]); s != "" {
		rec.Set("name_ar", s)
	}
	if s := parse.AsString(fund["manager"]); s != "" {
		rec.Set("manager", s)
	}
	if s := parse.AsString(fund["market"]); s != "" {
		rec.Set("market_code", strings.ToUpper(s))
	}
	if s := parse.AsString(fund["currency"]); s != "" {
		rec.Set("currency", s)
	}
	if v, err := parse.AsFloat(fund["nav"]); err == nil && v > 0 {
		rec.Set("latest_nav", v)
	}
	for column, key := range map[string]string{
		"return_1m": "return1m", "return_3m": "return3m",
		"return_ytd": "returnYtd", "return_1y": "return1y", "return_3y": "return3y",
	} {
		if v, err := parse.AsFloat(fund[key]); err == nil {
			rec.Set(column, v)
		}
	}
	if b, ok := fund["shariah"].(bool); ok {
		rec.Set("is_shariah", b)
	}
	return rec, nil
}

// fundNAV reads each fund's NAV history out of the in-browser chart. The
// series only exists after the page's scripts run, so this is the one
// ingester that always takes the browser path.
type fundNAV struct {
	deps *Deps
	w    *writer
}

func (f *fundNAV) Source() string { return models.SourceFundNAV }

const navSeriesExpr = "window.fundChart.series[0].data.map(p => [p.x, p.y])"
const navMaxRangeSelector = "a[data-range='max']"

func (f *fundNAV) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := fundEntities(ctx, f.deps)
	if err != nil {
		return nil, err
	}

	base := f.deps.Config.Sources.FundData.BaseURL
	loc := f.deps.Config.Location()

	return runEntities(ctx, f.deps, f.Source(), entities, params, func(ctx context.Context, fundID string) (int, error) {
		url := fmt.Sprintf("%s/funds/%s/performance", base, fundID)

		handle, err := f.deps.Broker.Acquire(ctx, "fund_data")
		if err != nil {
			return 0, err
		}
		points, err := f.deps.Browser.ExtractChartSeries(ctx, handle, url, navSeriesExpr, navMaxRangeSelector)
		handle.Release()
		if err != nil {
			return 0, err
		}

		series := parse.CleanSeries(points, loc)
		if len(series) == 0 {
			return 0, nil
		}

		prov := models.Provenance{Source: "fund_data", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, point := range series {
			rec := &models.Record{
				Kind: models.KindNAV,
				Key:  models.RecordKey{FundID: fundID, Date: point.Date},
			}
			rec.Set("nav", point.Value)

			n, err := f.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}

// fundMetaLabels maps the export's label column. The download claims to be
// XLS but usually arrives as an HTML table; the tabular sniffer sorts that
// out.
var fundMetaLabels = parse.NewLabelTable(map[string][]string{
	"label": {"Field", "Item", "البند"},
	"value": {"Value", "القيمة"},
})

var fundFieldLabels = parse.NewLabelTable(map[string][]string{
	"issuer":        {"Issuer", "جهة الإصدار"},
	"manager":       {"Fund Manager", "Manager", "مدير الصندوق"},
	"aum_millions":  {"AUM", "Assets Under Management", "الأصول المدارة"},
	"aum_currency":  {"AUM Currency", "عملة الأصول"},
	"expense_ratio": {"Expense Ratio", "نسبة المصاريف"},
	"risk_rating":   {"Risk Rating", "Risk Level", "درجة المخاطر"},
	"is_shariah":    {"Shariah Compliant", "متوافق مع الشريعة"},
})

// fundMeta pulls per-fund attributes from the credentialed export.
type fundMeta struct {
	deps *Deps
	w    *writer
}

func (f *fundMeta) Source() string { return models.SourceFundMeta }

func (f *fundMeta) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := fundEntities(ctx, f.deps)
	if err != nil {
		return nil, err
	}

	base := f.deps.Config.Sources.FundData.BaseURL

	return runEntities(ctx, f.deps, f.Source(), entities, params, func(ctx context.Context, fundID string) (int, error) {
		url := fmt.Sprintf("%s/funds/%s/export?format=xls", base, fundID)

		resp, err := fetchFrom(ctx, f.deps, "fund_data", &interfaces.FetchRequest{URL: url})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		table, err := parse.ReadTabular(resp.Header.Get("Content-Type"), resp.Body, fundMetaLabels, "label", "value")
		if err != nil {
			return 0, err
		}

		rec := &models.Record{Kind: models.KindFund, Key: models.RecordKey{FundID: fundID}}
		for _, row := range table.Rows {
			if len(row) < 2 {
				continue
			}
			column, ok := fundFieldLabels.Lookup(row[0])
			if !ok {
				rec.Keep(row[0], row[1])
				continue
			}
			switch column {
			case "issuer", "manager", "aum_currency", "risk_rating":
				rec.Set(column, row[1])
			case "is_shariah":
				v := strings.ToLower(strings.TrimSpace(row[1]))
				rec.Set(column, v == "yes" || v == "true" || v == "نعم")
			case "expense_ratio":
				if v, err := parse.ParsePercent(row[1]); err == nil {
					rec.Set(column, v)
				}
			default:
				if v, err := parse.ParseNumber(row[1]); err == nil {
					rec.Set(column, v)
				}
			}
		}
		if len(rec.Fields) == 0 {
			return 0, nil
		}

		prov := models.Provenance{Source: "fund_data", FetchedAt: time.Now(), URL: url}
		return f.w.write(ctx, rec, prov, params.DryRun)
	})
}
