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

var dividendLabels = parse.NewLabelTable(map[string][]string{
	"ex_date":     {"Ex-Date", "Ex Date", "تاريخ الاستحقاق"},
	"amount":      {"Dividend", "Amount", "Dividend Per Share", "التوزيع"},
	"currency":    {"Currency", "العملة"},
	"record_date": {"Record Date", "تاريخ التسجيل"},
	"pay_date":    {"Payment Date", "Pay Date", "تاريخ الصرف"},
})

// dividends scrapes the per-symbol dividend lifecycle table.
type dividends struct {
	deps *Deps
	w    *writer
}

func (d *dividends) Source() string { return models.SourceDividends }

func (d *dividends) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, d.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := d.deps.Config.Sources.Mubasher.BaseURL
	loc := d.deps.Config.Location()

	return runEntities(ctx, d.deps, d.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/markets/%s/stocks/%s/dividends", base, strings.ToLower(market), symbol)

		resp, err := fetchFrom(ctx, d.deps, "mubasher", &interfaces.FetchRequest{URL: url, BlockAssets: true})
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
		table, err := parse.FindTable(tables, dividendLabels, "ex_date", "amount")
		if err != nil {
			// No dividend table means the company never paid one.
			return 0, nil
		}

		prov := models.Provenance{Source: "mubasher", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, row := range table.Rows {
			exText, ok := table.Cell(row, dividendLabels, "ex_date")
			if !ok {
				continue
			}
			exDate, err := parse.ParseDate(exText, loc)
			if err != nil {
				d.deps.Logger.Debug().Str("symbol", symbol).Str("ex_date", exText).Err(err).Msg("dividend row skipped")
				continue
			}
			amountText, ok := table.Cell(row, dividendLabels, "amount")
			if !ok {
				continue
			}
			amount, err := parse.ParseNumber(amountText)
			if err != nil {
				continue
			}

			rec := &models.Record{
				Kind: models.KindDividend,
				Key:  models.RecordKey{Symbol: symbol, Market: market, Date: exDate},
			}
			rec.Set("amount", amount)
			if s, ok := table.Cell(row, dividendLabels, "currency"); ok && s != "" {
				rec.Set("currency", s)
			}
			if s, ok := table.Cell(row, dividendLabels, "record_date"); ok {
				if t, err := parse.ParseDate(s, loc); err == nil {
					rec.Set("record_date", t)
				}
			}
			if s, ok := table.Cell(row, dividendLabels, "pay_date"); ok {
				if t, err := parse.ParseDate(s, loc); err == nil {
					rec.Set("pay_date", t)
				}
			}

			n, err := d.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}

var actionLabels = parse.NewLabelTable(map[string][]string{
	"action_type": {"Type", "Action", "النوع"},
	"ex_date":     {"Ex-Date", "Ex Date", "تاريخ الاستحقاق"},
	"details":     {"Details", "Description", "التفاصيل"},
	"ratio":       {"Ratio", "النسبة"},
})

// actionTypeMap folds upstream action labels onto the canonical set.
var actionTypeMap = map[string]string{
	"dividend":     models.ActionDividend,
	"cash":         models.ActionDividend,
	"split":        models.ActionSplit,
	"stock split":  models.ActionSplit,
	"bonus":        models.ActionBonus,
	"bonus shares": models.ActionBonus,
	"rights":       models.ActionRights,
	"rights issue": models.ActionRights,
}

// actions scrapes the exchange's corporate action announcements.
type actions struct {
	deps *Deps
	w    *writer
}

func (a *actions) Source() string { return models.SourceActions }

func (a *actions) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, a.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	loc := a.deps.Config.Location()

	return runEntities(ctx, a.deps, a.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)

		upstream := "egx_web"
		url := fmt.Sprintf("%s/en/actions.aspx?symbol=%s", a.deps.Config.Sources.EGXWeb.BaseURL, symbol)
		if market == models.MarketTDWL {
			upstream = "argaam"
			url = fmt.Sprintf("%s/en/company/actions/%s", a.deps.Config.Sources.Argaam.BaseURL, symbol)
		}

		resp, err := fetchFrom(ctx, a.deps, upstream, &interfaces.FetchRequest{URL: url, BlockAssets: true})
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
		table, err := parse.FindTable(tables, actionLabels, "action_type", "ex_date")
		if err != nil {
			return 0, nil // no announcements for this symbol
		}

		prov := models.Provenance{Source: upstream, FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, row := range table.Rows {
			typeText, ok := table.Cell(row, actionLabels, "action_type")
			if !ok {
				continue
			}
			actionType, ok := actionTypeMap[strings.ToLower(strings.TrimSpace(typeText))]
			if !ok {
				a.deps.Logger.Debug().Str("symbol", symbol).Str("type", typeText).Msg("unknown action type skipped")
				continue
			}
			exText, ok := table.Cell(row, actionLabels, "ex_date")
			if !ok {
				continue
			}
			exDate, err := parse.ParseDate(exText, loc)
			if err != nil {
				continue
			}

			payload := map[string]any{}
			if s, ok := table.Cell(row, actionLabels, "details"); ok && s != "" {
				payload["details"] = s
			}
			if s, ok := table.Cell(row, actionLabels, "ratio"); ok {
				if v, err := parse.ParseNumber(s); err == nil {
					payload["ratio"] = v
				}
			}

			rec := &models.Record{
				Kind: models.KindAction,
				Key:  models.RecordKey{Symbol: symbol, Market: market, ActionType: actionType, Date: exDate},
			}
			rec.Set("payload", payload)

			n, err := a.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}
