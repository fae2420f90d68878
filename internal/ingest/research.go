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

// The research site ships its data as a framework payload: a script blob
// whose containers hold integer offsets into a shared value pool. The
// ingesters below walk the resolved tree.

// findResearchNode returns the first resolved node containing the wanted
// top-level key.
func findResearchNode(html []byte, key string) (map[string]any, error) {
	roots, err := parse.ParseFrameworkData(html)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if m, ok := root.(map[string]any); ok {
			if _, found := m[key]; found {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no node carries %q", parse.ErrSchemaDrift, key)
}

// ownership pulls major-holder stakes per symbol.
type ownership struct {
	deps *Deps
	w    *writer
}

func (o *ownership) Source() string { return models.SourceOwnership }

func (o *ownership) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, o.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := o.deps.Config.Sources.Argaam.BaseURL
	loc := o.deps.Config.Location()

	return runEntities(ctx, o.deps, o.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/company/ownership/%s", base, symbol)

		resp, err := fetchFrom(ctx, o.deps, "argaam", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		node, err := findResearchNode(resp.Body, "holders")
		if err != nil {
			return 0, err
		}
		holders, _ := node["holders"].([]any)

		asOf := time.Now().In(loc).Truncate(24 * time.Hour)
		if s := parse.AsString(node["asOfDate"]); s != "" {
			if t, err := parse.ParseDate(s, loc); err == nil {
				asOf = t
			}
		}

		prov := models.Provenance{Source: "argaam", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, raw := range holders {
			holder, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name := parse.AsString(holder["name"])
			if name == "" {
				continue
			}
			stake, err := parse.AsFloat(holder["stake"])
			if err != nil {
				continue
			}
			if stake > 1 {
				stake /= 100
			}

			rec := &models.Record{
				Kind: models.KindOwnership,
				Key:  models.RecordKey{Symbol: symbol, Market: market, Date: asOf},
			}
			rec.Set("holder_name", name)
			rec.Set("stake_percent", stake)
			if t := parse.AsString(holder["type"]); t != "" {
				rec.Set("holder_type", t)
			}

			n, err := o.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}

// analyst pulls consensus estimates and fair-value marks per symbol.
type analyst struct {
	deps *Deps
	w    *writer
}

func (a *analyst) Source() string { return models.SourceAnalyst }

func (a *analyst) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities, err := marketEntities(ctx, a.deps, models.MarketEGX, models.MarketTDWL)
	if err != nil {
		return nil, err
	}

	base := a.deps.Config.Sources.Argaam.BaseURL
	loc := a.deps.Config.Location()

	return runEntities(ctx, a.deps, a.Source(), entities, params, func(ctx context.Context, entity string) (int, error) {
		market, symbol := splitEntity(entity)
		url := fmt.Sprintf("%s/en/company/analyst-estimates/%s", base, symbol)

		resp, err := fetchFrom(ctx, a.deps, "argaam", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}

		node, err := findResearchNode(resp.Body, "estimates")
		if err != nil {
			return 0, err
		}
		estimates, ok := node["estimates"].(map[string]any)
		if !ok {
			return 0, nil
		}

		rec := &models.Record{
			Kind: models.KindAnalyst,
			Key:  models.RecordKey{Symbol: symbol, Market: market, Date: time.Now().In(loc).Truncate(24 * time.Hour)},
		}
		if s := parse.AsString(estimates["rating"]); s != "" {
			rec.Set("rating", s)
		}
		if v, err := parse.AsFloat(estimates["targetPrice"]); err == nil {
			rec.Set("target_price", v)
		}
		if v, err := parse.AsFloat(estimates["fairValue"]); err == nil {
			rec.Set("fair_value", v)
		}
		if v, err := parse.AsFloat(estimates["analystCount"]); err == nil {
			rec.Set("analyst_count", int(v))
		}
		if len(rec.Fields) == 0 {
			return 0, nil
		}

		prov := models.Provenance{Source: "argaam", FetchedAt: time.Now(), URL: url}
		return a.w.write(ctx, rec, prov, params.DryRun)
	})
}

// earnings scrapes the market-wide earnings calendar. Rows name companies
// in free text, so attribution goes through the alias index.
type earnings struct {
	deps *Deps
	w    *writer
}

func (e *earnings) Source() string { return models.SourceEarnings }

var earningsLabels = parse.NewLabelTable(map[string][]string{
	"company":      {"Company", "Company Name", "الشركة"},
	"event_date":   {"Date", "Announcement Date", "التاريخ"},
	"period":       {"Period", "الفترة"},
	"eps_estimate": {"EPS Estimate", "Est. EPS", "ربحية السهم المتوقعة"},
	"eps_actual":   {"EPS Actual", "Actual EPS", "ربحية السهم الفعلية"},
})

func (e *earnings) Run(ctx context.Context, params models.RunParams) (*models.RunReport, error) {
	entities := []string{models.MarketEGX, models.MarketTDWL}
	base := e.deps.Config.Sources.Argaam.BaseURL
	loc := e.deps.Config.Location()

	return runEntities(ctx, e.deps, e.Source(), entities, params, func(ctx context.Context, market string) (int, error) {
		url := fmt.Sprintf("%s/en/earnings-calendar/%s", base, strings.ToLower(market))

		resp, err := fetchFrom(ctx, e.deps, "argaam", &interfaces.FetchRequest{URL: url, BlockAssets: true})
		if err != nil {
			return 0, err
		}

		tables, err := parse.ParseTables(resp.Body)
		if err != nil {
			return 0, err
		}
		table, err := parse.FindTable(tables, earningsLabels, "company", "event_date")
		if err != nil {
			return 0, err
		}

		prov := models.Provenance{Source: "argaam", FetchedAt: time.Now(), URL: url}
		rows := 0
		for _, row := range table.Rows {
			company, ok := table.Cell(row, earningsLabels, "company")
			if !ok {
				continue
			}
			dateText, ok := table.Cell(row, earningsLabels, "event_date")
			if !ok {
				continue
			}
			eventDate, err := parse.ParseDate(dateText, loc)
			if err != nil {
				continue
			}

			rec := &models.Record{
				Kind: models.KindEarnings,
				Key:  models.RecordKey{Market: market, Date: eventDate},
			}
			rec.Set("name_en", company) // resolved to a symbol by the normaliser
			if s, ok := table.Cell(row, earningsLabels, "period"); ok && s != "" {
				rec.Set("period_type", s)
			}
			if s, ok := table.Cell(row, earningsLabels, "eps_estimate"); ok {
				if v, err := parse.ParseNumber(s); err == nil {
					rec.Set("eps_estimate", v)
				}
			}
			if s, ok := table.Cell(row, earningsLabels, "eps_actual"); ok {
				if v, err := parse.ParseNumber(s); err == nil {
					rec.Set("eps_actual", v)
				}
			}

			n, err := e.w.write(ctx, rec, prov, params.DryRun)
			if err != nil {
				if isUnresolvable(err) {
					e.deps.Logger.Debug().Str("company", company).Msg("earnings row unattributable, skipped")
					continue
				}
				return rows, err
			}
			rows += n
		}
		return rows, nil
	})
}
