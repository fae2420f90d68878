package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/fetch"
	"github.com/nilemarkets/sahm/internal/models"
)

// entityKey joins market and symbol into the entity identifier used for
// watermarks and audit rows.
func entityKey(market, symbol string) string {
	return market + ":" + symbol
}

func splitEntity(entity string) (market, symbol string) {
	if i := strings.IndexByte(entity, ':'); i >= 0 {
		return entity[:i], entity[i+1:]
	}
	return "", entity
}

// sourceUpstream names each capability's primary upstream. The upstream's
// configured concurrency bounds how many entities a run keeps in flight.
var sourceUpstream = map[string]string{
	models.SourceQuotesDaily:    "egx_web",
	models.SourceQuotesIntraday: "mubasher",
	models.SourceOHLCHistory:    "mubasher",
	models.SourceProfile:        "mubasher",
	models.SourceStatements:     "mubasher",
	models.SourceRatios:         "argaam",
	models.SourceDividends:      "mubasher",
	models.SourceActions:        "argaam",
	models.SourceOwnership:      "argaam",
	models.SourceAnalyst:        "argaam",
	models.SourceEarnings:       "argaam",
	models.SourceFundList:       "fund_data",
	models.SourceFundNAV:        "fund_data",
	models.SourceFundMeta:       "fund_data",
}

func entitySlots(deps *Deps, source string) int64 {
	upstream, ok := sourceUpstream[source]
	if !ok {
		return 1
	}
	slots := deps.Config.SourceConfigFor(upstream).GetConcurrency()
	if slots < 1 {
		slots = 1
	}
	return int64(slots)
}

// runEntities is the loop every ingester shares: filter the entity list by
// the run parameters, execute entities through the coordinator with as many
// in flight as the upstream's session slots allow, merge outcomes and
// record watermarks for successful entities. Each entity's writes happen in
// one sink transaction.
func runEntities(ctx context.Context, deps *Deps, source string, entities []string, params models.RunParams, process func(ctx context.Context, entity string) (int, error)) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:     uuid.NewString(),
		Source:    source,
		Status:    models.RunStatusOK,
		StartedAt: time.Now(),
		DryRun:    params.DryRun,
	}

	entities = filterEntities(ctx, deps, source, entities, params)

	// A persistent challenge cancels the remaining entities; retrying the
	// rest of the list would only burn the source further. The error counter
	// marks the run degraded below.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	sem := semaphore.NewWeighted(entitySlots(deps, source))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, entity := range entities {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(entity string) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := deps.Executor.Exec(runCtx, source, entity, func(ctx context.Context) (int, error) {
				if params.DryRun {
					return process(ctx, entity)
				}
				var rows int
				err := deps.Sink.Transact(ctx, func(ctx context.Context) error {
					var perr error
					rows, perr = process(ctx, entity)
					return perr
				})
				return rows, err
			})

			mu.Lock()
			report.Merge(outcome)
			mu.Unlock()

			if outcome.ErrorCategory == "" && !outcome.Empty && !params.DryRun {
				// The watermark rides the parent context so a late
				// cancellation never loses a finished entity.
				if err := deps.Sink.Universe().SetWatermark(ctx, source, entity, time.Now()); err != nil {
					deps.Logger.Warn().Str("source", source).Str("entity", entity).Err(err).Msg("watermark write failed")
				}
			}

			if outcome.ErrorCategory == fetch.CategoryChallenge {
				stop()
			}
		}(entity)
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	if report.Status == models.RunStatusOK && ctx.Err() != nil {
		report.Status = models.RunStatusCancelled
	}
	if report.Status == models.RunStatusOK && len(report.ErrorsByCategory) > 0 {
		report.Status = models.RunStatusDegraded
	}

	deps.Logger.Info().
		Str("run_id", report.RunID).
		Str("source", source).
		Str("status", report.Status).
		Int("entities", report.EntitiesProcessed).
		Int("rows", report.RowsUpserted).
		Int("empty", report.EntitiesEmpty).
		Msg("ingest run finished")
	return report, nil
}

// filterEntities applies the run parameters: explicit symbol list, resume
// freshness skip, then the entity cap.
func filterEntities(ctx context.Context, deps *Deps, source string, entities []string, params models.RunParams) []string {
	if len(params.Symbols) > 0 {
		allowed := make(map[string]bool, len(params.Symbols))
		for _, s := range params.Symbols {
			allowed[strings.ToUpper(s)] = true
		}
		var kept []string
		for _, e := range entities {
			_, symbol := splitEntity(e)
			if allowed[strings.ToUpper(symbol)] {
				kept = append(kept, e)
			}
		}
		entities = kept
	}

	if params.Resume {
		ttl := ttlFor(source)
		var kept []string
		for _, e := range entities {
			at, err := deps.Sink.Universe().Watermark(ctx, source, e)
			if err == nil && common.IsFresh(at, ttl) {
				continue
			}
			kept = append(kept, e)
		}
		entities = kept
	}

	if params.Limit > 0 && len(entities) > params.Limit {
		entities = entities[:params.Limit]
	}
	return entities
}

// marketEntities enumerates the symbols of the given markets as entity
// keys, stalest first within each market.
func marketEntities(ctx context.Context, deps *Deps, markets ...string) ([]string, error) {
	var entities []string
	for _, market := range markets {
		symbols, err := deps.Sink.Universe().ListSymbols(ctx, market)
		if err != nil {
			return nil, err
		}
		for _, s := range symbols {
			entities = append(entities, entityKey(market, s))
		}
	}
	return entities, nil
}

// fundEntities enumerates known fund IDs.
func fundEntities(ctx context.Context, deps *Deps) ([]string, error) {
	return deps.Sink.Universe().ListFundIDs(ctx)
}
