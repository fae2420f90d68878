// Package ingest holds the source ingesters: each one enumerates its
// entities, fetches through the shared client or browser, parses, and hands
// canonical records to the writer.
package ingest

import (
	"context"
	"time"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/normalize"
)

// Executor runs one entity's ingestion on the shared worker pool with
// timeout, category-based retries and an audit trail. The coordinator
// implements it.
type Executor interface {
	Exec(ctx context.Context, source, entity string, fn func(context.Context) (int, error)) models.EntityOutcome
}

// Deps bundles what every ingester needs.
type Deps struct {
	Config   *common.Config
	Logger   *common.Logger
	Client   interfaces.FetchClient
	Browser  interfaces.BrowserDriver
	Broker   interfaces.SessionBroker
	Sink     interfaces.Sink
	Norm     *normalize.Normalizer
	Index    *normalize.Index
	Executor Executor
}

// New constructs every registered ingester.
func New(deps *Deps) []interfaces.Ingester {
	w := &writer{deps: deps}
	return []interfaces.Ingester{
		&quotesDaily{deps: deps, w: w},
		&quotesIntraday{deps: deps, w: w},
		&ohlcHistory{deps: deps, w: w},
		&profile{deps: deps, w: w},
		&statements{deps: deps, w: w, kinds: []string{models.StatementIncome, models.StatementBalance, models.StatementCashflow}, name: models.SourceStatements},
		&ratios{deps: deps, w: w},
		&dividends{deps: deps, w: w},
		&actions{deps: deps, w: w},
		&ownership{deps: deps, w: w},
		&analyst{deps: deps, w: w},
		&earnings{deps: deps, w: w},
		&fundList{deps: deps, w: w},
		&fundNAV{deps: deps, w: w},
		&fundMeta{deps: deps, w: w},
	}
}

// ttlFor maps an ingest source to its freshness window, used by Resume to
// skip entities whose watermark is still inside the window.
func ttlFor(source string) time.Duration {
	switch source {
	case models.SourceQuotesDaily:
		return common.FreshnessQuote
	case models.SourceQuotesIntraday:
		return common.FreshnessIntraday
	case models.SourceOHLCHistory:
		return common.FreshnessDailyBar
	case models.SourceProfile:
		return common.FreshnessProfile
	case models.SourceStatements:
		return common.FreshnessStatements
	case models.SourceRatios:
		return common.FreshnessRatios
	case models.SourceDividends:
		return common.FreshnessDividends
	case models.SourceActions:
		return common.FreshnessActions
	case models.SourceOwnership:
		return common.FreshnessOwnership
	case models.SourceAnalyst:
		return common.FreshnessAnalyst
	case models.SourceEarnings:
		return common.FreshnessEarnings
	case models.SourceFundList:
		return common.FreshnessFundList
	case models.SourceFundNAV:
		return common.FreshnessFundNAV
	case models.SourceFundMeta:
		return common.FreshnessFundMeta
	default:
		return 24 * time.Hour
	}
}
