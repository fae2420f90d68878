// Package scheduler drives the ingestion cadence: cron tiers in market-local
// time plus a staleness checker that backfills after downtime.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/coordinator"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
)

// job binds a cron spec to a source trigger. Specs are evaluated in the
// configured market timezone; both exchanges trade Sunday through Thursday.
type job struct {
	spec   string
	source string
	params models.RunParams
}

// The cadence tiers. Intraday only fires inside the trading window; the
// weekly tier is staggered across the Friday lull so the credentialed
// sources never contend.
var jobs = []job{
	// Tier 1: price freshness. The post-close OHLC sweep appends the day's
	// bar for every listed symbol; the monthly run below backfills history.
	{"*/5 10-14 * * 0-4", models.SourceQuotesIntraday, models.RunParams{Resume: true}},
	{"0 15 * * 0-4", models.SourceQuotesDaily, models.RunParams{}},
	{"15 15 * * 0-4", models.SourceOHLCHistory, models.RunParams{Resume: true}},
	{"30 15 * * 0-4", models.SourceFundNAV, models.RunParams{Resume: true}},

	// Tier 2: weekly reference data, staggered.
	{"0 1 * * 5", models.SourceProfile, models.RunParams{Resume: true}},
	{"0 2 * * 5", models.SourceStatements, models.RunParams{Resume: true}},
	{"0 4 * * 5", models.SourceRatios, models.RunParams{Resume: true}},
	{"0 5 * * 5", models.SourceOwnership, models.RunParams{Resume: true}},
	{"0 6 * * 5", models.SourceAnalyst, models.RunParams{Resume: true}},

	// Tier 3: event-driven data, daily off-hours sweep.
	{"0 22 * * *", models.SourceDividends, models.RunParams{Resume: true}},
	{"15 22 * * *", models.SourceActions, models.RunParams{Resume: true}},
	{"30 22 * * *", models.SourceEarnings, models.RunParams{}},
	{"0 23 1 * *", models.SourceOHLCHistory, models.RunParams{Resume: true}},

	// Tier 4: vendor fund data.
	{"0 3 * * 5", models.SourceFundList, models.RunParams{}},
	{"30 3 * * 5", models.SourceFundMeta, models.RunParams{Resume: true}},
}

// Scheduler owns the cron runner and the catch-up checker.
type Scheduler struct {
	config      *common.Config
	logger      *common.Logger
	coordinator interfaces.Coordinator
	universe    interfaces.UniverseStore
	notifier    interfaces.Notifier

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

func New(config *common.Config, logger *common.Logger, coord interfaces.Coordinator, universe interfaces.UniverseStore, notifier interfaces.Notifier) *Scheduler {
	return &Scheduler{
		config:      config,
		logger:      logger,
		coordinator: coord,
		universe:    universe,
		notifier:    notifier,
		done:        make(chan struct{}),
	}
}

// Start registers the cron tiers and launches the catch-up loop. The first
// staleness check runs shortly after boot so a restart during downtime
// recovers without waiting a full interval.
func (s *Scheduler) Start() error {
	loc := s.config.Location()
	s.cron = cron.New(cron.WithLocation(loc))

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.trigger(j.source, j.params) }); err != nil {
			return err
		}
	}
	s.cron.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.catchupLoop(ctx)

	s.logger.Info().
		Int("jobs", len(jobs)).
		Str("timezone", s.config.Timezone).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron runner and the catch-up loop, waiting for in-flight
// cron callbacks to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// trigger runs one source through the coordinator. An already-running
// source is a coalesce, not an error.
func (s *Scheduler) trigger(source string, params models.RunParams) {
	report, err := s.coordinator.Trigger(context.Background(), source, params)
	if err != nil {
		if errors.Is(err, coordinator.ErrRunInProgress) {
			s.logger.Debug().Str("source", source).Msg("scheduled run coalesced")
			return
		}
		s.logger.Error().Str("source", source).Err(err).Msg("scheduled run failed")
		return
	}
	s.logger.Info().
		Str("source", source).
		Str("status", report.Status).
		Int("rows", report.RowsUpserted).
		Msg("scheduled run finished")
}

func (s *Scheduler) catchupLoop(ctx context.Context) {
	defer close(s.done)

	startup := time.NewTimer(20 * time.Second)
	defer startup.Stop()
	select {
	case <-startup.C:
		s.checkStaleness(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.config.Scheduler.GetCatchupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkStaleness(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkStaleness compares each market's latest daily bar against the
// business-day threshold and backfills prices when the gap is too wide.
func (s *Scheduler) checkStaleness(ctx context.Context) {
	loc := s.config.Location()
	now := time.Now().In(loc)
	threshold := s.config.Scheduler.GetStaleBusinessDays()

	for _, market := range []string{models.MarketEGX, models.MarketTDWL} {
		latest, err := s.universe.LatestBarDate(ctx, market)
		if err != nil {
			s.logger.Warn().Str("market", market).Err(err).Msg("staleness check failed")
			continue
		}
		if latest.IsZero() {
			// Empty market: first quotes run will seed it.
			continue
		}

		gap := businessDaysBetween(latest.In(loc), now)
		if gap <= threshold {
			continue
		}

		s.logger.Warn().
			Str("market", market).
			Int("business_days", gap).
			Time("latest_bar", latest).
			Msg("market data stale, catch-up triggered")
		if s.notifier != nil {
			alert := models.Alert{Source: models.SourceQuotesDaily, Phase: "stale_data", StaleDays: gap}
			if err := s.notifier.Send(ctx, alert); err != nil {
				s.logger.Warn().Err(err).Msg("stale-data alert delivery failed")
			}
		}
		s.trigger(models.SourceQuotesDaily, models.RunParams{})
		s.trigger(models.SourceOHLCHistory, models.RunParams{Resume: true})
		return // one catch-up covers both markets
	}
}

// businessDaysBetween counts trading days strictly between two instants.
// Both exchanges close Friday and Saturday.
func businessDaysBetween(from, to time.Time) int {
	if !from.Before(to) {
		return 0
	}
	days := 0
	for d := from.AddDate(0, 0, 1); d.Before(to); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Friday, time.Saturday:
		default:
			days++
		}
	}
	return days
}
