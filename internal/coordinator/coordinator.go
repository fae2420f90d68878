// Package coordinator owns cross-ingester concurrency: the shared worker
// pool, per-entity timeouts, category-keyed retries, drift circuit breaking
// and the audit trail. It is the only component the scheduler and the admin
// interface talk to.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/fetch"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/parse"
)

// CategoryDrift marks entities rejected because the source's page layout
// stopped matching the parser. It is not a fetch category; drift never
// retries.
const CategoryDrift = "schema_drift"

// ErrRunInProgress is returned by Trigger when the source already has a
// live run; triggers coalesce instead of stacking.
var ErrRunInProgress = errors.New("run already in progress for source")

// retryBase is the first backoff step; it doubles per attempt with ±20%
// jitter. A var so tests can shrink it.
var retryBase = 30 * time.Second

// maxRetries is the per-category retry budget. Categories absent from the
// table fail the entity on the first error. Challenge retries once: the
// broker re-establishes the session (rotating through the browser path when
// needed) before the second attempt.
var maxRetries = map[string]int{
	fetch.CategoryNetwork:   3,
	fetch.CategoryTimeout:   3,
	fetch.CategoryChallenge: 1,
}

// rateLimitMaxAttempts bounds 429 handling, which honours Retry-After.
const rateLimitMaxAttempts = 5

// retryDecision returns the backoff before the next attempt, or false when
// the error is terminal. attempt is zero-based.
func retryDecision(err error, attempt int) (time.Duration, bool) {
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Status == http.StatusTooManyRequests {
		if attempt+1 >= rateLimitMaxAttempts {
			return 0, false
		}
		d := retryBase << attempt
		if fe.RetryAfter > d {
			d = fe.RetryAfter
		}
		return d, true
	}

	budget, retryable := maxRetries[categorize(err)]
	if !retryable || attempt >= budget {
		return 0, false
	}
	return jitter(retryBase << attempt), true
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

type task struct {
	ctx  context.Context
	run  func(context.Context) models.EntityOutcome
	done chan models.EntityOutcome
}

// Coordinator implements interfaces.Coordinator and the ingest executor.
type Coordinator struct {
	config   *common.Config
	logger   *common.Logger
	sink     interfaces.Sink
	notifier interfaces.Notifier

	tasks chan *task
	wg    sync.WaitGroup

	mu        sync.Mutex
	ingesters map[string]interfaces.Ingester
	inFlight  map[string]bool   // source -> run in progress
	runIDs    map[string]string // source -> current trigger's run id
	drift     map[string]int    // source -> consecutive schema-drift failures
	blocked   map[string]bool   // source -> tripped drift breaker
}

// New starts the worker pool. Register the ingesters before the first
// Trigger; the pool itself carries no per-source state.
func New(config *common.Config, logger *common.Logger, sink interfaces.Sink, notifier interfaces.Notifier) *Coordinator {
	c := &Coordinator{
		config:    config,
		logger:    logger,
		sink:      sink,
		notifier:  notifier,
		tasks:     make(chan *task, config.Coordinator.GetQueueSize()),
		ingesters: make(map[string]interfaces.Ingester),
		inFlight:  make(map[string]bool),
		runIDs:    make(map[string]string),
		drift:     make(map[string]int),
		blocked:   make(map[string]bool),
	}

	workers := config.Coordinator.GetWorkers()
	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}
	logger.Info().Int("workers", workers).Msg("coordinator pool started")
	return c
}

// Register adds ingesters to the trigger table.
func (c *Coordinator) Register(ingesters ...interfaces.Ingester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ing := range ingesters {
		c.ingesters[ing.Source()] = ing
	}
}

// Close drains the pool. Pending tasks still execute.
func (c *Coordinator) Close() {
	close(c.tasks)
	c.wg.Wait()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for t := range c.tasks {
		if t.ctx.Err() != nil {
			t.done <- models.EntityOutcome{ErrorCategory: fetch.CategoryTimeout}
			continue
		}
		t.done <- c.safeRun(t)
	}
}

// safeRun keeps a panicking parser from taking a pool worker down with it.
func (c *Coordinator) safeRun(t *task) (out models.EntityOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("entity panicked")
			out = models.EntityOutcome{ErrorCategory: "parse"}
		}
	}()
	return t.run(t.ctx)
}

// Sources lists the registered ingester names, sorted.
func (c *Coordinator) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.ingesters))
	for name := range c.ingesters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs the named ingester under the run deadline. Concurrent
// triggers for the same source coalesce into ErrRunInProgress; a manual
// trigger also resets a tripped drift breaker so operators can retest a
// fixed parser.
func (c *Coordinator) Trigger(ctx context.Context, source string, params models.RunParams) (*models.RunReport, error) {
	c.mu.Lock()
	ing, ok := c.ingesters[source]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown source %q", source)
	}
	if c.inFlight[source] {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.inFlight[source] = true
	c.runIDs[source] = uuid.NewString()
	c.drift[source] = 0
	c.blocked[source] = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[source] = false
		delete(c.runIDs, source)
		c.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.config.Coordinator.GetRunDeadline())
	defer cancel()

	report, err := ing.Run(runCtx, params)
	if err != nil {
		c.notify(ctx, models.Alert{Source: source, Phase: "run", Error: err.Error()})
		return nil, err
	}

	// A drift breaker tripped mid-run means the parser needs attention
	// before this source is worth scheduling again.
	if c.sourceBlocked(source) {
		report.Status = models.RunStatusBlocked
	}

	if report.Status == models.RunStatusDegraded || report.Status == models.RunStatusBlocked {
		c.notify(ctx, models.Alert{
			Source:          source,
			Phase:           report.Status,
			Error:           fmt.Sprintf("%d errors across %d entities", errorCount(report), report.EntitiesProcessed),
			RetriedAttempts: report.Retried,
		})
	}

	c.purgeAudit(ctx)
	return report, nil
}

func errorCount(report *models.RunReport) int {
	n := 0
	for _, v := range report.ErrorsByCategory {
		n += v
	}
	return n
}

// Exec schedules one entity on the pool and blocks for its outcome.
func (c *Coordinator) Exec(ctx context.Context, source, entity string, fn func(context.Context) (int, error)) models.EntityOutcome {
	if c.sourceBlocked(source) {
		return models.EntityOutcome{Entity: entity, ErrorCategory: CategoryDrift}
	}

	t := &task{
		ctx:  ctx,
		done: make(chan models.EntityOutcome, 1),
		run: func(ctx context.Context) models.EntityOutcome {
			return c.runEntity(ctx, source, entity, fn)
		},
	}

	select {
	case c.tasks <- t:
	case <-ctx.Done():
		return models.EntityOutcome{Entity: entity, ErrorCategory: fetch.CategoryTimeout}
	}
	out := <-t.done
	out.Entity = entity
	return out
}

// runEntity is the per-entity envelope: audit open, retry loop with the
// category budget, audit close.
func (c *Coordinator) runEntity(ctx context.Context, source, entity string, fn func(context.Context) (int, error)) models.EntityOutcome {
	start := time.Now()
	runID := c.runID(source)
	outcome := models.EntityOutcome{Entity: entity}

	c.audit(ctx, runID, source, entity, "running", 0)

	var rows int
	var err error
	for attempt := 0; ; attempt++ {
		c.waitForSink(ctx)

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Coordinator.GetEntityTimeout())
		rows, err = fn(attemptCtx)
		cancel()

		if err == nil || ctx.Err() != nil {
			break
		}

		delay, retry := retryDecision(err, attempt)
		if !retry {
			break
		}
		outcome.Retried++
		c.logger.Warn().
			Str("source", source).Str("entity", entity).
			Str("category", categorize(err)).Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("entity retry")
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	outcome.RowsUpserted = rows
	outcome.DurationMS = time.Since(start).Milliseconds()

	var outcomeText string
	switch {
	case err != nil:
		outcome.ErrorCategory = categorize(err)
		outcomeText = "error:" + outcome.ErrorCategory
		c.logger.Error().
			Str("source", source).Str("entity", entity).
			Str("category", outcome.ErrorCategory).Err(err).
			Msg("entity failed")
	case rows == 0:
		outcome.Empty = true
		outcomeText = "empty"
	default:
		outcomeText = "ok"
	}

	c.trackDrift(ctx, source, outcome.ErrorCategory)
	c.audit(ctx, runID, source, entity, outcomeText, outcome.DurationMS)
	return outcome
}

// waitForSink holds new entities back while the connection pool is
// exhausted, so a slow database narrows effective concurrency instead of
// queueing timeouts.
func (c *Coordinator) waitForSink(ctx context.Context) {
	for i := 0; i < 40 && c.sink.Saturated(); i++ {
		if !sleepCtx(ctx, 250*time.Millisecond) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// trackDrift counts consecutive schema-drift failures per source and trips
// the breaker at the configured threshold. Any other outcome resets the
// count.
func (c *Coordinator) trackDrift(ctx context.Context, source, category string) {
	c.mu.Lock()
	if category != CategoryDrift {
		c.drift[source] = 0
		c.mu.Unlock()
		return
	}
	c.drift[source]++
	tripped := c.drift[source] >= c.config.Coordinator.GetDriftThreshold() && !c.blocked[source]
	if tripped {
		c.blocked[source] = true
	}
	count := c.drift[source]
	c.mu.Unlock()

	if tripped {
		c.logger.Error().Str("source", source).Int("consecutive", count).
			Msg("schema drift threshold reached, source blocked")
		c.notify(ctx, models.Alert{Source: source, Phase: "drift_breaker", Error: "consecutive schema drift, parser needs attention"})
	}
}

func (c *Coordinator) sourceBlocked(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[source]
}

func (c *Coordinator) runID(source string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runIDs[source]
}

func (c *Coordinator) audit(ctx context.Context, runID, source, entity, outcome string, durationMS int64) {
	entry := models.AuditEntry{
		RunID:      runID,
		Source:     source,
		Entity:     entity,
		IngestedAt: time.Now(),
		DurationMS: durationMS,
		Outcome:    outcome,
	}
	if err := c.sink.Audit().Record(ctx, entry); err != nil {
		c.logger.Warn().Str("source", source).Str("entity", entity).Err(err).Msg("audit write failed")
	}
}

func (c *Coordinator) purgeAudit(ctx context.Context) {
	cutoff := time.Now().Add(-c.config.Coordinator.GetAuditRetention())
	n, err := c.sink.Audit().Purge(ctx, cutoff)
	if err != nil {
		c.logger.Warn().Err(err).Msg("audit purge failed")
		return
	}
	if n > 0 {
		c.logger.Debug().Int("purged", n).Msg("audit entries purged")
	}
}

func (c *Coordinator) notify(ctx context.Context, alert models.Alert) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ctx, alert); err != nil {
		c.logger.Warn().Str("source", alert.Source).Err(err).Msg("alert delivery failed")
	}
}

// categorize folds any entity error into an audit/retry category.
func categorize(err error) string {
	if errors.Is(err, parse.ErrSchemaDrift) {
		return CategoryDrift
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.CategoryTimeout
	}
	if category := fetch.CategoryOf(err); category != "" {
		return category
	}
	return "parse"
}
