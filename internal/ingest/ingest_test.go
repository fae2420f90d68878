package ingest

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/fetch"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
	"github.com/nilemarkets/sahm/internal/normalize"
)

// --- in-memory fakes ---------------------------------------------------

type fakeTableStore struct {
	mu      sync.Mutex
	upserts []string // table names in write order
	rows    map[string]map[string]any
}

func (f *fakeTableStore) key(table string, key map[string]any) string {
	s := table
	for _, k := range []string{"symbol", "market_code", "fund_id", "date", "fiscal_year", "period_type"} {
		if v, ok := key[k]; ok {
			s += "|" + toString(v)
		}
	}
	return s
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return "?"
	}
}

func (f *fakeTableStore) Upsert(_ context.Context, table string, key, cols map[string]any, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, table)
	if f.rows == nil {
		f.rows = map[string]map[string]any{}
	}
	f.rows[f.key(table, key)] = cols
	return true, nil
}

func (f *fakeTableStore) AppendOrUpdate(ctx context.Context, table string, key, cols map[string]any) (bool, error) {
	return f.Upsert(ctx, table, key, cols, time.Now())
}

func (f *fakeTableStore) BulkCopy(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, table)
	return int64(len(rows)), nil
}

func (f *fakeTableStore) GetRow(_ context.Context, table string, key map[string]any) (map[string]any, map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[f.key(table, key)]
	if row == nil {
		return nil, nil, nil
	}
	cols := make(map[string]any, len(row))
	prov := map[string]string{}
	for k, v := range row {
		if k == "field_sources" {
			if m, ok := v.(map[string]string); ok {
				prov = m
			}
			continue
		}
		cols[k] = v
	}
	return cols, prov, nil
}

type fakeUniverse struct {
	mu         sync.Mutex
	tickers    map[string]bool
	symbols    map[string][]string
	fundIDs    []string
	watermarks map[string]time.Time
}

func (f *fakeUniverse) EnsureTicker(_ context.Context, symbol, market string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickers == nil {
		f.tickers = map[string]bool{}
	}
	f.tickers[market+":"+symbol] = true
	return nil
}

func (f *fakeUniverse) ListSymbols(_ context.Context, market string) ([]string, error) {
	return f.symbols[market], nil
}

func (f *fakeUniverse) ListFundIDs(context.Context) ([]string, error) { return f.fundIDs, nil }

func (f *fakeUniverse) LatestBarDate(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeUniverse) Watermark(_ context.Context, source, entity string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[source+"/"+entity], nil
}

func (f *fakeUniverse) SetWatermark(_ context.Context, source, entity string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermarks == nil {
		f.watermarks = map[string]time.Time{}
	}
	f.watermarks[source+"/"+entity] = at
	return nil
}

type fakeAudit struct{}

func (fakeAudit) Record(context.Context, models.AuditEntry) error { return nil }
func (fakeAudit) ResetRunning(context.Context) (int, error)       { return 0, nil }
func (fakeAudit) Purge(context.Context, time.Time) (int, error)   { return 0, nil }
func (fakeAudit) LastOutcome(context.Context, string) (*models.AuditEntry, error) {
	return nil, nil
}

type fakeAliases struct {
	mu      sync.Mutex
	upserts []models.Alias
}

func (f *fakeAliases) LoadAll(context.Context) ([]models.Alias, error) { return nil, nil }

func (f *fakeAliases) Upsert(_ context.Context, alias models.Alias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, alias)
	return nil
}

type fakeSink struct {
	tables   *fakeTableStore
	universe *fakeUniverse
	aliases  *fakeAliases

	mu         sync.Mutex
	committed  int
	rolledBack int
}

func (f *fakeSink) InitSchema(context.Context) error   { return nil }
func (f *fakeSink) Tables() interfaces.TableStore      { return f.tables }
func (f *fakeSink) Universe() interfaces.UniverseStore { return f.universe }
func (f *fakeSink) Audit() interfaces.AuditStore       { return fakeAudit{} }
func (f *fakeSink) Aliases() interfaces.AliasStore     { return f.aliases }
func (f *fakeSink) Saturated() bool                    { return false }
func (f *fakeSink) Ping(context.Context) error         { return nil }
func (f *fakeSink) Close()                             {}

func (f *fakeSink) Transact(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.rolledBack++
		return err
	}
	f.committed++
	return nil
}

// inlineExecutor runs the entity function directly, no pool, no retries.
type inlineExecutor struct{}

func (inlineExecutor) Exec(ctx context.Context, _, entity string, fn func(context.Context) (int, error)) models.EntityOutcome {
	rows, err := fn(ctx)
	outcome := models.EntityOutcome{Entity: entity, RowsUpserted: rows}
	if err != nil {
		outcome.ErrorCategory = "parse"
	}
	return outcome
}

type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]*interfaces.FetchResponse
	err       error // returned for every request when set
	requested []string
}

func (s *stubFetcher) Do(_ context.Context, _ interfaces.SessionHandle, req *interfaces.FetchRequest) (*interfaces.FetchResponse, error) {
	s.mu.Lock()
	s.requested = append(s.requested, req.URL)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for prefix, resp := range s.responses {
		if strings.HasPrefix(req.URL, prefix) {
			return resp, nil
		}
	}
	return &interfaces.FetchResponse{Status: http.StatusOK, Header: http.Header{}, Body: []byte("<html></html>")}, nil
}

// stubBrowser serves canned HTML and records what it was asked to render.
type stubBrowser struct {
	mu      sync.Mutex
	html    []byte
	err     error
	fetched []string
	blocked []bool
}

func (b *stubBrowser) FetchHTML(_ context.Context, _ interfaces.SessionHandle, req *interfaces.FetchRequest) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetched = append(b.fetched, req.URL)
	b.blocked = append(b.blocked, req.BlockAssets)
	if b.err != nil {
		return nil, b.err
	}
	return b.html, nil
}

func (b *stubBrowser) ExtractChartSeries(context.Context, interfaces.SessionHandle, string, string, string) ([]interfaces.ChartPoint, error) {
	return nil, nil
}

func (b *stubBrowser) Close() {}

type stubBroker struct{}

type stubHandle struct{ jar http.CookieJar }

func (h *stubHandle) Source() string      { return "stub" }
func (h *stubHandle) Jar() http.CookieJar { return h.jar }
func (h *stubHandle) Fingerprint() string { return "chrome_120" }
func (h *stubHandle) Release()            {}

func (stubBroker) Acquire(context.Context, string) (interfaces.SessionHandle, error) {
	jar, _ := cookiejar.New(nil)
	return &stubHandle{jar: jar}, nil
}
func (stubBroker) Invalidate(string, string) {}
func (stubBroker) Rotate(string)             {}
func (stubBroker) Health(string) string      { return interfaces.SessionFresh }

func newTestDeps(fetcher *stubFetcher, universe *fakeUniverse) (*Deps, *fakeTableStore) {
	tables := &fakeTableStore{}
	idx := normalize.NewIndex()
	idx.Load([]models.Alias{
		{AliasTextNorm: "telecom egypt", MarketCode: "EGX", Symbol: "ETEL", Priority: 10},
	})
	logger := common.NewSilentLogger()
	deps := &Deps{
		Config:   common.NewDefaultConfig(),
		Logger:   logger,
		Client:   fetcher,
		Broker:   stubBroker{},
		Sink:     &fakeSink{tables: tables, universe: universe, aliases: &fakeAliases{}},
		Norm:     normalize.NewNormalizer(idx, logger, time.UTC),
		Index:    idx,
		Executor: inlineExecutor{},
	}
	return deps, tables
}

// --- tests -------------------------------------------------------------

const listingHTML = `<html><table>
<tr><th>Symbol</th><th>Company</th><th>Last Price</th><th>Change %</th><th>Volume</th></tr>
<tr><td>COMI.CA</td><td>Commercial International Bank</td><td>82.50</td><td>1.2</td><td>1,204,300</td></tr>
<tr><td>ETEL.CA</td><td>Telecom Egypt</td><td>31.10</td><td>-0.5</td><td>560,000</td></tr>
</table></html>`

func TestQuotesDailyRun(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]*interfaces.FetchResponse{
		"https://": {Status: 200, Header: http.Header{}, Body: []byte(listingHTML)},
	}}
	universe := &fakeUniverse{}
	deps, tables := newTestDeps(fetcher, universe)

	ingesters := New(deps)
	var q interfaces.Ingester
	for _, ing := range ingesters {
		if ing.Source() == models.SourceQuotesDaily {
			q = ing
		}
	}
	require.NotNil(t, q)

	report, err := q.Run(context.Background(), models.RunParams{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, 2, report.EntitiesProcessed) // one per market
	assert.Equal(t, 4, report.RowsUpserted)      // two rows per market in the stub

	// Symbols were normalised (exchange suffix dropped) and stubs created.
	assert.True(t, universe.tickers["EGX:COMI"])
	assert.True(t, universe.tickers["EGX:ETEL"])
	assert.NotEmpty(t, tables.upserts)

	// Successful entities get watermarks.
	at, _ := universe.Watermark(context.Background(), models.SourceQuotesDaily, "EGX")
	assert.False(t, at.IsZero())
}

func TestQuotesDailyDryRun(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]*interfaces.FetchResponse{
		"https://": {Status: 200, Header: http.Header{}, Body: []byte(listingHTML)},
	}}
	universe := &fakeUniverse{}
	deps, tables := newTestDeps(fetcher, universe)

	q := &quotesDaily{deps: deps, w: &writer{deps: deps}}
	report, err := q.Run(context.Background(), models.RunParams{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.RowsUpserted)
	assert.Empty(t, tables.upserts, "dry run must not write")

	at, _ := universe.Watermark(context.Background(), models.SourceQuotesDaily, "EGX")
	assert.True(t, at.IsZero(), "dry run must not move watermarks")
}

func TestRunnerResumeSkipsFresh(t *testing.T) {
	fetcher := &stubFetcher{}
	universe := &fakeUniverse{symbols: map[string][]string{"EGX": {"COMI", "ETEL"}}}
	deps, _ := newTestDeps(fetcher, universe)

	// COMI was just ingested; ETEL long ago.
	require.NoError(t, universe.SetWatermark(context.Background(), "x", "unused", time.Now()))
	universe.watermarks[models.SourceProfile+"/EGX:COMI"] = time.Now()
	universe.watermarks[models.SourceProfile+"/EGX:ETEL"] = time.Now().Add(-30 * 24 * time.Hour)

	var processed []string
	report, err := runEntities(context.Background(), deps, models.SourceProfile,
		[]string{"EGX:COMI", "EGX:ETEL"}, models.RunParams{Resume: true},
		func(_ context.Context, entity string) (int, error) {
			processed = append(processed, entity)
			return 1, nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"EGX:ETEL"}, processed)
	assert.Equal(t, 1, report.EntitiesProcessed)
}

func TestRunnerSymbolFilterAndLimit(t *testing.T) {
	fetcher := &stubFetcher{}
	deps, _ := newTestDeps(fetcher, &fakeUniverse{})

	var processed []string
	_, err := runEntities(context.Background(), deps, models.SourceProfile,
		[]string{"EGX:COMI", "EGX:ETEL", "TDWL:2222"}, models.RunParams{Symbols: []string{"comi", "2222"}, Limit: 1},
		func(_ context.Context, entity string) (int, error) {
			processed = append(processed, entity)
			return 1, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"EGX:COMI"}, processed)
}

func TestRunnerErrorsDegradeRun(t *testing.T) {
	fetcher := &stubFetcher{}
	deps, _ := newTestDeps(fetcher, &fakeUniverse{})

	report, err := runEntities(context.Background(), deps, models.SourceProfile,
		[]string{"EGX:COMI", "EGX:ETEL"}, models.RunParams{},
		func(_ context.Context, entity string) (int, error) {
			if entity == "EGX:COMI" {
				return 0, assert.AnError
			}
			return 1, nil
		})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusDegraded, report.Status)
	assert.Equal(t, 2, report.EntitiesProcessed)
	assert.Equal(t, 1, report.ErrorsByCategory["parse"])
}

func TestQuoteRecordParsing(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]*interfaces.FetchResponse{
		"https://": {Status: 200, Header: http.Header{}, Body: []byte(listingHTML)},
	}}
	universe := &fakeUniverse{}
	deps, tables := newTestDeps(fetcher, universe)

	q := &quotesDaily{deps: deps, w: &writer{deps: deps}}
	_, err := q.Run(context.Background(), models.RunParams{})
	require.NoError(t, err)

	row := tables.rows["market_tickers|COMI|EGX"]
	require.NotNil(t, row)
	assert.Equal(t, 82.5, row["last_price"])
	assert.InDelta(t, 0.012, row["change_percent"].(float64), 1e-9)
	assert.Equal(t, int64(1204300), row["volume"])
}

func TestStatementRecord(t *testing.T) {
	raw := map[string]any{
		"year":   2023.0,
		"period": "FY",
		"items": map[string]any{
			"Net Income": 1450.0,
			"Revenue":    "12,300",
			"Auditor":    "KPMG Hazem Hassan",
		},
	}
	rec, err := statementRecord(raw, models.StatementIncome, "COMI", "EGX", "EGP")
	require.NoError(t, err)

	assert.Equal(t, 2023, rec.Key.FiscalYear)
	assert.Equal(t, models.PeriodAnnual, rec.Key.PeriodType)
	items := rec.Fields["items"].(map[string]any)
	assert.Equal(t, 1450.0, items["net income"])
	assert.Equal(t, 12300.0, items["revenue"])
	assert.Equal(t, "KPMG Hazem Hassan", rec.Raw["Auditor"], "non-numeric items land in the raw bag")
}

func TestFundRecord(t *testing.T) {
	rec, err := fundRecord(map[string]any{
		"id": "EGX-F-014", "nameEn": "Delta Fund", "market": "egx",
		"nav": 18.42, "return1y": 0.12, "shariah": true,
	})
	require.NoError(t, err)

	assert.Equal(t, "EGX-F-014", rec.Key.FundID)
	assert.Equal(t, "EGX", rec.Fields["market_code"])
	assert.Equal(t, 18.42, rec.Fields["latest_nav"])
	assert.Equal(t, true, rec.Fields["is_shariah"])

	_, err = fundRecord(map[string]any{"nameEn": "No ID Fund"})
	assert.Error(t, err)
}

func TestTTLForCoversAllSources(t *testing.T) {
	for _, source := range models.AllSources {
		assert.Greater(t, int64(ttlFor(source)), int64(0), "source %s", source)
	}
}

func TestChallengeEscalatesToBrowser(t *testing.T) {
	fetcher := &stubFetcher{err: &fetch.Error{Category: fetch.CategoryChallenge}}
	universe := &fakeUniverse{}
	deps, tables := newTestDeps(fetcher, universe)
	browser := &stubBrowser{html: []byte(listingHTML)}
	deps.Browser = browser

	q := &quotesDaily{deps: deps, w: &writer{deps: deps}}
	report, err := q.Run(context.Background(), models.RunParams{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, 4, report.RowsUpserted, "browser-rendered pages still yield rows")
	assert.Len(t, browser.fetched, 2, "each market's challenge replays through the browser")
	assert.NotEmpty(t, tables.upserts)
}

func TestChallengeEscalationCarriesRequest(t *testing.T) {
	fetcher := &stubFetcher{err: &fetch.Error{Category: fetch.CategoryChallenge}}
	deps, _ := newTestDeps(fetcher, &fakeUniverse{})
	browser := &stubBrowser{html: []byte("<html><body>ok</body></html>")}
	deps.Browser = browser

	resp, err := fetchFrom(context.Background(), deps, "argaam",
		&interfaces.FetchRequest{URL: "https://www.argaam.com/en/company/ratios/egx/COMI", BlockAssets: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	require.Len(t, browser.blocked, 1)
	assert.True(t, browser.blocked[0], "asset blocking carries into the browser tab")

	// Form posts cannot replay through navigation.
	_, err = fetchFrom(context.Background(), deps, "mubasher",
		&interfaces.FetchRequest{Method: http.MethodPost, URL: "https://www.mubasher.info/account/login", Form: url.Values{"user": {"x"}}})
	require.Error(t, err)
	assert.Equal(t, fetch.CategoryChallenge, fetch.CategoryOf(err))
	assert.Len(t, browser.fetched, 1, "no browser replay for form posts")
}

func TestChallengeWithoutBrowserStillFails(t *testing.T) {
	fetcher := &stubFetcher{err: &fetch.Error{Category: fetch.CategoryChallenge}}
	deps, _ := newTestDeps(fetcher, &fakeUniverse{})

	_, err := fetchFrom(context.Background(), deps, "argaam",
		&interfaces.FetchRequest{URL: "https://www.argaam.com/en/company/ratios/egx/COMI"})
	require.Error(t, err)
	assert.Equal(t, fetch.CategoryChallenge, fetch.CategoryOf(err))
}

func TestStatementItemsMergeAcrossSources(t *testing.T) {
	deps, tables := newTestDeps(&stubFetcher{}, &fakeUniverse{})
	w := &writer{deps: deps}
	key := models.RecordKey{
		Symbol: "COMI", Market: "EGX",
		FiscalYear: 2023, PeriodType: models.PeriodAnnual, StatementKind: models.StatementIncome,
	}

	first := &models.Record{Kind: models.KindStatement, Key: key}
	first.Set("currency", "EGP")
	first.Set("items", map[string]any{"revenue": 12300.0, "net income": 1450.0})
	_, err := w.write(context.Background(), first, models.Provenance{Source: "mubasher", FetchedAt: time.Now()}, false)
	require.NoError(t, err)

	second := &models.Record{Kind: models.KindStatement, Key: key}
	second.Set("items", map[string]any{"total assets": 99000.0, "net income": 1500.0})
	_, err = w.write(context.Background(), second, models.Provenance{Source: "argaam", FetchedAt: time.Now()}, false)
	require.NoError(t, err)

	row := tables.rows["income_statements|COMI|EGX|2023|"+models.PeriodAnnual]
	require.NotNil(t, row)
	items, ok := row["items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 12300.0, items["revenue"], "first source's items survive the second write")
	assert.Equal(t, 99000.0, items["total assets"])
	assert.Equal(t, 1500.0, items["net income"], "latest value wins per item")
}

func TestTickerWriteRegistersAliases(t *testing.T) {
	deps, _ := newTestDeps(&stubFetcher{}, &fakeUniverse{})
	w := &writer{deps: deps}

	rec := &models.Record{Kind: models.KindTicker, Key: models.RecordKey{Symbol: "COMI", Market: "EGX"}}
	rec.Set("name_en", "Commercial International Bank")
	rec.Set("last_price", 82.5)
	_, err := w.write(context.Background(), rec, models.Provenance{Source: "egx_web", FetchedAt: time.Now()}, false)
	require.NoError(t, err)

	aliases := deps.Sink.(*fakeSink).aliases
	require.Len(t, aliases.upserts, 1)
	assert.Equal(t, "commercial international bank", aliases.upserts[0].AliasTextNorm)
	assert.Equal(t, "COMI", aliases.upserts[0].Symbol)

	// The live index resolves the new name immediately.
	symbol, ok := deps.Index.Resolve("EGX", "Commercial International Bank")
	require.True(t, ok)
	assert.Equal(t, "COMI", symbol)
}

func TestRunnerEntityTransactions(t *testing.T) {
	deps, _ := newTestDeps(&stubFetcher{}, &fakeUniverse{})
	sink := deps.Sink.(*fakeSink)

	_, err := runEntities(context.Background(), deps, models.SourceProfile,
		[]string{"EGX:COMI", "EGX:ETEL"}, models.RunParams{},
		func(_ context.Context, entity string) (int, error) {
			if entity == "EGX:COMI" {
				return 0, assert.AnError
			}
			return 1, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.committed, "each clean entity commits its own transaction")
	assert.Equal(t, 1, sink.rolledBack, "a failed entity rolls back alone")

	sink.committed, sink.rolledBack = 0, 0
	_, err = runEntities(context.Background(), deps, models.SourceProfile,
		[]string{"EGX:COMI"}, models.RunParams{DryRun: true},
		func(context.Context, string) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Zero(t, sink.committed, "dry runs stay outside transactions")
}

func TestRunnerEntitiesOverlap(t *testing.T) {
	deps, _ := newTestDeps(&stubFetcher{}, &fakeUniverse{})

	arrived := make(chan string, 2)
	release := make(chan struct{})
	done := make(chan *models.RunReport, 1)
	go func() {
		report, _ := runEntities(context.Background(), deps, models.SourceProfile,
			[]string{"EGX:COMI", "EGX:ETEL"}, models.RunParams{},
			func(_ context.Context, entity string) (int, error) {
				arrived <- entity
				<-release
				return 1, nil
			})
		done <- report
	}()

	// Both entities must be in flight before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("second entity never started while the first was held")
		}
	}
	close(release)

	report := <-done
	assert.Equal(t, 2, report.EntitiesProcessed)
}

func TestEntitySlotsFollowUpstream(t *testing.T) {
	deps, _ := newTestDeps(&stubFetcher{}, &fakeUniverse{})

	for _, source := range models.AllSources {
		_, ok := sourceUpstream[source]
		assert.True(t, ok, "source %s has no upstream mapping", source)
		assert.GreaterOrEqual(t, entitySlots(deps, source), int64(1), "source %s", source)
	}

	assert.EqualValues(t, 5, entitySlots(deps, models.SourceProfile))
	deps.Config.Sources.Mubasher.Username = "analyst"
	assert.EqualValues(t, 1, entitySlots(deps, models.SourceProfile), "credentialed upstream narrows to one entity")
}
