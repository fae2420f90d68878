package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
)

// Browser is the full-browser fetch path, backed by one headless Chrome
// process shared by all sources. The process starts on first use and is
// torn down after the idle timeout; a session's cookies are injected into
// the page before navigation so the browser rides the same warm state as
// the HTTP client.
type Browser struct {
	config *common.Config
	logger *common.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	idleTimer     *time.Timer
}

var _ interfaces.BrowserDriver = (*Browser)(nil)

// NewBrowser creates the driver without starting a browser process.
func NewBrowser(config *common.Config, logger *common.Logger) *Browser {
	return &Browser{config: config, logger: logger}
}

// ensure starts the browser process if needed and returns the root context
// new tabs hang off.
func (b *Browser) ensure() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		b.resetIdleLocked()
		return b.browserCtx, nil
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	if !b.config.Browser.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if path := b.config.Browser.BinaryPath; path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Launch eagerly so a missing binary fails here, not mid-ingest.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.resetIdleLocked()
	b.logger.Info().Msg("browser process started")
	return browserCtx, nil
}

func (b *Browser) resetIdleLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
	}
	b.idleTimer = time.AfterFunc(b.config.Browser.GetIdleTimeout(), func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closeLocked()
		b.logger.Info().Msg("browser released after idle timeout")
	})
}

func (b *Browser) closeLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	b.browserCtx = nil
}

// Close tears the browser process down immediately.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// assetPatterns are the resource URLs suppressed when a fetch asks for
// parse-only HTML.
var assetPatterns = []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.webp", "*.woff", "*.woff2", "*.ttf", "*.css"}

// FetchHTML navigates to req.URL in a fresh tab, waits for the document to
// settle and returns the rendered HTML.
func (b *Browser) FetchHTML(ctx context.Context, session interfaces.SessionHandle, req *interfaces.FetchRequest) ([]byte, error) {
	pageURL := req.URL

	actions := make([]chromedp.Action, 0, 4)
	if req.BlockAssets {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetBlockedURLS(assetPatterns).Do(ctx)
		}))
	}
	var html string
	actions = append(actions,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := b.runTab(ctx, session, pageURL, actions...); err != nil {
		return nil, err
	}

	body := []byte(html)
	if IsChallenge(200, map[string][]string{"Content-Type": {"text/html"}}, body) {
		return nil, &Error{Category: CategoryChallenge, URL: pageURL}
	}
	return body, nil
}

// ExtractChartSeries reads a chart's in-memory series after the page's
// scripts have initialised it. When maxRangeSelector is non-empty it is
// clicked first to force the chart to load full history.
func (b *Browser) ExtractChartSeries(ctx context.Context, session interfaces.SessionHandle, pageURL, seriesExpr, maxRangeSelector string) ([]interfaces.ChartPoint, error) {
	actions := []chromedp.Action{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if maxRangeSelector != "" {
		actions = append(actions,
			chromedp.Click(maxRangeSelector, chromedp.ByQuery),
			chromedp.Sleep(2*time.Second), // let the chart re-fetch its data
		)
	}

	var raw json.RawMessage
	actions = append(actions, chromedp.Evaluate(seriesExpr, &raw))

	if err := b.runTab(ctx, session, pageURL, actions...); err != nil {
		return nil, err
	}

	points, err := parseChartPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("chart series at %s: %w", pageURL, err)
	}
	return points, nil
}

// runTab executes actions in a fresh tab with the session's cookies and the
// configured page timeout.
func (b *Browser) runTab(ctx context.Context, session interfaces.SessionHandle, pageURL string, actions ...chromedp.Action) error {
	browserCtx, err := b.ensure()
	if err != nil {
		return &Error{Category: CategoryNetwork, URL: pageURL, Err: err}
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, b.config.Browser.GetPageTimeout())
	defer timeoutCancel()

	// Honour the caller's cancellation alongside the page timeout.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	all := append([]chromedp.Action{b.injectCookies(session, pageURL)}, actions...)
	if err := chromedp.Run(tabCtx, all...); err != nil {
		category := CategoryNetwork
		if tabCtx.Err() == context.DeadlineExceeded || ctx.Err() != nil {
			category = CategoryTimeout
		}
		b.logger.Warn().Str("source", session.Source()).Str("url", pageURL).Str("category", category).Err(err).Msg("browser fetch failed")
		return &Error{Category: category, URL: pageURL, Err: err}
	}

	b.mu.Lock()
	b.resetIdleLocked()
	b.mu.Unlock()
	return nil
}

func (b *Browser) injectCookies(session interfaces.SessionHandle, pageURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		parsed, err := url.Parse(pageURL)
		if err != nil {
			return err
		}
		jar := session.Jar()
		if jar == nil {
			return nil
		}
		for _, cookie := range jar.Cookies(parsed) {
			err := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(parsed.Hostname()).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
			}
		}
		return nil
	})
}

// parseChartPayload accepts the two shapes chart objects serialise to:
// [[ts, value], …] and [{x: ts, y: value}, …].
func parseChartPayload(raw json.RawMessage) ([]interfaces.ChartPoint, error) {
	var pairs [][2]float64
	if err := json.Unmarshal(raw, &pairs); err == nil {
		points := make([]interfaces.ChartPoint, 0, len(pairs))
		for _, p := range pairs {
			points = append(points, interfaces.ChartPoint{TimestampMS: int64(p[0]), Value: p[1]})
		}
		return points, nil
	}

	var objs []struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("unrecognised series shape: %w", err)
	}
	points := make([]interfaces.ChartPoint, 0, len(objs))
	for _, o := range objs {
		points = append(points, interfaces.ChartPoint{TimestampMS: int64(o.X), Value: o.Y})
	}
	return points, nil
}
