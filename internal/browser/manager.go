package browser

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	browserManagerName = "BrowserManager"
	browserTracer      = "browser.manager"
	clickTimeout       = 5000
)

var errBrowserNotReady = errors.New("browser is not launched")

// Manager drives Chromium through playwright and serves its active tab as a ports.Page.
type Manager struct {
	config         *config.Config
	logger         *zap.Logger
	tracer         trace.Tracer
	playwright     *playwright.Playwright
	browser        playwright.Browser
	browserContext playwright.BrowserContext

	mu      sync.Mutex
	page    playwright.Page
	ready   bool
	loading atomic.Bool
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewManager(params Params) *Manager {
	return &Manager{
		config: params.Config,
		logger: params.Logger.With(zap.String(logg.Layer, browserManagerName)),
		tracer: otel.Tracer(browserTracer),
	}
}

func (m *Manager) Launch(ctx context.Context) (err error) {
	const op = "Launch"
	logger := m.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Launching browser...")

	if m.config.BrowserConfig.Install {
		step.AddEvent("installing playwright")

		err = playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
		if err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "playwright_install_failed",
				apperr.MetaStage:  apperr.StageBrowser,
			})
		}
	}

	step.AddEvent("starting playwright")

	pw, err := playwright.Run()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_start_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.playwright = pw

	if m.config.BrowserConfig.UserDataDir != "" {
		return m.launchPersistent(ctx)
	}

	return m.launchNew(ctx)
}

func (m *Manager) viewport() *playwright.Size {
	return &playwright.Size{
		Width:  m.config.BrowserConfig.ViewportWidth,
		Height: m.config.BrowserConfig.ViewportHeight,
	}
}

func (m *Manager) launchPersistent(ctx context.Context) (err error) {
	const op = "launchPersistent"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	userDataDir := m.config.BrowserConfig.UserDataDir
	logger.Info("Launching persistent browser context", zap.String("user_data_dir", userDataDir))

	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "mkdir_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	browserContext, err := m.playwright.Chromium.LaunchPersistentContext(userDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(m.config.BrowserConfig.Headless),
		SlowMo:            playwright.Float(float64(m.config.BrowserConfig.SlowMo)),
		Viewport:          m.viewport(),
		JavaScriptEnabled: playwright.Bool(true),
		Args:              []string{"--disable-blink-features=AutomationControlled"},
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "launch_persistent_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	m.browserContext = browserContext

	var page playwright.Page
	if pages := browserContext.Pages(); len(pages) > 0 {
		page = pages[0]
		logger.Info("Using existing page")
	} else {
		page, err = browserContext.NewPage()
		if err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "new_page_failed",
				apperr.MetaStage:  apperr.StageBrowser,
			})
		}
	}

	m.mu.Lock()
	m.attach(page)
	m.ready = true
	m.mu.Unlock()

	logger.Info("Browser launched successfully")

	return nil
}

func (m *Manager) launchNew(ctx context.Context) (err error) {
	const op = "launchNew"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Launching new browser")

	browser, err := m.playwright.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.config.BrowserConfig.Headless),
		SlowMo:   playwright.Float(float64(m.config.BrowserConfig.SlowMo)),
		Args:     []string{"--disable-blink-features=AutomationControlled"},
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_launch_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.browser = browser

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:          m.viewport(),
		JavaScriptEnabled: playwright.Bool(true),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "context_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	m.browserContext = browserContext

	page, err := browserContext.NewPage()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "page_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	m.mu.Lock()
	m.attach(page)
	m.ready = true
	m.mu.Unlock()

	logger.Info("Browser launched successfully")

	return nil
}

// attach makes page the active tab and tracks its main-frame navigation state.
// A main-frame navigation request sets loading. Load, request failure, a download or
// a response that never commits a document clears it.
func (m *Manager) attach(page playwright.Page) {
	m.page = page
	m.loading.Store(false)

	isMainNavigation := func(req playwright.Request) bool {
		return req.IsNavigationRequest() && req.Frame() == page.MainFrame()
	}

	page.OnRequest(func(req playwright.Request) {
		if isMainNavigation(req) {
			m.loading.Store(true)
		}
	})
	page.OnRequestFailed(func(req playwright.Request) {
		if isMainNavigation(req) {
			m.loading.Store(false)
		}
	})
	page.OnRequestFinished(func(req playwright.Request) {
		if !isMainNavigation(req) {
			return
		}

		resp, err := req.Response()
		if err != nil || resp == nil || !commitsDocument(resp.Status()) {
			m.loading.Store(false)
		}
	})
	page.OnDownload(func(playwright.Download) {
		m.loading.Store(false)
	})
	page.OnLoad(func(playwright.Page) {
		m.loading.Store(false)
	})
}

// commitsDocument reports whether a navigation response replaces the current document.
func commitsDocument(status int) bool {
	return status != http.StatusNoContent && status != http.StatusResetContent
}

func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ready
}

func (m *Manager) Close(ctx context.Context) (err error) {
	const op = "Close"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()

	logger.Info("Closing browser...")

	if m.browserContext != nil {
		if err := m.browserContext.Close(); err != nil {
			logger.Warn("Failed to close context", zap.Error(err))
		}
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}

	if m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "playwright_stop_failed",
				apperr.MetaStage:  apperr.StageBrowser,
			})
		}
	}

	logger.Info("Browser closed")

	return nil
}

// Page returns the active tab, reconnecting to another open tab if it was closed.
func (m *Manager) Page(ctx context.Context) (ports.Page, error) {
	const op = "Page"

	if _, err := m.activePage(); err != nil {
		return nil, apperr.Wrap(op, apperr.CodePageUnavailable, err, map[string]any{
			apperr.MetaReason: "page_not_active",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	return m, nil
}

func (m *Manager) activePage() (playwright.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready || m.browserContext == nil {
		return nil, errBrowserNotReady
	}

	if m.page != nil && !m.page.IsClosed() {
		return m.page, nil
	}

	m.logger.Info("Page closed, reconnecting to active page...")

	for _, p := range m.browserContext.Pages() {
		if !p.IsClosed() {
			m.attach(p)
			m.logger.Info("Reconnected to existing page")

			return p, nil
		}
	}

	page, err := m.browserContext.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	m.attach(page)
	m.logger.Info("Created new page")

	return page, nil
}

func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page == nil {
		return ""
	}

	return m.page.URL()
}

func (m *Manager) EvaluateString(_ context.Context, script string) (string, error) {
	page, err := m.activePage()
	if err != nil {
		return "", err
	}

	result, err := page.Evaluate(script)
	if err != nil {
		return "", err
	}

	s, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("script returned %T, want string", result)
	}

	return s, nil
}

func (m *Manager) Readiness(ctx context.Context) (entity.PageReadiness, error) {
	raw, err := m.EvaluateString(ctx, readinessScript)
	if err != nil {
		return entity.PageReadiness{Loading: m.loading.Load()}, err
	}

	return decodeReadiness(raw, m.loading.Load())
}

// ClickMarker tries a trusted locator click first and falls back to a forced
// click and finally a DOM click() for elements covered by overlays.
func (m *Manager) ClickMarker(ctx context.Context, id string) (err error) {
	const op = "ClickMarker"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.ElementID, id))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("element_id", id))
	defer func() {
		step.End(err)
	}()

	page, err := m.activePage()
	if err != nil {
		return err
	}

	script, err := renderScrollIntoView(id)
	if err != nil {
		return err
	}

	res, err := m.EvaluateString(ctx, script)
	if err != nil {
		return err
	}

	if res == resultMissing {
		return fmt.Errorf("marker %s: %w", id, ports.ErrElementNotFound)
	}

	locator := page.Locator(markerSelector(id))

	strategies := []struct {
		name string
		fn   func() error
	}{
		{
			name: "locator_click",
			fn: func() error {
				return locator.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(clickTimeout)})
			},
		},
		{
			name: "force_click",
			fn: func() error {
				return locator.Click(playwright.LocatorClickOptions{
					Timeout: playwright.Float(clickTimeout),
					Force:   playwright.Bool(true),
				})
			},
		},
		{
			name: "js_click",
			fn: func() error {
				script, err := renderClick(id)
				if err != nil {
					return err
				}

				res, err := m.EvaluateString(ctx, script)
				if err != nil {
					return err
				}

				if res == resultMissing {
					return fmt.Errorf("marker %s: %w", id, ports.ErrElementNotFound)
				}

				return nil
			},
		},
	}

	var lastErr error
	for _, strategy := range strategies {
		step.AddEvent("trying strategy: " + strategy.name)

		if lastErr = strategy.fn(); lastErr == nil {
			return nil
		}

		logger.Warn("Click strategy failed", zap.String("strategy", strategy.name), zap.Error(lastErr))
	}

	return apperr.Wrap(op, apperr.CodeActionFailed, lastErr, map[string]any{
		apperr.MetaReason:    "click_failed_all_strategies",
		apperr.MetaStage:     apperr.StageInteraction,
		apperr.MetaElementID: id,
	})
}

func (m *Manager) TypeText(ctx context.Context, id, selector, text string) (err error) {
	const op = "TypeText"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.ElementID, id), zap.String(logg.Selector, selector))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op,
		attribute.String("element_id", id),
		attribute.String("selector", selector),
		attribute.Int("text_length", len(text)))
	defer func() {
		step.End(err)
	}()

	script, err := renderType(id, selector, text)
	if err != nil {
		return err
	}

	res, err := m.EvaluateString(ctx, script)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "type_failed",
			apperr.MetaStage:  apperr.StageInteraction,
		})
	}

	return typeResult(id, selector, res)
}

func (m *Manager) ScrollBy(ctx context.Context, dy int) (err error) {
	const op = "ScrollBy"
	logger := m.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.Int("dy", dy))
	defer func() {
		step.End(err)
	}()

	if _, err = m.EvaluateString(ctx, renderScroll(dy)); err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "scroll_failed",
			apperr.MetaStage:  apperr.StageInteraction,
		})
	}

	return nil
}

func (m *Manager) Navigate(ctx context.Context, url string) (err error) {
	const op = "Navigate"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.URL, url))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("url", url))
	defer func() {
		step.End(err)
	}()

	page, err := m.activePage()
	if err != nil {
		return err
	}

	step.AddEvent("navigating to URL")

	_, err = page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(m.config.BrowserConfig.Timeout)),
		WaitUntil: playwright.WaitUntilStateCommit,
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "goto_failed",
			apperr.MetaStage:  apperr.StageNavigation,
			apperr.MetaURL:    url,
		})
	}

	return nil
}

func typeResult(id, selector, res string) error {
	switch res {
	case resultOK:
		return nil
	case resultMissing:
		return fmt.Errorf("target %q: %w", targetOf(id, selector), ports.ErrElementNotFound)
	case resultNotEditable:
		return fmt.Errorf("target %q is not editable", targetOf(id, selector))
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

func targetOf(id, selector string) string {
	if id != "" {
		return id
	}

	return selector
}
