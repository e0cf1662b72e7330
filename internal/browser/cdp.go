package browser

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	cdpManagerName = "CDPManager"
	cdpTracer      = "browser.cdp"
)

// CDPManager drives Chromium over the DevTools protocol with chromedp.
// Loading state comes from Page.frameStartedLoading/frameStoppedLoading on the main frame.
type CDPManager struct {
	config *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tabCtx      context.Context

	mu        sync.Mutex
	mainFrame cdp.FrameID
	url       string
	ready     bool
	loading   atomic.Bool
}

func NewCDPManager(params Params) *CDPManager {
	return &CDPManager{
		config: params.Config,
		logger: params.Logger.With(zap.String(logg.Layer, cdpManagerName)),
		tracer: otel.Tracer(cdpTracer),
	}
}

func (m *CDPManager) allocatorOptions() []chromedp.ExecAllocatorOption {
	cfg := m.config.BrowserConfig

	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		if flag, ok := opt.(chromedp.Flag); ok && flag.Name == "headless" {
			continue
		}

		opts = append(opts, opt)
	}

	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)

	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	return opts
}

func (m *CDPManager) Launch(ctx context.Context) (err error) {
	const op = "Launch"
	logger := m.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Launching browser over CDP...")

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Warnf))

	// The first Run allocates the browser and binds its lifetime to tabCtx.
	if err = chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()

		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_start_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	chromedp.ListenTarget(tabCtx, m.onEvent)

	var tree *page.FrameTree

	startCtx, cancel := context.WithTimeout(tabCtx, m.timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(startCtx,
		chromedp.EmulateViewport(int64(m.config.BrowserConfig.ViewportWidth), int64(m.config.BrowserConfig.ViewportHeight)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			tree, err = page.GetFrameTree().Do(ctx)

			return err
		}),
	)
	if err != nil {
		tabCancel()
		allocCancel()

		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_launch_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	m.mu.Lock()
	m.allocCancel = allocCancel
	m.tabCancel = tabCancel
	m.tabCtx = tabCtx
	m.mainFrame = tree.Frame.ID
	m.url = tree.Frame.URL
	m.ready = true
	m.mu.Unlock()

	logger.Info("Browser launched successfully")

	return nil
}

func (m *CDPManager) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameStartedLoading:
		if m.isMainFrame(e.FrameID) {
			m.loading.Store(true)
		}
	case *page.EventFrameStoppedLoading:
		if m.isMainFrame(e.FrameID) {
			m.loading.Store(false)
		}
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			m.mu.Lock()
			m.mainFrame = e.Frame.ID
			m.url = e.Frame.URL + e.Frame.URLFragment
			m.mu.Unlock()
		}
	case *page.EventNavigatedWithinDocument:
		if m.isMainFrame(e.FrameID) {
			m.mu.Lock()
			m.url = e.URL
			m.mu.Unlock()
		}
	}
}

func (m *CDPManager) isMainFrame(id cdp.FrameID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mainFrame == "" || m.mainFrame == id
}

func (m *CDPManager) timeout() time.Duration {
	return time.Duration(m.config.BrowserConfig.Timeout) * time.Millisecond
}

func (m *CDPManager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ready
}

func (m *CDPManager) Close(ctx context.Context) (err error) {
	const op = "Close"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	// The event listener takes mu, so chromedp is shut down outside of it.
	m.mu.Lock()
	tabCtx, tabCancel, allocCancel := m.tabCtx, m.tabCancel, m.allocCancel
	m.ready = false
	m.tabCtx, m.tabCancel, m.allocCancel = nil, nil, nil
	m.mu.Unlock()

	if tabCtx != nil {
		if err := chromedp.Cancel(tabCtx); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}

	if tabCancel != nil {
		tabCancel()
	}

	if allocCancel != nil {
		allocCancel()
	}

	logger.Info("Browser closed")

	return nil
}

func (m *CDPManager) Page(context.Context) (ports.Page, error) {
	if !m.IsReady() {
		return nil, apperr.Wrap("Page", apperr.CodePageUnavailable, errBrowserNotReady, map[string]any{
			apperr.MetaReason: "page_not_active",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	return m, nil
}

// run executes actions on the tab, bounded by the browser timeout and by ctx.
func (m *CDPManager) run(ctx context.Context, actions ...chromedp.Action) error {
	m.mu.Lock()
	tabCtx, ready := m.tabCtx, m.ready
	m.mu.Unlock()

	if !ready {
		return errBrowserNotReady
	}

	runCtx, cancel := context.WithTimeout(tabCtx, m.timeout())
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}

func (m *CDPManager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.url
}

func (m *CDPManager) EvaluateString(ctx context.Context, script string) (string, error) {
	var res string
	if err := m.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return "", err
	}

	return res, nil
}

func (m *CDPManager) Readiness(ctx context.Context) (entity.PageReadiness, error) {
	raw, err := m.EvaluateString(ctx, readinessScript)
	if err != nil {
		return entity.PageReadiness{Loading: m.loading.Load()}, err
	}

	return decodeReadiness(raw, m.loading.Load())
}

func (m *CDPManager) ClickMarker(ctx context.Context, id string) (err error) {
	const op = "ClickMarker"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.ElementID, id))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("element_id", id))
	defer func() {
		step.End(err)
	}()

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

	err = m.run(ctx, chromedp.Click(markerSelector(id), chromedp.ByQuery, chromedp.NodeVisible))
	if err == nil {
		return nil
	}

	logger.Warn("Mouse click failed, falling back to DOM click", zap.Error(err))

	script, err = renderClick(id)
	if err != nil {
		return err
	}

	res, err = m.EvaluateString(ctx, script)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason:    "click_failed",
			apperr.MetaStage:     apperr.StageInteraction,
			apperr.MetaElementID: id,
		})
	}

	if res == resultMissing {
		return fmt.Errorf("marker %s: %w", id, ports.ErrElementNotFound)
	}

	return nil
}

func (m *CDPManager) TypeText(ctx context.Context, id, selector, text string) (err error) {
	const op = "TypeText"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.ElementID, id), zap.String(logg.Selector, selector))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op,
		attribute.String("element_id", id),
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

func (m *CDPManager) ScrollBy(ctx context.Context, dy int) error {
	if _, err := m.EvaluateString(ctx, renderScroll(dy)); err != nil {
		return apperr.Wrap("ScrollBy", apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "scroll_failed",
			apperr.MetaStage:  apperr.StageInteraction,
		})
	}

	return nil
}

func (m *CDPManager) Navigate(ctx context.Context, url string) (err error) {
	const op = "Navigate"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.URL, url))

	ctx, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("url", url))
	defer func() {
		step.End(err)
	}()

	m.loading.Store(true)

	err = m.run(ctx, chromedp.Navigate(url))
	if err != nil {
		m.loading.Store(false)

		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "navigate_failed",
			apperr.MetaStage:  apperr.StageNavigation,
			apperr.MetaURL:    url,
		})
	}

	return nil
}
