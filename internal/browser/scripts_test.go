package browser

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRender_EncodesArgumentsAsLiterals(t *testing.T) {
	script, err := renderType("e4", "", `say "hi"`)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(script, `("e4", "", "say \"hi\"", "data-agent-id")`), script)
}

func TestRenderScroll(t *testing.T) {
	assert.Equal(t, `((dy) => { window.scrollBy(0, dy); return 'ok'; })(-600)`, renderScroll(-600))
}

func TestMarkerSelector(t *testing.T) {
	assert.Equal(t, `[data-agent-id="e12"]`, markerSelector("e12"))
}

func TestDecodeReadiness(t *testing.T) {
	state, err := decodeReadiness(`{"width":1280,"height":720,"readyState":"interactive"}`, true)
	require.NoError(t, err)

	assert.Equal(t, entity.PageReadiness{Width: 1280, Height: 720, Loading: true, ReadyState: "interactive"}, state)
	assert.False(t, state.Ready())

	_, err = decodeReadiness("undefined", false)
	assert.Error(t, err)
}

func TestTypeResult(t *testing.T) {
	assert.NoError(t, typeResult("e1", "", resultOK))
	assert.ErrorIs(t, typeResult("e1", "", resultMissing), ports.ErrElementNotFound)

	err := typeResult("", "#bio", resultNotEditable)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrElementNotFound))
}

func TestCDPManager_TracksMainFrameEvents(t *testing.T) {
	m := NewCDPManager(Params{Config: &config.Config{BrowserConfig: &config.BrowserConfig{Timeout: 1000}}, Logger: zap.NewNop()})

	m.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://example.com/a"}})
	assert.Equal(t, "https://example.com/a", m.URL())

	m.onEvent(&page.EventFrameStartedLoading{FrameID: "child"})
	assert.False(t, m.loading.Load())

	m.onEvent(&page.EventFrameStartedLoading{FrameID: "main"})
	assert.True(t, m.loading.Load())

	m.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "main", URL: "https://ads.example.com/"}})
	assert.Equal(t, "https://example.com/a", m.URL())

	m.onEvent(&page.EventNavigatedWithinDocument{FrameID: "main", URL: "https://example.com/a#reviews"})
	assert.Equal(t, "https://example.com/a#reviews", m.URL())

	m.onEvent(&page.EventFrameStoppedLoading{FrameID: "main"})
	assert.False(t, m.loading.Load())

	_, err := m.Page(t.Context())
	assert.ErrorIs(t, err, errBrowserNotReady)
}

func TestCDPManager_CloseLetsListenerRun(t *testing.T) {
	m := NewCDPManager(Params{Config: &config.Config{BrowserConfig: &config.BrowserConfig{Timeout: 1000}}, Logger: zap.NewNop()})

	m.ready = true
	m.tabCtx = context.Background()
	m.tabCancel = func() {
		m.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "about:blank"}})
	}

	done := make(chan error, 1)
	go func() { done <- m.Close(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked the event listener")
	}

	assert.False(t, m.IsReady())
	assert.Equal(t, "about:blank", m.URL())
}

func TestCommitsDocument(t *testing.T) {
	assert.True(t, commitsDocument(http.StatusOK))
	assert.True(t, commitsDocument(http.StatusNotFound))
	assert.True(t, commitsDocument(http.StatusFound))
	assert.False(t, commitsDocument(http.StatusNoContent))
	assert.False(t, commitsDocument(http.StatusResetContent))
}
