//go:build integration

package snapshot

import (
	"ai-browser-control/internal/entity"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `<!doctype html>
<html><head><title>Fixture</title></head><body>
	<a href="/home">Home</a>
	<button aria-label="Close dialog">x</button>
	<label for="q">Search</label><input id="q" type="search">
	<input type="password" name="secret">
	<input type="hidden" name="csrf" value="t">
	<button disabled>Disabled</button>
	<button style="display:none">Hidden</button>
	<button style="opacity:0.01">Faint</button>
	<div contenteditable="true">Notes</div>
	<span role="button" data-agent-id="e7">Custom</span>
	<textarea placeholder="Message"></textarea>
</body></html>`

type playwrightPage struct {
	playwright.Page
}

func (p playwrightPage) EvaluateString(_ context.Context, script string) (string, error) {
	v, err := p.Evaluate(script)
	if err != nil {
		return "", err
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected result %T", v)
	}

	return s, nil
}

func (playwrightPage) ClickMarker(context.Context, string) error              { return nil }
func (playwrightPage) TypeText(context.Context, string, string, string) error { return nil }
func (playwrightPage) ScrollBy(context.Context, int) error                    { return nil }
func (playwrightPage) Navigate(context.Context, string) error                 { return nil }
func (playwrightPage) Readiness(context.Context) (entity.PageReadiness, error) {
	return entity.PageReadiness{}, nil
}

func newFixturePage(t *testing.T) playwrightPage {
	t.Helper()

	pw, err := playwright.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pw.Stop() })

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(true)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = browser.Close() })

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	})
	require.NoError(t, err)
	require.NoError(t, page.SetContent(fixture))

	return playwrightPage{Page: page}
}

func TestIntegration_ExtractFiltersAndLabels(t *testing.T) {
	page := newFixturePage(t)

	snap, err := newTestSnapshotter().Extract(context.Background(), page, "")
	require.NoError(t, err)

	labels := make(map[string]string)
	for _, c := range snap.Clickables {
		labels[c.Label] = c.Role
	}

	assert.Equal(t, "Fixture", snap.Title)
	assert.Equal(t, map[string]string{
		"Home":         "link",
		"Close dialog": "button",
		"Search":       "textbox",
		"Notes":        "textbox",
		"Custom":       "button",
		"Message":      "textbox",
	}, labels)

	custom, ok := snap.Find("e7")
	require.True(t, ok)
	assert.Equal(t, "Custom", custom.Label)
}

func TestIntegration_IDsAreIdempotent(t *testing.T) {
	page := newFixturePage(t)
	s := newTestSnapshotter()

	first, err := s.Extract(context.Background(), page, "")
	require.NoError(t, err)

	second, err := s.Extract(context.Background(), page, "")
	require.NoError(t, err)

	assert.Equal(t, first.Clickables, second.Clickables)

	seen := make(map[string]bool)
	for _, c := range first.Clickables {
		assert.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
	}
}

func TestIntegration_ClonedMarkerIsReassigned(t *testing.T) {
	page := newFixturePage(t)
	s := newTestSnapshotter()

	first, err := s.Extract(context.Background(), page, "")
	require.NoError(t, err)

	_, err = page.Evaluate(`document.body.appendChild(document.querySelector('a[href]').cloneNode(true))`)
	require.NoError(t, err)

	second, err := s.Extract(context.Background(), page, "")
	require.NoError(t, err)
	require.Len(t, second.Clickables, len(first.Clickables)+1)

	home, ok := first.Find(first.Clickables[0].ID)
	require.True(t, ok)

	ids := make(map[string]int)
	for _, c := range second.Clickables {
		ids[c.ID]++
	}

	assert.Equal(t, 1, ids[home.ID])
	assert.Equal(t, home, second.Clickables[0])
}

func TestIntegration_LongLabelsAreKeptWhole(t *testing.T) {
	page := newFixturePage(t)

	label := strings.Repeat("Review the items in your basket. ", 8) + "Then go to checkout"
	require.NoError(t, page.SetContent(`<button>`+label+`</button>`))

	snap, err := newTestSnapshotter().Extract(context.Background(), page, "")
	require.NoError(t, err)
	require.Len(t, snap.Clickables, 1)
	assert.Equal(t, label, snap.Clickables[0].Label)
}
