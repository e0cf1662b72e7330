package snapshot

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/pkg/apperr"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type evalPage struct {
	payload string
	err     error
	scripts []string
}

func (p *evalPage) EvaluateString(_ context.Context, script string) (string, error) {
	p.scripts = append(p.scripts, script)

	return p.payload, p.err
}

func (p *evalPage) ClickMarker(context.Context, string) error              { return nil }
func (p *evalPage) TypeText(context.Context, string, string, string) error { return nil }
func (p *evalPage) ScrollBy(context.Context, int) error                    { return nil }
func (p *evalPage) Navigate(context.Context, string) error                 { return nil }
func (p *evalPage) URL() string                                            { return "https://example.com/" }
func (p *evalPage) Readiness(context.Context) (entity.PageReadiness, error) {
	return entity.PageReadiness{}, nil
}

func newTestSnapshotter() *Snapshotter {
	return NewSnapshotter(Params{Logger: zap.NewNop()})
}

func TestExtract_DecodesPayload(t *testing.T) {
	page := &evalPage{payload: `{
		"url": "https://example.com/",
		"title": "Example",
		"clickables": [
			{"id":"e1","role":"link","label":"More information","rect":{"x":0.1,"y":0.2,"w":0.3,"h":0.05},"href":"https://iana.org/","tag":"a","disabled":false},
			{"id":"e2","role":"textbox","label":"Search","rect":{"x":-0.2,"y":1.4,"w":2,"h":0.1},"tag":"input","disabled":false}
		]
	}`}

	snap, err := newTestSnapshotter().Extract(context.Background(), page, "")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/", snap.URL)
	assert.Equal(t, "Example", snap.Title)
	require.Len(t, snap.Clickables, 2)

	assert.Equal(t, entity.Clickable{
		ID:    "e1",
		Role:  "link",
		Label: "More information",
		Rect:  entity.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.05},
		Href:  "https://iana.org/",
		Tag:   "a",
	}, snap.Clickables[0])
	assert.Equal(t, entity.Rect{X: 0, Y: 1, W: 1, H: 0.1}, snap.Clickables[1].Rect)
}

func TestExtract_UsesDefaultSelectorAndMarker(t *testing.T) {
	page := &evalPage{payload: `{"url":"about:blank","title":"","clickables":[]}`}

	_, err := newTestSnapshotter().Extract(context.Background(), page, "")
	require.NoError(t, err)

	require.Len(t, page.scripts, 1)
	assert.Contains(t, page.scripts[0], `"a[href], button, input, textarea, [contenteditable], [role=\"button\"], [role=\"link\"]"`)
	assert.Contains(t, page.scripts[0], `"`+entity.MarkerAttribute+`"`)

	_, err = newTestSnapshotter().Extract(context.Background(), page, "#checkout button")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(page.scripts[1], `("#checkout button", "data-agent-id")`))
}

func TestExtract_EmptyResultIsValid(t *testing.T) {
	page := &evalPage{payload: `{"url":"https://example.com/","title":"Empty","clickables":null}`}

	snap, err := newTestSnapshotter().Extract(context.Background(), page, "")
	require.NoError(t, err)
	assert.NotNil(t, snap.Clickables)
	assert.Empty(t, snap.Clickables)
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name     string
		page     *evalPage
		wantCode string
	}{
		{name: "evaluate error", page: &evalPage{err: errors.New("target closed")}, wantCode: apperr.CodePageUnavailable},
		{name: "empty payload", page: &evalPage{payload: ""}, wantCode: apperr.CodeInternal},
		{name: "garbage payload", page: &evalPage{payload: "undefined"}, wantCode: apperr.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestSnapshotter().Extract(context.Background(), tt.page, "")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))

			stage, ok := apperr.MetaOf(err, apperr.MetaStage)
			require.True(t, ok)
			assert.Equal(t, apperr.StageSnapshot, stage)
		})
	}
}

func TestDecode_DropsDuplicateAndEmptyIDs(t *testing.T) {
	snap, dropped, err := Decode(`{"url":"u","title":"t","clickables":[
		{"id":"e1","label":"first"},
		{"id":"","label":"no id"},
		{"id":"e1","label":"clone"},
		{"id":"e3","label":"third"}
	]}`)
	require.NoError(t, err)

	assert.Equal(t, 2, dropped)
	require.Len(t, snap.Clickables, 2)
	assert.Equal(t, "first", snap.Clickables[0].Label)
	assert.Equal(t, "e3", snap.Clickables[1].ID)
}
