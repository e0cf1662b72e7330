package snapshot

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	snapshotterName   = "PageSnapshotter"
	snapshotterTracer = "snapshot.extractor"

	// DefaultSelector matches links with an href, buttons, text inputs and ARIA buttons/links.
	DefaultSelector = `a[href], button, input, textarea, [contenteditable], [role="button"], [role="link"]`
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Snapshotter struct {
	logger *zap.Logger
	tracer trace.Tracer
}

type Params struct {
	fx.In

	Logger *zap.Logger
}

func NewSnapshotter(params Params) *Snapshotter {
	return &Snapshotter{
		logger: params.Logger.With(zap.String(logg.Layer, snapshotterName)),
		tracer: otel.Tracer(snapshotterTracer),
	}
}

// Extract reads the interactive elements of page. An empty selector means DefaultSelector.
func (s *Snapshotter) Extract(ctx context.Context, page ports.Page, selector string) (snap *entity.PageSnapshot, err error) {
	const op = "Extract"
	logger := s.logger.With(zap.String(logg.Operation, op))

	if selector == "" {
		selector = DefaultSelector
	}

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	script, err := Script(selector)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason:   "script_render_failed",
			apperr.MetaStage:    apperr.StageSnapshot,
			apperr.MetaSelector: selector,
		})
	}

	raw, err := page.EvaluateString(ctx, script)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodePageUnavailable, err, map[string]any{
			apperr.MetaReason: "evaluate_failed",
			apperr.MetaStage:  apperr.StageSnapshot,
			apperr.MetaURL:    page.URL(),
		})
	}

	snap, dropped, err := Decode(raw)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "decode_failed",
			apperr.MetaStage:  apperr.StageSnapshot,
			apperr.MetaURL:    page.URL(),
		})
	}

	if dropped > 0 {
		logger.Warn("Dropped clickables with duplicate or empty ids", zap.Int("dropped", dropped))
	}

	step.SetAttributes(attribute.Int("clickables_count", len(snap.Clickables)))
	logger.Debug("Snapshot extracted",
		zap.String(logg.URL, snap.URL),
		zap.Int("clickables", len(snap.Clickables)))

	return snap, nil
}

// Decode parses the extraction script output. Rects are clamped into [0,1] and
// entries whose id is empty or already seen are dropped; the drop count is returned.
func Decode(raw string) (*entity.PageSnapshot, int, error) {
	if raw == "" {
		return nil, 0, fmt.Errorf("empty snapshot payload")
	}

	var snap entity.PageSnapshot
	if err := json.UnmarshalFromString(raw, &snap); err != nil {
		return nil, 0, err
	}

	seen := make(map[string]struct{}, len(snap.Clickables))
	clickables := make([]entity.Clickable, 0, len(snap.Clickables))
	dropped := 0

	for _, c := range snap.Clickables {
		if c.ID == "" {
			dropped++
			continue
		}

		if _, dup := seen[c.ID]; dup {
			dropped++
			continue
		}

		seen[c.ID] = struct{}{}
		c.Rect = clampRect(c.Rect)
		clickables = append(clickables, c)
	}

	snap.Clickables = clickables

	return &snap, dropped, nil
}

func clampRect(r entity.Rect) entity.Rect {
	return entity.Rect{X: clamp01(r.X), Y: clamp01(r.Y), W: clamp01(r.W), H: clamp01(r.H)}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
