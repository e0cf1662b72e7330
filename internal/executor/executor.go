package executor

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/metrics"
	"ai-browser-control/internal/parser"
	"ai-browser-control/internal/ports"
	"ai-browser-control/internal/readiness"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	executorName   = "ActionExecutor"
	executorTracer = "executor.actions"

	DefaultMaxActions   = 3
	DefaultReadyTimeout = 8 * time.Second
)

// Options are the per-run inputs of an execution.
type Options struct {
	RunID          uuid.UUID
	MaxActions     int
	AllowSensitive bool
	ReadyTimeout   time.Duration
}

// Result is the terminal outcome of one execution.
type Result struct {
	State          entity.RunState
	Steps          []entity.StepRecord
	Summary        string
	Question       string
	BlockedTerm    string
	ClickableCount int
	Dropped        int
}

// Executor starts a fresh state machine for every plan it executes.
type Executor struct {
	logger      *zap.Logger
	tracer      trace.Tracer
	snapshotter ports.Snapshotter
	waiter      *readiness.Waiter
	audit       ports.AuditSink
	metrics     *metrics.Collector
	now         func() time.Time
}

type Params struct {
	fx.In

	Logger      *zap.Logger
	Snapshotter ports.Snapshotter
	Waiter      *readiness.Waiter
	Audit       ports.AuditSink
	Metrics     *metrics.Collector `optional:"true"`
}

func NewExecutor(params Params) *Executor {
	return &Executor{
		logger:      params.Logger.With(zap.String(logg.Layer, executorName)),
		tracer:      otel.Tracer(executorTracer),
		snapshotter: params.Snapshotter,
		waiter:      params.Waiter,
		audit:       params.Audit,
		metrics:     params.Metrics,
		now:         time.Now,
	}
}

// Execute runs plan against page one action at a time, starting from snapshot.
// The returned error is non-nil only when the run ends in RunStateFailed.
func (e *Executor) Execute(ctx context.Context, plan *entity.ActionPlan, page ports.Page, snapshot *entity.PageSnapshot, opts Options) (res *Result, err error) {
	const op = "Execute"
	logger := e.logger.With(zap.String(logg.Operation, op), zap.String(logg.RunID, opts.RunID.String()))

	if opts.MaxActions <= 0 {
		opts.MaxActions = DefaultMaxActions
	}

	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}

	if plan == nil {
		plan = &entity.ActionPlan{}
	}

	if snapshot == nil {
		snapshot = &entity.PageSnapshot{}
	}

	ctx, step := tracing.StartSpan(ctx, e.tracer, logger, op,
		attribute.Int("actions_count", len(plan.Actions)),
		attribute.Int("max_actions", opts.MaxActions),
		attribute.Bool("allow_sensitive", opts.AllowSensitive))
	defer func() {
		step.End(err)
	}()

	m := &machine{
		exec:     e,
		logger:   logger,
		step:     step,
		page:     page,
		opts:     opts,
		current:  snapshot,
		state:    entity.RunStateIdle,
		result:   &Result{},
		clickCnt: len(snapshot.Clickables),
	}

	err = m.run(ctx, plan.Actions)
	m.result.State = m.state
	m.result.ClickableCount = m.clickCnt

	step.SetAttributes(
		attribute.String("state", string(m.state)),
		attribute.Int("steps", len(m.result.Steps)))

	return m.result, err
}

// machine is a single-use run: Idle → Running → {Completed, Blocked, Failed, Cancelled}.
type machine struct {
	exec     *Executor
	logger   *zap.Logger
	step     *tracing.Span
	page     ports.Page
	opts     Options
	current  *entity.PageSnapshot
	state    entity.RunState
	result   *Result
	clickCnt int
}

// transition refuses to leave a terminal state.
func (m *machine) transition(to entity.RunState) bool {
	if m.state.Terminal() {
		return false
	}

	m.logger.Debug("State transition", zap.String("from", string(m.state)), zap.String(logg.State, string(to)))
	m.state = to

	return true
}

func (m *machine) run(ctx context.Context, actions []entity.AgentAction) error {
	m.transition(entity.RunStateRunning)

	if dropped := len(actions) - m.opts.MaxActions; dropped > 0 {
		m.result.Dropped = dropped
		m.exec.audit.Append(entity.LogKindWarning,
			fmt.Sprintf("Plan has %d actions, running the first %d", len(actions), m.opts.MaxActions),
			m.fields(map[string]any{"dropped": dropped}))
		actions = actions[:m.opts.MaxActions]
	}

	for i, action := range actions {
		if ctx.Err() != nil {
			m.cancel(i)

			return nil
		}

		stop, err := m.perform(ctx, i, action)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				m.cancel(i + 1)

				return nil
			}

			m.fail(i, action, err)

			return err
		}

		if stop {
			return nil
		}
	}

	if m.transition(entity.RunStateCompleted) {
		m.exec.audit.Append(entity.LogKindResult,
			fmt.Sprintf("Executed %d action(s)", len(m.result.Steps)),
			m.fields(map[string]any{"clickables": m.clickCnt}))
	}

	return nil
}

// perform executes one action. stop reports that the run reached a terminal state.
func (m *machine) perform(ctx context.Context, index int, action entity.AgentAction) (stop bool, err error) {
	kind := action.Kind()
	logger := m.logger.With(zap.String(logg.Action, string(kind)), zap.Int("index", index))

	// Page side effects complete even if the run is cancelled meanwhile.
	sideCtx := context.WithoutCancel(ctx)

	var (
		summary   string
		elementID string
	)

	switch a := action.(type) {
	case entity.ClickAction:
		elementID = a.ID

		target, ok := m.current.Find(a.ID)
		if !ok {
			return false, m.notFound(index, a.ID, "")
		}

		if !m.opts.AllowSensitive {
			if term, hit := MatchSensitive(target.Label); hit {
				m.block(index, target, term)

				return true, nil
			}
		}

		if err := m.page.ClickMarker(sideCtx, a.ID); err != nil {
			return false, m.sideEffectError(index, a.ID, "", err)
		}

		summary = fmt.Sprintf("clicked %s: %q", a.ID, target.Label)
	case entity.TypeAction:
		elementID = a.ID
		label := a.Selector

		if a.ID != "" {
			target, ok := m.current.Find(a.ID)
			if !ok {
				return false, m.notFound(index, a.ID, a.Selector)
			}

			label = target.Label
		}

		if err := m.page.TypeText(sideCtx, a.ID, a.Selector, a.Text); err != nil {
			return false, m.sideEffectError(index, a.ID, a.Selector, err)
		}

		summary = fmt.Sprintf("typed %d chars into %s: %q", len([]rune(a.Text)), targetName(a.ID, a.Selector), label)
	case entity.ScrollAction:
		if err := m.page.ScrollBy(sideCtx, a.Delta()); err != nil {
			return false, m.sideEffectError(index, "", "", err)
		}

		summary = fmt.Sprintf("scrolled %s %dpx", a.Direction, a.Amount)
	case entity.WaitAction:
		if err := sleep(ctx, time.Duration(a.Ms)*time.Millisecond); err != nil {
			return false, err
		}

		summary = fmt.Sprintf("waited %dms", a.Ms)
	case entity.NavigateAction:
		if err := parser.ValidateNavigationURL(a.URL); err != nil {
			return false, apperr.Wrap("navigate", apperr.CodeDisallowedScheme, err, map[string]any{
				apperr.MetaStage: apperr.StageNavigation,
				apperr.MetaURL:   a.URL,
				apperr.MetaIndex: index,
			})
		}

		if err := m.page.Navigate(sideCtx, a.URL); err != nil {
			return false, m.sideEffectError(index, "", "", err)
		}

		summary = "navigated to " + a.URL
	case entity.AskUserAction:
		m.record(index, kind, "", "asked: "+a.Question)
		m.result.Question = a.Question
		m.transition(entity.RunStateCompleted)
		m.exec.audit.Append(entity.LogKindResult, "Waiting for user: "+a.Question, m.fields(nil))

		return true, nil
	case entity.DoneAction:
		m.record(index, kind, "", "done: "+a.Summary)
		m.result.Summary = a.Summary
		m.transition(entity.RunStateCompleted)
		m.exec.audit.Append(entity.LogKindResult, "Done: "+a.Summary, m.fields(nil))

		return true, nil
	default:
		return false, apperr.WrapErrorWithReason("perform", apperr.CodeInternal, fmt.Sprintf("unsupported action %T", action))
	}

	m.exec.metrics.RecordAction(string(kind))
	m.step.AddEvent("action", attribute.String("kind", string(kind)), attribute.Int("index", index))
	logger.Info("Action performed", zap.String("summary", summary))

	if kind != entity.ActionKindWait {
		if err := m.settle(ctx); err != nil {
			// The page already changed, so the step is kept in the trail.
			m.logAction(index, kind, elementID, summary, false)

			return false, err
		}
	}

	m.logAction(index, kind, elementID, summary, true)

	return false, nil
}

func (m *machine) logAction(index int, kind entity.ActionKind, elementID, summary string, settled bool) {
	m.record(index, kind, elementID, summary)
	m.exec.audit.Append(entity.LogKindAction, summary, m.fields(map[string]any{
		"index":      index,
		"kind":       string(kind),
		"clickables": m.clickCnt,
		"settled":    settled,
	}))
}

// settle waits for the page to become ready again and replaces the current snapshot.
func (m *machine) settle(ctx context.Context) error {
	if err := m.exec.waiter.Wait(ctx, m.page, m.opts.ReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return ReadinessError("settle", err, m.page.URL())
	}

	snap, err := m.exec.snapshotter.Extract(ctx, m.page, "")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	m.current = snap
	m.clickCnt = len(snap.Clickables)

	return nil
}

func (m *machine) record(index int, kind entity.ActionKind, elementID, summary string) {
	m.result.Steps = append(m.result.Steps, entity.StepRecord{
		Index:          index,
		Kind:           kind,
		ElementID:      elementID,
		Summary:        summary,
		ClickableCount: m.clickCnt,
		Timestamp:      m.exec.now(),
	})
}

func (m *machine) block(index int, target entity.Clickable, term string) {
	m.result.BlockedTerm = term
	m.transition(entity.RunStateBlocked)
	m.exec.audit.Append(entity.LogKindWarning,
		fmt.Sprintf("Blocked sensitive click on %s: %q matches %q", target.ID, target.Label, term),
		m.fields(map[string]any{
			"index":              index,
			"code":               apperr.CodeSensitiveBlocked,
			apperr.MetaElementID: target.ID,
			apperr.MetaTerm:      term,
		}))
}

func (m *machine) cancel(next int) {
	if m.transition(entity.RunStateCancelled) {
		m.exec.audit.Append(entity.LogKindWarning, "Run cancelled",
			m.fields(map[string]any{
				"code":            apperr.CodeCancelled,
				"completed_steps": len(m.result.Steps),
				"next_index":      next,
			}))
	}
}

func (m *machine) fail(index int, action entity.AgentAction, err error) {
	if m.transition(entity.RunStateFailed) {
		m.exec.audit.Append(entity.LogKindError,
			fmt.Sprintf("Action %d (%s) failed: %v", index, action.Kind(), err),
			m.fields(map[string]any{"index": index, "code": apperr.CodeOf(err)}))
	}
}

func (m *machine) fields(extra map[string]any) map[string]any {
	f := map[string]any{logg.RunID: m.opts.RunID.String()}
	for k, v := range extra {
		f[k] = v
	}

	return f
}

func (m *machine) notFound(index int, id, selector string) error {
	return apperr.Wrap("perform", apperr.CodeElementNotFound,
		fmt.Errorf("%w: %s is not in the current snapshot", ports.ErrElementNotFound, id),
		map[string]any{
			apperr.MetaStage:     apperr.StageExecution,
			apperr.MetaElementID: id,
			apperr.MetaSelector:  selector,
			apperr.MetaIndex:     index,
			apperr.MetaURL:       m.page.URL(),
		})
}

func (m *machine) sideEffectError(index int, id, selector string, err error) error {
	code := apperr.CodeActionFailed
	if errors.Is(err, ports.ErrElementNotFound) {
		code = apperr.CodeElementNotFound
	}

	return apperr.Wrap("perform", code, err, map[string]any{
		apperr.MetaStage:     apperr.StageInteraction,
		apperr.MetaElementID: id,
		apperr.MetaSelector:  selector,
		apperr.MetaIndex:     index,
		apperr.MetaURL:       m.page.URL(),
	})
}

// ReadinessError maps a readiness timeout to its apperr code.
func ReadinessError(op string, err error, url string) error {
	code := apperr.CodePageNotReady

	switch {
	case errors.Is(err, readiness.ErrNotLaidOut):
		code = apperr.CodeNotLaidOut
	case errors.Is(err, readiness.ErrStillLoading):
		code = apperr.CodeStillLoading
	}

	return apperr.Wrap(op, code, err, map[string]any{
		apperr.MetaStage: apperr.StageReadiness,
		apperr.MetaURL:   url,
	})
}

func targetName(id, selector string) string {
	if id != "" {
		return id
	}

	return selector
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
