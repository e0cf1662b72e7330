package executor

import (
	"ai-browser-control/internal/auditlog"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"ai-browser-control/internal/readiness"
	"ai-browser-control/pkg/apperr"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePage struct {
	clicks    []string
	typed     []string
	scrolls   []int
	navigates []string
	probes    int

	state    entity.PageReadiness
	onClick  func(id string)
	clickErr error
}

func newFakePage() *fakePage {
	return &fakePage{state: entity.PageReadiness{Width: 1280, Height: 720, ReadyState: "complete"}}
}

func (p *fakePage) EvaluateString(context.Context, string) (string, error) { return "", nil }

func (p *fakePage) ClickMarker(_ context.Context, id string) error {
	if p.clickErr != nil {
		return p.clickErr
	}

	p.clicks = append(p.clicks, id)
	if p.onClick != nil {
		p.onClick(id)
	}

	return nil
}

func (p *fakePage) TypeText(_ context.Context, id, selector, text string) error {
	p.typed = append(p.typed, fmt.Sprintf("%s|%s|%s", id, selector, text))

	return nil
}

func (p *fakePage) ScrollBy(_ context.Context, dy int) error {
	p.scrolls = append(p.scrolls, dy)

	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigates = append(p.navigates, url)

	return nil
}

func (p *fakePage) Readiness(context.Context) (entity.PageReadiness, error) {
	p.probes++

	return p.state, nil
}

func (p *fakePage) URL() string { return "https://shop.example.com/" }

// fakeSnapshotter returns the queued snapshots in order and then repeats the last one.
type fakeSnapshotter struct {
	queue []*entity.PageSnapshot
	calls int
}

func (s *fakeSnapshotter) Extract(context.Context, ports.Page, string) (*entity.PageSnapshot, error) {
	i := min(s.calls, len(s.queue)-1)
	s.calls++

	return s.queue[i], nil
}

func snapshotOf(clickables ...entity.Clickable) *entity.PageSnapshot {
	return &entity.PageSnapshot{URL: "https://shop.example.com/", Title: "Shop", Clickables: clickables}
}

var (
	home     = entity.Clickable{ID: "e1", Role: "link", Label: "Home", Tag: "a"}
	submit   = entity.Clickable{ID: "e2", Role: "button", Label: "Submit", Tag: "button"}
	checkout = entity.Clickable{ID: "e3", Role: "button", Label: "Proceed to Checkout", Tag: "button"}
	search   = entity.Clickable{ID: "e4", Role: "textbox", Label: "Search", Tag: "input"}
)

type harness struct {
	exec  *Executor
	audit *auditlog.Log
	snaps *fakeSnapshotter
}

func newHarness(next ...*entity.PageSnapshot) *harness {
	if len(next) == 0 {
		next = []*entity.PageSnapshot{snapshotOf(home, submit, checkout, search)}
	}

	audit := auditlog.New(auditlog.Params{Logger: zap.NewNop()})
	snaps := &fakeSnapshotter{queue: next}

	return &harness{
		exec: NewExecutor(Params{
			Logger:      zap.NewNop(),
			Snapshotter: snaps,
			Waiter:      readiness.NewWaiter(time.Millisecond),
			Audit:       audit,
		}),
		audit: audit,
		snaps: snaps,
	}
}

func opts() Options {
	return Options{RunID: uuid.New(), ReadyTimeout: 200 * time.Millisecond}
}

func plan(actions ...entity.AgentAction) *entity.ActionPlan {
	return &entity.ActionPlan{Actions: actions}
}

func entriesOf(log []entity.AgentLogEntry, kind entity.LogKind) []entity.AgentLogEntry {
	var out []entity.AgentLogEntry
	for _, e := range log {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

func TestExecute_ClickThenDoneStops(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(),
		plan(entity.ClickAction{ID: "e2"}, entity.DoneAction{Summary: "x"}, entity.ClickAction{ID: "e1"}),
		page, snapshotOf(home, submit), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCompleted, res.State)
	assert.Equal(t, []string{"e2"}, page.clicks)
	assert.Equal(t, "x", res.Summary)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, `clicked e2: "Submit"`, res.Steps[0].Summary)
	assert.Equal(t, entity.ActionKindDone, res.Steps[1].Kind)
	assert.Equal(t, 4, res.ClickableCount)
	assert.Equal(t, 1, h.snaps.calls)
}

func TestExecute_CancelAfterFirstStep(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	page.onClick = func(string) { cancel() }

	res, err := h.exec.Execute(ctx,
		plan(entity.ClickAction{ID: "e1"}, entity.ClickAction{ID: "e2"}, entity.ScrollAction{Direction: entity.ScrollDown, Amount: 300}),
		page, snapshotOf(home, submit), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCancelled, res.State)
	assert.Equal(t, []string{"e1"}, page.clicks)
	assert.Empty(t, page.scrolls)
	require.Len(t, res.Steps, 1)

	entries := h.audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, entity.LogKindWarning, last.Kind)
	assert.Equal(t, "Run cancelled", last.Message)
	assert.Equal(t, apperr.CodeCancelled, last.Fields["code"])

	actions := entriesOf(entries, entity.LogKindAction)
	require.Len(t, actions, 1)
	assert.Equal(t, `clicked e1: "Home"`, actions[0].Message)
	assert.Equal(t, false, actions[0].Fields["settled"])
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.exec.Execute(ctx, plan(entity.ClickAction{ID: "e1"}), page, snapshotOf(home), opts())
	require.NoError(t, err)
	assert.Equal(t, entity.RunStateCancelled, res.State)
	assert.Empty(t, page.clicks)
}

func TestExecute_SensitiveClickIsBlocked(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(),
		plan(entity.ClickAction{ID: "e3"}, entity.DoneAction{}),
		page, snapshotOf(checkout), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateBlocked, res.State)
	assert.Equal(t, "checkout", res.BlockedTerm)
	assert.Empty(t, page.clicks)
	assert.Zero(t, page.probes)

	warnings := entriesOf(h.audit.Entries(), entity.LogKindWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, apperr.CodeSensitiveBlocked, warnings[0].Fields["code"])
	assert.Equal(t, "checkout", warnings[0].Fields[apperr.MetaTerm])
}

func TestExecute_SensitiveTermLateInLongLabel(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	long := entity.Clickable{
		ID:    "e9",
		Role:  "button",
		Label: strings.Repeat("Review the items in your basket. ", 8) + "Then go to checkout",
		Tag:   "button",
	}

	res, err := h.exec.Execute(context.Background(), plan(entity.ClickAction{ID: "e9"}), page, snapshotOf(long), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateBlocked, res.State)
	assert.Equal(t, "checkout", res.BlockedTerm)
	assert.Empty(t, page.clicks)
}

func TestExecute_SensitiveClickAllowed(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	o := opts()
	o.AllowSensitive = true

	res, err := h.exec.Execute(context.Background(), plan(entity.ClickAction{ID: "e3"}), page, snapshotOf(checkout), o)
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCompleted, res.State)
	assert.Equal(t, []string{"e3"}, page.clicks)
}

func TestExecute_MissingTargetFails(t *testing.T) {
	// After the first click the page no longer shows e2.
	h := newHarness(snapshotOf(home))
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(),
		plan(entity.ClickAction{ID: "e1"}, entity.ClickAction{ID: "e2"}),
		page, snapshotOf(home, submit), opts())
	require.Error(t, err)

	assert.Equal(t, entity.RunStateFailed, res.State)
	assert.Equal(t, apperr.CodeElementNotFound, apperr.CodeOf(err))
	assert.ErrorIs(t, err, ports.ErrElementNotFound)
	assert.Equal(t, []string{"e1"}, page.clicks)

	id, ok := apperr.MetaOf(err, apperr.MetaElementID)
	require.True(t, ok)
	assert.Equal(t, "e2", id)
}

func TestExecute_ClickErrorFromPage(t *testing.T) {
	h := newHarness()
	page := newFakePage()
	page.clickErr = fmt.Errorf("marker e1: %w", ports.ErrElementNotFound)

	res, err := h.exec.Execute(context.Background(), plan(entity.ClickAction{ID: "e1"}), page, snapshotOf(home), opts())
	require.Error(t, err)
	assert.Equal(t, entity.RunStateFailed, res.State)
	assert.Equal(t, apperr.CodeElementNotFound, apperr.CodeOf(err))
}

func TestExecute_TruncatesToCap(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	scroll := entity.ScrollAction{Direction: entity.ScrollUp, Amount: 100}

	res, err := h.exec.Execute(context.Background(), plan(scroll, scroll, scroll, scroll, scroll), page, snapshotOf(), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCompleted, res.State)
	assert.Equal(t, []int{-100, -100, -100}, page.scrolls)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, entity.LogKindWarning, h.audit.Entries()[0].Kind)
}

func TestExecute_WaitSkipsReadiness(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(), plan(entity.WaitAction{Ms: entity.WaitMinMs}), page, snapshotOf(home), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCompleted, res.State)
	assert.Zero(t, page.probes)
	assert.Zero(t, h.snaps.calls)
	assert.Equal(t, "waited 50ms", res.Steps[0].Summary)
}

func TestExecute_TypeAndNavigate(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(),
		plan(
			entity.TypeAction{ID: "e4", Text: "running shoes"},
			entity.TypeAction{Selector: "#zip", Text: "10115"},
			entity.NavigateAction{URL: "https://shop.example.com/search"},
		),
		page, snapshotOf(search), opts())
	require.NoError(t, err)

	assert.Equal(t, entity.RunStateCompleted, res.State)
	assert.Equal(t, []string{"e4||running shoes", "|#zip|10115"}, page.typed)
	assert.Equal(t, []string{"https://shop.example.com/search"}, page.navigates)
	assert.Equal(t, `typed 13 chars into e4: "Search"`, res.Steps[0].Summary)
	assert.Equal(t, 3, h.snaps.calls)
}

func TestExecute_DisallowedNavigationNeverNavigates(t *testing.T) {
	h := newHarness()
	page := newFakePage()

	res, err := h.exec.Execute(context.Background(), plan(entity.NavigateAction{URL: "file:///etc/passwd"}), page, snapshotOf(), opts())
	require.Error(t, err)

	assert.Equal(t, entity.RunStateFailed, res.State)
	assert.Equal(t, apperr.CodeDisallowedScheme, apperr.CodeOf(err))
	assert.Empty(t, page.navigates)
}

func TestExecute_ReadinessTimeoutFails(t *testing.T) {
	h := newHarness()
	page := newFakePage()
	page.state = entity.PageReadiness{ReadyState: "complete"}

	o := opts()
	o.ReadyTimeout = 10 * time.Millisecond

	res, err := h.exec.Execute(context.Background(), plan(entity.ClickAction{ID: "e1"}, entity.DoneAction{}), page, snapshotOf(home), o)
	require.Error(t, err)

	assert.Equal(t, entity.RunStateFailed, res.State)
	assert.Equal(t, apperr.CodeNotLaidOut, apperr.CodeOf(err))
	assert.ErrorIs(t, err, readiness.ErrNotLaidOut)
	assert.Equal(t, []string{"e1"}, page.clicks)
	require.Len(t, res.Steps, 1)

	actions := entriesOf(h.audit.Entries(), entity.LogKindAction)
	require.Len(t, actions, 1)
	assert.Equal(t, false, actions[0].Fields["settled"])
}

func TestMachine_TerminalStatesAbsorb(t *testing.T) {
	m := &machine{logger: zap.NewNop(), state: entity.RunStateIdle}

	assert.True(t, m.transition(entity.RunStateRunning))
	assert.True(t, m.transition(entity.RunStateBlocked))
	assert.False(t, m.transition(entity.RunStateCompleted))
	assert.False(t, m.transition(entity.RunStateRunning))
	assert.Equal(t, entity.RunStateBlocked, m.state)
}

func TestMatchSensitive(t *testing.T) {
	tests := []struct {
		label string
		term  string
		hit   bool
	}{
		{label: "Pay now", term: "pay", hit: true},
		{label: "PURCHASE", term: "purchase", hit: true},
		{label: "Proceed to Checkout", term: "checkout", hit: true},
		{label: "Wire transfer", term: "transfer", hit: true},
		{label: "Send Money to Alex", term: "send money", hit: true},
		{label: "Repayment schedule", term: "pay", hit: true},
		{label: "Send message", hit: false},
		{label: "", hit: false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			term, hit := MatchSensitive(tt.label)
			assert.Equal(t, tt.hit, hit)
			assert.Equal(t, tt.term, term)
		})
	}
}

func TestReadinessError_Codes(t *testing.T) {
	assert.Equal(t, apperr.CodeStillLoading, apperr.CodeOf(ReadinessError("op", &readiness.TimeoutError{Reason: readiness.ErrStillLoading}, "")))
	assert.Equal(t, apperr.CodePageNotReady, apperr.CodeOf(ReadinessError("op", errors.New("x"), "")))
}
