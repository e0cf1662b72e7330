package usecase

import (
	"ai-browser-control/internal/auditlog"
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/executor"
	"ai-browser-control/internal/metrics"
	"ai-browser-control/internal/parser"
	"ai-browser-control/internal/ports"
	"ai-browser-control/internal/readiness"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	runSessionName = "RunSession"
	sessionTracer  = "usecase.session"
)

var (
	errAutomationDisabled = errors.New("automation is disabled")
	errEmptyInstruction   = errors.New("instruction is empty")
	errNoProvider         = errors.New("no plan provider configured")
)

// RunSession owns at most one in-flight run. Starting a run cancels the previous one
// and waits for it to stop before touching the page.
type RunSession struct {
	config      *config.Config
	logger      *zap.Logger
	tracer      trace.Tracer
	pages       ports.PageProvider
	remote      ports.PlanProvider
	local       ports.PlanProvider
	snapshotter ports.Snapshotter
	parser      *parser.Parser
	executor    *executor.Executor
	waiter      *readiness.Waiter
	audit       *auditlog.Log
	metrics     *metrics.Collector
	now         func() time.Time

	automation     atomic.Bool
	allowSensitive atomic.Bool

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In

	Config      *config.Config
	Logger      *zap.Logger
	Pages       ports.PageProvider
	Remote      ports.PlanProvider `name:"remote"`
	Local       ports.PlanProvider `name:"local" optional:"true"`
	Snapshotter ports.Snapshotter
	Parser      *parser.Parser
	Executor    *executor.Executor
	Waiter      *readiness.Waiter
	Audit       *auditlog.Log
	Metrics     *metrics.Collector `optional:"true"`
}

func NewRunSession(params Params) *RunSession {
	s := &RunSession{
		config:      params.Config,
		logger:      params.Logger.With(zap.String(logg.Layer, runSessionName)),
		tracer:      otel.Tracer(sessionTracer),
		pages:       params.Pages,
		remote:      params.Remote,
		local:       params.Local,
		snapshotter: params.Snapshotter,
		parser:      params.Parser,
		executor:    params.Executor,
		waiter:      params.Waiter,
		audit:       params.Audit,
		metrics:     params.Metrics,
		now:         time.Now,
	}

	s.automation.Store(params.Config.AgentConfig.AutomationEnabled)
	s.allowSensitive.Store(params.Config.AgentConfig.AllowSensitive)

	return s
}

func (s *RunSession) SetAutomationEnabled(enabled bool) {
	s.automation.Store(enabled)
	s.audit.Info("Automation toggled", map[string]any{"enabled": enabled})
}

func (s *RunSession) AutomationEnabled() bool {
	return s.automation.Load()
}

func (s *RunSession) SetAllowSensitive(allow bool) {
	s.allowSensitive.Store(allow)
	s.audit.Info("Sensitive clicks toggled", map[string]any{"allowed": allow})
}

func (s *RunSession) AllowSensitive() bool {
	return s.allowSensitive.Load()
}

func (s *RunSession) Log() []entity.AgentLogEntry {
	return s.audit.Entries()
}

// Cancel stops the active run, if any. It does not wait.
func (s *RunSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.logger.Info("Cancelling run", zap.String(logg.RunID, s.active.id.String()))
		s.active.cancel()
	}
}

// begin registers a new active run after stopping the previous one.
func (s *RunSession) begin(ctx context.Context, id uuid.UUID) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	cur := &activeRun{id: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.active
	s.active = cur
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("Superseding previous run", zap.String(logg.RunID, prev.id.String()))
		prev.cancel()
		<-prev.done
	}

	return runCtx, func() {
		cancel()
		close(cur.done)

		s.mu.Lock()
		if s.active == cur {
			s.active = nil
		}
		s.mu.Unlock()
	}
}

// Run executes one instruction end to end. Blocked and cancelled runs return a nil
// error; the returned error is non-nil exactly when the run ends in RunStateFailed.
func (s *RunSession) Run(ctx context.Context, instruction string) (run *entity.Run, err error) {
	const op = "Run"

	run = &entity.Run{
		ID:          uuid.New(),
		Instruction: strings.TrimSpace(instruction),
		State:       entity.RunStateIdle,
		CreatedAt:   s.now(),
	}

	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.RunID, run.ID.String()))

	runCtx, release := s.begin(ctx, run.ID)
	defer release()

	runCtx, step := tracing.StartSpan(runCtx, s.tracer, logger, op,
		attribute.String("run_id", run.ID.String()),
		attribute.Int("instruction_length", len(run.Instruction)))
	defer func() {
		step.End(err)
		s.finish(run)
	}()

	r := &runner{session: s, logger: logger, step: step, run: run}

	return run, r.execute(runCtx)
}

// finish stamps the terminal time and counts the run.
func (s *RunSession) finish(run *entity.Run) {
	if !run.State.Terminal() {
		return
	}

	completedAt := s.now()
	run.CompletedAt = &completedAt
	s.metrics.RecordRun(string(run.State))
}

// primary picks the configured provider, falling back to remote when no local one is wired.
func (s *RunSession) primary() ports.PlanProvider {
	if s.config.AgentConfig.Provider == config.ProviderLocal && s.local != nil {
		return s.local
	}

	return s.remote
}

func (s *RunSession) fields(run *entity.Run, extra map[string]any) map[string]any {
	f := map[string]any{logg.RunID: run.ID.String()}
	for k, v := range extra {
		f[k] = v
	}

	return f
}
