package usecase

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/executor"
	"ai-browser-control/internal/parser"
	"ai-browser-control/internal/ports"
	"ai-browser-control/internal/snapshot"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// runner carries one run through preflight, planning and execution.
type runner struct {
	session *RunSession
	logger  *zap.Logger
	step    *tracing.Span
	run     *entity.Run
}

func (r *runner) execute(ctx context.Context) error {
	const op = "Run"
	s := r.session

	s.audit.Info("Run started", s.fields(r.run, map[string]any{"instruction": r.run.Instruction}))

	if !s.AutomationEnabled() {
		return r.reject(op, apperr.CodeAutomationDisabled, errAutomationDisabled, "automation_disabled")
	}

	if r.run.Instruction == "" {
		return r.reject(op, apperr.CodeInvalidArgument, errEmptyInstruction, "empty_instruction")
	}

	if s.pages == nil {
		return r.reject(op, apperr.CodePageUnavailable, errors.New("no page provider"), "page_unavailable")
	}

	page, err := s.pages.Page(ctx)
	if err != nil {
		return r.reject(op, apperr.CodePageUnavailable, err, "page_unavailable")
	}

	if err := s.waiter.Wait(ctx, page, s.config.AgentConfig.ReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return r.cancelled("preflight")
		}

		return r.failWith(executor.ReadinessError(op, err, page.URL()))
	}

	provider := s.primary()
	if provider == nil {
		return r.reject(op, apperr.CodeUnavailable, errNoProvider, "no_provider")
	}

	if err := checkCredentials(op, provider); err != nil {
		return r.failWith(err)
	}

	r.run.State = entity.RunStateRunning
	r.step.AddEvent("preflight passed", attribute.String("url", page.URL()))

	snap, err := s.snapshotter.Extract(ctx, page, snapshot.DefaultSelector)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled("snapshot")
		}

		return r.failWith(err)
	}

	req := entity.PlanRequest{
		Instruction:    r.run.Instruction,
		Snapshot:       snap,
		AllowSensitive: s.AllowSensitive(),
		MaxActions:     s.config.AgentConfig.MaxActions,
	}

	res, err := r.generate(ctx, provider, req)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled("provider")
		}

		return r.failWith(err)
	}

	plan, err := s.parser.Parse(ctx, res.RawText, snap)
	if err != nil {
		return r.failWith(parseError(op, err, r.run))
	}

	if plan.HasError() {
		return r.failWith(apperr.Wrap(op, apperr.CodeModelError, errors.New(plan.Error), map[string]any{
			apperr.MetaReason: "model_reported_error",
			apperr.MetaStage:  apperr.StageParse,
			apperr.MetaRunID:  r.run.ID.String(),
		}))
	}

	s.audit.Info(fmt.Sprintf("Plan accepted with %d action(s)", len(plan.Actions)), s.fields(r.run, map[string]any{
		"actions":   len(plan.Actions),
		"notes":     plan.Notes,
		"reasoning": plan.Reasoning,
	}))

	out, err := s.executor.Execute(ctx, plan, page, snap, executor.Options{
		RunID:          r.run.ID,
		MaxActions:     s.config.AgentConfig.MaxActions,
		AllowSensitive: req.AllowSensitive,
		ReadyTimeout:   s.config.AgentConfig.ActionReadyTimeout,
	})

	r.run.State = out.State
	r.run.Steps = out.Steps
	r.run.Summary = out.Summary
	r.run.Question = out.Question
	r.run.BlockedTerm = out.BlockedTerm

	if err != nil {
		r.run.Error = err.Error()

		return err
	}

	r.logger.Info("Run finished",
		zap.String(logg.State, string(out.State)),
		zap.Int("steps", len(out.Steps)),
		zap.Int("clickables", out.ClickableCount))

	return nil
}

// generate asks provider for a plan. A failing local provider hands over to the
// remote one when fallback is enabled.
func (r *runner) generate(ctx context.Context, provider ports.PlanProvider, req entity.PlanRequest) (*entity.ProviderResult, error) {
	const op = "generate"
	s := r.session

	res, err := r.call(ctx, provider, req)
	if err == nil || ctx.Err() != nil {
		return res, err
	}

	if provider.Name() != config.ProviderLocal || !s.config.AgentConfig.FallbackToRemote || s.remote == nil {
		return nil, err
	}

	s.audit.Warning("Local model failed, falling back to remote provider", s.fields(r.run, map[string]any{
		"error": err.Error(),
		"code":  apperr.CodeOf(err),
	}))
	s.metrics.RecordFallback()
	r.step.AddEvent("provider fallback")

	if err := checkCredentials(op, s.remote); err != nil {
		return nil, err
	}

	return r.call(ctx, s.remote, req)
}

// call performs one single-shot provider request and records it.
func (r *runner) call(ctx context.Context, provider ports.PlanProvider, req entity.PlanRequest) (*entity.ProviderResult, error) {
	s := r.session
	r.run.Provider = provider.Name()

	start := time.Now()
	res, err := provider.GeneratePlan(ctx, req)
	latency := time.Since(start)

	s.metrics.RecordProviderRequest(provider.Name(), latency, err)

	if err != nil {
		fields := r.callFields(provider, map[string]any{
			"error":              err.Error(),
			"code":               apperr.CodeOf(err),
			apperr.MetaLatencyMs: latency.Milliseconds(),
		})

		for _, key := range []string{apperr.MetaRequestID, apperr.MetaStatus, apperr.MetaLatencyMs, apperr.MetaBytes} {
			if v, ok := apperr.MetaOf(err, key); ok {
				fields[key] = v
			}
		}

		s.audit.Append(entity.LogKindModel, "Model request failed", fields)

		return nil, err
	}

	fields := r.callFields(provider, map[string]any{
		logg.RequestID:       res.Metadata.RequestID,
		apperr.MetaStatus:    res.Metadata.StatusCode,
		apperr.MetaLatencyMs: res.Metadata.Latency.Milliseconds(),
		apperr.MetaBytes:     res.Metadata.ByteCount,
	})

	s.audit.Append(entity.LogKindModel, fmt.Sprintf("Model replied (%d bytes)", res.Metadata.ByteCount), fields)

	return res, nil
}

func (r *runner) callFields(provider ports.PlanProvider, extra map[string]any) map[string]any {
	s := r.session

	extra[logg.Provider] = provider.Name()
	if provider.RequiresCredentials() {
		extra["api_key"] = logg.RedactKey(s.config.AIConfig.APIKey)
	}

	return s.fields(r.run, extra)
}

func checkCredentials(op string, provider ports.PlanProvider) error {
	if !provider.RequiresCredentials() || provider.HasCredentials() {
		return nil
	}

	return apperr.Wrap(op, apperr.CodeMissingCredentials, errors.New("API key is not configured"), map[string]any{
		apperr.MetaReason:   "missing_credentials",
		apperr.MetaStage:    apperr.StagePreflight,
		apperr.MetaProvider: provider.Name(),
	})
}

func parseError(op string, err error, run *entity.Run) error {
	meta := map[string]any{
		apperr.MetaReason: parser.KindName(err),
		apperr.MetaStage:  apperr.StageParse,
		apperr.MetaRunID:  run.ID.String(),
	}

	var parseErr *parser.Error
	if errors.As(err, &parseErr) {
		if parseErr.Index >= 0 {
			meta[apperr.MetaIndex] = parseErr.Index
		}

		if parseErr.Field != "" {
			meta[apperr.MetaField] = parseErr.Field
		}
	}

	return apperr.Wrap(op, apperr.CodeParseFailed, err, meta)
}

// reject fails the run before any side effect.
func (r *runner) reject(op, code string, err error, reason string) error {
	return r.failWith(apperr.Wrap(op, code, err, map[string]any{
		apperr.MetaReason: reason,
		apperr.MetaStage:  apperr.StagePreflight,
		apperr.MetaRunID:  r.run.ID.String(),
	}))
}

func (r *runner) failWith(err error) error {
	s := r.session
	code := apperr.CodeOf(err)

	if code == apperr.CodeParseFailed {
		s.metrics.RecordParseError(parser.KindName(err))
	}

	r.run.State = entity.RunStateFailed
	r.run.Error = err.Error()

	s.audit.Error(err.Error(), s.fields(r.run, map[string]any{"code": code}))

	return err
}

func (r *runner) cancelled(stage string) error {
	s := r.session

	r.run.State = entity.RunStateCancelled
	s.audit.Warning("Run cancelled", s.fields(r.run, map[string]any{
		"code":           apperr.CodeCancelled,
		apperr.MetaStage: stage,
	}))

	return nil
}
