package ai

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	localClientName = "LocalAIClient"
	localTracer     = "ai.local"

	ProviderLocal = "local"
)

// LocalClient talks to an on-device model served behind an OpenAI-compatible
// chat completions endpoint (llama.cpp server, Ollama, LM Studio).
type LocalClient struct {
	config     *config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	httpClient *http.Client
}

func NewLocalClient(params Params) *LocalClient {
	return &LocalClient{
		config:     params.Config,
		logger:     params.Logger.With(zap.String(logg.Layer, localClientName)),
		tracer:     otel.Tracer(localTracer),
		httpClient: &http.Client{Timeout: params.Config.LocalAIConfig.Timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *LocalClient) Name() string {
	return ProviderLocal
}

func (c *LocalClient) RequiresCredentials() bool {
	return false
}

func (c *LocalClient) HasCredentials() bool {
	return true
}

func (c *LocalClient) GeneratePlan(ctx context.Context, req entity.PlanRequest) (res *entity.ProviderResult, err error) {
	const op = "GeneratePlan"
	logger := c.logger.With(zap.String(logg.Operation, op), zap.String(logg.Provider, ProviderLocal))

	model := req.Model.Model
	if model == "" {
		model = c.config.LocalAIConfig.Model
	}

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op,
		attribute.String("model", model))
	defer func() {
		step.End(err)
	}()

	prompt, err := UserPrompt(req)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "prompt_render_failed",
			apperr.MetaStage:  apperr.StageAI,
		})
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req.MaxActions, req.AllowSensitive)},
			{Role: "user", Content: prompt},
		},
		Temperature: req.Model.Temperature,
		MaxTokens:   req.Model.MaxTokens,
	}

	logger.Debug("Sending plan request", zap.String("model", model), zap.Int("prompt_bytes", len(prompt)))

	body, meta, err := postJSON(ctx, c.httpClient, op, ProviderLocal,
		strings.TrimRight(c.config.LocalAIConfig.BaseURL, "/")+"/chat/completions",
		nil, reqBody)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeAIError, err,
			exchangeFields(ProviderLocal, meta, "unmarshal_failed"))
	}

	if len(chatResp.Choices) == 0 {
		return nil, apperr.Wrap(op, apperr.CodeAIError, errors.New("response has no choices"),
			exchangeFields(ProviderLocal, meta, "empty_choices"))
	}

	ensureRequestID(&meta, chatResp.ID)

	step.SetAttributes(
		attribute.String("request_id", meta.RequestID),
		attribute.Int("byte_count", meta.ByteCount))

	return &entity.ProviderResult{RawText: chatResp.Choices[0].Message.Content, Metadata: meta}, nil
}
