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
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	remoteClientName = "RemoteAIClient"
	remoteTracer     = "ai.remote"
	anthropicVersion = "2023-06-01"

	ProviderRemote = "remote"
)

var errMissingAPIKey = errors.New("AI_API_KEY is not set")

// RemoteClient asks the Anthropic Messages API for a plan. One HTTP call per run, never retried.
type RemoteClient struct {
	config     *config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	httpClient *http.Client
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewRemoteClient(params Params) *RemoteClient {
	return &RemoteClient{
		config:     params.Config,
		logger:     params.Logger.With(zap.String(logg.Layer, remoteClientName)),
		tracer:     otel.Tracer(remoteTracer),
		httpClient: &http.Client{Timeout: params.Config.AIConfig.Timeout},
	}
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (c *RemoteClient) Name() string {
	return ProviderRemote
}

func (c *RemoteClient) RequiresCredentials() bool {
	return true
}

func (c *RemoteClient) HasCredentials() bool {
	return strings.TrimSpace(c.config.AIConfig.APIKey) != ""
}

func (c *RemoteClient) GeneratePlan(ctx context.Context, req entity.PlanRequest) (res *entity.ProviderResult, err error) {
	const op = "GeneratePlan"
	logger := c.logger.With(zap.String(logg.Operation, op), zap.String(logg.Provider, ProviderRemote))

	model := c.modelConfig(req.Model)

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op,
		attribute.String("model", model.Model),
		attribute.Int("max_tokens", model.MaxTokens))
	defer func() {
		step.End(err)
	}()

	if !c.HasCredentials() {
		return nil, apperr.Wrap(op, apperr.CodeMissingCredentials, errMissingAPIKey, map[string]any{
			apperr.MetaStage:    apperr.StageAI,
			apperr.MetaProvider: ProviderRemote,
		})
	}

	prompt, err := UserPrompt(req)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "prompt_render_failed",
			apperr.MetaStage:  apperr.StageAI,
		})
	}

	reqBody := claudeRequest{
		Model:       model.Model,
		MaxTokens:   model.MaxTokens,
		Temperature: model.Temperature,
		System:      SystemPrompt(req.MaxActions, req.AllowSensitive),
		Messages:    []claudeMessage{{Role: "user", Content: prompt}},
	}

	logger.Debug("Sending plan request",
		zap.String("model", model.Model),
		zap.String("api_key", logg.RedactKey(c.config.AIConfig.APIKey)),
		zap.Int("prompt_bytes", len(prompt)))

	step.AddEvent("sending HTTP request")

	body, meta, err := postJSON(ctx, c.httpClient, op, ProviderRemote,
		strings.TrimRight(c.config.AIConfig.BaseURL, "/")+"/v1/messages",
		map[string]string{
			"x-api-key":         c.config.AIConfig.APIKey,
			"anthropic-version": anthropicVersion,
		},
		reqBody)
	if err != nil {
		return nil, err
	}

	step.AddEvent("unmarshaling response")

	var claudeResp claudeResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeAIError, err, exchangeFields(ProviderRemote, meta, "unmarshal_failed"))
	}

	var text strings.Builder
	for _, content := range claudeResp.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}

	ensureRequestID(&meta, claudeResp.ID)

	step.SetAttributes(
		attribute.String("request_id", meta.RequestID),
		attribute.Int("status_code", meta.StatusCode),
		attribute.Int("byte_count", meta.ByteCount))

	logger.Debug("Plan response received",
		zap.String(logg.RequestID, meta.RequestID),
		zap.Duration("latency", meta.Latency),
		zap.String("stop_reason", claudeResp.StopReason))

	return &entity.ProviderResult{RawText: text.String(), Metadata: meta}, nil
}

// modelConfig fills unset request fields from configuration.
func (c *RemoteClient) modelConfig(m entity.ModelConfig) entity.ModelConfig {
	if m.Model == "" {
		m.Model = c.config.AIConfig.Model
	}

	if m.MaxTokens <= 0 {
		m.MaxTokens = c.config.AIConfig.MaxTokens
	}

	if m.Temperature == 0 {
		m.Temperature = c.config.AIConfig.Temperature
	}

	return m
}
