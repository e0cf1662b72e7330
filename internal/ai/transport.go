package ai

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/pkg/apperr"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const maxResponseBytes = 4 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// postJSON sends one request without retries and returns the raw body with its metadata.
// Any status other than 200 is an error carrying the status code.
func postJSON(ctx context.Context, client *http.Client, op, provider, url string, headers map[string]string, payload any) ([]byte, entity.ProviderMetadata, error) {
	var meta entity.ProviderMetadata

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, meta, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason:   "marshal_failed",
			apperr.MetaStage:    apperr.StageAI,
			apperr.MetaProvider: provider,
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, meta, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason:   "request_create_failed",
			apperr.MetaStage:    apperr.StageAI,
			apperr.MetaProvider: provider,
		})
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		meta.Latency = time.Since(start)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, meta, ctxErr
		}

		return nil, meta, apperr.Wrap(op, apperr.CodeUnavailable, err, exchangeFields(provider, meta, "http_request_failed"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	meta.Latency = time.Since(start)
	meta.StatusCode = resp.StatusCode
	meta.ByteCount = len(body)
	meta.RequestID = firstHeader(resp.Header, "request-id", "x-request-id")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, meta, ctxErr
		}

		return nil, meta, apperr.Wrap(op, apperr.CodeUnavailable, err, exchangeFields(provider, meta, "read_body_failed"))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, meta, apperr.Wrap(op, apperr.CodeAIError,
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateRunes(string(body), 512)),
			exchangeFields(provider, meta, "api_error"))
	}

	return body, meta, nil
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}

	return ""
}

// exchangeFields is the error metadata of a provider call that reached the network.
func exchangeFields(provider string, meta entity.ProviderMetadata, reason string) map[string]any {
	return map[string]any{
		apperr.MetaReason:    reason,
		apperr.MetaStage:     apperr.StageAI,
		apperr.MetaProvider:  provider,
		apperr.MetaStatus:    meta.StatusCode,
		apperr.MetaRequestID: meta.RequestID,
		apperr.MetaLatencyMs: meta.Latency.Milliseconds(),
		apperr.MetaBytes:     meta.ByteCount,
	}
}

// ensureRequestID falls back to the body id, then to a generated id, so every call is traceable.
func ensureRequestID(meta *entity.ProviderMetadata, bodyID string) {
	switch {
	case meta.RequestID != "":
	case bodyID != "":
		meta.RequestID = bodyID
	default:
		meta.RequestID = "local-" + uuid.NewString()
	}
}
