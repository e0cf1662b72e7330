package ports

import (
	"ai-browser-control/internal/entity"
	"context"
	"errors"
)

// ErrElementNotFound is returned by Page implementations when a marker or selector matches nothing.
var ErrElementNotFound = errors.New("element not found")

// Page is the live document the agent acts on.
type Page interface {
	EvaluateString(ctx context.Context, script string) (string, error)
	ClickMarker(ctx context.Context, id string) error
	TypeText(ctx context.Context, id, selector, text string) error
	ScrollBy(ctx context.Context, dy int) error
	Navigate(ctx context.Context, url string) error
	Readiness(ctx context.Context) (entity.PageReadiness, error)
	URL() string
}

type PageProvider interface {
	Page(ctx context.Context) (Page, error)
}

type Browser interface {
	PageProvider
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	IsReady() bool
}

type PlanProvider interface {
	Name() string
	RequiresCredentials() bool
	HasCredentials() bool
	GeneratePlan(ctx context.Context, req entity.PlanRequest) (*entity.ProviderResult, error)
}

type Snapshotter interface {
	Extract(ctx context.Context, page Page, selector string) (*entity.PageSnapshot, error)
}

type AuditSink interface {
	Append(kind entity.LogKind, message string, fields map[string]any) entity.AgentLogEntry
}

type AgentSession interface {
	Run(ctx context.Context, instruction string) (*entity.Run, error)
	Cancel()
	SetAutomationEnabled(enabled bool)
	AutomationEnabled() bool
	SetAllowSensitive(allow bool)
	AllowSensitive() bool
	Log() []entity.AgentLogEntry
}
