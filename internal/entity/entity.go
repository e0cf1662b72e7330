package entity

import (
	"time"

	"github.com/google/uuid"
)

// MarkerAttribute is the DOM attribute that carries a Clickable id on its element.
const MarkerAttribute = "data-agent-id"

type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type Clickable struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Label    string `json:"label"`
	Rect     Rect   `json:"rect"`
	Href     string `json:"href,omitempty"`
	Tag      string `json:"tag"`
	Disabled bool   `json:"disabled"`
}

type PageSnapshot struct {
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	Clickables []Clickable `json:"clickables"`
}

func (s *PageSnapshot) Find(id string) (Clickable, bool) {
	if s == nil {
		return Clickable{}, false
	}

	for _, c := range s.Clickables {
		if c.ID == id {
			return c, true
		}
	}

	return Clickable{}, false
}

func (s *PageSnapshot) Has(id string) bool {
	_, ok := s.Find(id)

	return ok
}

// PageReadiness is what a page reports to the readiness protocol.
type PageReadiness struct {
	Width      float64
	Height     float64
	Loading    bool
	ReadyState string
}

func (r PageReadiness) LaidOut() bool {
	return r.Width > 0 && r.Height > 0
}

func (r PageReadiness) DocumentReady() bool {
	return r.ReadyState == "interactive" || r.ReadyState == "complete"
}

func (r PageReadiness) Ready() bool {
	return r.LaidOut() && !r.Loading && r.DocumentReady()
}

type LogKind string

const (
	LogKindInfo    LogKind = "info"
	LogKindModel   LogKind = "model"
	LogKindAction  LogKind = "action"
	LogKindResult  LogKind = "result"
	LogKindError   LogKind = "error"
	LogKindWarning LogKind = "warning"
)

type AgentLogEntry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Kind      LogKind
	Message   string
	Fields    map[string]any
}

type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateBlocked   RunState = "blocked"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateBlocked, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

type StepRecord struct {
	Index          int
	Kind           ActionKind
	ElementID      string
	Summary        string
	ClickableCount int
	Timestamp      time.Time
}

type Run struct {
	ID          uuid.UUID
	Instruction string
	State       RunState
	Provider    string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Steps       []StepRecord
	Summary     string
	Question    string
	BlockedTerm string
	Error       string
}

type ModelConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type PlanRequest struct {
	Instruction    string
	Snapshot       *PageSnapshot
	AllowSensitive bool
	MaxActions     int
	Model          ModelConfig
}

type ProviderMetadata struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
	ByteCount  int
}

type ProviderResult struct {
	RawText  string
	Metadata ProviderMetadata
}
