package parser

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/pkg/logg"
	"ai-browser-control/pkg/tracing"
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	parserName   = "ActionPlanParser"
	parserTracer = "parser.plan"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Parser struct {
	logger *zap.Logger
	tracer trace.Tracer
}

type Params struct {
	fx.In

	Logger *zap.Logger
}

func NewParser(params Params) *Parser {
	return &Parser{
		logger: params.Logger.With(zap.String(logg.Layer, parserName)),
		tracer: otel.Tracer(parserTracer),
	}
}

type rawPlan struct {
	Actions   *[]jsoniter.RawMessage `json:"actions"`
	Notes     string                 `json:"notes"`
	Reasoning string                 `json:"reasoning"`
	Error     string                 `json:"error"`
}

type rawAction struct {
	Type      *string  `json:"type"`
	ID        *string  `json:"id"`
	Selector  *string  `json:"selector"`
	Text      *string  `json:"text"`
	Direction *string  `json:"direction"`
	Amount    *float64 `json:"amount"`
	Ms        *float64 `json:"ms"`
	URL       *string  `json:"url"`
	Question  *string  `json:"question"`
	Summary   *string  `json:"summary"`
}

// Parse turns untrusted model text into a validated plan. Action ids are checked
// against snapshot, which must be the snapshot the model was shown.
func (p *Parser) Parse(ctx context.Context, rawText string, snapshot *entity.PageSnapshot) (plan *entity.ActionPlan, err error) {
	const op = "Parse"
	logger := p.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, p.tracer, logger, op,
		attribute.Int("raw_length", len(rawText)))
	defer func() {
		step.End(err)
	}()

	plan, err = Parse(rawText, snapshot)
	if err != nil {
		logger.Debug("Plan rejected", zap.String("reason", KindName(err)), zap.Error(err))

		return nil, err
	}

	step.SetAttributes(
		attribute.Int("actions_count", len(plan.Actions)),
		attribute.Bool("model_error", plan.HasError()),
	)

	return plan, nil
}

// Parse is the context-free form of (*Parser).Parse.
func Parse(rawText string, snapshot *entity.PageSnapshot) (*entity.ActionPlan, error) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return nil, newError(ErrEmptyResponse, noIndex, "", "")
	}

	object, ok := locateObject(text)
	if !ok {
		return nil, newError(ErrInvalidJSON, noIndex, "", "no JSON object found")
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, newError(ErrInvalidJSON, noIndex, "", err.Error())
	}

	plan := &entity.ActionPlan{
		Notes:     raw.Notes,
		Reasoning: raw.Reasoning,
		Error:     strings.TrimSpace(raw.Error),
	}

	if plan.Error != "" {
		plan.Actions = []entity.AgentAction{}

		return plan, nil
	}

	if raw.Actions == nil {
		return nil, newError(ErrInvalidJSON, noIndex, "actions", "plan has no actions array")
	}

	plan.Actions = make([]entity.AgentAction, 0, len(*raw.Actions))

	for i, data := range *raw.Actions {
		action, err := decodeAction(i, data, snapshot)
		if err != nil {
			return nil, err
		}

		plan.Actions = append(plan.Actions, action)
	}

	return plan, nil
}

func decodeAction(index int, data []byte, snapshot *entity.PageSnapshot) (entity.AgentAction, error) {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newError(ErrInvalidJSON, index, "", err.Error())
	}

	if raw.Type == nil || strings.TrimSpace(*raw.Type) == "" {
		return nil, newError(ErrInvalidActionType, index, "type", "missing discriminant")
	}

	kind, ok := lookupKind(*raw.Type)
	if !ok {
		return nil, newError(ErrInvalidActionType, index, "type", fmt.Sprintf("%q", *raw.Type))
	}

	switch kind {
	case entity.ActionKindClick:
		return decodeClick(index, raw, snapshot)
	case entity.ActionKindType:
		return decodeType(index, raw, snapshot)
	case entity.ActionKindScroll:
		return decodeScroll(index, raw)
	case entity.ActionKindWait:
		return decodeWait(raw), nil
	case entity.ActionKindNavigate:
		return decodeNavigate(index, raw)
	case entity.ActionKindAskUser:
		question := trimmed(raw.Question)
		if question == "" {
			return nil, newError(ErrMissingField, index, "question", "")
		}

		return entity.AskUserAction{Question: question}, nil
	default:
		return entity.DoneAction{Summary: trimmed(raw.Summary)}, nil
	}
}

var kinds = []entity.ActionKind{
	entity.ActionKindClick,
	entity.ActionKindType,
	entity.ActionKindScroll,
	entity.ActionKindWait,
	entity.ActionKindNavigate,
	entity.ActionKindAskUser,
	entity.ActionKindDone,
}

func lookupKind(name string) (entity.ActionKind, bool) {
	name = strings.TrimSpace(name)

	for _, k := range kinds {
		if strings.EqualFold(name, string(k)) {
			return k, true
		}
	}

	return "", false
}

func decodeClick(index int, raw rawAction, snapshot *entity.PageSnapshot) (entity.AgentAction, error) {
	id := trimmed(raw.ID)
	if id == "" {
		return nil, newError(ErrMissingField, index, "id", "")
	}

	if !snapshot.Has(id) {
		return nil, newError(ErrUnknownActionID, index, "id", fmt.Sprintf("%q is not in the current snapshot", id))
	}

	return entity.ClickAction{ID: id}, nil
}

func decodeType(index int, raw rawAction, snapshot *entity.PageSnapshot) (entity.AgentAction, error) {
	if raw.Text == nil || *raw.Text == "" {
		return nil, newError(ErrMissingField, index, "text", "")
	}

	id := trimmed(raw.ID)
	selector := trimmed(raw.Selector)

	if id == "" && selector == "" {
		return nil, newError(ErrMissingField, index, "id", "type needs an id or a selector")
	}

	if id != "" && !snapshot.Has(id) {
		return nil, newError(ErrUnknownActionID, index, "id", fmt.Sprintf("%q is not in the current snapshot", id))
	}

	return entity.TypeAction{ID: id, Selector: selector, Text: *raw.Text}, nil
}

func decodeScroll(index int, raw rawAction) (entity.AgentAction, error) {
	direction := strings.ToLower(trimmed(raw.Direction))

	switch entity.ScrollDirection(direction) {
	case entity.ScrollUp, entity.ScrollDown:
	case "":
		return nil, newError(ErrMissingField, index, "direction", "")
	default:
		return nil, newError(ErrInvalidScrollDirection, index, "direction", fmt.Sprintf("%q", direction))
	}

	if raw.Amount == nil {
		return nil, newError(ErrMissingField, index, "amount", "")
	}

	if *raw.Amount < entity.ScrollMinAmount || *raw.Amount > entity.ScrollMaxAmount {
		return nil, newError(ErrOutOfRange, index, "amount",
			fmt.Sprintf("%v not in [%d,%d]", *raw.Amount, entity.ScrollMinAmount, entity.ScrollMaxAmount))
	}

	return entity.ScrollAction{Direction: entity.ScrollDirection(direction), Amount: int(math.Round(*raw.Amount))}, nil
}

func decodeWait(raw rawAction) entity.AgentAction {
	ms := float64(entity.WaitDefaultMs)
	if raw.Ms != nil {
		ms = *raw.Ms
	}

	// clamp before the int conversion so huge values cannot overflow
	ms = math.Max(entity.WaitMinMs, math.Min(entity.WaitMaxMs, math.Round(ms)))

	return entity.WaitAction{Ms: entity.ClampWait(int(ms))}
}

func decodeNavigate(index int, raw rawAction) (entity.AgentAction, error) {
	target := trimmed(raw.URL)
	if target == "" {
		return nil, newError(ErrMissingField, index, "url", "")
	}

	if err := ValidateNavigationURL(target); err != nil {
		return nil, newError(ErrInvalidURL, index, "url", err.Error())
	}

	return entity.NavigateAction{URL: target}, nil
}

// ValidateNavigationURL accepts only absolute http(s) URLs with a host.
func ValidateNavigationURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return fmt.Errorf("%q is not absolute", target)
	default:
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%q has no host", target)
	}

	return nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}

	return strings.TrimSpace(*s)
}
