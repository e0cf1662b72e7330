package entity

type ActionKind string

const (
	ActionKindClick    ActionKind = "click"
	ActionKindType     ActionKind = "type"
	ActionKindScroll   ActionKind = "scroll"
	ActionKindWait     ActionKind = "wait"
	ActionKindNavigate ActionKind = "navigate"
	ActionKindAskUser  ActionKind = "askUser"
	ActionKindDone     ActionKind = "done"
)

const (
	ScrollMinAmount = 50
	ScrollMaxAmount = 2000
	WaitMinMs       = 50
	WaitMaxMs       = 15000
	WaitDefaultMs   = 1000
)

type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// AgentAction is a closed sum type; only the variants in this file implement it.
type AgentAction interface {
	Kind() ActionKind
	agentAction()
}

type ClickAction struct {
	ID string
}

type TypeAction struct {
	ID       string
	Selector string
	Text     string
}

type ScrollAction struct {
	Direction ScrollDirection
	Amount    int
}

type WaitAction struct {
	Ms int
}

type NavigateAction struct {
	URL string
}

type AskUserAction struct {
	Question string
}

type DoneAction struct {
	Summary string
}

func (ClickAction) Kind() ActionKind    { return ActionKindClick }
func (TypeAction) Kind() ActionKind     { return ActionKindType }
func (ScrollAction) Kind() ActionKind   { return ActionKindScroll }
func (WaitAction) Kind() ActionKind     { return ActionKindWait }
func (NavigateAction) Kind() ActionKind { return ActionKindNavigate }
func (AskUserAction) Kind() ActionKind  { return ActionKindAskUser }
func (DoneAction) Kind() ActionKind     { return ActionKindDone }

func (ClickAction) agentAction()    {}
func (TypeAction) agentAction()     {}
func (ScrollAction) agentAction()   {}
func (WaitAction) agentAction()     {}
func (NavigateAction) agentAction() {}
func (AskUserAction) agentAction()  {}
func (DoneAction) agentAction()     {}

// Delta is the signed vertical scroll distance in CSS pixels.
func (a ScrollAction) Delta() int {
	if a.Direction == ScrollUp {
		return -a.Amount
	}

	return a.Amount
}

type ActionPlan struct {
	Actions   []AgentAction
	Notes     string
	Reasoning string
	Error     string
}

func (p *ActionPlan) HasError() bool {
	return p != nil && p.Error != ""
}

func ClampWait(ms int) int {
	switch {
	case ms < WaitMinMs:
		return WaitMinMs
	case ms > WaitMaxMs:
		return WaitMaxMs
	default:
		return ms
	}
}
