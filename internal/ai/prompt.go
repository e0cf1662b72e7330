package ai

import (
	"ai-browser-control/internal/entity"
	"fmt"
	"strings"
)

const (
	maxPromptClickables = 150
	maxLabelRunes       = 80
)

const systemPromptTemplate = `You control a web page through a small action protocol.
You are given the user's instruction and a snapshot of the page's interactive elements, each with an id like "e12".
Reply with ONE JSON object and nothing else:

{"actions":[...],"notes":"optional","reasoning":"optional"}

Allowed actions:
- {"type":"click","id":"<id from the snapshot>"}
- {"type":"type","id":"<id>","text":"<text>"}  (or "selector" instead of "id")
- {"type":"scroll","direction":"up"|"down","amount":<50..2000>}
- {"type":"wait","ms":<50..15000>}
- {"type":"navigate","url":"<absolute http(s) URL>"}
- {"type":"askUser","question":"<what you need from the user>"}
- {"type":"done","summary":"<what was achieved>"}

Rules:
- Use only ids present in the snapshot. Never invent ids.
- At most %d actions per reply; the rest are ignored. The page is re-read after every action.
- End with "done" when the instruction is fulfilled, or "askUser" when you need input.
- %s
- If the instruction cannot be carried out on this page, reply {"error":"<reason>","actions":[]}.`

// SystemPrompt describes the plan contract for a run.
func SystemPrompt(maxActions int, allowSensitive bool) string {
	policy := `Do not click anything that pays, purchases, checks out, transfers or sends money; ask the user instead.`
	if allowSensitive {
		policy = `Payment and checkout clicks are permitted when the instruction asks for them.`
	}

	return fmt.Sprintf(systemPromptTemplate, maxActions, policy)
}

type promptSnapshot struct {
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	Clickables []promptClickable `json:"clickables"`
	Omitted    int               `json:"omitted,omitempty"`
}

type promptClickable struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Label string `json:"label"`
	Href  string `json:"href,omitempty"`
}

// UserPrompt renders the instruction and a compact form of the snapshot.
func UserPrompt(req entity.PlanRequest) (string, error) {
	compact := promptSnapshot{Clickables: []promptClickable{}}

	if req.Snapshot != nil {
		compact.URL = req.Snapshot.URL
		compact.Title = req.Snapshot.Title

		for i, c := range req.Snapshot.Clickables {
			if i >= maxPromptClickables {
				compact.Omitted = len(req.Snapshot.Clickables) - maxPromptClickables

				break
			}

			compact.Clickables = append(compact.Clickables, promptClickable{
				ID:    c.ID,
				Role:  c.Role,
				Label: truncateRunes(c.Label, maxLabelRunes),
				Href:  c.Href,
			})
		}
	}

	data, err := json.Marshal(compact)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Instruction: ")
	b.WriteString(strings.TrimSpace(req.Instruction))
	b.WriteString("\n\nPage snapshot:\n")
	b.Write(data)

	return b.String(), nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n-1]) + "…"
}
