package logg

import "unicode/utf8"

const (
	Layer     = "layer"
	Operation = "operation"
	RunID     = "run_id"
	Action    = "action"
	ElementID = "element_id"
	Selector  = "selector"
	URL       = "url"
	Provider  = "provider"
	RequestID = "request_id"
	Kind      = "kind"
	State     = "state"
)

const redactedKey = "****"

// RedactKey keeps the first and last four characters of a secret.
func RedactKey(key string) string {
	if utf8.RuneCountInString(key) <= 8 {
		return redactedKey
	}

	runes := []rune(key)

	return string(runes[:4]) + "…" + string(runes[len(runes)-4:])
}
