package executor

import "strings"

// SensitiveTerms are matched case-insensitively as substrings of a click target's label.
var SensitiveTerms = []string{"pay", "purchase", "checkout", "transfer", "send money"}

// MatchSensitive returns the first term contained in label.
func MatchSensitive(label string) (string, bool) {
	lower := strings.ToLower(label)

	for _, term := range SensitiveTerms {
		if strings.Contains(lower, term) {
			return term, true
		}
	}

	return "", false
}
