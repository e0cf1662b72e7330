package parser

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyResponse          = errors.New("empty response")
	ErrInvalidJSON            = errors.New("invalid JSON")
	ErrInvalidActionType      = errors.New("invalid action type")
	ErrUnknownActionID        = errors.New("unknown action id")
	ErrMissingField           = errors.New("missing required field")
	ErrOutOfRange             = errors.New("value out of range")
	ErrInvalidScrollDirection = errors.New("invalid scroll direction")
	ErrInvalidURL             = errors.New("invalid url")
)

const noIndex = -1

// Error is a parse failure. Kind is one of the Err* sentinels and is what errors.Is matches.
type Error struct {
	Kind   error
	Index  int
	Field  string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()

	if e.Index != noIndex {
		msg = fmt.Sprintf("action %d: %s", e.Index, msg)
	}

	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, e.Field)
	}

	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// KindName is a stable label for metrics and logs.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrInvalidActionType):
		return "invalid_action_type"
	case errors.Is(err, ErrUnknownActionID):
		return "unknown_action_id"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrInvalidScrollDirection):
		return "invalid_scroll_direction"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	default:
		return "unknown"
	}
}

func newError(kind error, index int, field, detail string) *Error {
	return &Error{Kind: kind, Index: index, Field: field, Detail: detail}
}
