package apperr

import (
	"errors"
	"fmt"
)

const (
	MetaReason    = "reason"
	MetaStage     = "stage"
	MetaField     = "field"
	MetaRunID     = "run_id"
	MetaElementID = "element_id"
	MetaSelector  = "selector"
	MetaURL       = "url"
	MetaTerm      = "term"
	MetaIndex     = "index"
	MetaProvider  = "provider"
	MetaStatus    = "status_code"
	MetaRequestID = "request_id"
	MetaLatencyMs = "latency_ms"
	MetaBytes     = "bytes"

	StagePreflight   = "preflight"
	StageBrowser     = "browser"
	StageAI          = "ai"
	StageParse       = "parse"
	StageExecution   = "execution"
	StageSnapshot    = "snapshot"
	StageReadiness   = "readiness"
	StageNavigation  = "navigation"
	StageInteraction = "interaction"

	CodeInternal           = "internal"
	CodeInvalidArgument    = "invalid_argument"
	CodeUnavailable        = "unavailable"
	CodeCancelled          = "cancelled"
	CodeAutomationDisabled = "automation_disabled"
	CodeMissingCredentials = "missing_credentials"
	CodePageUnavailable    = "page_unavailable"
	CodeParseFailed        = "parse_failed"
	CodeModelError         = "model_error"
	CodeElementNotFound    = "element_not_found"
	CodeNotLaidOut         = "not_laid_out"
	CodeStillLoading       = "still_loading"
	CodePageNotReady       = "page_not_ready"
	CodeDisallowedScheme   = "disallowed_scheme"
	CodeSensitiveBlocked   = "sensitive_blocked"
	CodeActionFailed       = "action_failed"
	CodeAIError            = "ai_error"
)

type Error struct {
	Op       string
	Code     string
	Err      error
	Metadata map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(op, code string, err error, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Error{
		Op:       op,
		Code:     code,
		Err:      err,
		Metadata: metadata,
	}
}

func WrapErrorWithReason(op, code, reason string) error {
	return Wrap(op, code, errors.New(reason), map[string]any{
		MetaReason: reason,
	})
}

func InvalidReqError(op, field string, err error) error {
	return Wrap(op, CodeInvalidArgument, err, map[string]any{
		MetaField:  field,
		MetaReason: "invalid_request",
	})
}

// CodeOf returns the code of the outermost *Error in the chain, or "" if none.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}

	return ""
}

// MetaOf looks up key in the metadata of every *Error in the chain, outermost first.
func MetaOf(err error, key string) (any, bool) {
	for err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return nil, false
		}

		if v, ok := appErr.Metadata[key]; ok {
			return v, true
		}

		err = appErr.Err
	}

	return nil, false
}
