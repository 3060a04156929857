package model

import (
	"errors"
	"fmt"
)

// Error codes shared with generic HTTP semantics.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Orchestration-specific error codes.
const (
	ErrAlreadyClaimed    = "ALREADY_CLAIMED"
	ErrAmbiguousRules    = "AMBIGUOUS_RULES"
	ErrInvalidExpression = "INVALID_EXPRESSION"
	ErrInvalidCron       = "INVALID_CRON"
	ErrInvalidSignature  = "INVALID_SIGNATURE"
	ErrRuntimeRejected   = "RUNTIME_REJECTED"
)

// ErrorEnvelope is the error type shared by every component. It implements
// the error interface and is rendered as-is by the HTTP transport.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// FieldError points at one offending field, rule cell or claimant.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts an *ErrorEnvelope from err, following wrapped errors.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// IsRetryable reports whether err is an ErrorEnvelope marked retryable.
func IsRetryable(err error) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Retryable
}

func newError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// Constructors for the codes whose message is supplied by the caller.
func NewBadRequestError(msg string) *ErrorEnvelope   { return newError(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newError(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return newError(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newError(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return newError(ErrConflict, msg) }

// NewInvalidTransitionError reports an action the task or instance state
// does not allow, such as completing an unclaimed task.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return newError(ErrInvalidTransition, msg)
}

// NewValidationError lists every rejected field of a request or definition.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	ee := newError(ErrValidationError, "One or more fields are invalid")
	ee.Details = details
	return ee
}

// NewInternalError is what clients see in place of an unexpected error.
func NewInternalError() *ErrorEnvelope {
	return newError(ErrInternalError, "An unexpected error occurred")
}

// NewBackendUnavailableError returns a retryable BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrBackendUnavailable,
		Message:   "The process runtime is temporarily unavailable",
		Retryable: true,
	}
}

// NewBackendTimeoutError returns a retryable BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrBackendTimeout,
		Message:   "The process runtime did not respond in time",
		Retryable: true,
	}
}

// NewAlreadyClaimedError returns an ALREADY_CLAIMED conflict for a task held
// by another assignee.
func NewAlreadyClaimedError(taskID, assigneeID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyClaimed,
		Message: fmt.Sprintf("task %q is already claimed by %q", taskID, assigneeID),
		Details: []FieldError{{Field: "assignee_id", Code: ErrAlreadyClaimed, Message: assigneeID}},
	}
}

// NewAmbiguousRulesError returns an AMBIGUOUS_RULES conflict for a UNIQUE
// decision table that matched more than one rule.
func NewAmbiguousRulesError(tableID string, ruleIDs []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		details = append(details, FieldError{Field: "rule_id", Code: ErrAmbiguousRules, Message: id})
	}
	return &ErrorEnvelope{
		Code:    ErrAmbiguousRules,
		Message: fmt.Sprintf("decision table %q matched %d rules under UNIQUE hit policy: %v", tableID, len(ruleIDs), ruleIDs),
		Details: details,
	}
}

// NewInvalidExpressionError returns an INVALID_EXPRESSION error identifying
// the offending rule and column.
func NewInvalidExpressionError(ruleID, columnID, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidExpression,
		Message: fmt.Sprintf("rule %q column %q: %s", ruleID, columnID, reason),
		Details: []FieldError{{Field: ruleID + "." + columnID, Code: ErrInvalidExpression, Message: reason}},
	}
}

// NewInvalidCronError returns an INVALID_CRON validation error.
func NewInvalidCronError(expr string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidCron,
		Message: fmt.Sprintf("invalid cron expression %q: %v", expr, cause),
		Details: []FieldError{{Field: "conditions.expression", Code: ErrInvalidCron, Message: expr}},
	}
}

// NewInvalidSignatureError returns an INVALID_SIGNATURE error.
func NewInvalidSignatureError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidSignature,
		Message: "Webhook signature is missing or does not match",
	}
}

// NewRuntimeRejectedError returns a RUNTIME_REJECTED error carrying the
// runtime's reason.
func NewRuntimeRejectedError(reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRuntimeRejected,
		Message: fmt.Sprintf("process runtime rejected the request: %s", reason),
	}
}
