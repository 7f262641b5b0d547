package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: store timeouts, busy database, activity endpoint unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by a downstream endpoint.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a task state conflict, such as an illegal transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid activity configuration, forbidden endpoint, missing plan.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes. These form the taxonomy surfaced to API callers.
const (
	ErrCodeValidationFailed        = "VALIDATION_FAILED"
	ErrCodeInvalidEndpoint         = "INVALID_ENDPOINT"
	ErrCodeNoPlanFound             = "NO_PLAN_FOUND"
	ErrCodeActivityExecutionFailed = "ACTIVITY_EXECUTION_FAILED"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeTransientStore          = "TRANSIENT_STORE_ERROR"
)

// Sentinel errors for errors.Is. Matching compares class and code only.
var (
	ErrValidationFailed        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidationFailed}
	ErrInvalidEndpoint         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidEndpoint}
	ErrNoPlanFound             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNoPlanFound}
	ErrActivityExecutionFailed = &EngineError{Class: ErrorClassTransient, Code: ErrCodeActivityExecutionFailed}
	ErrNotFound                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrTransientStore          = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTransientStore}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the taxonomy code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the task, event or definition ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewValidationFailedError reports every collected configuration problem at once.
func NewValidationFailedError(message string, issues []ValidationIssue) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodeValidationFailed).
		WithDetail("issues", issues)
}

// NewInvalidEndpointError reports an endpoint that failed the allow-list checks.
func NewInvalidEndpointError(endpoint, reason string) *EngineError {
	return NewPermanentError(fmt.Sprintf("endpoint rejected: %s", reason), nil).
		WithCode(ErrCodeInvalidEndpoint).
		WithDetail("endpoint", endpoint)
}

// NewNoPlanFoundError reports a trigger that no declarative plan claims.
func NewNoPlanFoundError(trigger string, candidates []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no plan found for trigger %q", trigger), nil).
		WithCode(ErrCodeNoPlanFound).
		WithDetail("candidates", candidates)
}

// NewActivityExecutionError reports a failed outbound activity call.
func NewActivityExecutionError(taskID string, err error) *EngineError {
	return NewTransientError("activity execution failed", err).
		WithCode(ErrCodeActivityExecutionFailed).
		WithResource(taskID)
}

// NewNotFoundError reports a missing document store resource.
func NewNotFoundError(resourceType, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", resourceType), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewTransientStoreError reports a retryable document store failure.
func NewTransientStoreError(operation string, err error) *EngineError {
	return NewTransientError("document store unavailable", err).
		WithCode(ErrCodeTransientStore).
		WithOperation(operation)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ValidationIssueKind classifies a single activity configuration problem.
type ValidationIssueKind string

const (
	IssueInvalidPath       ValidationIssueKind = "invalid-path"
	IssueInvalidExpression ValidationIssueKind = "invalid-expression"
	IssueMissingSource     ValidationIssueKind = "missing-source"
	IssueMissingRequired   ValidationIssueKind = "missing-required"
	IssueError             ValidationIssueKind = "error"
)

// ValidationIssue is one entry in a ValidationFailed error.
type ValidationIssue struct {
	Kind       ValidationIssueKind `json:"kind"`
	Path       string              `json:"path,omitempty"`
	Expression string              `json:"expression,omitempty"`
	Message    string              `json:"message"`
}

// Issues extracts the validation issues carried by err, if any.
func Issues(err error) []ValidationIssue {
	var e *EngineError
	if !errors.As(err, &e) || e.Details == nil {
		return nil
	}
	issues, _ := e.Details["issues"].([]ValidationIssue)
	return issues
}

// CodeOf returns the taxonomy code of err, or an empty string for unclassified errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound reports whether err is a missing document store resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
