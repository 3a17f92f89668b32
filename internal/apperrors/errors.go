// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrTimeout     = errors.New("timeout")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")
)

// Stable client-facing error codes.
const (
	CodeJobNotFound   = "JS-JOB-NOT-FOUND-ERROR"
	CodeJuttle        = "JS-JUTTLE-ERROR"
	CodeBundle        = "JS-BUNDLE-ERROR"
	CodeFileNotFound  = "JS-FILE-NOT-FOUND-ERROR"
	CodeFileAccess    = "JS-FILE-ACCESS-ERROR"
	CodeTimeout       = "JS-TIMEOUT-ERROR"
	CodeRateLimit     = "JS-RATE-LIMIT-ERROR"
	CodeUnknown       = "JS-UNKNOWN-ERROR"
	CodeInvalidTopic  = "JE-INVALID-TOPIC-MSG"
	CodeInvalidParams = "JS-INVALID-PARAMS-ERROR"
)

// topicRequiredKeys lists the fields every rendezvous message must carry, in
// the order they are reported when missing.
var topicRequiredKeys = []string{"bundle_id", "bundle", "type"}

// Error provides structured error with context.
type Error struct {
	Sentinel error          // Wrapped sentinel for errors.Is() classification
	Code     string         // Stable code shown to clients
	Message  string         // Human-readable message
	Info     map[string]any // Context rendered alongside the message
	Op       string         // Operation that failed (e.g., "worker.launch")
	Cause    error          // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// JobNotFound reports an unknown or already removed job id.
func JobNotFound(jobID string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeJobNotFound,
		Message:  fmt.Sprintf("No such job: %s", jobID),
		Info:     map[string]any{"job_id": jobID},
	}
}

// Juttle reports a compile or runtime failure from the worker, together with
// the bundle so clients can show the error in context.
func Juttle(err any, bundle any) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     CodeJuttle,
		Message:  "Error from juttle compiler or runtime",
		Info:     map[string]any{"bundle": bundle, "err": err},
	}
}

// Bundle reports a malformed submission.
func Bundle(reason string, bundle any) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     CodeBundle,
		Message:  "Malformed bundle: " + reason,
		Info:     map[string]any{"bundle": bundle, "reason": reason},
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     CodeInvalidParams,
		Message:  message,
		Info:     map[string]any{"field": field},
	}
}

func FileNotFound(path string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeFileNotFound,
		Message:  "No such file: " + path,
		Info:     map[string]any{"path": path},
	}
}

func FileAccess(path string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Code:     CodeFileAccess,
		Message:  "Can not read file: " + path,
		Info:     map[string]any{"path": path},
	}
}

// Timeout reports a run that did not finish within timeoutMs milliseconds.
func Timeout(timeoutMs int64) error {
	return &Error{
		Sentinel: ErrTimeout,
		Code:     CodeTimeout,
		Message:  fmt.Sprintf("Program timed out after %d ms", timeoutMs),
		Info:     map[string]any{"timeout": timeoutMs},
	}
}

func RateLimited() error {
	return &Error{
		Sentinel: ErrRateLimited,
		Code:     CodeRateLimit,
		Message:  "Too many job submissions, retry later",
	}
}

// TopicMessage reports a rendezvous message lacking required fields.
// present lists the keys the message did carry.
func TopicMessage(present map[string]bool) error {
	var missing []string
	for _, k := range topicRequiredKeys {
		if !present[k] {
			missing = append(missing, k)
		}
	}
	keys := strings.Join(missing, ", ")
	return &Error{
		Sentinel: ErrValidation,
		Code:     CodeInvalidTopic,
		Message:  "Invalid topic message, missing keys: " + keys,
		Info:     map[string]any{"missing_keys": keys},
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeUnknown,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
