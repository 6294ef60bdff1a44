package agent

import (
	"errors"
	"fmt"
)

// Category classifies run failures for propagation policy: anything
// expressible as model-visible text is downgraded to a tool-error
// result; only configuration errors and retry-exhausted provider
// errors fail a run outright.
type Category string

const (
	// CategoryConfiguration: missing or unavailable model/provider.
	// Fatal, surfaced immediately, never retried.
	CategoryConfiguration Category = "configuration"

	// CategoryValidation: malformed input. Recoverable.
	CategoryValidation Category = "validation"

	// CategoryTool: a tool's own logic failed. Recoverable, surfaced to
	// the model as a tool-error result.
	CategoryTool Category = "tool_execution"

	// CategoryTransient: provider network/rate-limit failure, retried
	// at the call boundary before escalating.
	CategoryTransient Category = "transient_provider"

	// CategoryRun: unrecoverable failure after retries were exhausted.
	CategoryRun Category = "run_failure"

	// CategoryPersistence: background save failed. Logged, never
	// propagated to an already-delivered stream.
	CategoryPersistence Category = "persistence"
)

// Error is a categorized agent error.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a categorized error wrapping cause (which may be nil).
func NewError(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Err: cause}
}

// CategoryOf extracts the category from an error chain, defaulting to
// run failure.
func CategoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryRun
}

// UserMessage renders a non-leaking, user-visible description. Raw
// provider internals never reach the caller.
func UserMessage(err error) string {
	switch CategoryOf(err) {
	case CategoryConfiguration:
		var ae *Error
		if errors.As(err, &ae) {
			return ae.Message
		}
		return "the requested model is not available"
	case CategoryValidation:
		var ae *Error
		if errors.As(err, &ae) {
			return ae.Message
		}
		return "the request was invalid"
	case CategoryTool:
		var ae *Error
		if errors.As(err, &ae) {
			return ae.Message
		}
		return "a tool call failed"
	case CategoryTransient, CategoryRun:
		return "the assistant is temporarily unavailable, please try again"
	default:
		return "an internal error occurred"
	}
}
