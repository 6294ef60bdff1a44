package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxPromptBytes bounds user prompt size (~100KB).
const maxPromptBytes = 100000

// ValidatePrompt validates a user prompt.
func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > maxPromptBytes {
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
