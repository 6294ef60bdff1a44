// Package model defines data structures for the agent platform.
package model

import (
	"time"
)

// ConversationContext identifies the persistence scope for one request.
// It is created per request by the caller and never stored itself.
type ConversationContext struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	SchoolID       string `json:"school_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Conversation represents a persisted conversation thread. Exactly one
// row exists per ID within a tenant.
type Conversation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	SchoolID  string    `json:"school_id,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// ConversationSummary is a conversation without its message history.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// HistoryResponse is the response for reading a conversation's messages.
type HistoryResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
