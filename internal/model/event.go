package model

import (
	"time"
)

// StreamEventType tags outbound stream events.
type StreamEventType string

const (
	EventTextDelta      StreamEventType = "text_delta"
	EventReasoningDelta StreamEventType = "reasoning_delta"
	EventToolCall       StreamEventType = "tool_call"
	EventToolResult     StreamEventType = "tool_result"
	EventApproval       StreamEventType = "approval_required"
	EventFinish         StreamEventType = "finish"
	EventError          StreamEventType = "error"
)

// StreamEvent is one element of the outbound event sequence. Text and
// Reasoning carry cumulative snapshots, not increments, so a consumer
// that misses an event is not corrupted. Events are ephemeral; the
// pipeline folds the sequence into persisted messages.
type StreamEvent struct {
	Type       StreamEventType  `json:"type"`
	Text       string           `json:"text,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	ToolResult *ToolResult      `json:"tool_result,omitempty"`
	Approval   *ApprovalRequest `json:"approval,omitempty"`
	Usage      *Usage           `json:"usage,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ErrorEvent is the user-visible error payload: a category plus a
// non-leaking message, never raw provider internals.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps idle SSE connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
