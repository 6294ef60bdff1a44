package model

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of a message part.
type PartType string

const (
	PartText             PartType = "text"
	PartToolCall         PartType = "tool_call"
	PartToolResult       PartType = "tool_result"
	PartReasoning        PartType = "reasoning"
	PartApprovalRequest  PartType = "approval_request"
	PartApprovalResponse PartType = "approval_response"
)

// Part is one chronological element of a message. Exactly one of the
// typed fields is populated, matching Type. Tool-call parts and their
// paired result parts share a ToolCallID.
type Part struct {
	Type       PartType          `json:"type"`
	Text       string            `json:"text,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Approval   *ApprovalRequest  `json:"approval,omitempty"`
	Decision   *ApprovalDecision `json:"decision,omitempty"`
}

// ToolCall is a model-initiated request to invoke a named capability.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool invocation. Content carries the
// compact model-facing text; Raw retains the structured output for
// consuming surfaces.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Content    string          `json:"content"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ApprovalRequest records a tool call suspended pending human approval.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ApprovalDecision is the caller's resolution of a pending approval.
type ApprovalDecision struct {
	ToolCallID string    `json:"tool_call_id"`
	Granted    bool      `json:"granted"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
}

// Usage summarizes token accounting for a run. Pointers stay nil when
// the provider omitted usage; zero would be observably wrong.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

// Add accumulates another usage report. Nil fields are left absent
// rather than treated as zero.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens = addTokens(u.InputTokens, other.InputTokens)
	u.OutputTokens = addTokens(u.OutputTokens, other.OutputTokens)
}

// Empty reports whether no provider ever reported usage.
func (u *Usage) Empty() bool {
	return u == nil || (u.InputTokens == nil && u.OutputTokens == nil)
}

func addTokens(a, b *int) *int {
	if b == nil {
		return a
	}
	if a == nil {
		v := *b
		return &v
	}
	v := *a + *b
	return &v
}

// Message represents a conversation message.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Parts     []Part    `json:"parts,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCalls returns the tool calls requested by this message, in part order.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// PendingApprovals returns approval-request parts with no matching
// approval-response part in the message.
func (m *Message) PendingApprovals() []ApprovalRequest {
	decided := make(map[string]bool)
	for _, p := range m.Parts {
		if p.Type == PartApprovalResponse && p.Decision != nil {
			decided[p.Decision.ToolCallID] = true
		}
	}
	var pending []ApprovalRequest
	for _, p := range m.Parts {
		if p.Type == PartApprovalRequest && p.Approval != nil && !decided[p.Approval.ToolCallID] {
			pending = append(pending, *p.Approval)
		}
	}
	return pending
}
