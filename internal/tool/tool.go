// Package tool provides the tool execution gateway: registration,
// context binding, input validation, the approval gate, and safe
// execution of model-requested tool calls.
package tool

import (
	"context"
	"encoding/json"

	"github.com/classpilot/agent-platform/internal/model"
)

// ExecuteFunc runs a tool against validated input within a conversation
// scope. The returned value is the raw structured output.
type ExecuteFunc func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error)

// FormatterFunc renders the compact model-facing text for a tool output.
type FormatterFunc func(input json.RawMessage, output any) string

// ApprovalFunc decides whether an invocation needs human approval.
type ApprovalFunc func(input json.RawMessage) bool

// Definition declares a tool. Name is unique within a gateway instance.
type Definition struct {
	Name        string
	Description string

	// InputSchema is the JSON Schema the raw input is validated against.
	InputSchema json.RawMessage

	// NeedsApproval gates execution behind human confirmation. Nil means
	// no approval is ever required.
	NeedsApproval ApprovalFunc

	// Execute is only invoked after approval resolves to granted when
	// NeedsApproval returns true.
	Execute ExecuteFunc

	// OutputFormatter produces the model-facing text. Nil falls back to
	// JSON-encoding the raw output.
	OutputFormatter FormatterFunc

	// QueryInput marks tools whose input embeds an arbitrary query-like
	// string under the named field. Such input must pass the read-only
	// guard before the approval predicate is even consulted.
	QueryInput string
}

// Invocation is the outcome of routing one tool call through the
// gateway: either a result (possibly an error result) or a suspension
// awaiting approval.
type Invocation struct {
	Result   *model.ToolResult
	Approval *model.ApprovalRequest
}

// Suspended reports whether the call is awaiting an approval decision.
func (inv *Invocation) Suspended() bool {
	return inv.Approval != nil
}

// BoundTool is a tool closure with the conversation scope baked in,
// consumed by the agent runtime for a single call.
type BoundTool struct {
	Name        string
	Description string
	Schema      json.RawMessage

	gateway *Gateway
	convCtx model.ConversationContext
}

// Invoke routes a tool call for this binding's conversation scope.
func (b *BoundTool) Invoke(ctx context.Context, call model.ToolCall) *Invocation {
	return b.gateway.Invoke(ctx, call, b.convCtx)
}

// InvokeApproved executes a previously suspended call whose approval
// has been granted.
func (b *BoundTool) InvokeApproved(ctx context.Context, call model.ToolCall) *Invocation {
	return b.gateway.InvokeApproved(ctx, call, b.convCtx)
}
