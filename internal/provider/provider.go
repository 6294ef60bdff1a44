// Package provider resolves model backends and wraps their APIs behind
// a uniform handle.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/classpilot/agent-platform/internal/model"
)

// Key identifies a model backend.
type Key string

const (
	KeyOpenAI    Key = "openai"
	KeyAnthropic Key = "anthropic"
	KeyGoogle    Key = "google"
)

// Typed resolution failures. Unavailable means the credential is absent;
// callers fall back or fail fast with a clear error. Unknown is a
// programmer error.
var (
	ErrProviderUnavailable = errors.New("provider not available")
	ErrUnknownProvider     = errors.New("unknown provider")
)

// Message is one provider-neutral conversation entry.
type Message struct {
	Role        model.Role
	Content     string
	ToolCalls   []model.ToolCall
	ToolResults []model.ToolResult
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single generation step.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// Chunk is one incremental unit of a streaming response. Text and
// Reasoning are deltas at this layer; the streaming pipeline converts
// them to cumulative snapshots.
type Chunk struct {
	Text      string
	Reasoning string
	ToolCall  *model.ToolCall
}

// Response is the outcome of one generation step.
type Response struct {
	Text       string
	Reasoning  string
	ToolCalls  []model.ToolCall
	StopReason string
	Model      string
	// Usage is nil when the backend did not report token counts.
	Usage *model.Usage
}

// StreamFunc receives chunks in arrival order. Returning an error
// aborts the stream.
type StreamFunc func(Chunk) error

// Handle is a resolved, callable model backend. Implementations are
// safe for concurrent use.
type Handle interface {
	// Generate runs one completion step.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream runs one completion step, delivering chunks as they arrive.
	Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string

	// SupportsTools reports whether the backend can request tool calls.
	SupportsTools() bool
}
