package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/classpilot/agent-platform/internal/model"
)

// anthropicHandle is the Anthropic backend. The pinned SDK predates a
// stable tool-use surface, so this backend is text-only; the runtime
// downgrades tool-dependent requests accordingly.
type anthropicHandle struct {
	client *anthropic.Client
}

func newAnthropicHandle(apiKey string) *anthropicHandle {
	return &anthropicHandle{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Name returns the provider name.
func (h *anthropicHandle) Name() string {
	return string(KeyAnthropic)
}

// Models returns available models.
func (h *anthropicHandle) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}

// SupportsTools reports tool-calling capability.
func (h *anthropicHandle) SupportsTools() bool {
	return false
}

func (h *anthropicHandle) buildParams(req *Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		content := msg.Content
		// Tool results are folded into plain text turns; this backend
		// never requests tools, so the case only arises on provider
		// switch mid-conversation.
		for _, tr := range msg.ToolResults {
			if content != "" {
				content += "\n"
			}
			content += tr.Content
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == model.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(role),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(content),
				},
			}),
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(req.Model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(req.System),
			},
		})
	}
	return params
}

// Generate runs one completion step.
func (h *anthropicHandle) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := h.client.Messages.New(ctx, h.buildParams(req))
	if err != nil {
		return nil, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text += block.Text
		}
	}

	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)

	return &Response{
		Text:       text,
		StopReason: string(resp.StopReason),
		Model:      resp.Model,
		Usage:      &model.Usage{InputTokens: &in, OutputTokens: &out},
	}, nil
}

// Stream runs one completion step, delivering text deltas as they arrive.
func (h *anthropicHandle) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	stream := h.client.Messages.NewStreaming(ctx, h.buildParams(req))

	out := &Response{Model: req.Model}
	var usage model.Usage

	message := stream.Current()

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok && delta.Type == "text_delta" {
				out.Text += delta.Text
				if err := fn(Chunk{Text: delta.Text}); err != nil {
					return nil, err
				}
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			if delta, ok := event.Delta.(anthropic.MessageDeltaEventDelta); ok {
				out.StopReason = string(delta.StopReason)
			}
			tokens := int(event.Usage.OutputTokens)
			usage.OutputTokens = &tokens
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}

	if in := int(message.Message.Usage.InputTokens); in > 0 {
		usage.InputTokens = &in
	}
	if !usage.Empty() {
		out.Usage = &usage
	}
	return out, nil
}
