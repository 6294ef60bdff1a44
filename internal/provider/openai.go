package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/classpilot/agent-platform/internal/model"
)

// openaiHandle is the OpenAI backend.
type openaiHandle struct {
	client *openai.Client
}

func newOpenAIHandle(apiKey string) *openaiHandle {
	return &openaiHandle{client: openai.NewClient(apiKey)}
}

// Name returns the provider name.
func (h *openaiHandle) Name() string {
	return string(KeyOpenAI)
}

// Models returns available models.
func (h *openaiHandle) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}
}

// SupportsTools reports tool-calling capability.
func (h *openaiHandle) SupportsTools() bool {
	return true
}

func (h *openaiHandle) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		if len(msg.ToolResults) > 0 {
			// Each tool result becomes its own tool-role message.
			for _, tr := range msg.ToolResults {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		messages = append(messages, m)
	}

	var tools []openai.Tool
	for _, spec := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// Generate runs one completion step.
func (h *openaiHandle) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := h.client.CreateChatCompletion(ctx, h.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	out := &Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Text = choice.Message.Content
		out.StopReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	in, outTok := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	out.Usage = &model.Usage{InputTokens: &in, OutputTokens: &outTok}

	return out, nil
}

// Stream runs one completion step, delivering chunks as they arrive.
// Tool-call arguments arrive fragmented across deltas and are assembled
// before a tool-call chunk is emitted.
func (h *openaiHandle) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	stream, err := h.client.CreateChatCompletionStream(ctx, h.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out := &Response{Model: req.Model}

	type partialCall struct {
		id   string
		name string
		args string
	}
	calls := make(map[int]*partialCall)
	var callOrder []int

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			out.Text += choice.Delta.Content
			if err := fn(Chunk{Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &partialCall{}
				calls[idx] = pc
				callOrder = append(callOrder, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			out.StopReason = string(choice.FinishReason)
		}
	}

	sort.Ints(callOrder)
	for _, idx := range callOrder {
		pc := calls[idx]
		call := model.ToolCall{ID: pc.id, Name: pc.name, Input: json.RawMessage(pc.args)}
		out.ToolCalls = append(out.ToolCalls, call)
		if err := fn(Chunk{ToolCall: &call}); err != nil {
			return nil, err
		}
	}

	// The streaming API does not report token usage; leave it absent.
	return out, nil
}
