package provider

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/classpilot/agent-platform/internal/model"
)

// googleHandle is the Gemini backend.
type googleHandle struct {
	client *genai.Client
}

func newGoogleHandle(apiKey string) (*googleHandle, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &googleHandle{client: client}, nil
}

// Name returns the provider name.
func (h *googleHandle) Name() string {
	return string(KeyGoogle)
}

// Models returns available models.
func (h *googleHandle) Models() []string {
	return []string{
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
		"gemini-1.5-pro",
		"gemini-1.5-flash",
	}
}

// SupportsTools reports tool-calling capability.
func (h *googleHandle) SupportsTools() bool {
	return true
}

func (h *googleHandle) buildContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, msg := range req.Messages {
		role := genai.RoleUser
		if msg.Role == model.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Input, &args)
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: args,
			}})
		}
		for _, tr := range msg.ToolResults {
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.ToolCallID,
				Name:     tr.Name,
				Response: map[string]any{"result": tr.Content},
			}})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, spec := range req.Tools {
			var schema any
			_ = json.Unmarshal(spec.Schema, &schema)
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, cfg
}

func (h *googleHandle) collect(resp *genai.GenerateContentResponse, out *Response) {
	if resp == nil || len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				out.Text += part.Text
			}
			if part.FunctionCall != nil {
				input, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, model.ToolCall{
					ID:    part.FunctionCall.ID,
					Name:  part.FunctionCall.Name,
					Input: input,
				})
			}
		}
	}
	if cand.FinishReason != "" {
		out.StopReason = string(cand.FinishReason)
	}
	if resp.UsageMetadata != nil {
		in := int(resp.UsageMetadata.PromptTokenCount)
		outTok := int(resp.UsageMetadata.CandidatesTokenCount)
		out.Usage = &model.Usage{InputTokens: &in, OutputTokens: &outTok}
	}
}

// Generate runs one completion step.
func (h *googleHandle) Generate(ctx context.Context, req *Request) (*Response, error) {
	contents, cfg := h.buildContents(req)
	resp, err := h.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, err
	}

	out := &Response{Model: req.Model}
	h.collect(resp, out)
	return out, nil
}

// Stream runs one completion step, delivering chunks as they arrive.
func (h *googleHandle) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	contents, cfg := h.buildContents(req)

	out := &Response{Model: req.Model}
	var usage *model.Usage

	for resp, err := range h.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return nil, err
		}
		step := &Response{}
		h.collect(resp, step)

		if step.Text != "" {
			out.Text += step.Text
			if err := fn(Chunk{Text: step.Text}); err != nil {
				return nil, err
			}
		}
		for i := range step.ToolCalls {
			call := step.ToolCalls[i]
			out.ToolCalls = append(out.ToolCalls, call)
			if err := fn(Chunk{ToolCall: &call}); err != nil {
				return nil, err
			}
		}
		if step.StopReason != "" {
			out.StopReason = step.StopReason
		}
		if step.Usage != nil {
			usage = step.Usage
		}
	}

	out.Usage = usage
	return out, nil
}
