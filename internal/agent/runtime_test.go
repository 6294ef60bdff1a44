package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/provider"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// stubHandle replays scripted responses and records the requests it saw.
type stubHandle struct {
	mu        sync.Mutex
	responses []*provider.Response
	requests  []*provider.Request
	err       error
}

func (s *stubHandle) next(req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &provider.Response{Text: "done", StopReason: "stop"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *stubHandle) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return s.next(req)
}

func (s *stubHandle) Stream(ctx context.Context, req *provider.Request, fn provider.StreamFunc) (*provider.Response, error) {
	resp, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Text != "" {
		half := len(resp.Text) / 2
		for _, piece := range []string{resp.Text[:half], resp.Text[half:]} {
			if piece == "" {
				continue
			}
			if err := fn(provider.Chunk{Text: piece}); err != nil {
				return nil, err
			}
		}
	}
	for i := range resp.ToolCalls {
		if err := fn(provider.Chunk{ToolCall: &resp.ToolCalls[i]}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *stubHandle) Name() string        { return "stub" }
func (s *stubHandle) Models() []string    { return []string{"test-model"} }
func (s *stubHandle) SupportsTools() bool { return true }

type stubResolver struct {
	handle provider.Handle
	err    error
}

func (r *stubResolver) Resolve(key provider.Key, modelName string) (provider.Handle, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return r.handle, "test-model", nil
}

func toolCall(id, name, input string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

func intPtr(n int) *int { return &n }

type fixture struct {
	runtime *Runtime
	handle  *stubHandle
	store   *memory.Store
	agent   *Agent
}

func newFixture(t *testing.T, opts ...RuntimeOption) *fixture {
	t.Helper()

	handle := &stubHandle{}
	gateway := tool.NewGateway(logger.NewNop())
	require.NoError(t, gateway.Register(tool.Definition{
		Name: "lookup",
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			return "lookup-output", nil
		},
	}))
	require.NoError(t, gateway.Register(tool.Definition{
		Name: "broken",
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			return nil, errors.New("database offline")
		},
	}))
	require.NoError(t, gateway.Register(tool.Definition{
		Name:          "gated",
		NeedsApproval: func(json.RawMessage) bool { return true },
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			return "sent", nil
		},
	}))

	store := memory.NewStore(memory.NewInMemoryStore(), logger.NewNop())
	rt := NewRuntime(&stubResolver{handle: handle}, gateway, store, logger.NewNop(), opts...)

	return &fixture{
		runtime: rt,
		handle:  handle,
		store:   store,
		agent: &Agent{
			Name:         "test",
			Instructions: "Be helpful.",
			Tools:        []string{"lookup", "broken", "gated"},
		},
	}
}

func testOpts() model.CallOptions {
	return model.CallOptions{
		TenantID:       "t1",
		UserID:         "u1",
		ConversationID: "conv-1",
		EnableTools:    true,
	}
}

func TestGenerateSimpleText(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{{Text: "Hello there.", StopReason: "stop"}}

	res, err := f.runtime.Generate(context.Background(), f.agent, "hi", testOpts())
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", res.Text)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.False(t, res.Suspended())

	require.Len(t, res.Messages, 2)
	assert.Equal(t, model.RoleUser, res.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, res.Messages[1].Role)
}

func TestGenerateToolRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{toolCall("tc-1", "lookup", `{}`)}, StopReason: "tool_use"},
		{Text: "Found it.", StopReason: "stop"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "look up something", testOpts())
	require.NoError(t, err)
	assert.Equal(t, "Found it.", res.Text)
	assert.Equal(t, 2, res.Steps)

	// user, assistant(tool call), tool results, assistant
	require.Len(t, res.Messages, 4)
	assert.Equal(t, model.RoleTool, res.Messages[2].Role)
	require.Len(t, res.Messages[2].Parts, 1)
	assert.Equal(t, "lookup-output", res.Messages[2].Parts[0].ToolResult.Content)

	// The second model call must carry the tool results back.
	require.Len(t, f.handle.requests, 2)
	second := f.handle.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "tc-1", last.ToolResults[0].ToolCallID)
}

func TestToolFailureBecomesErrorResultNotRunFailure(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{toolCall("tc-1", "broken", `{}`)}, StopReason: "tool_use"},
		{Text: "I could not look that up.", StopReason: "stop"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "try it", testOpts())
	require.NoError(t, err)
	assert.Equal(t, "I could not look that up.", res.Text)

	toolMsg := res.Messages[2]
	require.Len(t, toolMsg.Parts, 1)
	assert.True(t, toolMsg.Parts[0].ToolResult.IsError)
	assert.Contains(t, toolMsg.Parts[0].ToolResult.Content, "database offline")
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{toolCall("tc-1", "ghost", `{}`)}, StopReason: "tool_use"},
		{Text: "ok", StopReason: "stop"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.NoError(t, err)
	toolMsg := res.Messages[2]
	assert.True(t, toolMsg.Parts[0].ToolResult.IsError)
	assert.Contains(t, toolMsg.Parts[0].ToolResult.Content, "not available")
}

func TestToolResultsKeepRequestOrder(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{
			toolCall("tc-a", "lookup", `{}`),
			toolCall("tc-b", "broken", `{}`),
			toolCall("tc-c", "lookup", `{}`),
		}, StopReason: "tool_use"},
		{Text: "ok", StopReason: "stop"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.NoError(t, err)
	toolMsg := res.Messages[2]
	require.Len(t, toolMsg.Parts, 3)
	assert.Equal(t, "tc-a", toolMsg.Parts[0].ToolResult.ToolCallID)
	assert.Equal(t, "tc-b", toolMsg.Parts[1].ToolResult.ToolCallID)
	assert.Equal(t, "tc-c", toolMsg.Parts[2].ToolResult.ToolCallID)
}

func TestStepBoundFinishesGracefully(t *testing.T) {
	f := newFixture(t, WithMaxSteps(2))
	f.handle.responses = []*provider.Response{
		{Text: "thinking.", ToolCalls: []model.ToolCall{toolCall("tc-1", "lookup", `{}`)}, StopReason: "tool_use"},
		{Text: "still thinking.", ToolCalls: []model.ToolCall{toolCall("tc-2", "lookup", `{}`)}, StopReason: "tool_use"},
		{Text: "never reached", StopReason: "stop"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, f.handle.requests, 2)
	assert.Equal(t, "thinking.still thinking.", res.Text)
}

func TestApprovalSuspendsRun(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{toolCall("tc-1", "gated", `{}`)}, StopReason: "tool_use"},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "send the notice", testOpts())
	require.NoError(t, err)
	require.True(t, res.Suspended())
	require.Len(t, res.Pending, 1)
	assert.Equal(t, "tc-1", res.Pending[0].ToolCallID)
	assert.Equal(t, "gated", res.Pending[0].ToolName)

	// Only one model call was made; the run stopped at the gate.
	assert.Len(t, f.handle.requests, 1)

	// The assistant message records the pending request.
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.NotEmpty(t, last.PendingApprovals())
}

func suspendedHistory(t *testing.T, f *fixture) {
	t.Helper()
	f.handle.responses = []*provider.Response{
		{ToolCalls: []model.ToolCall{toolCall("tc-1", "gated", `{"text":"x"}`)}, StopReason: "tool_use"},
	}
	res, err := f.runtime.Generate(context.Background(), f.agent, "send it", testOpts())
	require.NoError(t, err)
	require.True(t, res.Suspended())

	convCtx := testOpts().ConversationContext()
	require.NoError(t, f.store.Append(context.Background(), convCtx, res.Messages))
}

func TestResumeGrantedExecutesTool(t *testing.T) {
	f := newFixture(t)
	suspendedHistory(t, f)

	f.handle.responses = []*provider.Response{{Text: "Notice sent.", StopReason: "stop"}}
	res, err := f.runtime.Resume(context.Background(), f.agent,
		[]model.ApprovalDecision{{ToolCallID: "tc-1", Granted: true, DecidedBy: "staff-1"}},
		testOpts(), nil)
	require.NoError(t, err)
	assert.False(t, res.Suspended())
	assert.Equal(t, "Notice sent.", res.Text)

	// First produced message is the tool turn with decision and result.
	toolMsg := res.Messages[0]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	var sawDecision, sawResult bool
	for _, p := range toolMsg.Parts {
		if p.Type == model.PartApprovalResponse {
			sawDecision = true
			assert.True(t, p.Decision.Granted)
		}
		if p.Type == model.PartToolResult {
			sawResult = true
			assert.False(t, p.ToolResult.IsError)
		}
	}
	assert.True(t, sawDecision)
	assert.True(t, sawResult)
}

func TestResumeGrantedExecutesWithoutToolFlag(t *testing.T) {
	f := newFixture(t)
	suspendedHistory(t, f)

	// The resume request does not re-assert enable_tools; the granted
	// call must still execute.
	opts := testOpts()
	opts.EnableTools = false

	f.handle.responses = []*provider.Response{{Text: "Notice sent.", StopReason: "stop"}}
	res, err := f.runtime.Resume(context.Background(), f.agent,
		[]model.ApprovalDecision{{ToolCallID: "tc-1", Granted: true, DecidedBy: "staff-1"}},
		opts, nil)
	require.NoError(t, err)
	assert.False(t, res.Suspended())

	toolMsg := res.Messages[0]
	var result *model.ToolResult
	for _, p := range toolMsg.Parts {
		if p.Type == model.PartToolResult {
			result = p.ToolResult
		}
	}
	require.NotNil(t, result)
	assert.False(t, result.IsError, result.Content)
	assert.Equal(t, "sent", result.Content)
}

func TestResumeDeniedProducesErrorResult(t *testing.T) {
	f := newFixture(t)
	suspendedHistory(t, f)

	f.handle.responses = []*provider.Response{{Text: "Understood, not sending.", StopReason: "stop"}}
	res, err := f.runtime.Resume(context.Background(), f.agent,
		[]model.ApprovalDecision{{ToolCallID: "tc-1", Granted: false}},
		testOpts(), nil)
	require.NoError(t, err)
	assert.False(t, res.Suspended())

	toolMsg := res.Messages[0]
	var result *model.ToolResult
	for _, p := range toolMsg.Parts {
		if p.Type == model.PartToolResult {
			result = p.ToolResult
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "denied")
}

func TestResumeUnknownDecisionIsValidationError(t *testing.T) {
	f := newFixture(t)
	suspendedHistory(t, f)

	_, err := f.runtime.Resume(context.Background(), f.agent,
		[]model.ApprovalDecision{{ToolCallID: "tc-unknown", Granted: true}},
		testOpts(), nil)
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, CategoryOf(err))
}

func TestResumeWithoutPendingIsValidationError(t *testing.T) {
	f := newFixture(t)

	_, err := f.runtime.Resume(context.Background(), f.agent,
		[]model.ApprovalDecision{{ToolCallID: "tc-1", Granted: true}},
		testOpts(), nil)
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, CategoryOf(err))
}

func TestUsageAccumulatesAcrossSteps(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{
		{
			ToolCalls: []model.ToolCall{toolCall("tc-1", "lookup", `{}`)},
			Usage:     &model.Usage{InputTokens: intPtr(10), OutputTokens: intPtr(5)},
		},
		{
			Text:  "ok",
			Usage: &model.Usage{InputTokens: intPtr(20), OutputTokens: intPtr(7)},
		},
	}

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 30, *res.Usage.InputTokens)
	assert.Equal(t, 12, *res.Usage.OutputTokens)
}

func TestUsageAbsentStaysNil(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{{Text: "ok"}}

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.NoError(t, err)
	assert.Nil(t, res.Usage)
}

func TestInvalidOptionsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.runtime.Generate(context.Background(), f.agent, "hi", model.CallOptions{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, CategoryOf(err))
	assert.Empty(t, f.handle.requests)
}

func TestUnavailableProviderIsConfigurationError(t *testing.T) {
	gateway := tool.NewGateway(logger.NewNop())
	store := memory.NewStore(memory.NewInMemoryStore(), logger.NewNop())
	rt := NewRuntime(&stubResolver{err: provider.ErrProviderUnavailable}, gateway, store, logger.NewNop())

	_, err := rt.Generate(context.Background(), &Agent{Name: "a"}, "hi", testOpts())
	require.Error(t, err)
	assert.Equal(t, CategoryConfiguration, CategoryOf(err))
}

func TestProviderFailureIsRunFailureWithPartialResult(t *testing.T) {
	f := newFixture(t)
	f.handle.err = errors.New("connection refused")

	res, err := f.runtime.Generate(context.Background(), f.agent, "go", testOpts())
	require.Error(t, err)
	assert.Equal(t, CategoryRun, CategoryOf(err))
	require.NotNil(t, res)
	assert.Empty(t, res.Text)
	assert.NotContains(t, UserMessage(err), "connection refused")
}

func TestStreamEmitsCumulativeSnapshots(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{{Text: "Hi there", StopReason: "stop"}}

	var events []model.StreamEvent
	res, err := f.runtime.Stream(context.Background(), f.agent, "hi", testOpts(), func(ev model.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Text)

	var texts []string
	for _, ev := range events {
		if ev.Type == model.EventTextDelta {
			texts = append(texts, ev.Text)
		}
	}
	require.Len(t, texts, 2)
	assert.Equal(t, "Hi t", texts[0])
	assert.Equal(t, "Hi there", texts[1])
}

func TestHistoryIncludedInModelRequest(t *testing.T) {
	f := newFixture(t)
	convCtx := testOpts().ConversationContext()
	require.NoError(t, f.store.Append(context.Background(), convCtx, []model.Message{
		{Role: model.RoleUser, Content: "earlier question", CreatedAt: time.Now()},
		{Role: model.RoleAssistant, Content: "earlier answer", CreatedAt: time.Now()},
	}))

	f.handle.responses = []*provider.Response{{Text: "ok"}}
	_, err := f.runtime.Generate(context.Background(), f.agent, "follow-up", testOpts())
	require.NoError(t, err)

	require.Len(t, f.handle.requests, 1)
	msgs := f.handle.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, "earlier answer", msgs[1].Content)
	assert.Equal(t, "follow-up", msgs[2].Content)
}

func TestToolsOmittedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{{Text: "ok"}}

	opts := testOpts()
	opts.EnableTools = false
	_, err := f.runtime.Generate(context.Background(), f.agent, "hi", opts)
	require.NoError(t, err)

	require.Len(t, f.handle.requests, 1)
	assert.Empty(t, f.handle.requests[0].Tools)
}

func TestSystemPromptCarriesInstructions(t *testing.T) {
	f := newFixture(t)
	f.handle.responses = []*provider.Response{{Text: "ok"}}

	opts := testOpts()
	opts.SchoolID = "school-42"
	opts.Mode = "homework_help"
	_, err := f.runtime.Generate(context.Background(), f.agent, "hi", opts)
	require.NoError(t, err)

	system := f.handle.requests[0].System
	assert.Contains(t, system, "Be helpful.")
	assert.Contains(t, system, "school-42")
	assert.Contains(t, system, "homework_help")
}
