package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/provider"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

// Resolver resolves a provider key and model name to a callable handle.
type Resolver interface {
	Resolve(key provider.Key, modelName string) (provider.Handle, string, error)
}

// EmitFunc receives stream events in order. Text and reasoning events
// carry cumulative snapshots.
type EmitFunc func(model.StreamEvent)

// RunResult is the outcome of one agent run.
type RunResult struct {
	// Text is the final (or partial, on failure) assistant text.
	Text string

	// Messages are the messages produced by this run, in order.
	Messages []model.Message

	// Usage sums provider-reported token counts; nil when no provider
	// reported usage.
	Usage *model.Usage

	// Pending holds approval requests that suspended the run.
	Pending []model.ApprovalRequest

	// Steps is the number of model round trips taken.
	Steps int

	// ConversationID is the resolved persistence scope.
	ConversationID string
}

// Suspended reports whether the run is awaiting approval decisions.
func (r *RunResult) Suspended() bool {
	return len(r.Pending) > 0
}

// Runtime binds the provider registry, tool gateway, and memory store
// into the generate-or-stream loop. Shared collaborators are read-only
// after construction; all per-run state is owned by the run.
type Runtime struct {
	providers Resolver
	gateway   *tool.Gateway
	memory    *memory.Store
	logger    *logger.Logger

	defaultProvider provider.Key
	defaultMaxSteps int
	maxTokens       int
	runTimeout      time.Duration
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithDefaultProvider sets the provider used when neither the agent nor
// the call options select one.
func WithDefaultProvider(key provider.Key) RuntimeOption {
	return func(r *Runtime) { r.defaultProvider = key }
}

// WithMaxSteps sets the default bound on model round trips.
func WithMaxSteps(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.defaultMaxSteps = n
		}
	}
}

// WithMaxTokens sets the per-step generation budget.
func WithMaxTokens(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithRunTimeout sets the wall-clock bound for a whole run.
func WithRunTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.runTimeout = d
		}
	}
}

// NewRuntime creates an agent runtime.
func NewRuntime(providers Resolver, gateway *tool.Gateway, store *memory.Store, log *logger.Logger, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		providers:       providers,
		gateway:         gateway,
		memory:          store,
		logger:          log,
		defaultProvider: provider.KeyAnthropic,
		defaultMaxSteps: 5,
		maxTokens:       4096,
		runTimeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate runs the loop to completion and returns a single result.
func (r *Runtime) Generate(ctx context.Context, ag *Agent, prompt string, opts model.CallOptions) (*RunResult, error) {
	return r.run(ctx, ag, prompt, nil, opts, nil)
}

// Stream runs the loop, emitting events as they are produced. The
// returned result reflects the same run the events described.
func (r *Runtime) Stream(ctx context.Context, ag *Agent, prompt string, opts model.CallOptions, emit EmitFunc) (*RunResult, error) {
	return r.run(ctx, ag, prompt, nil, opts, emit)
}

// Resume continues a run suspended on tool approvals. Granted calls
// execute; denied calls become tool-error results; the loop then
// proceeds. Decisions for unknown tool calls are a validation error.
func (r *Runtime) Resume(ctx context.Context, ag *Agent, decisions []model.ApprovalDecision, opts model.CallOptions, emit EmitFunc) (*RunResult, error) {
	return r.run(ctx, ag, "", decisions, opts, emit)
}

func (r *Runtime) run(ctx context.Context, ag *Agent, prompt string, decisions []model.ApprovalDecision, opts model.CallOptions, emit EmitFunc) (result *RunResult, err error) {
	start := time.Now()

	ctx, span := otel.Tracer("agent").Start(ctx, "agent.run")
	span.SetAttributes(attribute.String("agent", ag.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CategoryOf(err)))
		}
		span.End()
	}()

	if verr := opts.Validate(); verr != nil {
		return nil, NewError(CategoryValidation, verr.Error(), verr)
	}

	key := r.defaultProvider
	if ag.Provider != "" {
		key = ag.Provider
	}
	if opts.Provider != "" {
		key = provider.Key(opts.Provider)
	}
	modelName := ag.Model
	if opts.Model != "" {
		modelName = opts.Model
	}

	handle, modelName, rerr := r.providers.Resolve(key, modelName)
	if rerr != nil {
		if errors.Is(rerr, provider.ErrProviderUnavailable) {
			return nil, NewError(CategoryConfiguration, fmt.Sprintf("model provider %s is not available", key), rerr)
		}
		return nil, NewError(CategoryConfiguration, "no model specified", rerr)
	}

	span.SetAttributes(
		attribute.String("provider", handle.Name()),
		attribute.String("model", modelName),
	)

	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	convCtx := opts.ConversationContext()
	var history []model.Message
	if !opts.Ephemeral {
		conversationID, cerr := r.memory.GetOrCreate(ctx, convCtx)
		if cerr != nil {
			return nil, NewError(CategoryRun, "failed to resolve conversation", cerr)
		}
		convCtx.ConversationID = conversationID

		var herr error
		history, herr = r.memory.Read(ctx, convCtx)
		if herr != nil {
			return nil, NewError(CategoryRun, "failed to load history", herr)
		}
	}

	run := &runState{
		runtime:  r,
		agent:    ag,
		handle:   handle,
		model:    modelName,
		convCtx:  convCtx,
		opts:     opts,
		emit:     emit,
		provMsgs: historyToProvider(history),
	}
	run.maxSteps = r.defaultMaxSteps
	if ag.MaxSteps > 0 {
		run.maxSteps = ag.MaxSteps
	}
	if opts.MaxSteps > 0 {
		run.maxSteps = opts.MaxSteps
	}
	// A resume always gets the toolset: the suspended call proves tools
	// were in play, whatever flags the resume request carries.
	if decisions != nil || (opts.EnableTools && handle.SupportsTools()) {
		run.toolset = r.gateway.BuildToolSet(convCtx, ag.Tools)
	}

	defer func() {
		status := "success"
		if err != nil {
			status = string(CategoryOf(err))
		} else if result != nil && result.Suspended() {
			status = "suspended"
		}
		steps, in, out := 0, 0, 0
		if result != nil {
			steps = result.Steps
			if result.Usage != nil {
				if result.Usage.InputTokens != nil {
					in = *result.Usage.InputTokens
				}
				if result.Usage.OutputTokens != nil {
					out = *result.Usage.OutputTokens
				}
			}
		}
		metrics.RecordAgentRun(handle.Name(), status, time.Since(start).Seconds(), steps, in, out)
	}()

	if decisions != nil {
		return run.resume(ctx, history, decisions)
	}

	userMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Content:   prompt,
		Parts:     []model.Part{{Type: model.PartText, Text: prompt}},
		CreatedAt: time.Now(),
	}
	run.produced = append(run.produced, userMsg)
	run.provMsgs = append(run.provMsgs, provider.Message{Role: model.RoleUser, Content: prompt})

	return run.loop(ctx)
}

// runState is per-run mutable state, exclusively owned by the run.
type runState struct {
	runtime *Runtime
	agent   *Agent
	handle  provider.Handle
	model   string
	convCtx model.ConversationContext
	opts    model.CallOptions
	emit    EmitFunc

	provMsgs []provider.Message
	produced []model.Message
	maxSteps int
	toolset  map[string]*tool.BoundTool

	textSoFar      string
	reasoningSoFar string
	usage          model.Usage
	steps          int
}

func (s *runState) result() *RunResult {
	res := &RunResult{
		Text:           s.textSoFar,
		Messages:       s.produced,
		Steps:          s.steps,
		ConversationID: s.convCtx.ConversationID,
	}
	if !s.usage.Empty() {
		u := s.usage
		res.Usage = &u
	}
	return res
}

func (s *runState) emitEvent(ev model.StreamEvent) {
	if s.emit == nil {
		return
	}
	ev.Timestamp = time.Now()
	s.emit(ev)
}

func (s *runState) request() *provider.Request {
	req := &provider.Request{
		Model:     s.model,
		System:    s.systemPrompt(),
		Messages:  s.provMsgs,
		MaxTokens: s.runtime.maxTokens,
	}
	if len(s.toolset) > 0 {
		names := make([]string, 0, len(s.toolset))
		for name := range s.toolset {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bt := s.toolset[name]
			req.Tools = append(req.Tools, provider.ToolSpec{
				Name:        bt.Name,
				Description: bt.Description,
				Schema:      bt.Schema,
			})
		}
	}
	return req
}

func (s *runState) systemPrompt() string {
	var b strings.Builder
	b.WriteString(s.agent.Instructions)
	if s.convCtx.SchoolID != "" {
		fmt.Fprintf(&b, "\n\nThe user belongs to school %s.", s.convCtx.SchoolID)
	}
	if s.opts.Mode != "" {
		fmt.Fprintf(&b, "\nOperating mode: %s.", s.opts.Mode)
	}
	return b.String()
}

// loop is the AwaitingModel → ToolRequested → ToolExecuting cycle.
// Exceeding the step bound degrades to Finished with the text produced
// so far rather than failing.
func (s *runState) loop(ctx context.Context) (*RunResult, error) {
	for {
		if s.steps >= s.maxSteps {
			s.runtime.logger.Warn("agent run hit step bound, finishing",
				"conversation_id", s.convCtx.ConversationID,
				"max_steps", s.maxSteps,
			)
			return s.result(), nil
		}
		s.steps++

		resp, err := s.step(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return s.result(), NewError(CategoryRun, "agent run timed out", err)
			}
			if errors.Is(err, context.Canceled) {
				return s.result(), NewError(CategoryRun, "agent run cancelled", err)
			}
			return s.result(), NewError(CategoryRun, "model call failed", err)
		}

		s.usage.Add(resp.Usage)

		assistant := model.Message{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			CreatedAt: time.Now(),
		}
		if resp.Text != "" {
			assistant.Parts = append(assistant.Parts, model.Part{Type: model.PartText, Text: resp.Text})
		}
		if resp.Reasoning != "" && s.opts.EnableReasoning {
			assistant.Reasoning = resp.Reasoning
			assistant.Parts = append(assistant.Parts, model.Part{Type: model.PartReasoning, Reasoning: resp.Reasoning})
		}
		for i := range resp.ToolCalls {
			call := resp.ToolCalls[i]
			assistant.Parts = append(assistant.Parts, model.Part{Type: model.PartToolCall, ToolCall: &call})
		}

		if len(resp.ToolCalls) == 0 {
			s.produced = append(s.produced, assistant)
			return s.result(), nil
		}

		if s.steps >= s.maxSteps {
			// The model wants more tools than the budget allows; keep
			// the text and stop cleanly.
			s.produced = append(s.produced, assistant)
			return s.result(), nil
		}

		invocations := s.executeTools(ctx, resp.ToolCalls)

		var pending []model.ApprovalRequest
		toolMsg := model.Message{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Role:      model.RoleTool,
			CreatedAt: time.Now(),
		}
		var results []model.ToolResult
		for _, inv := range invocations {
			if inv.Suspended() {
				pending = append(pending, *inv.Approval)
				assistant.Parts = append(assistant.Parts, model.Part{Type: model.PartApprovalRequest, Approval: inv.Approval})
				s.emitEvent(model.StreamEvent{Type: model.EventApproval, Approval: inv.Approval})
				continue
			}
			results = append(results, *inv.Result)
			toolMsg.Parts = append(toolMsg.Parts, model.Part{Type: model.PartToolResult, ToolResult: inv.Result})
			s.emitEvent(model.StreamEvent{Type: model.EventToolResult, ToolResult: inv.Result})
		}

		s.produced = append(s.produced, assistant)
		s.provMsgs = append(s.provMsgs, provider.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(pending) > 0 {
			// The whole step suspends; completed results are kept so
			// resumption does not re-execute them.
			if len(toolMsg.Parts) > 0 {
				s.produced = append(s.produced, toolMsg)
			}
			res := s.result()
			res.Pending = pending
			return res, nil
		}

		s.produced = append(s.produced, toolMsg)
		s.provMsgs = append(s.provMsgs, provider.Message{
			Role:        model.RoleTool,
			ToolResults: results,
		})
	}
}

// step performs one model call, streaming when an emitter is attached.
func (s *runState) step(ctx context.Context) (*provider.Response, error) {
	req := s.request()
	if s.emit == nil {
		resp, err := s.handle.Generate(ctx, req)
		if err == nil {
			s.textSoFar += resp.Text
		}
		return resp, err
	}
	return s.handle.Stream(ctx, req, func(c provider.Chunk) error {
		if c.Text != "" {
			s.textSoFar += c.Text
			s.emitEvent(model.StreamEvent{Type: model.EventTextDelta, Text: s.textSoFar})
		}
		if c.Reasoning != "" && s.opts.EnableReasoning {
			s.reasoningSoFar += c.Reasoning
			s.emitEvent(model.StreamEvent{Type: model.EventReasoningDelta, Reasoning: s.reasoningSoFar})
		}
		if c.ToolCall != nil {
			s.emitEvent(model.StreamEvent{Type: model.EventToolCall, ToolCall: c.ToolCall})
		}
		return ctx.Err()
	})
}

// executeTools runs tool calls concurrently but reassembles results in
// the order the model requested them, keyed by position (and thereby by
// ToolCallID), not completion order.
func (s *runState) executeTools(ctx context.Context, calls []model.ToolCall) []*tool.Invocation {
	invocations := make([]*tool.Invocation, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		call := calls[i]
		bt, ok := s.toolset[call.Name]
		if !ok {
			invocations[i] = &tool.Invocation{Result: &model.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    "tool not available: " + call.Name,
				IsError:    true,
			}}
			continue
		}
		wg.Add(1)
		go func(i int, call model.ToolCall, bt *tool.BoundTool) {
			defer wg.Done()
			invocations[i] = bt.Invoke(ctx, call)
		}(i, call, bt)
	}
	wg.Wait()
	return invocations
}

// resume applies approval decisions to the conversation's pending tool
// calls, executes what was granted, then re-enters the loop. When
// undecided approvals remain the run stays suspended without a model
// call.
func (s *runState) resume(ctx context.Context, history []model.Message, decisions []model.ApprovalDecision) (*RunResult, error) {
	pending, calls := pendingApprovals(history)
	if len(pending) == 0 {
		return nil, NewError(CategoryValidation, "no pending approvals for this conversation", nil)
	}

	decided := make(map[string]model.ApprovalDecision, len(decisions))
	for _, d := range decisions {
		if _, ok := pending[d.ToolCallID]; !ok {
			return nil, NewError(CategoryValidation, fmt.Sprintf("no pending approval for tool call %q", d.ToolCallID), nil)
		}
		decided[d.ToolCallID] = d
	}

	toolMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleTool,
		CreatedAt: time.Now(),
	}
	var results []model.ToolResult

	// Preserve the original request order of the suspended calls.
	for _, call := range calls {
		d, ok := decided[call.ID]
		if !ok {
			continue
		}
		if d.DecidedAt.IsZero() {
			d.DecidedAt = time.Now()
		}
		toolMsg.Parts = append(toolMsg.Parts, model.Part{Type: model.PartApprovalResponse, Decision: &d})
		s.emitEvent(model.StreamEvent{Type: model.EventToolCall, ToolCall: &call})

		var result *model.ToolResult
		if d.Granted {
			bt, ok := s.toolset[call.Name]
			if !ok {
				result = &model.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: "tool not available: " + call.Name, IsError: true}
			} else {
				result = bt.InvokeApproved(ctx, call).Result
			}
		} else {
			result = &model.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: "approval denied by user", IsError: true}
		}
		results = append(results, *result)
		toolMsg.Parts = append(toolMsg.Parts, model.Part{Type: model.PartToolResult, ToolResult: result})
		s.emitEvent(model.StreamEvent{Type: model.EventToolResult, ToolResult: result})
	}

	s.produced = append(s.produced, toolMsg)

	var remaining []model.ApprovalRequest
	for _, call := range calls {
		if _, ok := decided[call.ID]; !ok {
			remaining = append(remaining, pending[call.ID])
		}
	}
	if len(remaining) > 0 {
		res := s.result()
		res.Pending = remaining
		return res, nil
	}

	s.provMsgs = append(s.provMsgs, provider.Message{Role: model.RoleTool, ToolResults: results})
	return s.loop(ctx)
}

// PendingApprovals returns a conversation's unresolved approval
// requests in the order the model requested the suspended calls.
func PendingApprovals(history []model.Message) []model.ApprovalRequest {
	pending, calls := pendingApprovals(history)
	out := make([]model.ApprovalRequest, 0, len(calls))
	for _, call := range calls {
		out = append(out, pending[call.ID])
	}
	return out
}

// pendingApprovals scans a conversation for approval requests with no
// recorded decision, returning them keyed by tool call id along with
// the suspended calls in request order.
func pendingApprovals(history []model.Message) (map[string]model.ApprovalRequest, []model.ToolCall) {
	responded := make(map[string]bool)
	executed := make(map[string]bool)
	for _, msg := range history {
		for _, p := range msg.Parts {
			if p.Type == model.PartApprovalResponse && p.Decision != nil {
				responded[p.Decision.ToolCallID] = true
			}
			if p.Type == model.PartToolResult && p.ToolResult != nil {
				executed[p.ToolResult.ToolCallID] = true
			}
		}
	}

	pending := make(map[string]model.ApprovalRequest)
	callsByID := make(map[string]model.ToolCall)
	var order []model.ToolCall
	for _, msg := range history {
		for _, p := range msg.Parts {
			if p.Type == model.PartToolCall && p.ToolCall != nil {
				callsByID[p.ToolCall.ID] = *p.ToolCall
			}
			if p.Type == model.PartApprovalRequest && p.Approval != nil {
				id := p.Approval.ToolCallID
				if responded[id] || executed[id] {
					continue
				}
				if _, seen := pending[id]; seen {
					continue
				}
				pending[id] = *p.Approval
				if call, ok := callsByID[id]; ok {
					order = append(order, call)
				}
			}
		}
	}
	return pending, order
}

// historyToProvider converts stored messages to provider messages,
// reconstructing tool call/result pairing from parts.
func historyToProvider(history []model.Message) []provider.Message {
	var out []provider.Message
	for _, msg := range history {
		switch msg.Role {
		case model.RoleUser, model.RoleSystem:
			out = append(out, provider.Message{Role: msg.Role, Content: msg.Content})
		case model.RoleAssistant:
			out = append(out, provider.Message{
				Role:      model.RoleAssistant,
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls(),
			})
		case model.RoleTool:
			var results []model.ToolResult
			for _, p := range msg.Parts {
				if p.Type == model.PartToolResult && p.ToolResult != nil {
					results = append(results, *p.ToolResult)
				}
			}
			if len(results) > 0 {
				out = append(out, provider.Message{Role: model.RoleTool, ToolResults: results})
			}
		}
	}
	return out
}
