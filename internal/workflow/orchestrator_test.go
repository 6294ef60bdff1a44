package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/pkg/logger"
)

type runnerCall struct {
	agentName string
	prompt    string
	opts      model.CallOptions
}

// funcRunner scripts agent invocations for orchestrator tests. Agents
// named in suspendOn return a run suspended on a pending approval.
type funcRunner struct {
	mu        sync.Mutex
	calls     []runnerCall
	fn        func(agentName, prompt string) (string, error)
	suspendOn string
}

func (r *funcRunner) Generate(ctx context.Context, ag *agent.Agent, prompt string, opts model.CallOptions) (*agent.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{agentName: ag.Name, prompt: prompt, opts: opts})
	r.mu.Unlock()

	if r.suspendOn != "" && ag.Name == r.suspendOn {
		return &agent.RunResult{
			Text:    "partial",
			Pending: []model.ApprovalRequest{{ID: "ap-1", ToolCallID: "tc-1", ToolName: "notify"}},
		}, nil
	}

	text, err := r.fn(ag.Name, prompt)
	if err != nil {
		return nil, err
	}
	return &agent.RunResult{Text: text, Steps: 1}, nil
}

func (r *funcRunner) callCount(agentName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.agentName == agentName {
			n++
		}
	}
	return n
}

func newTestOrchestrator(fn func(agentName, prompt string) (string, error)) (*Orchestrator, *funcRunner) {
	catalog := agent.NewCatalog()
	for _, name := range []string{"default", "planner", "synthesizer", "generator", "evaluator"} {
		catalog.Register(&agent.Agent{Name: name, Instructions: "test"})
	}

	gateway := tool.NewGateway(logger.NewNop())
	_ = gateway.Register(tool.Definition{
		Name: "fetch_record",
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			return "record-42", nil
		},
	})
	_ = gateway.Register(tool.Definition{
		Name:          "notify",
		NeedsApproval: func(json.RawMessage) bool { return true },
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			return "sent", nil
		},
	})

	runner := &funcRunner{fn: fn}
	return NewOrchestrator(catalog, runner, gateway, logger.NewNop()), runner
}

func wfOpts() model.CallOptions {
	return model.CallOptions{TenantID: "t1", UserID: "u1", ConversationID: "conv-chat"}
}

func TestSequentialChainsOutputs(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		return "out(" + prompt[:20] + ")", nil
	})

	def := Definition{
		Name:    "chain",
		Pattern: PatternSequential,
		Input:   "original input text here",
		Steps: []Step{
			{Name: "first", Prompt: "summarize the following material"},
			{Name: "second", Prompt: "translate the following material"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, result.Steps[1].Output, result.Output)

	// The second step's prompt embeds the first step's output.
	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[1].prompt, result.Steps[0].Output)
}

func TestSequentialFailFastSkipsRemaining(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) {
		if strings.Contains(prompt, "explode") {
			return "", errors.New("boom")
		}
		return "fine", nil
	})

	def := Definition{
		Name:    "chain",
		Pattern: PatternSequential,
		Input:   "go",
		Steps: []Step{
			{Name: "ok", Prompt: "do a thing"},
			{Name: "bad", Prompt: "explode"},
			{Name: "after", Prompt: "never runs"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Steps, 3)
	assert.Empty(t, result.Steps[1].Output)
	assert.NotEmpty(t, result.Steps[1].Error)
	assert.True(t, result.Steps[2].Skipped)
}

func TestSequentialContinueOnError(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		if strings.Contains(prompt, "explode") {
			return "", errors.New("boom")
		}
		return "recovered", nil
	})

	def := Definition{
		Name:    "chain",
		Pattern: PatternSequential,
		Input:   "start-input",
		Steps: []Step{
			{Name: "bad", Prompt: "explode", ContinueOnError: true},
			{Name: "after", Prompt: "carry on"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Output)

	// The surviving step saw the original input, not the failed output.
	assert.Contains(t, runner.calls[1].prompt, "start-input")
}

func TestSequentialConditionGatesSteps(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		if strings.Contains(prompt, "classify") {
			return "status: escalate", nil
		}
		return "escalated to staff", nil
	})

	def := Definition{
		Name:    "triage",
		Pattern: PatternSequential,
		Input:   "student report",
		Steps: []Step{
			{Name: "classify", Prompt: "classify the report"},
			{Name: "escalate", Prompt: "notify staff", Condition: "escalate"},
			{Name: "archive", Prompt: "file it away", Condition: "resolved"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	require.Len(t, result.Steps, 3)

	// The matching condition ran, the non-matching one was skipped and
	// the chain carried the last produced output forward.
	assert.False(t, result.Steps[1].Skipped)
	assert.True(t, result.Steps[2].Skipped)
	assert.Empty(t, result.Steps[2].Error)
	assert.Equal(t, "escalated to staff", result.Output)
	assert.Len(t, runner.calls, 2)
}

func TestSequentialToolStepBypassesModel(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		return "summary of " + prompt[:10], nil
	})

	def := Definition{
		Name:    "lookup-then-summarize",
		Pattern: PatternSequential,
		Input:   "student 42",
		Steps: []Step{
			{Name: "lookup", Tool: "fetch_record", Input: json.RawMessage(`{"id":"42"}`)},
			{Name: "summarize", Prompt: "summarize the record"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, "record-42", result.Steps[0].Output)

	// Only the second step went through an agent, and it saw the tool
	// step's output as its input.
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].prompt, "record-42")
}

func TestToolStepRequiringApprovalFailsStep(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		return "x", nil
	})

	def := Definition{
		Name:    "notify",
		Pattern: PatternSequential,
		Input:   "send it",
		Steps:   []Step{{Name: "send", Tool: "notify", Input: json.RawMessage(`{}`)}},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Steps, 1)
	assert.Contains(t, result.Steps[0].Error, "approval")
	assert.Empty(t, runner.calls)
}

func TestSuspendedAgentStepIsStepError(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		return "never reached", nil
	})
	runner.suspendOn = "default"

	def := Definition{
		Name:    "chain",
		Pattern: PatternSequential,
		Input:   "go",
		Steps:   []Step{{Name: "only", Prompt: "do it", EnableTools: true}},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Steps, 1)

	// A suspension is a failure, not a success with partial text.
	assert.Empty(t, result.Steps[0].Output)
	assert.Contains(t, result.Steps[0].Error, "approval")
}

func TestParallelIsolatesFailures(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) {
		if strings.Contains(prompt, "explode") {
			return "", errors.New("boom")
		}
		return "done", nil
	})

	def := Definition{
		Name:    "fanout",
		Pattern: PatternParallel,
		Input:   "shared input",
		Steps: []Step{
			{Name: "a", Prompt: "angle one"},
			{Name: "b", Prompt: "explode"},
			{Name: "c", Prompt: "angle three"},
		},
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	require.Len(t, result.Steps, 3)
	assert.Empty(t, result.Steps[1].Output)
	assert.NotEmpty(t, result.Steps[1].Error)
	assert.Contains(t, result.Output, "## a")
	assert.Contains(t, result.Output, "## c")
	assert.NotContains(t, result.Output, "## b")
}

func TestParallelAllFailedIsError(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) {
		return "", errors.New("boom")
	})

	def := Definition{
		Name:    "fanout",
		Pattern: PatternParallel,
		Input:   "shared input",
		Steps:   []Step{{Name: "a", Prompt: "x"}, {Name: "b", Prompt: "y"}},
	}

	_, err := orc.Run(context.Background(), def, wfOpts())
	assert.Error(t, err)
}

func TestOrchestratorWorkerDecomposesAndSynthesizes(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		switch name {
		case "planner":
			return `[{"name":"research","prompt":"find sources"},{"name":"outline","prompt":"draft outline"}]`, nil
		case "synthesizer":
			return "final combined answer", nil
		default:
			return "worker output for " + prompt, nil
		}
	})

	def := Definition{
		Name:        "report",
		Pattern:     PatternOrchestratorWorker,
		Input:       "write a report",
		Planner:     "planner",
		Synthesizer: "synthesizer",
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, "final combined answer", result.Output)

	// plan + two workers + synthesize
	require.Len(t, result.Steps, 4)
	assert.Equal(t, "plan", result.Steps[0].Name)
	assert.Equal(t, "research", result.Steps[1].Name)
	assert.Equal(t, "outline", result.Steps[2].Name)
	assert.Equal(t, "synthesize", result.Steps[3].Name)

	// The synthesizer prompt carries the worker outputs.
	synthCall := runner.calls[len(runner.calls)-1]
	assert.Contains(t, synthCall.prompt, "worker output for find sources")
	assert.Contains(t, synthCall.prompt, "worker output for draft outline")
}

func TestOrchestratorWorkerUnparseablePlanFallsBack(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		if name == "planner" {
			return "I cannot produce JSON today.", nil
		}
		return "handled", nil
	})

	def := Definition{
		Name:        "report",
		Pattern:     PatternOrchestratorWorker,
		Input:       "write a report",
		Planner:     "planner",
		Synthesizer: "synthesizer",
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	// plan + single fallback worker + synthesize
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "task", result.Steps[1].Name)
	assert.GreaterOrEqual(t, len(runner.calls), 3)
}

func TestEvaluatorOptimizerStopsWhenSatisfied(t *testing.T) {
	round := 0
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		switch name {
		case "generator":
			round++
			return fmt.Sprintf("draft %d", round), nil
		case "evaluator":
			if round >= 2 {
				return `{"satisfactory": true}`, nil
			}
			return `{"satisfactory": false, "feedback": "add more detail"}`, nil
		}
		return "", errors.New("unexpected agent")
	})

	def := Definition{
		Name:      "essay",
		Pattern:   PatternEvaluatorOptimizer,
		Input:     "write an essay",
		Generator: "generator",
		Evaluator: "evaluator",
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, "draft 2", result.Output)

	// The revision prompt carries the evaluator's feedback.
	var revision string
	for _, c := range runner.calls {
		if c.agentName == "generator" && strings.Contains(c.prompt, "feedback") {
			revision = c.prompt
		}
	}
	assert.Contains(t, revision, "add more detail")
	assert.Contains(t, revision, "draft 1")
}

func TestEvaluatorOptimizerBoundedAtFiveIterations(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) {
		if name == "evaluator" {
			return `{"satisfactory": false, "feedback": "never good enough"}`, nil
		}
		return "another draft", nil
	})

	def := Definition{
		Name:      "essay",
		Pattern:   PatternEvaluatorOptimizer,
		Input:     "write an essay",
		Generator: "generator",
		Evaluator: "evaluator",
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Iterations)
	assert.Equal(t, 5, runner.callCount("generator"))
	assert.Equal(t, 5, runner.callCount("evaluator"))
	assert.Equal(t, "another draft", result.Output)
}

func TestEvaluatorVerdictUnparseableAcceptsDraft(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) {
		if name == "evaluator" {
			return "looks good to me!", nil
		}
		return "the draft", nil
	})

	def := Definition{
		Name:      "essay",
		Pattern:   PatternEvaluatorOptimizer,
		Input:     "write an essay",
		Generator: "generator",
		Evaluator: "evaluator",
	}

	result, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "the draft", result.Output)
}

func TestUnknownPatternRejected(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) { return "x", nil })

	_, err := orc.Run(context.Background(), Definition{Name: "w", Pattern: "spiral", Input: "x"}, wfOpts())
	require.Error(t, err)
	assert.Equal(t, agent.CategoryValidation, agent.CategoryOf(err))
}

func TestEmptyInputRejected(t *testing.T) {
	orc, _ := newTestOrchestrator(func(name, prompt string) (string, error) { return "x", nil })

	_, err := orc.Run(context.Background(), Definition{Name: "w", Pattern: PatternSequential, Input: "  "}, wfOpts())
	require.Error(t, err)
	assert.Equal(t, agent.CategoryValidation, agent.CategoryOf(err))
}

func TestStepsRunEphemerallyOutsideUserConversation(t *testing.T) {
	orc, runner := newTestOrchestrator(func(name, prompt string) (string, error) { return "x", nil })

	def := Definition{
		Name:    "chain",
		Pattern: PatternSequential,
		Input:   "go",
		Steps:   []Step{{Name: "only", Prompt: "do it"}},
	}

	_, err := orc.Run(context.Background(), def, wfOpts())
	require.NoError(t, err)
	require.NotEmpty(t, runner.calls)
	for _, c := range runner.calls {
		assert.True(t, c.opts.Ephemeral)
		assert.Empty(t, c.opts.ConversationID)
		assert.Equal(t, "t1", c.opts.TenantID)
	}
}
