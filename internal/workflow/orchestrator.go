package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

const (
	// maxIterations bounds the evaluator-optimizer revision loop.
	maxIterations = 5

	// maxSubtasks bounds planner fan-out in orchestrator-worker runs.
	maxSubtasks = 8
)

// Runner executes one agent invocation. *agent.Runtime satisfies it.
type Runner interface {
	Generate(ctx context.Context, ag *agent.Agent, prompt string, opts model.CallOptions) (*agent.RunResult, error)
}

// Orchestrator executes workflow definitions against the agent catalog
// and, for tool steps, the tool gateway.
type Orchestrator struct {
	catalog *agent.Catalog
	runner  Runner
	gateway *tool.Gateway
	logger  *logger.Logger
}

// NewOrchestrator creates a workflow orchestrator.
func NewOrchestrator(catalog *agent.Catalog, runner Runner, gateway *tool.Gateway, log *logger.Logger) *Orchestrator {
	return &Orchestrator{catalog: catalog, runner: runner, gateway: gateway, logger: log}
}

// Run executes a workflow definition and returns its result. Individual
// step failures are recorded in the result; Run itself fails only on an
// invalid definition or a failure that makes the workflow's output
// meaningless under its pattern's rules.
func (o *Orchestrator) Run(ctx context.Context, def Definition, opts model.CallOptions) (result *Result, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.WorkflowRunsTotal.WithLabelValues(string(def.Pattern), status).Inc()
	}()

	if strings.TrimSpace(def.Input) == "" {
		return nil, agent.NewError(agent.CategoryValidation, "workflow input is required", nil)
	}

	switch def.Pattern {
	case PatternSequential:
		result, err = o.runSequential(ctx, def, opts)
	case PatternParallel:
		result, err = o.runParallel(ctx, def, opts)
	case PatternOrchestratorWorker:
		result, err = o.runOrchestratorWorker(ctx, def, opts)
	case PatternEvaluatorOptimizer:
		result, err = o.runEvaluatorOptimizer(ctx, def, opts)
	default:
		return nil, agent.NewError(agent.CategoryValidation, fmt.Sprintf("unknown workflow pattern %q", def.Pattern), nil)
	}
	if result != nil {
		result.Duration = time.Since(start)
	}
	return result, err
}

// runStep executes one ephemeral agent invocation. A run that suspends
// on a tool approval is a step failure: ephemeral runs leave no
// conversation behind, so there is nothing to resume from.
func (o *Orchestrator) runStep(ctx context.Context, agentMode, prompt string, enableTools bool, opts model.CallOptions) (string, *model.Usage, error) {
	ag, err := o.catalog.Get(agentMode)
	if err != nil {
		return "", nil, err
	}
	stepOpts := opts
	stepOpts.Ephemeral = true
	stepOpts.ConversationID = ""
	stepOpts.EnableTools = enableTools
	stepOpts.Mode = ""

	res, err := o.runner.Generate(ctx, ag, prompt, stepOpts)
	if err != nil {
		return "", nil, err
	}
	if res.Suspended() {
		return "", res.Usage, agent.NewError(agent.CategoryTool,
			fmt.Sprintf("tool %s requires approval and cannot run inside a workflow", res.Pending[0].ToolName), nil)
	}
	return res.Text, res.Usage, nil
}

// executeStep dispatches one workflow step: a direct gateway tool call
// when Tool is set, otherwise an agent invocation with the incoming
// text appended to the step prompt.
func (o *Orchestrator) executeStep(ctx context.Context, step Step, input string, opts model.CallOptions) (string, *model.Usage, error) {
	if step.Tool != "" {
		out, err := o.runToolStep(ctx, step, opts)
		return out, nil, err
	}
	prompt := step.Prompt
	if input != "" {
		prompt = fmt.Sprintf("%s\n\nInput:\n%s", step.Prompt, input)
	}
	return o.runStep(ctx, step.Agent, prompt, step.EnableTools, opts)
}

// runToolStep invokes a gateway tool directly, without a model in
// between. Approval-gated tools cannot run here for the same reason a
// suspended agent step fails.
func (o *Orchestrator) runToolStep(ctx context.Context, step Step, opts model.CallOptions) (string, error) {
	if o.gateway == nil {
		return "", agent.NewError(agent.CategoryConfiguration, "no tool gateway configured for tool steps", nil)
	}
	input := step.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	convCtx := opts.ConversationContext()
	convCtx.ConversationID = ""

	inv := o.gateway.Invoke(ctx, model.ToolCall{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Name:  step.Tool,
		Input: input,
	}, convCtx)
	if inv.Suspended() {
		return "", agent.NewError(agent.CategoryTool,
			fmt.Sprintf("tool %s requires approval and cannot run inside a workflow", step.Tool), nil)
	}
	if inv.Result.IsError {
		return "", agent.NewError(agent.CategoryTool, inv.Result.Content, nil)
	}
	return inv.Result.Content, nil
}

// conditionHolds evaluates a step's precondition against the text
// flowing into it.
func conditionHolds(step Step, input string) bool {
	if step.Condition == "" {
		return true
	}
	return strings.Contains(strings.ToLower(input), strings.ToLower(step.Condition))
}

// runSequential chains steps, feeding each the previous output. A step
// failure aborts the chain unless the step opts into ContinueOnError,
// in which case later steps see the last successful output.
func (o *Orchestrator) runSequential(ctx context.Context, def Definition, opts model.CallOptions) (*Result, error) {
	if len(def.Steps) == 0 {
		return nil, agent.NewError(agent.CategoryValidation, "sequential workflow needs at least one step", nil)
	}

	result := &Result{Name: def.Name, Pattern: def.Pattern}
	var usage model.Usage
	previous := def.Input
	aborted := false

	for _, step := range def.Steps {
		if aborted {
			result.Steps = append(result.Steps, StepResult{Name: step.Name, Skipped: true})
			continue
		}
		if !conditionHolds(step, previous) {
			result.Steps = append(result.Steps, StepResult{Name: step.Name, Skipped: true})
			continue
		}

		stepStart := time.Now()
		output, stepUsage, err := o.executeStep(ctx, step, previous, opts)
		sr := StepResult{Name: step.Name, Duration: time.Since(stepStart), Usage: stepUsage}
		usage.Add(stepUsage)

		if err != nil {
			sr.Error = agent.UserMessage(err)
			result.Steps = append(result.Steps, sr)
			o.logger.Warn("workflow step failed",
				"workflow", def.Name, "step", step.Name, "error", err)
			if !step.ContinueOnError {
				aborted = true
			}
			continue
		}

		sr.Output = output
		result.Steps = append(result.Steps, sr)
		previous = output
	}

	if aborted {
		return result, agent.NewError(agent.CategoryRun, "workflow aborted on step failure", nil)
	}
	result.Output = previous
	if !usage.Empty() {
		result.Usage = &usage
	}
	return result, nil
}

// runParallel fans all steps out over the same input. Steps are
// isolated: one failure never cancels or taints its siblings, and the
// combined output includes every step that succeeded.
func (o *Orchestrator) runParallel(ctx context.Context, def Definition, opts model.CallOptions) (*Result, error) {
	if len(def.Steps) == 0 {
		return nil, agent.NewError(agent.CategoryValidation, "parallel workflow needs at least one step", nil)
	}

	results := make([]StepResult, len(def.Steps))
	var wg sync.WaitGroup
	for i := range def.Steps {
		step := def.Steps[i]
		wg.Add(1)
		go func(i int, step Step) {
			defer wg.Done()
			stepStart := time.Now()
			output, stepUsage, err := o.executeStep(ctx, step, def.Input, opts)
			sr := StepResult{Name: step.Name, Duration: time.Since(stepStart), Usage: stepUsage}
			if err != nil {
				sr.Error = agent.UserMessage(err)
				o.logger.Warn("workflow step failed",
					"workflow", def.Name, "step", step.Name, "error", err)
			} else {
				sr.Output = output
			}
			results[i] = sr
		}(i, step)
	}
	wg.Wait()

	result := &Result{Name: def.Name, Pattern: def.Pattern, Steps: results}
	var usage model.Usage
	var parts []string
	for _, sr := range results {
		usage.Add(sr.Usage)
		if sr.Error == "" {
			parts = append(parts, fmt.Sprintf("## %s\n%s", sr.Name, sr.Output))
		}
	}
	if len(parts) == 0 {
		return result, agent.NewError(agent.CategoryRun, "all workflow steps failed", nil)
	}
	result.Output = strings.Join(parts, "\n\n")
	if !usage.Empty() {
		result.Usage = &usage
	}
	return result, nil
}

// runOrchestratorWorker asks a planner agent to decompose the input
// into subtasks, runs them in parallel, then has a synthesizer agent
// fold the worker outputs into one answer.
func (o *Orchestrator) runOrchestratorWorker(ctx context.Context, def Definition, opts model.CallOptions) (*Result, error) {
	result := &Result{Name: def.Name, Pattern: def.Pattern}
	var usage model.Usage

	planPrompt := fmt.Sprintf(
		"Decompose the following task into at most %d independent subtasks. "+
			"Respond with only a JSON array of objects with \"name\" and \"prompt\" fields.\n\nTask:\n%s",
		maxSubtasks, def.Input)

	planStart := time.Now()
	planOutput, planUsage, err := o.runStep(ctx, def.Planner, planPrompt, false, opts)
	usage.Add(planUsage)
	result.Steps = append(result.Steps, StepResult{
		Name: "plan", Output: planOutput, Usage: planUsage, Duration: time.Since(planStart),
	})
	if err != nil {
		result.Steps[0].Error = agent.UserMessage(err)
		result.Steps[0].Output = ""
		return result, agent.NewError(agent.CategoryRun, "workflow planner failed", err)
	}

	var tasks []subtask
	if err := json.Unmarshal(extractJSON(planOutput), &tasks); err != nil || len(tasks) == 0 {
		// Planner output we cannot parse degrades to a single worker
		// handling the whole task.
		o.logger.Warn("planner output not parseable, running single worker",
			"workflow", def.Name, "error", err)
		tasks = []subtask{{Name: "task", Prompt: def.Input}}
	}
	if len(tasks) > maxSubtasks {
		tasks = tasks[:maxSubtasks]
	}

	workerResults := make([]StepResult, len(tasks))
	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		wg.Add(1)
		go func(i int, task subtask) {
			defer wg.Done()
			workerStart := time.Now()
			output, workerUsage, err := o.runStep(ctx, def.Agent(), task.Prompt, false, opts)
			sr := StepResult{Name: task.Name, Duration: time.Since(workerStart), Usage: workerUsage}
			if err != nil {
				sr.Error = agent.UserMessage(err)
				o.logger.Warn("workflow worker failed",
					"workflow", def.Name, "subtask", task.Name, "error", err)
			} else {
				sr.Output = output
			}
			workerResults[i] = sr
		}(i, task)
	}
	wg.Wait()

	var worked []string
	for _, sr := range workerResults {
		usage.Add(sr.Usage)
		result.Steps = append(result.Steps, sr)
		if sr.Error == "" {
			worked = append(worked, fmt.Sprintf("### %s\n%s", sr.Name, sr.Output))
		}
	}
	if len(worked) == 0 {
		return result, agent.NewError(agent.CategoryRun, "all workflow workers failed", nil)
	}

	synthPrompt := fmt.Sprintf(
		"Combine the following subtask results into a single coherent answer to the original task.\n\nOriginal task:\n%s\n\nSubtask results:\n\n%s",
		def.Input, strings.Join(worked, "\n\n"))

	synthStart := time.Now()
	finalOutput, synthUsage, err := o.runStep(ctx, def.Synthesizer, synthPrompt, false, opts)
	usage.Add(synthUsage)
	sr := StepResult{Name: "synthesize", Output: finalOutput, Usage: synthUsage, Duration: time.Since(synthStart)}
	if err != nil {
		sr.Error = agent.UserMessage(err)
		sr.Output = ""
		result.Steps = append(result.Steps, sr)
		return result, agent.NewError(agent.CategoryRun, "workflow synthesizer failed", err)
	}
	result.Steps = append(result.Steps, sr)

	result.Output = finalOutput
	if !usage.Empty() {
		result.Usage = &usage
	}
	return result, nil
}

// runEvaluatorOptimizer alternates a generator draft with an evaluator
// verdict until the evaluator is satisfied or the iteration bound is
// hit; the last draft always wins.
func (o *Orchestrator) runEvaluatorOptimizer(ctx context.Context, def Definition, opts model.CallOptions) (*Result, error) {
	result := &Result{Name: def.Name, Pattern: def.Pattern}
	var usage model.Usage

	var draft, feedback string
	for i := 1; i <= maxIterations; i++ {
		result.Iterations = i

		genPrompt := def.Input
		if feedback != "" {
			genPrompt = fmt.Sprintf(
				"%s\n\nYour previous attempt:\n%s\n\nReviewer feedback to address:\n%s",
				def.Input, draft, feedback)
		}

		genStart := time.Now()
		output, genUsage, err := o.runStep(ctx, def.Generator, genPrompt, false, opts)
		usage.Add(genUsage)
		sr := StepResult{
			Name: fmt.Sprintf("generate_%d", i), Output: output,
			Usage: genUsage, Duration: time.Since(genStart),
		}
		if err != nil {
			sr.Error = agent.UserMessage(err)
			sr.Output = ""
			result.Steps = append(result.Steps, sr)
			if draft != "" {
				// Keep the last good draft rather than failing the run.
				break
			}
			return result, agent.NewError(agent.CategoryRun, "workflow generator failed", err)
		}
		result.Steps = append(result.Steps, sr)
		draft = output

		evalPrompt := fmt.Sprintf(
			"Evaluate whether the following answer fully satisfies the task. "+
				"Respond with only a JSON object: {\"satisfactory\": bool, \"feedback\": string}.\n\nTask:\n%s\n\nAnswer:\n%s",
			def.Input, draft)

		evalStart := time.Now()
		verdict, evalUsage, err := o.runStep(ctx, def.Evaluator, evalPrompt, false, opts)
		usage.Add(evalUsage)
		sr = StepResult{
			Name: fmt.Sprintf("evaluate_%d", i), Output: verdict,
			Usage: evalUsage, Duration: time.Since(evalStart),
		}
		if err != nil {
			sr.Error = agent.UserMessage(err)
			sr.Output = ""
			result.Steps = append(result.Steps, sr)
			o.logger.Warn("workflow evaluator failed, accepting draft",
				"workflow", def.Name, "iteration", i, "error", err)
			break
		}
		result.Steps = append(result.Steps, sr)

		var eval Evaluation
		if err := json.Unmarshal(extractJSON(verdict), &eval); err != nil {
			o.logger.Warn("evaluator verdict not parseable, accepting draft",
				"workflow", def.Name, "iteration", i, "error", err)
			break
		}
		if eval.Satisfactory {
			break
		}
		feedback = eval.Feedback
		if feedback == "" {
			feedback = "The answer was judged unsatisfactory. Improve it."
		}
	}

	result.Output = draft
	if !usage.Empty() {
		result.Usage = &usage
	}
	return result, nil
}

// Agent returns the worker agent mode for orchestrator-worker runs:
// the first declared step's agent, else the default.
func (d Definition) Agent() string {
	if len(d.Steps) > 0 {
		return d.Steps[0].Agent
	}
	return ""
}

// extractJSON pulls the first JSON array or object out of model output
// that may be wrapped in prose or code fences.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	for _, pair := range [][2]byte{{'[', ']'}, {'{', '}'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start {
			return []byte(s[start : end+1])
		}
	}
	return []byte(s)
}
