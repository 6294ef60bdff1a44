// Package workflow composes multiple agent runs into larger units of
// work: sequential chains, parallel fan-out, planner-driven
// orchestrator-worker decomposition, and an evaluate-and-revise loop.
// Steps run as ephemeral agent invocations; workflows never write into
// the user's conversation history.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/classpilot/agent-platform/internal/model"
)

// Pattern names an execution strategy.
type Pattern string

const (
	PatternSequential         Pattern = "sequential"
	PatternParallel           Pattern = "parallel"
	PatternOrchestratorWorker Pattern = "orchestrator_worker"
	PatternEvaluatorOptimizer Pattern = "evaluator_optimizer"
)

// Step is one unit of a workflow: either an agent invocation (Prompt)
// or a direct gateway tool call (Tool + Input).
type Step struct {
	// Name identifies the step in results and logs.
	Name string `json:"name"`

	// Agent selects the catalog agent (by mode) that runs the step.
	// Empty uses the default agent.
	Agent string `json:"agent,omitempty"`

	// Prompt is the step's instruction. In sequential workflows the
	// previous step's output is appended as context.
	Prompt string `json:"prompt,omitempty"`

	// Tool names a registered gateway tool to invoke directly, without
	// a model in between; Input carries its JSON arguments. Mutually
	// exclusive with Prompt.
	Tool  string          `json:"tool,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Condition gates the step in sequential runs: when set, the step
	// runs only if the incoming text contains it (case-insensitive).
	// A step whose condition does not hold is recorded as skipped, and
	// the chain continues with the previous output.
	Condition string `json:"condition,omitempty"`

	// EnableTools lets an agent step call tools through the gateway.
	EnableTools bool `json:"enable_tools,omitempty"`

	// ContinueOnError keeps a sequential workflow going past this
	// step's failure; later steps see the last successful output.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Definition describes a runnable workflow.
type Definition struct {
	Name    string  `json:"name"`
	Pattern Pattern `json:"pattern"`
	Input   string  `json:"input"`
	Steps   []Step  `json:"steps,omitempty"`

	// Planner and Synthesizer select agents for the
	// orchestrator-worker pattern; Generator and Evaluator for the
	// evaluator-optimizer pattern. Empty values use the default agent.
	Planner     string `json:"planner,omitempty"`
	Synthesizer string `json:"synthesizer,omitempty"`
	Generator   string `json:"generator,omitempty"`
	Evaluator   string `json:"evaluator,omitempty"`
}

// StepResult records one step's outcome. A failed step carries Error
// and an empty Output; it never aborts sibling steps in parallel runs.
type StepResult struct {
	Name     string        `json:"name"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Usage    *model.Usage  `json:"usage,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// Result is a completed workflow run.
type Result struct {
	Name       string        `json:"name"`
	Pattern    Pattern       `json:"pattern"`
	Output     string        `json:"output"`
	Steps      []StepResult  `json:"steps"`
	Iterations int           `json:"iterations,omitempty"`
	Usage      *model.Usage  `json:"usage,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
}

// Evaluation is the evaluator agent's verdict on a draft.
type Evaluation struct {
	Satisfactory bool   `json:"satisfactory"`
	Feedback     string `json:"feedback,omitempty"`
}

// subtask is one planner-produced unit in the orchestrator-worker
// pattern.
type subtask struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}
