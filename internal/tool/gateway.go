package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

// MaxInputSize bounds tool input JSON to prevent resource exhaustion.
const MaxInputSize = 1 << 20

// Gateway registers tools and executes model-requested calls. It is
// populated at startup and read-only afterwards; BuildToolSet produces
// per-call bindings.
type Gateway struct {
	tools  map[string]*registeredTool
	logger *logger.Logger
}

type registeredTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// NewGateway creates an empty gateway.
func NewGateway(log *logger.Logger) *Gateway {
	return &Gateway{
		tools:  make(map[string]*registeredTool),
		logger: log,
	}
}

// Register adds a tool. Registration is idempotent by name; the last
// registration wins with a warning on overwrite.
func (g *Gateway) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %q has no executor", def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(def.Name+"_input", string(def.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %q input schema: %w", def.Name, err)
		}
		schema = compiled
	}

	if _, exists := g.tools[def.Name]; exists {
		g.logger.Warn("tool registration overwritten", "tool", def.Name)
	}
	g.tools[def.Name] = &registeredTool{def: def, schema: schema}
	return nil
}

// BuildToolSet produces context-bound closures for one agent call.
func (g *Gateway) BuildToolSet(convCtx model.ConversationContext, names []string) map[string]*BoundTool {
	set := make(map[string]*BoundTool)
	for _, name := range names {
		rt, ok := g.tools[name]
		if !ok {
			g.logger.Warn("agent references unregistered tool", "tool", name)
			continue
		}
		set[name] = &BoundTool{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			Schema:      rt.def.InputSchema,
			gateway:     g,
			convCtx:     convCtx,
		}
	}
	return set
}

// Invoke routes one tool call: validate input, apply the read-only
// guard for query-like tools, consult the approval gate, then execute.
// Failures become tool-error results rather than fatal errors so the
// model can recover.
func (g *Gateway) Invoke(ctx context.Context, call model.ToolCall, convCtx model.ConversationContext) *Invocation {
	rt, ok := g.tools[call.Name]
	if !ok {
		return errorResult(call, "tool not found: "+call.Name)
	}

	if inv := g.validate(rt, call); inv != nil {
		return inv
	}

	if rt.def.NeedsApproval != nil && rt.def.NeedsApproval(call.Input) {
		metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "suspended").Inc()
		return &Invocation{Approval: &model.ApprovalRequest{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Input:      call.Input,
			Reason:     "tool requires human approval",
			CreatedAt:  time.Now(),
		}}
	}

	return g.execute(ctx, rt, call, convCtx)
}

// InvokeApproved executes a call whose approval has been granted. The
// input is re-validated; the approval gate is not consulted again.
func (g *Gateway) InvokeApproved(ctx context.Context, call model.ToolCall, convCtx model.ConversationContext) *Invocation {
	rt, ok := g.tools[call.Name]
	if !ok {
		return errorResult(call, "tool not found: "+call.Name)
	}
	if inv := g.validate(rt, call); inv != nil {
		return inv
	}
	return g.execute(ctx, rt, call, convCtx)
}

// validate checks input size, schema, and the read-only query guard.
// A non-nil return is an error invocation.
func (g *Gateway) validate(rt *registeredTool, call model.ToolCall) *Invocation {
	if len(call.Input) > MaxInputSize {
		return errorResult(call, fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxInputSize))
	}

	if rt.schema != nil {
		var payload any
		dec := json.NewDecoder(bytes.NewReader(call.Input))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return errorResult(call, "tool input is not valid JSON: "+err.Error())
		}
		if err := rt.schema.Validate(payload); err != nil {
			metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "invalid").Inc()
			return errorResult(call, "tool input validation failed: "+err.Error())
		}
	}

	// Hard precondition for query-like tools, checked before the
	// approval gate is evaluated.
	if rt.def.QueryInput != "" {
		var fields map[string]any
		if err := json.Unmarshal(call.Input, &fields); err == nil {
			if q, ok := fields[rt.def.QueryInput].(string); ok {
				if err := GuardReadOnlyQuery(q); err != nil {
					metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "rejected").Inc()
					return errorResult(call, "query rejected: "+err.Error())
				}
			}
		}
	}

	return nil
}

func (g *Gateway) execute(ctx context.Context, rt *registeredTool, call model.ToolCall, convCtx model.ConversationContext) *Invocation {
	start := time.Now()

	ctx, span := otel.Tracer("tool").Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool", call.Name))
	defer span.End()

	output, err := func() (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool panicked: %v", r)
			}
		}()
		return rt.def.Execute(ctx, call.Input, convCtx)
	}()

	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		g.logger.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
		metrics.RecordToolExecution(call.Name, "error", elapsed)
		return errorResult(call, "tool execution failed: "+err.Error())
	}
	metrics.RecordToolExecution(call.Name, "success", elapsed)

	content := ""
	if rt.def.OutputFormatter != nil {
		content = rt.def.OutputFormatter(call.Input, output)
	} else if s, ok := output.(string); ok {
		content = s
	} else if encoded, err := json.Marshal(output); err == nil {
		content = string(encoded)
	}

	raw, _ := json.Marshal(output)
	return &Invocation{Result: &model.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		Raw:        raw,
	}}
}

func errorResult(call model.ToolCall, msg string) *Invocation {
	return &Invocation{Result: &model.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    msg,
		IsError:    true,
	}}
}
