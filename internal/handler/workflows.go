package handler

import (
	"encoding/json"
	"net/http"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/middleware"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/workflow"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// WorkflowHandler handles workflow execution endpoints.
type WorkflowHandler struct {
	orchestrator *workflow.Orchestrator
	logger       *logger.Logger
}

// NewWorkflowHandler creates a new workflow handler.
func NewWorkflowHandler(orc *workflow.Orchestrator, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{orchestrator: orc, logger: log}
}

// RunWorkflowRequest is the request body for workflow runs.
type RunWorkflowRequest struct {
	Workflow workflow.Definition `json:"workflow"`
	Options  model.CallOptions   `json:"options"`
}

// Run handles POST /api/v1/workflows/run
func (h *WorkflowHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orchestrator.Run(r.Context(), req.Workflow, callOptions(r, req.Options))
	if err != nil {
		h.logger.Error("workflow run failed",
			"workflow", req.Workflow.Name,
			"pattern", string(req.Workflow.Pattern),
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		// Partial results still go back with the error so the caller
		// can see which step failed.
		if result != nil {
			status := http.StatusInternalServerError
			if agent.CategoryOf(err) == agent.CategoryValidation {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]interface{}{
				"error":  agent.UserMessage(err),
				"code":   string(agent.CategoryOf(err)),
				"result": result,
			})
			return
		}
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
