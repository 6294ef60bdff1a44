package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/middleware"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/service"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// AgentHandler handles agent run endpoints.
type AgentHandler struct {
	agentService *service.AgentService
	logger       *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(svc *service.AgentService, log *logger.Logger) *AgentHandler {
	return &AgentHandler{agentService: svc, logger: log}
}

// GenerateRequest is the request body for agent runs.
type GenerateRequest struct {
	Prompt  string            `json:"prompt"`
	Options model.CallOptions `json:"options"`
}

// ResumeRequest resolves pending approvals of a suspended run.
type ResumeRequest struct {
	ConversationID string                   `json:"conversation_id"`
	Decisions      []model.ApprovalDecision `json:"decisions"`
	Options        model.CallOptions        `json:"options"`
}

// RunResponse is the non-streaming run result.
type RunResponse struct {
	ConversationID string                  `json:"conversation_id"`
	Text           string                  `json:"text"`
	Steps          int                     `json:"steps"`
	Usage          *model.Usage            `json:"usage,omitempty"`
	Pending        []model.ApprovalRequest `json:"pending_approvals,omitempty"`
}

// callOptions merges the request options with the authenticated
// identity; the token always wins over the body.
func callOptions(r *http.Request, opts model.CallOptions) model.CallOptions {
	ctx := r.Context()
	opts.TenantID = middleware.GetTenantID(ctx)
	opts.UserID = middleware.GetUserID(ctx)
	if opts.SchoolID == "" {
		opts.SchoolID = middleware.GetSchoolID(ctx)
	}
	opts.Ephemeral = false
	return opts
}

func runResponse(res *agent.RunResult) *RunResponse {
	return &RunResponse{
		ConversationID: res.ConversationID,
		Text:           res.Text,
		Steps:          res.Steps,
		Usage:          res.Usage,
		Pending:        res.Pending,
	}
}

// Generate handles POST /api/v1/agent/generate
func (h *AgentHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.agentService.Generate(r.Context(), req.Prompt, callOptions(r, req.Options))
	if err != nil {
		h.logger.Error("agent generate failed",
			"error", err,
			"category", string(agent.CategoryOf(err)),
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

// Stream handles POST /api/v1/agent/stream
func (h *AgentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.agentService.Stream(r.Context(), req.Prompt, callOptions(r, req.Options))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	h.serveEvents(w, r, events)
}

// Resume handles POST /api/v1/agent/resume
func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeResume(w, r)
	if !ok {
		return
	}

	opts := callOptions(r, req.Options)
	opts.ConversationID = req.ConversationID
	res, err := h.agentService.Resume(r.Context(), req.Decisions, opts)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

// ResumeStream handles POST /api/v1/agent/resume/stream
func (h *AgentHandler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeResume(w, r)
	if !ok {
		return
	}

	opts := callOptions(r, req.Options)
	opts.ConversationID = req.ConversationID
	events, err := h.agentService.StreamResume(r.Context(), req.Decisions, opts)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	h.serveEvents(w, r, events)
}

// Approvals handles GET /api/v1/conversations/{id}/approvals
func (h *AgentHandler) Approvals(w http.ResponseWriter, r *http.Request) {
	convCtx := requestContext(r)
	convCtx.ConversationID = chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(convCtx.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pending, err := h.agentService.PendingApprovals(r.Context(), convCtx)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id":   convCtx.ConversationID,
		"pending_approvals": pending,
	})
}

func (h *AgentHandler) decodeResume(w http.ResponseWriter, r *http.Request) (*ResumeRequest, bool) {
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(req.Decisions) == 0 {
		writeError(w, http.StatusBadRequest, "at least one decision is required")
		return nil, false
	}
	decidedBy := middleware.GetUserID(r.Context())
	for i := range req.Decisions {
		if req.Decisions[i].DecidedBy == "" {
			req.Decisions[i].DecidedBy = decidedBy
		}
		req.Decisions[i].DecidedAt = time.Now()
	}
	return &req, true
}

// serveEvents pumps the run's event channel over SSE until the channel
// closes (the terminal event was delivered) or the client goes away.
func (h *AgentHandler) serveEvents(w http.ResponseWriter, r *http.Request, events <-chan model.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("SSE client disconnected",
				"correlation_id", middleware.GetCorrelationID(r.Context()))
			return

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})

		case ev, open := <-events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)
		}
	}
}
