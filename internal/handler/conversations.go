package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classpilot/agent-platform/internal/middleware"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/service"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// ConversationHandler handles conversation CRUD endpoints.
type ConversationHandler struct {
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{conversationService: svc, logger: log}
}

func requestContext(r *http.Request) model.ConversationContext {
	ctx := r.Context()
	return model.ConversationContext{
		TenantID: middleware.GetTenantID(ctx),
		UserID:   middleware.GetUserID(ctx),
		SchoolID: middleware.GetSchoolID(ctx),
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID != "" {
		if err := middleware.ValidateConversationID(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.conversationService.Create(r.Context(), requestContext(r), &req)
	if err != nil {
		h.logger.Error("failed to create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convCtx := requestContext(r)
	resp, err := h.conversationService.List(r.Context(), convCtx.TenantID, convCtx.UserID)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// History handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	convCtx := requestContext(r)
	convCtx.ConversationID = chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(convCtx.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.conversationService.History(r.Context(), convCtx)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to read history", "error", err, "conversation_id", convCtx.ConversationID)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Clear handles DELETE /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	convCtx := requestContext(r)
	convCtx.ConversationID = chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(convCtx.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.conversationService.Clear(r.Context(), convCtx); err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to clear conversation", "error", err, "conversation_id", convCtx.ConversationID)
		writeError(w, http.StatusInternalServerError, "failed to clear conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	convCtx := requestContext(r)
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.conversationService.Delete(r.Context(), convCtx.TenantID, id); err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to delete conversation", "error", err, "conversation_id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
