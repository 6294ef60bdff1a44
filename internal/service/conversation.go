// Package service provides business logic for the agent platform.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// ErrConversationNotFound is returned for missing or foreign-tenant
// conversations; the two cases are deliberately indistinguishable.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationService handles conversation lifecycle operations on top
// of the memory store.
type ConversationService struct {
	store  *memory.Store
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(store *memory.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{store: store, logger: log}
}

// Create creates a conversation, generating an id when none is given.
// Creating an id that already exists is not an error; the existing
// conversation wins.
func (s *ConversationService) Create(ctx context.Context, convCtx model.ConversationContext, req *model.CreateConversationRequest) (*model.Conversation, error) {
	convCtx.ConversationID = req.ID
	if convCtx.ConversationID == "" {
		convCtx.ConversationID = uuid.Must(uuid.NewV7()).String()
	}

	id, err := s.store.GetOrCreate(ctx, convCtx)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if req.Title != "" {
		if err := s.store.Rename(ctx, convCtx.TenantID, id, req.Title); err != nil {
			return nil, fmt.Errorf("set conversation title: %w", err)
		}
	}

	s.logger.Info("conversation created",
		"conversation_id", id,
		"tenant_id", convCtx.TenantID,
	)

	return &model.Conversation{
		ID:       id,
		TenantID: convCtx.TenantID,
		UserID:   convCtx.UserID,
		SchoolID: convCtx.SchoolID,
		Title:    req.Title,
		Messages: []model.Message{},
	}, nil
}

// List returns the caller's conversation summaries, most recent first.
func (s *ConversationService) List(ctx context.Context, tenantID, userID string) (*model.ListConversationsResponse, error) {
	summaries, err := s.store.List(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return &model.ListConversationsResponse{
		Conversations: summaries,
		Total:         len(summaries),
	}, nil
}

// History returns the ordered message history of a conversation.
func (s *ConversationService) History(ctx context.Context, convCtx model.ConversationContext) (*model.HistoryResponse, error) {
	if convCtx.ConversationID == "" {
		return nil, ErrConversationNotFound
	}
	messages, err := s.store.Read(ctx, convCtx)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return &model.HistoryResponse{
		ConversationID: convCtx.ConversationID,
		Messages:       messages,
	}, nil
}

// Clear empties a conversation's history without deleting it.
func (s *ConversationService) Clear(ctx context.Context, convCtx model.ConversationContext) error {
	if err := s.store.Clear(ctx, convCtx); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation.
func (s *ConversationService) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.store.Delete(ctx, tenantID, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", id, "tenant_id", tenantID)
	return nil
}
