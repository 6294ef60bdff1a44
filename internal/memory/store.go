package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

const (
	// DefaultMaxMessages caps stored history; truncation drops from the
	// oldest end.
	DefaultMaxMessages = 1000

	// titleMaxLen bounds the derived conversation title.
	titleMaxLen = 60
)

// Store is the conversation memory store: ordered message history per
// conversation with at most one document per conversation id.
type Store struct {
	docs        DocumentStore
	logger      *logger.Logger
	maxMessages int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the history cap.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// NewStore creates a conversation store over a document store.
func NewStore(docs DocumentStore, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		docs:        docs,
		logger:      log,
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate resolves the context to a conversation id, creating the
// document when needed. With an explicit id the insert is idempotent:
// losing the creation race to a concurrent caller is treated as
// "already created", never propagated. Without an id the caller's most
// recently updated conversation is reused, or a fresh one created.
func (s *Store) GetOrCreate(ctx context.Context, convCtx model.ConversationContext) (string, error) {
	if convCtx.ConversationID != "" {
		_, err := s.docs.Get(ctx, convCtx.TenantID, convCtx.ConversationID)
		if err == nil {
			return convCtx.ConversationID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("failed to check conversation: %w", err)
		}

		err = s.docs.InsertIfAbsent(ctx, s.newConversation(convCtx, convCtx.ConversationID))
		if err != nil && !errors.Is(err, ErrAlreadyExists) {
			return "", fmt.Errorf("failed to create conversation: %w", err)
		}
		if err == nil {
			metrics.ConversationsTotal.WithLabelValues(convCtx.TenantID).Inc()
		}
		return convCtx.ConversationID, nil
	}

	existing, err := s.docs.List(ctx, convCtx.TenantID, convCtx.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(existing) > 0 {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].UpdatedAt.After(existing[j].UpdatedAt)
		})
		return existing[0].ID, nil
	}

	id := uuid.Must(uuid.NewV7()).String()
	if err := s.docs.InsertIfAbsent(ctx, s.newConversation(convCtx, id)); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.WithLabelValues(convCtx.TenantID).Inc()
	return id, nil
}

func (s *Store) newConversation(convCtx model.ConversationContext, id string) *model.Conversation {
	now := time.Now()
	return &model.Conversation{
		ID:        id,
		TenantID:  convCtx.TenantID,
		UserID:    convCtx.UserID,
		SchoolID:  convCtx.SchoolID,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds messages to the conversation in order, truncating to the
// most recent maxMessages. The first append on an empty conversation
// also derives the title from the first user message.
func (s *Store) Append(ctx context.Context, convCtx model.ConversationContext, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	id, err := s.GetOrCreate(ctx, convCtx)
	if err != nil {
		return err
	}

	conv, err := s.docs.Get(ctx, convCtx.TenantID, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	wasEmpty := len(conv.Messages) == 0
	conv.Messages = append(conv.Messages, messages...)
	if excess := len(conv.Messages) - s.maxMessages; excess > 0 {
		conv.Messages = conv.Messages[excess:]
	}
	if wasEmpty && conv.Title == "" {
		conv.Title = deriveTitle(messages)
	}
	conv.UpdatedAt = time.Now()

	if err := s.docs.Update(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	for _, m := range messages {
		metrics.MessagesTotal.WithLabelValues(convCtx.TenantID, string(m.Role)).Inc()
	}
	return nil
}

// Read returns the conversation's messages. A missing conversation
// reads as empty history, not an error: callers treat "no history" and
// "brand-new conversation" identically.
func (s *Store) Read(ctx context.Context, convCtx model.ConversationContext) ([]model.Message, error) {
	if convCtx.ConversationID == "" {
		return nil, nil
	}
	conv, err := s.docs.Get(ctx, convCtx.TenantID, convCtx.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Clear empties the message history without deleting the conversation.
func (s *Store) Clear(ctx context.Context, convCtx model.ConversationContext) error {
	conv, err := s.docs.Get(ctx, convCtx.TenantID, convCtx.ConversationID)
	if err != nil {
		return err
	}
	conv.Messages = []model.Message{}
	conv.UpdatedAt = time.Now()
	return s.docs.Update(ctx, conv)
}

// List returns conversation summaries for a user, most recent first.
func (s *Store) List(ctx context.Context, tenantID, userID string) ([]model.ConversationSummary, error) {
	convs, err := s.docs.List(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	summaries := make([]model.ConversationSummary, len(convs))
	for i, c := range convs {
		summaries[i] = model.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		}
	}
	return summaries, nil
}

// Rename sets an explicit conversation title, replacing any derived one.
func (s *Store) Rename(ctx context.Context, tenantID, id, title string) error {
	conv, err := s.docs.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return s.docs.Update(ctx, conv)
}

// Delete removes the conversation document.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	return s.docs.Delete(ctx, tenantID, id)
}

// deriveTitle produces a short title from the first user message.
func deriveTitle(messages []model.Message) string {
	for _, m := range messages {
		if m.Role != model.RoleUser || m.Content == "" {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if line := strings.SplitN(title, "\n", 2); len(line) > 0 {
			title = line[0]
		}
		if utf8.RuneCountInString(title) > titleMaxLen {
			runes := []rune(title)
			title = strings.TrimSpace(string(runes[:titleMaxLen-1])) + "…"
		}
		return title
	}
	return ""
}
