package memory

import (
	"context"
	"sync"

	"github.com/classpilot/agent-platform/internal/model"
)

// InMemoryStore is a DocumentStore kept in process memory. Used in
// tests and local development without NATS.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*model.Conversation
}

// NewInMemoryStore creates an empty in-memory document store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]*model.Conversation)}
}

func docKey(tenantID, id string) string {
	return tenantID + "." + id
}

func copyConversation(conv *model.Conversation) *model.Conversation {
	c := *conv
	c.Messages = make([]model.Message, len(conv.Messages))
	copy(c.Messages, conv.Messages)
	return &c
}

// Get returns the conversation or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.docs[docKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

// InsertIfAbsent stores the conversation, failing fast with
// ErrAlreadyExists when the key is taken.
func (s *InMemoryStore) InsertIfAbsent(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(conv.TenantID, conv.ID)
	if _, exists := s.docs[key]; exists {
		return ErrAlreadyExists
	}
	s.docs[key] = copyConversation(conv)
	return nil
}

// Update overwrites the conversation, last write wins.
func (s *InMemoryStore) Update(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(conv.TenantID, conv.ID)
	if _, exists := s.docs[key]; !exists {
		return ErrNotFound
	}
	s.docs[key] = copyConversation(conv)
	return nil
}

// Delete removes the conversation document.
func (s *InMemoryStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(tenantID, id)
	if _, exists := s.docs[key]; !exists {
		return ErrNotFound
	}
	delete(s.docs, key)
	return nil
}

// List returns the user's conversations within a tenant.
func (s *InMemoryStore) List(ctx context.Context, tenantID, userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Conversation
	for _, conv := range s.docs {
		if conv.TenantID == tenantID && conv.UserID == userID {
			out = append(out, copyConversation(conv))
		}
	}
	return out, nil
}
