// Package memory persists and retrieves ordered conversation history.
package memory

import (
	"context"
	"errors"

	"github.com/classpilot/agent-platform/internal/model"
)

// Typed persistence failures.
var (
	// ErrNotFound means no conversation document exists for the id.
	ErrNotFound = errors.New("conversation not found")

	// ErrAlreadyExists means an insert-if-absent lost the creation race.
	ErrAlreadyExists = errors.New("conversation already exists")
)

// DocumentStore is the tenant-scoped document port backing the
// conversation store. InsertIfAbsent must fail fast with
// ErrAlreadyExists on a uniqueness violation; Update is
// last-write-wins.
type DocumentStore interface {
	Get(ctx context.Context, tenantID, id string) (*model.Conversation, error)
	InsertIfAbsent(ctx context.Context, conv *model.Conversation) error
	Update(ctx context.Context, conv *model.Conversation) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID, userID string) ([]*model.Conversation, error)
}
