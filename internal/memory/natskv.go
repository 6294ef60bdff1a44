package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/classpilot/agent-platform/internal/model"
)

// NATSKVStore is a DocumentStore over a JetStream key-value bucket.
// Keys are "<tenant>.<conversation>". KV Create is the insert-if-absent
// primitive: the second of two racing creators receives ErrKeyExists,
// which satisfies the idempotent get-or-create contract. Put is
// last-write-wins, matching the storage-layer guarantee for history.
type NATSKVStore struct {
	kv jetstream.KeyValue
}

// NewNATSKVStore ensures the bucket exists and returns a store over it.
func NewNATSKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSKVStore, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "conversation documents",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}
	return &NATSKVStore{kv: kv}, nil
}

func kvKey(tenantID, id string) string {
	return tenantID + "." + id
}

// Get returns the conversation or ErrNotFound.
func (s *NATSKVStore) Get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	entry, err := s.kv.Get(ctx, kvKey(tenantID, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation document %s: %w", id, err)
	}
	return &conv, nil
}

// InsertIfAbsent creates the document, translating the KV uniqueness
// violation into ErrAlreadyExists.
func (s *NATSKVStore) InsertIfAbsent(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	_, err = s.kv.Create(ctx, kvKey(conv.TenantID, conv.ID), data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return ErrAlreadyExists
	}
	return err
}

// Update overwrites the document, last write wins.
func (s *NATSKVStore) Update(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, kvKey(conv.TenantID, conv.ID), data)
	return err
}

// Delete removes the document.
func (s *NATSKVStore) Delete(ctx context.Context, tenantID, id string) error {
	err := s.kv.Purge(ctx, kvKey(tenantID, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// List returns the user's conversations within a tenant. The bucket is
// scanned by tenant prefix; fine at conversation-per-user scale.
func (s *NATSKVStore) List(ctx context.Context, tenantID, userID string) ([]*model.Conversation, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	prefix := tenantID + "."
	var out []*model.Conversation
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var conv model.Conversation
		if err := json.Unmarshal(entry.Value(), &conv); err != nil {
			continue
		}
		if conv.UserID == userID {
			out = append(out, &conv)
		}
	}
	return out, nil
}
