package service

import (
	"context"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/stream"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// AgentService fronts the agent catalog and the streaming pipeline.
// Agent selection happens here; execution belongs to the pipeline.
type AgentService struct {
	catalog  *agent.Catalog
	pipeline *stream.Pipeline
	store    *memory.Store
	logger   *logger.Logger
}

// NewAgentService creates a new agent service.
func NewAgentService(catalog *agent.Catalog, pipeline *stream.Pipeline, store *memory.Store, log *logger.Logger) *AgentService {
	return &AgentService{catalog: catalog, pipeline: pipeline, store: store, logger: log}
}

// Generate runs the selected agent to completion.
func (s *AgentService) Generate(ctx context.Context, prompt string, opts model.CallOptions) (*agent.RunResult, error) {
	ag, err := s.catalog.Get(opts.Mode)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Generate(ctx, ag, prompt, opts)
}

// Stream runs the selected agent, returning its event channel.
func (s *AgentService) Stream(ctx context.Context, prompt string, opts model.CallOptions) (<-chan model.StreamEvent, error) {
	ag, err := s.catalog.Get(opts.Mode)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Stream(ctx, ag, prompt, opts), nil
}

// Resume applies approval decisions to a suspended run and continues it.
func (s *AgentService) Resume(ctx context.Context, decisions []model.ApprovalDecision, opts model.CallOptions) (*agent.RunResult, error) {
	ag, err := s.catalog.Get(opts.Mode)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Resume(ctx, ag, decisions, opts)
}

// StreamResume is Resume with an event channel.
func (s *AgentService) StreamResume(ctx context.Context, decisions []model.ApprovalDecision, opts model.CallOptions) (<-chan model.StreamEvent, error) {
	ag, err := s.catalog.Get(opts.Mode)
	if err != nil {
		return nil, err
	}
	return s.pipeline.StreamResume(ctx, ag, decisions, opts), nil
}

// PendingApprovals lists a conversation's unresolved approval requests.
func (s *AgentService) PendingApprovals(ctx context.Context, convCtx model.ConversationContext) ([]model.ApprovalRequest, error) {
	if convCtx.ConversationID == "" {
		return nil, ErrConversationNotFound
	}
	history, err := s.store.Read(ctx, convCtx)
	if err != nil {
		return nil, err
	}
	return agent.PendingApprovals(history), nil
}
