// Package stream turns agent runs into ordered event sequences and
// decouples response delivery from history persistence: the consumer
// gets its events as they happen, and saving the turn runs afterwards
// on a background context so a persistence failure can never corrupt
// or fail an already-delivered stream.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/pkg/logger"
	"github.com/classpilot/agent-platform/pkg/metrics"
)

// DefaultPersistTimeout bounds a single background save.
const DefaultPersistTimeout = 10 * time.Second

// eventBuffer absorbs bursts so the producing loop rarely blocks on a
// slow consumer.
const eventBuffer = 64

// Pipeline runs agents and fans their output into event channels.
type Pipeline struct {
	runtime *agent.Runtime
	memory  *memory.Store
	logger  *logger.Logger

	persistTimeout time.Duration
	persisting     sync.WaitGroup
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPersistTimeout bounds each background save.
func WithPersistTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.persistTimeout = d
		}
	}
}

// NewPipeline creates a streaming pipeline.
func NewPipeline(rt *agent.Runtime, store *memory.Store, log *logger.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		runtime:        rt,
		memory:         store,
		logger:         log,
		persistTimeout: DefaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate runs the agent to completion, schedules persistence, and
// returns the result. The caller gets its answer before the save runs.
func (p *Pipeline) Generate(ctx context.Context, ag *agent.Agent, prompt string, opts model.CallOptions) (*agent.RunResult, error) {
	result, err := p.runtime.Generate(ctx, ag, prompt, opts)
	p.persistAsync(ctx, opts, result)
	return result, err
}

// Resume applies approval decisions to a suspended run and continues it
// to completion.
func (p *Pipeline) Resume(ctx context.Context, ag *agent.Agent, decisions []model.ApprovalDecision, opts model.CallOptions) (*agent.RunResult, error) {
	result, err := p.runtime.Resume(ctx, ag, decisions, opts, nil)
	p.persistAsync(ctx, opts, result)
	return result, err
}

// Stream runs the agent and returns the ordered event channel. The
// channel carries text/reasoning snapshots, tool activity, and exactly
// one terminal event (finish or error) before closing. Persistence is
// scheduled after the terminal event is delivered.
func (p *Pipeline) Stream(ctx context.Context, ag *agent.Agent, prompt string, opts model.CallOptions) <-chan model.StreamEvent {
	return p.streamWith(ctx, opts, func(emit agent.EmitFunc) (*agent.RunResult, error) {
		return p.runtime.Stream(ctx, ag, prompt, opts, emit)
	})
}

// StreamResume is Resume with an event channel.
func (p *Pipeline) StreamResume(ctx context.Context, ag *agent.Agent, decisions []model.ApprovalDecision, opts model.CallOptions) <-chan model.StreamEvent {
	return p.streamWith(ctx, opts, func(emit agent.EmitFunc) (*agent.RunResult, error) {
		return p.runtime.Resume(ctx, ag, decisions, opts, emit)
	})
}

func (p *Pipeline) streamWith(ctx context.Context, opts model.CallOptions, run func(agent.EmitFunc) (*agent.RunResult, error)) <-chan model.StreamEvent {
	ch := make(chan model.StreamEvent, eventBuffer)

	emit := func(ev model.StreamEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)

		result, err := run(emit)
		if err != nil {
			p.logger.Error("agent run failed",
				"tenant_id", opts.TenantID,
				"category", string(agent.CategoryOf(err)),
				"error", err,
			)
			emit(model.StreamEvent{
				Type:      model.EventError,
				Timestamp: time.Now(),
				Error: &model.ErrorEvent{
					Code:    string(agent.CategoryOf(err)),
					Message: agent.UserMessage(err),
				},
			})
		} else {
			finish := model.StreamEvent{Type: model.EventFinish, Timestamp: time.Now()}
			if result != nil {
				finish.Usage = result.Usage
			}
			emit(finish)
		}

		p.persistAsync(ctx, opts, result)
	}()

	return ch
}

// persistAsync saves the run's messages on a context detached from the
// request: the consumer may be gone by the time the save runs. Failures
// are logged and counted, never surfaced.
func (p *Pipeline) persistAsync(ctx context.Context, opts model.CallOptions, result *agent.RunResult) {
	if result == nil || len(result.Messages) == 0 {
		return
	}

	convCtx := opts.ConversationContext()
	convCtx.ConversationID = result.ConversationID
	messages := result.Messages

	p.persisting.Add(1)
	go func() {
		defer p.persisting.Done()

		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
		defer cancel()

		if err := p.memory.Append(saveCtx, convCtx, messages); err != nil {
			metrics.PersistenceFailuresTotal.WithLabelValues(convCtx.TenantID).Inc()
			p.logger.Error("failed to persist conversation turn",
				"tenant_id", convCtx.TenantID,
				"conversation_id", convCtx.ConversationID,
				"messages", len(messages),
				"error", err,
			)
		}
	}()
}

// Drain blocks until in-flight background saves finish, up to the
// given timeout. Used during shutdown.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.persisting.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
