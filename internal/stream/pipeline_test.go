package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/agent-platform/internal/agent"
	"github.com/classpilot/agent-platform/internal/memory"
	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/provider"
	"github.com/classpilot/agent-platform/internal/tool"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// scriptedHandle streams a fixed text in two chunks.
type scriptedHandle struct {
	text string
	err  error
}

func (h *scriptedHandle) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if h.err != nil {
		return nil, h.err
	}
	return &provider.Response{Text: h.text, StopReason: "stop"}, nil
}

func (h *scriptedHandle) Stream(ctx context.Context, req *provider.Request, fn provider.StreamFunc) (*provider.Response, error) {
	if h.err != nil {
		return nil, h.err
	}
	half := len(h.text) / 2
	for _, piece := range []string{h.text[:half], h.text[half:]} {
		if piece == "" {
			continue
		}
		if err := fn(provider.Chunk{Text: piece}); err != nil {
			return nil, err
		}
	}
	return &provider.Response{Text: h.text, StopReason: "stop"}, nil
}

func (h *scriptedHandle) Name() string        { return "scripted" }
func (h *scriptedHandle) Models() []string    { return []string{"test-model"} }
func (h *scriptedHandle) SupportsTools() bool { return false }

type fixedResolver struct{ handle provider.Handle }

func (r *fixedResolver) Resolve(key provider.Key, modelName string) (provider.Handle, string, error) {
	return r.handle, "test-model", nil
}

// slowDocs delays or fails writes to exercise persistence decoupling.
type slowDocs struct {
	memory.DocumentStore

	mu        sync.Mutex
	updateErr error
	delay     time.Duration
	updates   int
}

func (d *slowDocs) Update(ctx context.Context, conv *model.Conversation) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.updates++
	err := d.updateErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.DocumentStore.Update(ctx, conv)
}

func (d *slowDocs) updateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memory.Store
	docs     *slowDocs
	agent    *agent.Agent
}

func newPipelineFixture(t *testing.T, handle provider.Handle) *pipelineFixture {
	t.Helper()
	docs := &slowDocs{DocumentStore: memory.NewInMemoryStore()}
	store := memory.NewStore(docs, logger.NewNop())
	rt := agent.NewRuntime(&fixedResolver{handle: handle}, tool.NewGateway(logger.NewNop()), store, logger.NewNop())
	return &pipelineFixture{
		pipeline: NewPipeline(rt, store, logger.NewNop()),
		store:    store,
		docs:     docs,
		agent:    &agent.Agent{Name: "chat", Instructions: "Be brief."},
	}
}

func pipelineOpts() model.CallOptions {
	return model.CallOptions{TenantID: "t1", UserID: "u1", ConversationID: "conv-1"}
}

func collect(t *testing.T, ch <-chan model.StreamEvent) []model.StreamEvent {
	t.Helper()
	var events []model.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestStreamDeliversCumulativeTextThenFinish(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{text: "Hi there"})

	events := collect(t, f.pipeline.Stream(context.Background(), f.agent, "hi", pipelineOpts()))
	require.Len(t, events, 3)

	assert.Equal(t, model.EventTextDelta, events[0].Type)
	assert.Equal(t, "Hi t", events[0].Text)
	assert.Equal(t, model.EventTextDelta, events[1].Type)
	assert.Equal(t, "Hi there", events[1].Text)
	assert.Equal(t, model.EventFinish, events[2].Type)
}

func TestStreamEndsWithSingleTerminalEvent(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{text: "answer text"})

	events := collect(t, f.pipeline.Stream(context.Background(), f.agent, "q", pipelineOpts()))
	require.NotEmpty(t, events)

	var terminals int
	for _, ev := range events {
		if ev.Type == model.EventFinish || ev.Type == model.EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	last := events[len(events)-1].Type
	assert.True(t, last == model.EventFinish || last == model.EventError)
}

func TestStreamFailureEmitsNonLeakingError(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{err: errors.New("api key sk-secret rejected")})

	events := collect(t, f.pipeline.Stream(context.Background(), f.agent, "hi", pipelineOpts()))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(agent.CategoryRun), last.Error.Code)
	assert.NotContains(t, last.Error.Message, "sk-secret")
}

func TestPersistenceHappensAfterDelivery(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{text: "persisted answer"})
	f.docs.delay = 50 * time.Millisecond

	start := time.Now()
	events := collect(t, f.pipeline.Stream(context.Background(), f.agent, "hi", pipelineOpts()))
	delivered := time.Since(start)

	// The terminal event arrives without waiting for the slow write.
	assert.Equal(t, model.EventFinish, events[len(events)-1].Type)
	assert.Less(t, delivered, 50*time.Millisecond)

	require.True(t, f.pipeline.Drain(5*time.Second))
	msgs, err := f.store.Read(context.Background(), pipelineOpts().ConversationContext())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "persisted answer", msgs[1].Content)
}

func TestPersistenceFailureDoesNotFailStream(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{text: "still delivered"})
	f.docs.updateErr = errors.New("bucket gone")

	events := collect(t, f.pipeline.Stream(context.Background(), f.agent, "hi", pipelineOpts()))
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventFinish, events[len(events)-1].Type)

	require.True(t, f.pipeline.Drain(5*time.Second))
	assert.GreaterOrEqual(t, f.docs.updateCount(), 1)
}

func TestGenerateSchedulesPersistence(t *testing.T) {
	f := newPipelineFixture(t, &scriptedHandle{text: "stored"})

	res, err := f.pipeline.Generate(context.Background(), f.agent, "hi", pipelineOpts())
	require.NoError(t, err)
	assert.Equal(t, "stored", res.Text)

	require.True(t, f.pipeline.Drain(5*time.Second))
	msgs, err := f.store.Read(context.Background(), pipelineOpts().ConversationContext())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestStreamStopsWhenClientCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newPipelineFixture(t, &scriptedHandle{text: "hello out there"})

	ch := f.pipeline.Stream(ctx, f.agent, "hi", pipelineOpts())
	cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-timeout:
			t.Fatal("channel did not close after cancellation")
		}
	}
}
