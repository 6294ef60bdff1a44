package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/agent-platform/internal/config"
	"github.com/classpilot/agent-platform/pkg/logger"
)

type fakeHandle struct {
	name string
}

func (f *fakeHandle) Generate(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Text: "ok", Model: req.Model}, nil
}

func (f *fakeHandle) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	return &Response{Text: "ok", Model: req.Model}, nil
}

func (f *fakeHandle) Name() string        { return f.name }
func (f *fakeHandle) Models() []string    { return nil }
func (f *fakeHandle) SupportsTools() bool { return true }

func testConfig() *config.Config {
	return &config.Config{
		OpenAIDefaultModel:    "gpt-4o",
		AnthropicDefaultModel: "claude-3-5-sonnet-20241022",
		GoogleDefaultModel:    "gemini-2.0-flash",
		ProviderMaxRetries:    3,
	}
}

func TestRegistryWithoutCredentialsHasNoProviders(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NewNop())
	assert.Empty(t, r.Available())

	_, _, err := r.Resolve(KeyOpenAI, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRegistryRegistersCredentialedProviders(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-test"
	cfg.AnthropicAPIKey = "sk-ant-test"

	r := NewRegistry(cfg, logger.NewNop())
	assert.ElementsMatch(t, []Key{KeyOpenAI, KeyAnthropic}, r.Available())

	_, _, err := r.Resolve(KeyGoogle, "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestResolveEmptyModelUsesProviderDefault(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NewNop())
	r.register(KeyOpenAI, &fakeHandle{name: "openai"})

	handle, modelName, err := r.Resolve(KeyOpenAI, "")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "gpt-4o", modelName)
}

func TestResolveExplicitModelWins(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NewNop())
	r.register(KeyOpenAI, &fakeHandle{name: "openai"})

	_, modelName, err := r.Resolve(KeyOpenAI, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", modelName)
}

func TestResolveUnknownProvider(t *testing.T) {
	r := NewRegistry(testConfig(), logger.NewNop())

	_, _, err := r.Resolve(Key("mystery"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.False(t, errors.Is(err, ErrProviderUnavailable))
}
