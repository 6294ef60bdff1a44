package provider

import (
	"fmt"

	"github.com/classpilot/agent-platform/internal/config"
	"github.com/classpilot/agent-platform/pkg/logger"
)

// Registry resolves (provider, model) pairs to callable handles. It is
// populated at startup from configured credentials and read-only
// afterwards, so concurrent use needs no locking.
type Registry struct {
	handles  map[Key]Handle
	defaults map[Key]string
	logger   *logger.Logger
}

// NewRegistry constructs handles for every provider whose credential is
// present. Providers without credentials are simply not registered and
// resolve as unavailable.
func NewRegistry(cfg *config.Config, log *logger.Logger) *Registry {
	r := &Registry{
		handles: make(map[Key]Handle),
		defaults: map[Key]string{
			KeyOpenAI:    cfg.OpenAIDefaultModel,
			KeyAnthropic: cfg.AnthropicDefaultModel,
			KeyGoogle:    cfg.GoogleDefaultModel,
		},
		logger: log,
	}

	retries := cfg.ProviderMaxRetries

	if cfg.OpenAIAPIKey != "" {
		r.handles[KeyOpenAI] = withRetry(newOpenAIHandle(cfg.OpenAIAPIKey), retries)
		log.Info("model provider registered", "provider", KeyOpenAI)
	}
	if cfg.AnthropicAPIKey != "" {
		r.handles[KeyAnthropic] = withRetry(newAnthropicHandle(cfg.AnthropicAPIKey), retries)
		log.Info("model provider registered", "provider", KeyAnthropic)
	}
	if cfg.GoogleAPIKey != "" {
		h, err := newGoogleHandle(cfg.GoogleAPIKey)
		if err != nil {
			log.Warn("failed to create google client, provider disabled", "error", err)
		} else {
			r.handles[KeyGoogle] = withRetry(h, retries)
			log.Info("model provider registered", "provider", KeyGoogle)
		}
	}

	return r
}

// Resolve returns a handle for the provider along with the model name to
// use; an empty model selects the provider's configured default.
func (r *Registry) Resolve(provider Key, modelName string) (Handle, string, error) {
	switch provider {
	case KeyOpenAI, KeyAnthropic, KeyGoogle:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	handle, ok := r.handles[provider]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
	}

	if modelName == "" {
		modelName = r.defaults[provider]
	}
	return handle, modelName, nil
}

// Available lists providers with registered handles.
func (r *Registry) Available() []Key {
	keys := make([]Key, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	return keys
}

// register installs a handle directly. Exposed for tests.
func (r *Registry) register(key Key, h Handle) {
	r.handles[key] = h
}
