// Package agent runs the generate-or-stream loop: instructions plus a
// tool set bound to a model, with a bounded tool round-trip state
// machine, approval suspension, and categorized failure handling.
package agent

import (
	"fmt"

	"github.com/classpilot/agent-platform/internal/provider"
)

// Agent is a static agent configuration. Per-invocation parameters
// arrive separately as model.CallOptions.
type Agent struct {
	// Name identifies the agent; doubles as the operating mode key.
	Name string

	// Instructions is the system prompt. Call-time context (school,
	// mode) is appended by the runtime.
	Instructions string

	// Tools lists gateway tool names this agent may invoke.
	Tools []string

	// Provider and Model select the default backend; call options can
	// override both.
	Provider provider.Key
	Model    string

	// MaxSteps bounds model round trips per run. Zero uses the runtime
	// default.
	MaxSteps int
}

// Catalog is the agent registry: populated at startup, read-only
// afterwards, safe for concurrent use.
type Catalog struct {
	agents  map[string]*Agent
	defName string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{agents: make(map[string]*Agent)}
}

// Register adds an agent; the first registered agent becomes the default.
func (c *Catalog) Register(a *Agent) {
	if len(c.agents) == 0 {
		c.defName = a.Name
	}
	c.agents[a.Name] = a
}

// Get returns the agent for a mode, or the default when mode is empty.
func (c *Catalog) Get(mode string) (*Agent, error) {
	if mode == "" {
		mode = c.defName
	}
	a, ok := c.agents[mode]
	if !ok {
		return nil, NewError(CategoryValidation, fmt.Sprintf("unknown agent mode %q", mode), nil)
	}
	return a, nil
}
