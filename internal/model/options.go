package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CallOptions is the per-invocation parameter bag, distinct from an
// agent's static configuration. It is schema-validated on every call.
type CallOptions struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	SchoolID       string `json:"school_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Mode selects the agent's operating mode (e.g. "chat", "homework_help").
	Mode string `json:"mode,omitempty"`

	MaxSteps int `json:"max_steps,omitempty"`

	EnableReasoning bool `json:"enable_reasoning,omitempty"`
	EnableTools     bool `json:"enable_tools,omitempty"`

	// Ephemeral runs skip conversation resolution and history entirely;
	// used for workflow steps that must not touch the user's chat.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

const callOptionsSchema = `{
	"type": "object",
	"properties": {
		"tenant_id":        {"type": "string", "minLength": 1, "maxLength": 64},
		"user_id":          {"type": "string", "minLength": 1, "maxLength": 64},
		"school_id":        {"type": "string", "maxLength": 64},
		"conversation_id":  {"type": "string", "maxLength": 64},
		"provider":         {"type": "string", "enum": ["", "openai", "anthropic", "google"]},
		"model":            {"type": "string", "maxLength": 128},
		"mode":             {"type": "string", "maxLength": 64},
		"max_steps":        {"type": "integer", "minimum": 0, "maximum": 25},
		"enable_reasoning": {"type": "boolean"},
		"enable_tools":     {"type": "boolean"},
		"ephemeral":        {"type": "boolean"}
	},
	"required": ["tenant_id", "user_id"],
	"additionalProperties": false
}`

var (
	callOptionsOnce     sync.Once
	callOptionsCompiled *jsonschema.Schema
	callOptionsInitErr  error
)

func compiledCallOptionsSchema() (*jsonschema.Schema, error) {
	callOptionsOnce.Do(func() {
		callOptionsCompiled, callOptionsInitErr = jsonschema.CompileString("call_options", callOptionsSchema)
	})
	return callOptionsCompiled, callOptionsInitErr
}

// Validate checks the options against their schema.
func (o *CallOptions) Validate() error {
	schema, err := compiledCallOptionsSchema()
	if err != nil {
		return fmt.Errorf("call options schema: %w", err)
	}

	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal call options: %w", err)
	}

	var payload any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return err
	}

	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid call options: %w", err)
	}
	return nil
}

// ConversationContext derives the persistence scope from the options.
func (o CallOptions) ConversationContext() ConversationContext {
	return ConversationContext{
		TenantID:       o.TenantID,
		UserID:         o.UserID,
		SchoolID:       o.SchoolID,
		ConversationID: o.ConversationID,
	}
}
