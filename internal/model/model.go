// Package model defines the provider-agnostic language-model oracle contract
// used by the orchestrator's decision node (C3) and planner/executor loop
// (C5, model-planner strategy). Per spec.md §1, the model itself is treated
// as an opaque oracle with a fixed request shape; this package is that
// shape, plus adapters for concrete providers.
package model

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message mirrors one turn of conversation passed to or produced by the
	// model. It maps directly onto Session State's `messages` log
	// (spec.md §3).
	Message struct {
		Role    Role
		Content string
		Meta    map[string]any
	}

	// ToolDefinition describes a tool exposed to the model for a planning
	// pass, derived from the service registry (spec.md §6).
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		Name    string
		Payload json.RawMessage
		ID      string
	}

	// TokenUsage tracks token counts for one model call. Both adapters fill
	// it from the provider's reply; no caller in this module logs or
	// records it.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request is the fixed request shape sent to the oracle: system prompt,
	// conversation history, optional tool definitions, and a generation cap.
	Request struct {
		System    string
		Messages  []Message
		Tools     []ToolDefinition
		MaxTokens int
		// Temperature is not forwarded by either adapter
		// (internal/model/anthropic, internal/model/openai); every request
		// runs at the provider's default temperature.
		Temperature float64
	}

	// Response is the oracle's reply: free text and/or tool calls.
	Response struct {
		Text      string
		ToolCalls []ToolCall
		Usage     TokenUsage
	}

	// Client is the model oracle contract. Implementations wrap a concrete
	// provider SDK (see internal/model/anthropic, internal/model/openai).
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}
)
