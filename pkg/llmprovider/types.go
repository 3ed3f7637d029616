// Package llmprovider is the polymorphism-over-providers layer: a single
// Client interface backed by Anthropic, OpenAI, or Gemini, selected per
// session role by config.LLMRoleConfig. Tool definitions come straight from
// dispatch.Schema's raw JSON, so no provider variant needs a struct-typed
// parameter schema of its own.
package llmprovider

import (
	"context"
	"encoding/json"
)

// Role is the author of a completion message: system, user, or assistant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is one function invocation the model asked for.
type ToolCall struct {
	ID         string
	Name       string
	Parameters json.RawMessage
}

// ToolResult is the outcome of executing a ToolCall, fed back on the next
// turn as a user-role message.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of the conversation. An assistant message carries
// ToolCalls when the model chose to act instead of (or in addition to)
// responding in text; a user message carries ToolResults when it is
// reporting the outcome of the assistant's prior tool calls.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolDefinition is the LLM-facing shape of one dispatchable tool. Built
// directly from dispatch.Schema so provider clients never need their own
// notion of a parameter struct.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one completion call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Response is a single completion turn's outcome.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client is the shape every provider variant satisfies. Session runtime
// code depends only on this, never on a concrete provider package.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	ModelName() string
}
