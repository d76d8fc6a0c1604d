// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// EventType discriminates streamed provider output.
type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	// EventToolCallStart announces a call once its id and name are known.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallDelta carries an argument fragment in Text.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventToolCall reports a complete call.
	EventToolCall EventType = "tool_call"
)

// StreamEvent is one unit of provider output, delivered in arrival order.
// Tool call events of one call share ToolCall.ID.
type StreamEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
}

// emitToolCall reports a call that arrived in one piece as start, one
// argument delta and the complete call.
func emitToolCall(call *ToolCall, callback StreamCallback) error {
	if err := callback(StreamEvent{Type: EventToolCallStart, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}}); err != nil {
		return err
	}
	if call.Arguments != "" {
		if err := callback(StreamEvent{Type: EventToolCallDelta, Text: call.Arguments, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}}); err != nil {
			return err
		}
	}
	return callback(StreamEvent{Type: EventToolCall, ToolCall: call})
}

// StreamCallback is called for each event during streaming. Returning an
// error stops the stream.
type StreamCallback func(ev StreamEvent) error

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images are URLs passed through to vision capable models.
	Images []string `json:"images,omitempty"`
	// ToolCalls are the calls requested by an assistant turn.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	ToolCalls  []ToolCall
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey, baseURL string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, baseURL)
	case ProviderOpenRouter:
		return NewLangChainClient(apiKey, baseURL, "")
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func withDefaults(req *CompletionRequest, model string) (string, int) {
	m := req.Model
	if m == "" {
		m = model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return m, maxTokens
}
