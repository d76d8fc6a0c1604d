package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Role represents the role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates message content parts.
type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeFile           PartType = "file"
	PartTypeToolInvocation PartType = "tool-invocation"
	PartTypeToolResult     PartType = "tool-result"
	PartTypeMetadata       PartType = "metadata"
	PartTypeError          PartType = "error"
)

// IsData reports whether the part carries a custom data payload (type "data-*").
func (t PartType) IsData() bool {
	return strings.HasPrefix(string(t), "data-")
}

// Part is one ordered, typed element of a message's content. The JSON shape
// is the storage format and mirrors the fields of the live chunk protocol.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// file
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// tool-invocation, tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// error
	ErrorText string `json:"errorText,omitempty"`

	// metadata, data-*
	Data json.RawMessage `json:"data,omitempty"`
}

// Message represents a persisted thread message.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	AuthorID  string    `json:"authorId"`
	Role      Role      `json:"role"`
	Content   []Part    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Text concatenates all text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Files returns the file parts in order.
func (m *Message) Files() []Part {
	var files []Part
	for _, p := range m.Content {
		if p.Type == PartTypeFile {
			files = append(files, p)
		}
	}
	return files
}

// MessageMetadata is attached to assistant messages as a metadata part.
type MessageMetadata struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	ModelIcon string `json:"modelIcon,omitempty"`
}

// MessageInput is the client-supplied message of a begin-completion request.
type MessageInput struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content []Part `json:"content"`
}

// ChatRequest is the begin-completion request body.
type ChatRequest struct {
	ThreadID string       `json:"threadId"`
	ModelID  string       `json:"modelId"`
	Message  MessageInput `json:"message"`
	Tool     string       `json:"tool,omitempty"`
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
