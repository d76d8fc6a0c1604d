package model

import (
	"encoding/json"
	"strings"
)

// ChunkType discriminates units of the streaming wire protocol.
type ChunkType string

const (
	ChunkStart      ChunkType = "start"
	ChunkStartStep  ChunkType = "start-step"
	ChunkFinishStep ChunkType = "finish-step"
	ChunkFinish     ChunkType = "finish"
	ChunkError      ChunkType = "error"

	ChunkTextStart ChunkType = "text-start"
	ChunkTextDelta ChunkType = "text-delta"
	ChunkTextEnd   ChunkType = "text-end"

	ChunkReasoningStart ChunkType = "reasoning-start"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkReasoningEnd   ChunkType = "reasoning-end"

	ChunkToolInputStart     ChunkType = "tool-input-start"
	ChunkToolInputDelta     ChunkType = "tool-input-delta"
	ChunkToolInputAvailable ChunkType = "tool-input-available"
	ChunkToolOutput         ChunkType = "tool-output-available"
	ChunkToolOutputError    ChunkType = "tool-output-error"

	ChunkMessageMetadata ChunkType = "message-metadata"

	ChunkResearchStart    ChunkType = "data-research-start"
	ChunkResearchSearch   ChunkType = "data-research-search"
	ChunkResearchRead     ChunkType = "data-research-read"
	ChunkResearchComplete ChunkType = "data-research-complete"
	ChunkModelSelection   ChunkType = "data-model"
)

// IsData reports whether the chunk is a custom data event.
func (t ChunkType) IsData() bool {
	return strings.HasPrefix(string(t), "data-")
}

// Chunk is one unit of model output delivered to clients. Every chunk is
// serialized as one SSE data line.
type Chunk struct {
	Type ChunkType `json:"type"`

	MessageID       string          `json:"messageId,omitempty"`
	MessageMetadata json.RawMessage `json:"messageMetadata,omitempty"`

	// text-*, reasoning-*
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// tool-*
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`

	ErrorText string          `json:"errorText,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether no chunk can follow c.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkFinish
}

// DataChunk builds a data-* chunk with a JSON payload.
func DataChunk(t ChunkType, payload any) Chunk {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Chunk{Type: t, Data: data}
}

// Assembler folds a chunk sequence into the ordered parts of the final
// assistant message.
type Assembler struct {
	messageID string
	parts     []Part
	open      map[string]int // text/reasoning block id -> part index
	calls     map[string]int // tool call id -> invocation part index
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		open:  make(map[string]int),
		calls: make(map[string]int),
	}
}

// MessageID returns the id announced by the start chunk.
func (a *Assembler) MessageID() string {
	return a.messageID
}

// Add folds one chunk.
func (a *Assembler) Add(c Chunk) {
	switch c.Type {
	case ChunkStart:
		if c.MessageID != "" {
			a.messageID = c.MessageID
		}
		if len(c.MessageMetadata) > 0 {
			a.setMetadata(c.MessageMetadata)
		}
	case ChunkMessageMetadata:
		a.setMetadata(c.MessageMetadata)
	case ChunkTextStart:
		a.startBlock(PartTypeText, c.ID)
	case ChunkTextDelta:
		a.appendBlock(PartTypeText, c.ID, c.Delta)
	case ChunkReasoningStart:
		a.startBlock(PartTypeReasoning, c.ID)
	case ChunkReasoningDelta:
		a.appendBlock(PartTypeReasoning, c.ID, c.Delta)
	case ChunkToolInputAvailable:
		part := Part{
			Type:       PartTypeToolInvocation,
			ToolCallID: c.ToolCallID,
			ToolName:   c.ToolName,
			Input:      c.Input,
		}
		if i, ok := a.calls[c.ToolCallID]; ok {
			a.parts[i] = part
			return
		}
		a.calls[c.ToolCallID] = len(a.parts)
		a.parts = append(a.parts, part)
	case ChunkToolOutput:
		a.parts = append(a.parts, Part{
			Type:       PartTypeToolResult,
			ToolCallID: c.ToolCallID,
			ToolName:   a.toolName(c.ToolCallID, c.ToolName),
			Output:     c.Output,
		})
	case ChunkToolOutputError:
		out, _ := json.Marshal(c.ErrorText)
		a.parts = append(a.parts, Part{
			Type:       PartTypeToolResult,
			ToolCallID: c.ToolCallID,
			ToolName:   a.toolName(c.ToolCallID, c.ToolName),
			Output:     out,
			IsError:    true,
		})
	case ChunkError:
		a.parts = append(a.parts, Part{Type: PartTypeError, ErrorText: c.ErrorText})
	default:
		if c.Type.IsData() {
			a.parts = append(a.parts, Part{Type: PartType(c.Type), Data: c.Data})
		}
	}
}

// Parts returns the assembled parts.
func (a *Assembler) Parts() []Part {
	out := make([]Part, len(a.parts))
	copy(out, a.parts)
	return out
}

// Text returns the concatenated text parts.
func (a *Assembler) Text() string {
	var b strings.Builder
	for _, p := range a.parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasOutput reports whether any model-produced part was assembled.
func (a *Assembler) HasOutput() bool {
	for _, p := range a.parts {
		switch p.Type {
		case PartTypeMetadata, PartTypeError:
			continue
		}
		return true
	}
	return false
}

func (a *Assembler) startBlock(t PartType, id string) {
	a.open[string(t)+":"+id] = len(a.parts)
	a.parts = append(a.parts, Part{Type: t})
}

func (a *Assembler) appendBlock(t PartType, id, delta string) {
	key := string(t) + ":" + id
	i, ok := a.open[key]
	if !ok {
		a.startBlock(t, id)
		i = a.open[key]
	}
	a.parts[i].Text += delta
}

func (a *Assembler) setMetadata(data json.RawMessage) {
	for i := range a.parts {
		if a.parts[i].Type == PartTypeMetadata {
			a.parts[i].Data = data
			return
		}
	}
	a.parts = append(a.parts, Part{Type: PartTypeMetadata, Data: data})
}

func (a *Assembler) toolName(callID, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if i, ok := a.calls[callID]; ok {
		return a.parts[i].ToolName
	}
	return ""
}
