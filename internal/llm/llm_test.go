package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct{ name string }

func (s stubClient) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{}, nil
}

func (s stubClient) CompleteStream(context.Context, *CompletionRequest, StreamCallback) (*CompletionResponse, error) {
	return &CompletionResponse{}, nil
}

func (s stubClient) Name() string     { return s.name }
func (s stubClient) Models() []string { return nil }

func TestRegistryOnlyExposesConfiguredProviders(t *testing.T) {
	r := NewRegistry(stubClient{name: string(ProviderOpenAI)})
	r.Register(DefaultCatalog()...)

	m, c, ok := r.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, int64(5), m.Cost)

	_, _, ok = r.Lookup("claude-3-5-sonnet")
	assert.False(t, ok)
	_, _, ok = r.Lookup("nope")
	assert.False(t, ok)

	models := r.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.Equal(t, "gpt-4o", models[1].ID)
}

func TestAnthropicMessagesMergeRolesAndDropSystem(t *testing.T) {
	msgs := anthropicMessages([]ChatMessage{
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleTool, Name: "web_search", Content: "result"},
		{Role: RoleAssistant, Content: "answer"},
		{Role: RoleUser, Content: "   "},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", string(msgs[0].Role.Value))
	assert.Len(t, msgs[0].Content.Value, 2)
	assert.Equal(t, "assistant", string(msgs[1].Role.Value))
}

func TestOpenAIMessagesCarryImagesAndToolCalls(t *testing.T) {
	msgs := openAIMessages("be brief", []ChatMessage{
		{Role: RoleUser, Content: "what is this", Images: []string{"https://example.com/cat.png"}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"cat"}`}}},
		{Role: RoleTool, ToolCallID: "c1", Name: "web_search", Content: "a cat"},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	require.Len(t, msgs[1].MultiContent, 2)
	assert.Equal(t, "https://example.com/cat.png", msgs[1].MultiContent[1].ImageURL.URL)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "web_search", msgs[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
}

func TestCollectToolCallsOrdersAndDefaultsArguments(t *testing.T) {
	calls := collectToolCalls(map[int]*ToolCall{
		1: {ID: "b", Name: "run_code", Arguments: `{"code":"1"}`},
		0: {ID: "a", Name: "web_search"},
		2: {ID: "c"},
	})
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "{}", calls[0].Arguments)
	assert.Equal(t, "b", calls[1].ID)
}

func TestLangChainMessagesMapRoles(t *testing.T) {
	msgs := langChainMessages("sys", []ChatMessage{
		{Role: RoleUser, Content: "hello", Images: []string{"https://example.com/a.png"}},
		{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}}},
		{Role: RoleTool, ToolCallID: "c1", Name: "web_search", Content: "found"},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", string(msgs[0].Role))
	assert.Len(t, msgs[1].Parts, 2)
	assert.Len(t, msgs[2].Parts, 2)
	assert.Equal(t, "tool", string(msgs[3].Role))
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewClient("mystery", "key", "")
	assert.Error(t, err)

	_, err = NewClient(ProviderOpenAI, "", "")
	assert.Error(t, err)
}

func TestOpenAIStreamsToolCallFragments(t *testing.T) {
	frames := []string{
		`{"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Let me look."}}]}`,
		`{"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":""}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("key", srv.URL)
	require.NoError(t, err)

	var events []StreamEvent
	resp, err := client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventText, EventToolCallStart, EventToolCallDelta, EventToolCallDelta, EventToolCall}, types)
	assert.Equal(t, "call_1", events[1].ToolCall.ID)
	assert.Equal(t, "web_search", events[1].ToolCall.Name)
	assert.Equal(t, `{"query":`, events[2].Text)
	assert.Equal(t, `"go"}`, events[3].Text)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, `{"query":"go"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "tool_calls", resp.StopReason)
}

func TestEmitToolCallReportsWholeCall(t *testing.T) {
	var events []StreamEvent
	err := emitToolCall(&ToolCall{ID: "c1", Name: "run_code", Arguments: `{"code":"1"}`}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventToolCallStart, events[0].Type)
	assert.Equal(t, EventToolCallDelta, events[1].Type)
	assert.Equal(t, `{"code":"1"}`, events[1].Text)
	assert.Equal(t, EventToolCall, events[2].Type)
}
