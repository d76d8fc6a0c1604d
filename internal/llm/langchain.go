package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel = "openai/gpt-4o-mini"
)

// Prompter answers a single prompt without history.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// LangChainClient talks to any OpenAI compatible endpoint (OpenRouter by
// default) through langchaingo.
type LangChainClient struct {
	llm   llms.Model
	model string
}

// NewLangChainClient creates a client for an OpenAI compatible endpoint.
func NewLangChainClient(apiKey, baseURL, model string) (*LangChainClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	if model == "" {
		model = defaultOpenRouterModel
	}

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &LangChainClient{llm: llm, model: model}, nil
}

// Name returns the provider name.
func (c *LangChainClient) Name() string {
	return string(ProviderOpenRouter)
}

// Models returns available models.
func (c *LangChainClient) Models() []string {
	return []string{
		"openai/gpt-4o-mini",
		"google/gemini-2.0-flash-001",
		"meta-llama/llama-3.3-70b-instruct",
		"deepseek/deepseek-r1",
	}
}

// Prompt answers a single prompt.
func (c *LangChainClient) Prompt(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
}

func (c *LangChainClient) options(req *CompletionRequest) []llms.CallOption {
	model, maxTokens := withDefaults(req, c.model)
	opts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithMaxTokens(maxTokens),
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if len(req.Tools) > 0 {
		defs := make([]llms.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			defs = append(defs, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, llms.WithTools(defs))
	}
	return opts
}

func langChainMessages(system string, in []ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(in)+1)
	if system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, msg := range in {
		switch msg.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: msg.ToolCallID,
						Name:       msg.Name,
						Content:    msg.Content,
					},
				},
			})
		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, mc)
		default:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeHuman}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			for _, url := range msg.Images {
				mc.Parts = append(mc.Parts, llms.ImageURLContent{URL: url})
			}
			out = append(out, mc)
		}
	}
	return out
}

// Complete sends a completion request.
func (c *LangChainClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, langChainMessages(req.System, req.Messages), c.options(req)...)
	if err != nil {
		return nil, err
	}
	out := responseFromChoices(resp)
	out.Model, _ = withDefaults(req, c.model)
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// CompleteStream sends a streaming completion request. When tools are
// declared the turn is generated in one piece so that tool call fragments
// never leak into the text stream; the text is then delivered as a single
// event followed by the tool calls, each as start, arguments and the
// complete call.
func (c *LangChainClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	opts := c.options(req)

	streamed := len(req.Tools) == 0
	if streamed {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return callback(StreamEvent{Type: EventText, Text: string(chunk)})
		}))
	}

	resp, err := c.llm.GenerateContent(ctx, langChainMessages(req.System, req.Messages), opts...)
	if err != nil {
		return nil, err
	}

	out := responseFromChoices(resp)
	if !streamed && out.Content != "" {
		if err := callback(StreamEvent{Type: EventText, Text: out.Content}); err != nil {
			return nil, err
		}
	}
	for i := range out.ToolCalls {
		if err := emitToolCall(&out.ToolCalls[i], callback); err != nil {
			return nil, err
		}
	}

	out.Model, _ = withDefaults(req, c.model)
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

func responseFromChoices(resp *llms.ContentResponse) *CompletionResponse {
	out := &CompletionResponse{}
	if resp == nil || len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Content
	out.StopReason = choice.StopReason
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := tc.FunctionCall.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: args,
		})
	}
	if info := choice.GenerationInfo; info != nil {
		if v, ok := info["PromptTokens"].(int); ok {
			out.TokensIn = v
		}
		if v, ok := info["CompletionTokens"].(int); ok {
			out.TokensOut = v
		}
	}
	return out
}
