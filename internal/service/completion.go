package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/attachment"
	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/internal/tools"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	defaultMaxSteps     = 5
	defaultTitleTimeout = 30 * time.Second
	finalizeTimeout     = 10 * time.Second

	defaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely, " +
		"use Markdown for structure, and say so when you are not sure."
)

// DocumentLoader resolves file parts of a message to text.
type DocumentLoader interface {
	LoadDocuments(ctx context.Context, files []model.Part) ([]attachment.Document, error)
}

// CompletionOptions configures a CompletionService.
type CompletionOptions struct {
	// SystemPrompt replaces the built-in base prompt.
	SystemPrompt string
	// MaxSteps caps model calls per completion, tool rounds included.
	MaxSteps int
	// Tools are the backends of the request-bound tools.
	Tools tools.Dependencies
	// Titler generates thread titles. When nil the completion model is used.
	Titler       llm.Prompter
	TitleTimeout time.Duration
}

// CompletionService drives model calls for a thread and streams their output
// through the stream registry.
type CompletionService struct {
	threads *ThreadService
	quota   *QuotaLedger
	models  *llm.Registry
	streams *stream.Registry
	docs    DocumentLoader
	opts    CompletionOptions
	logger  *logger.Logger
	tracer  trace.Tracer

	wg sync.WaitGroup
}

// NewCompletionService creates a completion service.
func NewCompletionService(
	threads *ThreadService,
	quota *QuotaLedger,
	models *llm.Registry,
	streams *stream.Registry,
	docs DocumentLoader,
	opts CompletionOptions,
	log *logger.Logger,
) *CompletionService {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = defaultTitleTimeout
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &CompletionService{
		threads: threads,
		quota:   quota,
		models:  models,
		streams: streams,
		docs:    docs,
		opts:    opts,
		logger:  log,
		tracer:  otel.Tracer("github.com/capitalize-ai/chatstream/internal/service"),
	}
}

// StartRequest is a validated chat request of an authenticated user.
type StartRequest struct {
	UserID string
	Tier   model.Tier
	Chat   model.ChatRequest
}

// Start begins a completion and returns a reader attached to its stream.
// The producer keeps running when the caller goes away.
func (s *CompletionService) Start(ctx context.Context, req StartRequest) (stream.Reader, *Begin, error) {
	if !tools.ValidMode(req.Chat.Tool) {
		return nil, nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, req.Chat.Tool)
	}
	info, client, ok := s.models.Lookup(req.Chat.ModelID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrModelNotFound, req.Chat.ModelID)
	}
	limits := model.LimitsFor(req.Tier)

	b, err := s.threads.BeginCompletion(ctx, BeginParams{
		ThreadID:  req.Chat.ThreadID,
		UserID:    req.UserID,
		Message:   req.Chat.Message,
		ModelCost: info.Cost,
		Limits:    limits,
	})
	if err != nil {
		return nil, nil, err
	}

	r := &run{
		svc:    s,
		begin:  b,
		info:   info,
		client: client,
		limits: limits,
		mode:   req.Chat.Tool,
		logger: s.logger.ForStream(b.Thread.ID, b.StreamHandle),
	}
	reader, err := s.streams.Create(ctx, b.StreamHandle, r.produce)
	if err != nil {
		if rerr := s.threads.Release(context.WithoutCancel(ctx), b, info.Cost); rerr != nil {
			r.logger.Error("failed to release thread after stream registration failure", zap.Error(rerr))
		}
		return nil, nil, err
	}

	if !b.Thread.HasTitle() {
		first := b.Message.Text()
		s.background("generate title", s.opts.TitleTimeout, func(ctx context.Context) error {
			return s.generateTitle(ctx, b.Thread.ID, first, client, info)
		})
	}
	return reader, b, nil
}

// Wait blocks until background tasks finished.
func (s *CompletionService) Wait() {
	s.wg.Wait()
}

// background runs fn detached from any request. Errors and panics are
// logged and never reach the caller.
func (s *CompletionService) background(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", rec),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("background task failed",
				zap.String("task", name),
				zap.Error(err),
			)
		}
	}()
}

func (s *CompletionService) generateTitle(ctx context.Context, threadID, first string, client llm.Client, info llm.ModelInfo) error {
	if strings.TrimSpace(first) == "" {
		return nil
	}
	prompt := fmt.Sprintf(
		"Generate a short (3-6 word) title for a chat that starts with:\n%q\nReturn only the title, no quotes.",
		clip(first, 500),
	)

	var out string
	var err error
	if s.opts.Titler != nil {
		out, err = s.opts.Titler.Prompt(ctx, prompt)
	} else {
		var resp *llm.CompletionResponse
		resp, err = client.Complete(ctx, &llm.CompletionRequest{
			Model:     info.ProviderModel,
			Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens: 32,
		})
		if resp != nil {
			out = resp.Content
		}
	}
	if err != nil {
		return fmt.Errorf("failed to generate title: %w", err)
	}

	title := cleanTitle(out)
	if title == "" {
		return nil
	}
	return s.threads.SetTitle(ctx, threadID, title)
}

// run is the state of one producer.
type run struct {
	svc    *CompletionService
	begin  *Begin
	info   llm.ModelInfo
	client llm.Client
	limits model.Limits
	mode   string
	logger *logger.Logger

	asm       *model.Assembler
	w         stream.Writer
	gotOutput bool
	finalize  sync.Once

	// inputs holds tool calls whose tool-input-start was written.
	inputs map[string]bool
}

// Write records a chunk into the assembled message and forwards it. Tools
// emit their progress through it.
func (r *run) Write(c model.Chunk) {
	r.asm.Add(c)
	r.w.Write(c)
}

func (r *run) produce(ctx context.Context, w stream.Writer) error {
	r.asm = model.NewAssembler()
	r.w = w
	r.inputs = make(map[string]bool)
	started := time.Now()

	ctx, span := r.svc.tracer.Start(ctx, "completion",
		trace.WithAttributes(
			attribute.String("thread.id", r.begin.Thread.ID),
			attribute.String("stream.handle", r.begin.StreamHandle),
			attribute.String("model.id", r.info.ID),
		),
	)
	defer span.End()

	meta, _ := json.Marshal(model.MessageMetadata{
		ModelID:   r.info.ID,
		ModelName: r.info.Name,
		ModelIcon: r.info.Icon,
	})
	r.Write(model.Chunk{
		Type:            model.ChunkStart,
		MessageID:       r.begin.AssistantMessageID,
		MessageMetadata: meta,
	})
	r.Write(model.DataChunk(model.ChunkModelSelection, r.info))

	defer func() {
		r.finish(ctx)
		r.Write(model.Chunk{Type: model.ChunkFinish})
	}()

	resp, err := r.loop(ctx)
	tokensIn, tokensOut := 0, 0
	if resp != nil {
		tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
	}

	switch {
	case err == nil:
		metrics.RecordCompletion("success")
		metrics.RecordLLMStream(r.info.ID, "success", time.Since(started).Seconds(), tokensIn, tokensOut)
		return nil
	case ctx.Err() != nil:
		r.logger.Info("completion aborted")
		metrics.RecordCompletion("aborted")
		metrics.RecordLLMStream(r.info.ID, "aborted", time.Since(started).Seconds(), tokensIn, tokensOut)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("completion failed", zap.Error(err))
	metrics.RecordCompletion("error")
	metrics.RecordLLMStream(r.info.ID, "error", time.Since(started).Seconds(), tokensIn, tokensOut)
	metrics.ProviderErrorsTotal.WithLabelValues(string(r.info.Provider)).Inc()
	r.Write(model.Chunk{Type: model.ChunkError, ErrorText: err.Error()})

	if !r.gotOutput {
		r.settle()
	}
	return err
}

// loop runs model steps until the model answers without tool calls or the
// step budget is used up. The last step offers no tools.
func (r *run) loop(ctx context.Context) (*llm.CompletionResponse, error) {
	messages, err := r.svc.history(ctx, r.begin.History, r.info.Capabilities)
	if err != nil {
		return nil, err
	}

	var available []tools.Tool
	if r.info.Capabilities.Tools {
		available = tools.ForRequest(r.svc.opts.Tools, tools.RequestContext{
			UserID: r.begin.Thread.OwnerID,
			Limits: r.limits,
			Quota:  r.svc.quota,
			Writer: r,
			Logger: r.logger,
		}, r.mode)
	}
	byName := make(map[string]tools.Tool, len(available))
	defs := make([]llm.ToolDefinition, 0, len(available))
	for _, t := range available {
		byName[t.Name()] = t
		defs = append(defs, llm.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}

	system := r.svc.systemPrompt(r.mode, r.svc.threads.now())
	usage := &llm.CompletionResponse{Model: r.info.ProviderModel}

	for step := 0; step < r.svc.opts.MaxSteps; step++ {
		req := &llm.CompletionRequest{
			Model:    r.info.ProviderModel,
			System:   system,
			Messages: messages,
			Stream:   true,
		}
		if step < r.svc.opts.MaxSteps-1 {
			req.Tools = defs
		}

		r.Write(model.Chunk{Type: model.ChunkStartStep})
		resp, err := r.step(ctx, step, req)
		if resp != nil {
			usage.TokensIn += resp.TokensIn
			usage.TokensOut += resp.TokensOut
			usage.StopReason = resp.StopReason
		}
		if err != nil {
			return usage, err
		}

		if len(resp.ToolCalls) == 0 {
			r.Write(model.Chunk{Type: model.ChunkFinishStep})
			return usage, nil
		}

		messages = append(messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		seen := make(map[string]bool)
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", step, i)
			}
			if seen[call.ID] {
				continue
			}
			seen[call.ID] = true
			out := r.callTool(ctx, byName, call)
			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    out,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
		r.Write(model.Chunk{Type: model.ChunkFinishStep})

		if err := ctx.Err(); err != nil {
			return usage, err
		}
	}
	return usage, nil
}

// step streams one model call, translating events into chunks in arrival
// order.
func (r *run) step(ctx context.Context, step int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	textID := fmt.Sprintf("text-%d", step)
	reasoningID := fmt.Sprintf("reasoning-%d", step)
	var textOpen, reasoningOpen bool

	closeBlocks := func() {
		if reasoningOpen {
			r.Write(model.Chunk{Type: model.ChunkReasoningEnd, ID: reasoningID})
			reasoningOpen = false
		}
		if textOpen {
			r.Write(model.Chunk{Type: model.ChunkTextEnd, ID: textID})
			textOpen = false
		}
	}

	resp, err := r.client.CompleteStream(ctx, req, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.EventText:
			if ev.Text == "" {
				return nil
			}
			if reasoningOpen {
				r.Write(model.Chunk{Type: model.ChunkReasoningEnd, ID: reasoningID})
				reasoningOpen = false
			}
			if !textOpen {
				r.Write(model.Chunk{Type: model.ChunkTextStart, ID: textID})
				textOpen = true
			}
			r.Write(model.Chunk{Type: model.ChunkTextDelta, ID: textID, Delta: ev.Text})
		case llm.EventReasoning:
			if ev.Text == "" {
				return nil
			}
			if !reasoningOpen {
				r.Write(model.Chunk{Type: model.ChunkReasoningStart, ID: reasoningID})
				reasoningOpen = true
			}
			r.Write(model.Chunk{Type: model.ChunkReasoningDelta, ID: reasoningID, Delta: ev.Text})
		case llm.EventToolCallStart:
			closeBlocks()
			if ev.ToolCall != nil {
				r.startInput(ev.ToolCall.ID, ev.ToolCall.Name)
			}
		case llm.EventToolCallDelta:
			if ev.ToolCall != nil && r.inputs[ev.ToolCall.ID] && ev.Text != "" {
				r.Write(model.Chunk{Type: model.ChunkToolInputDelta, ToolCallID: ev.ToolCall.ID, InputTextDelta: ev.Text})
			}
		case llm.EventToolCall:
			closeBlocks()
		}
		r.gotOutput = true
		return ctx.Err()
	})
	closeBlocks()
	if err != nil {
		return resp, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	if resp.Content != "" || len(resp.ToolCalls) > 0 {
		r.gotOutput = true
	}
	return resp, nil
}

// callTool runs one tool call and returns the text handed back to the
// model. Tool failures, quota denials included, fail only the call.
func (r *run) callTool(ctx context.Context, byName map[string]tools.Tool, call llm.ToolCall) string {
	if r.startInput(call.ID, call.Name) {
		r.Write(model.Chunk{Type: model.ChunkToolInputDelta, ToolCallID: call.ID, InputTextDelta: call.Arguments})
	}
	input := json.RawMessage(call.Arguments)
	if !json.Valid(input) {
		input, _ = json.Marshal(call.Arguments)
	}
	r.Write(model.Chunk{
		Type:       model.ChunkToolInputAvailable,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      input,
	})

	t, ok := byName[call.Name]
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", call.Name)
		r.Write(model.Chunk{Type: model.ChunkToolOutputError, ToolCallID: call.ID, ToolName: call.Name, ErrorText: msg})
		return "Error: " + msg
	}

	ctx, span := r.svc.tracer.Start(ctx, "tool "+call.Name)
	defer span.End()

	out, err := t.Call(ctx, call.Arguments)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		r.Write(model.Chunk{Type: model.ChunkToolOutputError, ToolCallID: call.ID, ToolName: call.Name, ErrorText: err.Error()})
		return "Error: " + err.Error()
	}

	output := json.RawMessage(out)
	if !json.Valid(output) {
		output, _ = json.Marshal(out)
	}
	r.Write(model.Chunk{Type: model.ChunkToolOutput, ToolCallID: call.ID, ToolName: call.Name, Output: output})
	return out
}

// startInput writes tool-input-start for a call not yet announced and
// reports whether it did.
func (r *run) startInput(id, name string) bool {
	if id == "" || r.inputs[id] {
		return false
	}
	r.inputs[id] = true
	r.Write(model.Chunk{Type: model.ChunkToolInputStart, ToolCallID: id, ToolName: name})
	return true
}

// finish persists the assembled message once. It runs detached from the
// producer context so an aborted stream still keeps its partial output.
func (r *run) finish(ctx context.Context) {
	r.finalize.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()

		now := r.svc.threads.now()
		msg := &model.Message{
			ID:        r.begin.AssistantMessageID,
			ThreadID:  r.begin.Thread.ID,
			AuthorID:  r.begin.Thread.OwnerID,
			Role:      model.RoleAssistant,
			Content:   r.asm.Parts(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		var result FinalizeResult
		err := retryTransient(ctx, r.svc.threads.store.IsTransient, func() error {
			var err error
			result, err = r.svc.threads.FinalizeCompletion(ctx, FinalizeParams{
				ThreadID: r.begin.Thread.ID,
				Handle:   r.begin.StreamHandle,
				Message:  msg,
			})
			return err
		})
		if err != nil {
			r.logger.Error("failed to finalize completion", zap.Error(err))
			return
		}
		r.logger.Info("completion finalized",
			zap.String("result", string(result)),
			zap.Int("parts", len(msg.Content)),
		)
	})
}

// settle gives back the credit reservation of a completion whose provider
// failed before producing anything.
func (r *run) settle() {
	userID := r.begin.Thread.OwnerID
	cost := r.info.Cost
	r.svc.background("settle credits", finalizeTimeout, func(ctx context.Context) error {
		return r.svc.quota.Compensate(ctx, userID, model.UsageCredits, cost)
	})
}

// history converts stored messages to provider messages. File parts the
// model cannot take are dropped; documents are inlined as text and images
// are passed as URLs.
func (s *CompletionService) history(ctx context.Context, in []model.Message, caps llm.Capabilities) ([]llm.ChatMessage, error) {
	out := make([]llm.ChatMessage, 0, len(in))
	for i := range in {
		m := &in[i]
		switch m.Role {
		case model.RoleUser:
			msg := llm.ChatMessage{Role: llm.RoleUser, Content: m.Text()}
			var docs []model.Part
			for _, f := range m.Files() {
				switch {
				case attachment.IsImage(f.MediaType):
					if caps.Images {
						msg.Images = append(msg.Images, f.URL)
					}
				case caps.Documents:
					docs = append(docs, f)
				}
			}
			if len(docs) > 0 && s.docs != nil {
				loaded, err := s.docs.LoadDocuments(ctx, docs)
				if err != nil {
					return nil, fmt.Errorf("failed to load attachments: %w", err)
				}
				msg.Content += inlineDocuments(loaded)
			}
			if msg.Content == "" && len(msg.Images) == 0 {
				continue
			}
			out = append(out, msg)
		case model.RoleAssistant:
			text := m.Text()
			if text == "" {
				continue
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: text})
		}
	}
	return out, nil
}

func inlineDocuments(docs []attachment.Document) string {
	var b strings.Builder
	for _, d := range docs {
		if d.Err != nil {
			fmt.Fprintf(&b, "\n\n[attachment %q could not be read]", d.Filename)
			continue
		}
		fmt.Fprintf(&b, "\n\n<document name=%q type=%q>\n%s\n</document>", d.Filename, d.MediaType, d.Text)
	}
	return b.String()
}

func (s *CompletionService) systemPrompt(mode string, now time.Time) string {
	var b strings.Builder
	b.WriteString(s.opts.SystemPrompt)
	fmt.Fprintf(&b, "\n\nToday's date: %s.", now.UTC().Format("Monday, 2006-01-02"))
	switch mode {
	case tools.ModeSearch:
		b.WriteString("\n\nThe user asked for a web search. Call the web_search tool before answering and cite the URLs you used.")
	case tools.ModeResearch:
		b.WriteString("\n\nThe user asked for deep research. Call the deep_research tool with a clear topic, then write a structured report citing its sources.")
	case tools.ModeCode:
		b.WriteString("\n\nThe user asked you to compute the answer. Use the run_code tool for calculations instead of doing them in your head.")
	}
	return b.String()
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#. ")
	return clip(s, 80)
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
