package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/internal/store/db/sqlite"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// gatedClient streams "Hello" and then waits for release before the
// provider call returns.
type gatedClient struct {
	mu      sync.Mutex
	release chan struct{}
	err     error
}

func (c *gatedClient) Name() string     { return string(llm.ProviderOpenAI) }
func (c *gatedClient) Models() []string { return []string{"fake"} }

func (c *gatedClient) Complete(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "A title"}, nil
}

func (c *gatedClient) CompleteStream(ctx context.Context, _ *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	release, failure := c.release, c.err
	c.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if err := cb(llm.StreamEvent{Type: llm.EventText, Text: "Hello"}); err != nil {
		return nil, err
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.CompletionResponse{Content: "Hello"}, nil
}

func (c *gatedClient) hold() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release = make(chan struct{})
	return c.release
}

type testServer struct {
	*httptest.Server
	client *gatedClient
	store  *store.Store
}

// testUser injects the user from test headers in place of JWT auth.
func testUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := model.Tier(r.Header.Get("X-Test-Tier"))
		if tier == "" {
			tier = model.TierFree
		}
		ctx := middleware.WithUser(r.Context(), r.Header.Get("X-Test-User"), tier)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Nop()

	s, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	streams := stream.NewRegistry(stream.Options{Retention: time.Minute}, log)
	t.Cleanup(streams.Shutdown)

	quota := service.NewQuotaLedger(s, log)
	threads := service.NewThreadService(s, quota, streams, log)

	client := &gatedClient{}
	models := llm.NewRegistry(client)
	models.Register(
		llm.ModelInfo{ID: "cheap", Name: "Cheap", Provider: llm.ProviderOpenAI, ProviderModel: "fake", Cost: 1},
		llm.ModelInfo{ID: "pricey", Name: "Pricey", Provider: llm.ProviderOpenAI, ProviderModel: "fake", Cost: 50},
		llm.ModelInfo{ID: "orphan", Name: "Orphan", Provider: llm.ProviderAnthropic, ProviderModel: "x", Cost: 1},
	)

	completions := service.NewCompletionService(threads, quota, models, streams, nil, service.CompletionOptions{}, log)
	t.Cleanup(completions.Wait)

	api := &API{
		Chat:    NewChatHandler(completions, 50*time.Millisecond, log),
		Stream:  NewStreamHandler(threads, streams, 50*time.Millisecond, log),
		Threads: NewThreadHandler(threads, log),
		Account: NewAccountHandler(quota, models, log),
	}
	health := NewHealthHandler(s, nil)

	r := chi.NewRouter()
	r.Get("/ready", health.Ready)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(testUser)
		api.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, client: client, store: s}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = strings.NewReader(string(data))
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func chatRequest(threadID, modelID, messageID, text string) model.ChatRequest {
	return model.ChatRequest{
		ThreadID: threadID,
		ModelID:  modelID,
		Message: model.MessageInput{
			ID:      messageID,
			Role:    model.RoleUser,
			Content: []model.Part{{Type: model.PartTypeText, Text: text}},
		},
	}
}

// readChunks parses SSE data lines until stop returns true or the body
// ends. Comment lines are skipped.
func readChunks(t *testing.T, sc *bufio.Scanner, stop func(model.Chunk) bool) []model.Chunk {
	t.Helper()
	var out []model.Chunk
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var c model.Chunk
		require.NoError(t, json.Unmarshal([]byte(data), &c))
		out = append(out, c)
		if stop != nil && stop(c) {
			return out
		}
	}
	return out
}

func isType(tp model.ChunkType) func(model.Chunk) bool {
	return func(c model.Chunk) bool { return c.Type == tp }
}

func types(chunks []model.Chunk) []model.ChunkType {
	out := make([]model.ChunkType, len(chunks))
	for i, c := range chunks {
		out[i] = c.Type
	}
	return out
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func threadDetail(t *testing.T, ts *testServer, threadID, user string) model.ThreadDetail {
	t.Helper()
	resp := ts.do(t, http.MethodGet, "/api/v1/thread/"+threadID, user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[model.ThreadDetail](t, resp)
}

func TestChatStreamsChunks(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	chunks := readChunks(t, bufio.NewScanner(resp.Body), nil)
	require.NotEmpty(t, chunks)
	assert.Equal(t, model.ChunkStart, chunks[0].Type)
	assert.Equal(t, model.ChunkFinish, chunks[len(chunks)-1].Type)
	assert.Contains(t, types(chunks), model.ChunkTextDelta)

	detail := threadDetail(t, ts, "t1", "u1")
	assert.Equal(t, model.ThreadStatusReady, detail.Thread.Status)
	assert.Nil(t, detail.Thread.StreamHandle)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, model.RoleAssistant, detail.Messages[1].Role)
	assert.Equal(t, "Hello", detail.Messages[1].Text())
}

func TestChatRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		code   string
	}{
		{"malformed body", "u1", "{", http.StatusBadRequest, "invalid_request"},
		{"empty message", "u1", chatRequest("t1", "cheap", "m1", " "), http.StatusBadRequest, "invalid_request"},
		{"unknown tool", "u1", func() model.ChatRequest {
			r := chatRequest("t1", "cheap", "m1", "hi")
			r.Tool = "teleport"
			return r
		}(), http.StatusBadRequest, "invalid_request"},
		{"unknown model", "u1", chatRequest("t1", "nope", "m1", "hi"), http.StatusNotFound, "model_not_found"},
		{"unconfigured provider", "u1", chatRequest("t1", "orphan", "m1", "hi"), http.StatusNotFound, "model_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/v1/chat", tt.user, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			body := decodeBody[model.ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Message)
			assert.Equal(t, tt.code, body.Metadata["code"])
		})
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "pricey", "m1", "hi"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[model.ErrorResponse](t, resp)
	assert.Equal(t, "quota_exceeded", body.Metadata["code"])
	assert.Equal(t, "credits", body.Metadata["kind"])

	// The denied begin rolled back the lazily created thread too.
	resp = ts.do(t, http.MethodGet, "/api/v1/thread/t1", "u1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResumeReplaysInFlightStream(t *testing.T) {
	ts := newTestServer(t)
	release := ts.client.hold()

	chat := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	defer chat.Body.Close()
	require.Equal(t, http.StatusOK, chat.StatusCode)
	chatScanner := bufio.NewScanner(chat.Body)
	first := readChunks(t, chatScanner, isType(model.ChunkTextDelta))

	// A second begin while streaming is rejected.
	busy := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m2", "again"))
	require.Equal(t, http.StatusBadRequest, busy.StatusCode)
	assert.Equal(t, "already_streaming", decodeBody[model.ErrorResponse](t, busy).Metadata["code"])

	resume := ts.do(t, http.MethodGet, "/api/v1/thread/t1/stream", "u1", nil)
	defer resume.Body.Close()
	require.Equal(t, http.StatusOK, resume.StatusCode)
	resumeScanner := bufio.NewScanner(resume.Body)
	replayed := readChunks(t, resumeScanner, isType(model.ChunkTextDelta))
	assert.Equal(t, types(first), types(replayed))

	close(release)
	first = append(first, readChunks(t, chatScanner, nil)...)
	replayed = append(replayed, readChunks(t, resumeScanner, nil)...)

	assert.Equal(t, types(first), types(replayed))
	assert.Equal(t, model.ChunkFinish, replayed[len(replayed)-1].Type)
}

func TestResumeErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/thread/missing/stream", "u1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "thread_not_found", decodeBody[model.ErrorResponse](t, resp).Metadata["code"])

	chat := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	readChunks(t, bufio.NewScanner(chat.Body), nil)
	chat.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/v1/thread/t1/stream", "u1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "stream_not_found", decodeBody[model.ErrorResponse](t, resp).Metadata["code"])

	resp = ts.do(t, http.MethodGet, "/api/v1/thread/t1/stream", "intruder", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_authorized", decodeBody[model.ErrorResponse](t, resp).Metadata["code"])
}

func TestStopAbortsStream(t *testing.T) {
	ts := newTestServer(t)
	ts.client.hold()

	chat := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	defer chat.Body.Close()
	sc := bufio.NewScanner(chat.Body)
	readChunks(t, sc, isType(model.ChunkTextDelta))

	stop := ts.do(t, http.MethodPost, "/api/v1/thread/t1/stop", "u1", nil)
	require.Equal(t, http.StatusOK, stop.StatusCode)
	assert.Equal(t, map[string]string{"status": "ready"}, decodeBody[map[string]string](t, stop))

	rest := readChunks(t, sc, nil)
	require.NotEmpty(t, rest)
	assert.Equal(t, model.ChunkFinish, rest[len(rest)-1].Type)

	require.Eventually(t, func() bool {
		d := threadDetail(t, ts, "t1", "u1")
		return d.Thread.Status == model.ThreadStatusReady && len(d.Messages) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// Stopping again is a no-op.
	again := ts.do(t, http.MethodPost, "/api/v1/thread/t1/stop", "u1", nil)
	require.Equal(t, http.StatusOK, again.StatusCode)
	again.Body.Close()
}

func TestStopErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/thread/missing/stop", "u1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	chat := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	readChunks(t, bufio.NewScanner(chat.Body), nil)
	chat.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/thread/t1/stop", "intruder", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestProviderErrorIsInBand(t *testing.T) {
	ts := newTestServer(t)
	ts.client.err = errors.New("upstream exploded")

	resp := ts.do(t, http.MethodPost, "/api/v1/chat", "u1", chatRequest("t1", "cheap", "m1", "hi"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chunks := readChunks(t, bufio.NewScanner(resp.Body), nil)
	assert.Contains(t, types(chunks), model.ChunkError)
	assert.Equal(t, model.ChunkFinish, chunks[len(chunks)-1].Type)
	assert.Equal(t, model.ThreadStatusReady, threadDetail(t, ts, "t1", "u1").Thread.Status)
}

func TestListThreadsAndUsage(t *testing.T) {
	ts := newTestServer(t)

	for i := range 2 {
		chat := ts.do(t, http.MethodPost, "/api/v1/chat", "u1",
			chatRequest(fmt.Sprintf("t%d", i), "cheap", fmt.Sprintf("m%d", i), "hi"))
		readChunks(t, bufio.NewScanner(chat.Body), nil)
		chat.Body.Close()
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/threads", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[model.ListThreadsResponse](t, resp)
	assert.Len(t, list.Threads, 2)

	resp = ts.do(t, http.MethodGet, "/api/v1/threads", "u2", nil)
	assert.Empty(t, decodeBody[model.ListThreadsResponse](t, resp).Threads)

	resp = ts.do(t, http.MethodGet, "/api/v1/usage", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decodeBody[model.UsageResponse](t, resp)
	assert.Equal(t, model.TierFree, usage.Tier)
	assert.Equal(t, int64(2), usage.Usage.Credits)
	assert.Equal(t, model.LimitsFor(model.TierFree), usage.Limits)
}

func TestModels(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/models", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]llm.ModelInfo](t, resp)
	var ids []string
	for _, m := range body["models"] {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"cheap", "pricey"}, ids)
}

func TestReady(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, ts.store.Close())
	resp = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", service.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{service.ErrAlreadyStreaming, http.StatusBadRequest, "already_streaming"},
		{service.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
		{&service.QuotaError{Kind: model.UsageSearch, Limit: 2, Used: 2, Cost: 1}, http.StatusForbidden, "quota_exceeded"},
		{service.ErrThreadNotFound, http.StatusNotFound, "thread_not_found"},
		{service.ErrStreamNotFound, http.StatusNotFound, "stream_not_found"},
		{stream.ErrStreamNotFound, http.StatusNotFound, "stream_not_found"},
		{service.ErrModelNotFound, http.StatusNotFound, "model_not_found"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, logger.Nop(), tt.err)
			assert.Equal(t, tt.status, rec.Code)

			var body model.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Metadata["code"])
			assert.NotContains(t, body.Message, "disk on fire")
		})
	}
}

// slowReader releases each chunk delay after the first Next call asking
// for it.
type slowReader struct {
	chunks []model.Chunk
	delay  time.Duration
	due    time.Time
	closed bool
}

func (r *slowReader) Next(ctx context.Context) (model.Chunk, error) {
	if len(r.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	if r.due.IsZero() {
		r.due = time.Now().Add(r.delay)
	}
	select {
	case <-time.After(time.Until(r.due)):
	case <-ctx.Done():
		return model.Chunk{}, ctx.Err()
	}
	r.due = time.Time{}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *slowReader) Close() { r.closed = true }

func TestPipeSSESendsHeartbeats(t *testing.T) {
	rd := &slowReader{
		chunks: []model.Chunk{{Type: model.ChunkStart}, {Type: model.ChunkFinish}},
		delay:  30 * time.Millisecond,
	}
	rec := httptest.NewRecorder()
	flusher := writeSSEHeaders(rec)
	require.NotNil(t, flusher)

	pipeSSE(context.Background(), rec, flusher, rd, 10*time.Millisecond, logger.Nop())

	body := rec.Body.String()
	assert.True(t, rd.closed)
	assert.Contains(t, body, ": ping\n\n")
	assert.Contains(t, body, `data: {"type":"start"}`+"\n\n")
	assert.True(t, strings.HasSuffix(body, `data: {"type":"finish"}`+"\n\n"))
}
