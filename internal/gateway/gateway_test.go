package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/layered"
)

type memStore struct {
	mu       sync.Mutex
	indexes  map[string][]byte
	archives map[string]string
}

func newMemStore() *memStore {
	return &memStore{indexes: make(map[string][]byte), archives: make(map[string]string)}
}

func (s *memStore) ReadIndex(sessionKey string) (*layered.IndexDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.indexes[sessionKey]
	if !ok {
		return nil, nil
	}
	var doc layered.IndexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *memStore) WriteIndex(sessionKey string, doc *layered.IndexDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[sessionKey] = raw
	return nil
}

func (s *memStore) WriteArchive(path, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[path]; ok {
		return layered.ErrArchiveExists
	}
	s.archives[path] = transcript
	return nil
}

func (s *memStore) ReadArchive(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archives[path], nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, messages []layered.Message) (*layered.ChunkSummary, error) {
	var words []string
	for _, m := range messages {
		fields := strings.Fields(m.Content)
		if len(fields) > 0 {
			words = append(words, fields[0])
		}
	}
	topic := strings.Join(words, " ")
	return &layered.ChunkSummary{
		Overview:      "The window covered " + topic + ".",
		AbstractDelta: "Discussed " + topic + ".",
		Keywords:      words,
	}, nil
}

// hookSummarizer runs a callback before each summary, letting tests
// interleave work with an in-flight flush.
type hookSummarizer struct {
	stubSummarizer
	hook func()
}

func (h *hookSummarizer) Summarize(ctx context.Context, messages []layered.Message) (*layered.ChunkSummary, error) {
	if h.hook != nil {
		h.hook()
	}
	return h.stubSummarizer.Summarize(ctx, messages)
}

func newTestGateway(t *testing.T) (*Gateway, *memStore) {
	t.Helper()
	store := newMemStore()
	cfg := config.DefaultConfig()
	cfg.Maintenance.Enabled = false
	g, err := NewWithOptions(cfg, Options{Store: store, Summarizer: stubSummarizer{}})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return g, store
}

func testMessages(n, topic int) []layered.Message {
	out := make([]layered.Message, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = layered.Message{Role: role, Content: fmt.Sprintf("deploy%d turn %d", topic, i)}
	}
	return out
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestApplyEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	handler := g.Handler()

	rec := postJSON(t, handler, "/api/apply", applyPayload{
		Platform: "telegram",
		ChatID:   "1",
		Query:    "what did we decide about the deploy",
		Messages: testMessages(30, 1),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result layered.ApplyResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Applied {
		t.Error("expected layering to apply to a 30-message history")
	}
	if result.Retrieval == nil {
		t.Fatal("expected retrieval diagnostics")
	}
	if len(result.UpdatedMessages) == 0 {
		t.Fatal("expected updated messages")
	}
}

func TestApplyRejectsEmptyMessages(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := postJSON(t, g.Handler(), "/api/apply", applyPayload{Query: "q"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestApplyMethodNotAllowed(t *testing.T) {
	g, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/apply", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRetrieveEndpointZeroNodes(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := postJSON(t, g.Handler(), "/api/retrieve", retrievePayload{
		SessionKey: "telegram:empty",
		Query:      "anything",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result layered.RetrievalResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Decision.ReachedLayer != layered.LayerL0 {
		t.Errorf("layer = %s, want L0", result.Decision.ReachedLayer)
	}
	if result.Decision.Reason != "No archived nodes are available." {
		t.Errorf("reason = %q", result.Decision.Reason)
	}
	if result.TokenUsage.Total != 0 || result.TokenUsage.BaselineL2 != 0 {
		t.Errorf("token usage not zero: %+v", result.TokenUsage)
	}
}

func TestRetrieveEndpointAfterApply(t *testing.T) {
	g, _ := newTestGateway(t)
	handler := g.Handler()

	if rec := postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:7",
		Query:      "what did we decide about the deploy",
		Messages:   testMessages(30, 7),
	}); rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d", rec.Code)
	}

	rec := postJSON(t, handler, "/api/retrieve", retrievePayload{
		SessionKey: "telegram:7",
		Query:      "deploy7 decisions",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result layered.RetrievalResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Selections) == 0 {
		t.Fatal("expected selections after archiving")
	}
	if result.Selections[0].NodeID != "root" {
		t.Errorf("first selection = %q, want root abstract", result.Selections[0].NodeID)
	}
}

func TestStatusEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	handler := g.Handler()

	if rec := postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:9",
		Query:      "summary so far",
		Messages:   testMessages(30, 9),
	}); rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status?sessionKey=telegram:9", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var status statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Nodes == 0 {
		t.Error("expected archived nodes")
	}
	if status.BaselineL2 == 0 {
		t.Error("expected a nonzero L2 baseline")
	}
	if !status.HasAbstract {
		t.Error("expected a merged root abstract")
	}
}

func TestStatusRequiresSessionKey(t *testing.T) {
	g, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFlushSessionsArchivesBufferedHistory(t *testing.T) {
	g, store := newTestGateway(t)

	g.rememberSession("telegram:flush", testMessages(30, 3))
	g.flushSessions(context.Background())

	index, err := store.ReadIndex("telegram:flush")
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if index == nil || len(index.Nodes) == 0 {
		t.Fatal("flush must archive the buffered session")
	}

	// A second flush over the trimmed buffer must not add more nodes.
	before := len(index.Nodes)
	g.flushSessions(context.Background())
	index, err = store.ReadIndex("telegram:flush")
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(index.Nodes) != before {
		t.Errorf("nodes = %d after second flush, want %d", len(index.Nodes), before)
	}
}

func TestFlushAfterApplyDoesNotArchiveContext(t *testing.T) {
	g, store := newTestGateway(t)
	handler := g.Handler()

	rec := postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:fwd",
		Query:      "what did we decide about the deploy",
		Messages:   testMessages(30, 6),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d", rec.Code)
	}
	var result layered.ApplyResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Applied {
		t.Fatal("expected layering to apply")
	}

	// Later turns land in the buffer on top of the rewritten list, then the
	// maintenance flush runs over it.
	history := append([]layered.Message{}, result.UpdatedMessages...)
	history = append(history, testMessages(22, 6)...)
	g.rememberSession("telegram:fwd", history)
	g.flushSessions(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	for path, transcript := range store.archives {
		if strings.Contains(transcript, "[context:") {
			t.Fatalf("flush archived condensed context in %s:\n%s", path, transcript)
		}
	}
}

func TestFlushKeepsNewerBufferFromConcurrentApply(t *testing.T) {
	store := newMemStore()
	cfg := config.DefaultConfig()
	cfg.Maintenance.Enabled = false

	summarizer := &hookSummarizer{}
	g, err := NewWithOptions(cfg, Options{Store: store, Summarizer: summarizer})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	newer := testMessages(40, 5)
	summarizer.hook = func() {
		g.rememberSession("telegram:race", newer)
	}

	g.rememberSession("telegram:race", testMessages(30, 4))
	g.flushSessions(context.Background())

	g.bufMu.Lock()
	buf := g.sessions["telegram:race"]
	g.bufMu.Unlock()
	if buf == nil || len(buf.messages) != len(newer) {
		t.Fatalf("flush clobbered the newer buffer: %+v", buf)
	}
}

func TestApplyParamsOverride(t *testing.T) {
	g, _ := newTestGateway(t)
	handler := g.Handler()

	// A wider raw window keeps a 30-message history below the threshold.
	rec := postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:override",
		Query:      "hello",
		Messages:   testMessages(30, 2),
		Params:     &paramsPayload{MaxRecentMessages: 40},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result layered.ApplyResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Applied {
		t.Error("maxRecentMessages override not honored")
	}

	disabled := false
	rec = postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:override",
		Query:      "hello",
		Messages:   testMessages(30, 2),
		Params:     &paramsPayload{EnableSessionCompression: &disabled},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Applied {
		t.Error("enableSessionCompression override not honored")
	}

	// Without an override the server config applies as before.
	rec = postJSON(t, handler, "/api/apply", applyPayload{
		SessionKey: "telegram:override",
		Query:      "hello",
		Messages:   testMessages(30, 2),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Applied {
		t.Error("server defaults must apply when no override is sent")
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Layered.MaxPromptTokens = 8000
	cfg.Layered.Escalation.MaxItemsForL1 = 4

	params := ParamsFromConfig(cfg)
	if params.MaxPromptTokens != 8000 {
		t.Errorf("MaxPromptTokens = %d", params.MaxPromptTokens)
	}
	if params.Escalation.MaxItemsForL1 != 4 {
		t.Errorf("MaxItemsForL1 = %d", params.Escalation.MaxItemsForL1)
	}
	if !params.EnableSessionCompression {
		t.Error("compression must default on")
	}
	if params.LayeredBudget() != 3600 {
		t.Errorf("budget = %d, want 3600", params.LayeredBudget())
	}
}
