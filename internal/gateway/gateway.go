package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/cron"
	"github.com/stellarlinkco/layerclaw/internal/dense"
	"github.com/stellarlinkco/layerclaw/internal/layered"
	"github.com/stellarlinkco/layerclaw/internal/storage"
	"github.com/stellarlinkco/layerclaw/internal/summarize"
)

// Options allow injecting collaborators for testing.
type Options struct {
	Store      layered.Storage
	Summarizer layered.Summarizer
	Scorer     layered.DenseScorer
	SignalChan chan os.Signal
}

// Gateway is the host-facing HTTP surface of the engine: apply, retrieve and
// status endpoints plus the optional maintenance flush scheduler.
type Gateway struct {
	cfg        *config.Config
	store      layered.Storage
	closeStore func() error
	manager    *layered.Manager
	params     layered.Params

	maintenance *cron.Service
	server      *http.Server
	signalChan  chan os.Signal

	bufMu    sync.Mutex
	sessions map[string]*sessionBuffer
}

// sessionBuffer holds the latest message list seen for a session. The
// generation counter lets the flush detect that a newer list arrived while
// it was archiving a snapshot.
type sessionBuffer struct {
	messages []layered.Message
	gen      uint64
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		params:     ParamsFromConfig(cfg),
		signalChan: opts.SignalChan,
		sessions:   make(map[string]*sessionBuffer),
		closeStore: func() error { return nil },
	}

	g.store = opts.Store
	if g.store == nil {
		store, closeStore, err := storage.Open(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		g.store = store
		g.closeStore = closeStore
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = summarize.NewClient(cfg)
	}

	scorer := opts.Scorer
	if scorer == nil {
		client := dense.NewClient(dense.DefaultChain(dense.Credentials{
			BaseURL: cfg.Dense.BaseURL,
			APIKey:  cfg.Dense.APIKey,
		}, config.ConfigPath()), dense.Options{
			Model:            cfg.Dense.Model,
			RequestTimeoutMs: cfg.Dense.RequestTimeoutMs,
			StrictMode:       cfg.Dense.StrictMode,
		})
		if client.Configured() {
			scorer = client
		} else {
			log.Printf("[gateway] dense provider not configured, sparse-only scoring")
		}
	}

	g.manager = layered.NewManager(g.store, summarizer, scorer, cfg.Dense.Alpha)

	if cfg.Maintenance.Enabled {
		g.maintenance = cron.NewService(cfg.Maintenance.FlushSchedule, g.flushSessions)
	}

	return g, nil
}

// ParamsFromConfig maps the persisted config onto per-call engine parameters.
func ParamsFromConfig(cfg *config.Config) layered.Params {
	return layered.Params{
		L0TargetTokens:           cfg.Layered.L0TargetTokens,
		L1TargetTokens:           cfg.Layered.L1TargetTokens,
		MaxPromptTokens:          cfg.Layered.MaxPromptTokens,
		MaxArchives:              cfg.Layered.MaxArchives,
		MaxRecentMessages:        cfg.Layered.MaxRecentMessages,
		ArchiveChunkSize:         cfg.Layered.ArchiveChunkSize,
		EnableSessionCompression: cfg.Layered.EnableSessionCompression,
		Escalation: layered.EscalationThresholds{
			ScoreThresholdHigh: cfg.Layered.Escalation.ScoreThresholdHigh,
			Top1Top2Margin:     cfg.Layered.Escalation.Top1Top2Margin,
			MaxItemsForL1:      cfg.Layered.Escalation.MaxItemsForL1,
			MaxItemsForL2:      cfg.Layered.Escalation.MaxItemsForL2,
		},
	}.Normalize()
}

// Manager exposes the wired engine for CLI entry points that skip HTTP.
func (g *Gateway) Manager() *layered.Manager { return g.manager }

// Store exposes the configured storage backend.
func (g *Gateway) Store() layered.Storage { return g.store }

// Params returns the per-call engine parameters derived from config.
func (g *Gateway) Params() layered.Params { return g.params }

// Handler exposes the route table for tests and embedding hosts.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/apply", g.handleApply)
	mux.HandleFunc("/api/retrieve", g.handleRetrieve)
	mux.HandleFunc("/api/status", g.handleStatus)
	return mux
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler: g.Handler(),
	}

	go func() {
		log.Printf("[gateway] listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()

	if g.maintenance != nil {
		if err := g.maintenance.Start(ctx); err != nil {
			log.Printf("[gateway] maintenance start warning: %v", err)
		}
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.maintenance != nil {
		g.maintenance.Stop()
	}
	if g.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[gateway] server shutdown warning: %v", err)
		}
	}
	if err := g.closeStore(); err != nil {
		log.Printf("[gateway] close storage warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

type applyPayload struct {
	SessionKey string            `json:"sessionKey,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	ChatID     string            `json:"chatId,omitempty"`
	Query      string            `json:"query"`
	Messages   []layered.Message `json:"messages"`
	Params     *paramsPayload    `json:"params,omitempty"`
}

// paramsPayload is the optional per-invocation override block. Absent or
// zero fields keep the server config's value.
type paramsPayload struct {
	EnableSessionCompression *bool             `json:"enableSessionCompression,omitempty"`
	L0TargetTokens           int               `json:"l0TargetTokens,omitempty"`
	L1TargetTokens           int               `json:"l1TargetTokens,omitempty"`
	MaxPromptTokens          int               `json:"maxPromptTokens,omitempty"`
	MaxArchives              int               `json:"maxArchives,omitempty"`
	MaxRecentMessages        int               `json:"maxRecentMessages,omitempty"`
	ArchiveChunkSize         int               `json:"archiveChunkSize,omitempty"`
	Escalation               escalationPayload `json:"escalation"`
}

type escalationPayload struct {
	ScoreThresholdHigh float64 `json:"scoreThresholdHigh,omitempty"`
	Top1Top2Margin     float64 `json:"top1Top2Margin,omitempty"`
	MaxItemsForL1      int     `json:"maxItemsForL1,omitempty"`
	MaxItemsForL2      int     `json:"maxItemsForL2,omitempty"`
}

func (p *paramsPayload) overlay(base layered.Params) layered.Params {
	if p == nil {
		return base
	}
	if p.EnableSessionCompression != nil {
		base.EnableSessionCompression = *p.EnableSessionCompression
	}
	if p.L0TargetTokens > 0 {
		base.L0TargetTokens = p.L0TargetTokens
	}
	if p.L1TargetTokens > 0 {
		base.L1TargetTokens = p.L1TargetTokens
	}
	if p.MaxPromptTokens > 0 {
		base.MaxPromptTokens = p.MaxPromptTokens
	}
	if p.MaxArchives > 0 {
		base.MaxArchives = p.MaxArchives
	}
	if p.MaxRecentMessages > 0 {
		base.MaxRecentMessages = p.MaxRecentMessages
	}
	if p.ArchiveChunkSize > 0 {
		base.ArchiveChunkSize = p.ArchiveChunkSize
	}
	if p.Escalation.ScoreThresholdHigh > 0 {
		base.Escalation.ScoreThresholdHigh = p.Escalation.ScoreThresholdHigh
	}
	if p.Escalation.Top1Top2Margin > 0 {
		base.Escalation.Top1Top2Margin = p.Escalation.Top1Top2Margin
	}
	if p.Escalation.MaxItemsForL1 > 0 {
		base.Escalation.MaxItemsForL1 = p.Escalation.MaxItemsForL1
	}
	if p.Escalation.MaxItemsForL2 > 0 {
		base.Escalation.MaxItemsForL2 = p.Escalation.MaxItemsForL2
	}
	return base.Normalize()
}

func (p *applyPayload) sessionKey() string {
	if strings.TrimSpace(p.SessionKey) != "" {
		return p.SessionKey
	}
	return layered.SessionKey(p.Platform, p.ChatID)
}

func (g *Gateway) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var payload applyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(payload.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	result, err := g.manager.Apply(r.Context(), layered.ApplyRequest{
		SessionKey: payload.SessionKey,
		Platform:   payload.Platform,
		ChatID:     payload.ChatID,
		Query:      payload.Query,
		Messages:   payload.Messages,
		Params:     payload.Params.overlay(g.params),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g.rememberSession(payload.sessionKey(), result.UpdatedMessages)
	writeJSON(w, http.StatusOK, result)
}

type retrievePayload struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Platform   string `json:"platform,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	Query      string `json:"query"`
}

func (g *Gateway) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var payload retrievePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sessionKey := payload.SessionKey
	if strings.TrimSpace(sessionKey) == "" {
		sessionKey = layered.SessionKey(payload.Platform, payload.ChatID)
	}

	index, err := g.store.ReadIndex(sessionKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := g.manager.Retriever().Retrieve(r.Context(), index, payload.Query, g.params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusResponse struct {
	SessionKey   string   `json:"sessionKey"`
	Nodes        int      `json:"nodes"`
	BaselineL2   int      `json:"baselineL2"`
	RootKeywords []string `json:"rootKeywords,omitempty"`
	HasAbstract  bool     `json:"hasAbstract"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	sessionKey := strings.TrimSpace(r.URL.Query().Get("sessionKey"))
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, "sessionKey query parameter is required")
		return
	}

	index, err := g.store.ReadIndex(sessionKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{SessionKey: sessionKey}
	if index != nil {
		resp.Nodes = len(index.Nodes)
		resp.RootKeywords = index.Root.Keywords
		resp.HasAbstract = strings.TrimSpace(index.Root.Abstract) != ""
		for i := range index.Nodes {
			resp.BaselineL2 += index.Nodes[i].TokenEstimate.L2
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// rememberSession keeps the latest message list per session so the
// maintenance flush can archive sessions that went quiet.
func (g *Gateway) rememberSession(sessionKey string, messages []layered.Message) {
	g.bufMu.Lock()
	defer g.bufMu.Unlock()
	buf, ok := g.sessions[sessionKey]
	if !ok {
		buf = &sessionBuffer{}
		g.sessions[sessionKey] = buf
	}
	buf.messages = messages
	buf.gen++
}

func (g *Gateway) flushSessions(ctx context.Context) {
	type snapshot struct {
		messages []layered.Message
		gen      uint64
	}

	g.bufMu.Lock()
	pending := make(map[string]snapshot, len(g.sessions))
	for key, buf := range g.sessions {
		pending[key] = snapshot{messages: buf.messages, gen: buf.gen}
	}
	g.bufMu.Unlock()

	for key, snap := range pending {
		report, err := g.manager.Indexer().MaybeArchive(ctx, key, snap.messages, g.params)
		if err != nil {
			log.Printf("[gateway] flush archive for %s failed: %v", key, err)
			continue
		}
		if report.NodesCreated == 0 {
			continue
		}
		log.Printf("[gateway] flushed %d nodes for %s", report.NodesCreated, key)

		// The archived span covers any condensed-context prefix plus the raw
		// messages consumed. Trim the buffer only if no newer list was
		// remembered while this snapshot was being archived.
		trimmed := snap.messages[layered.ContextPrefixLen(snap.messages)+report.MessagesArchived:]
		g.bufMu.Lock()
		if buf, ok := g.sessions[key]; ok && buf.gen == snap.gen {
			buf.messages = trimmed
			buf.gen++
		}
		g.bufMu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] encode response warning: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
