package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/layered"
)

const chunkPrompt = `You are a conversation archival engine. Condense the message window below.

Rules:
1. overview: 2-4 sentences covering what was discussed and decided in this window
2. abstract_delta: one sentence to merge into the session-wide abstract
3. keywords: up to 8 short lowercase terms, most salient first
4. Use the conversation's own language; never invent facts

Return strict JSON object:
{"overview":"...","abstract_delta":"...","keywords":["..."]}

Messages:
%s`

// Client summarizes message chunks through an OpenAI-compatible
// chat-completions endpoint. It implements layered.Summarizer.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Summarizer.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.Summarizer.APIKey,
		baseURL:    cfg.Summarizer.BaseURL,
		model:      cfg.Summarizer.Model,
		maxTokens:  cfg.Summarizer.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Summarize(ctx context.Context, messages []layered.Message) (*layered.ChunkSummary, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("empty message window")
	}

	resp, err := c.complete(ctx, fmt.Sprintf(chunkPrompt, renderWindow(messages)))
	if err != nil {
		return nil, fmt.Errorf("summarize chunk: %w", err)
	}

	var out layered.ChunkSummary
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return nil, fmt.Errorf("parse chunk summary: %w", err)
	}
	if strings.TrimSpace(out.Overview) == "" {
		return nil, fmt.Errorf("chunk summary has empty overview")
	}
	return &out, nil
}

func renderWindow(messages []layered.Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing summarizer api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing summarizer base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing summarizer model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summarizer http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
