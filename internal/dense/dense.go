package dense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/layerclaw/internal/layered"
	"github.com/stellarlinkco/layerclaw/internal/textrank"
)

// Client posts candidate batches to a rerank-style endpoint and returns
// min-max normalized relevance scores per node id. It implements
// layered.DenseScorer.
type Client struct {
	resolvers  []CredentialResolver
	model      string
	strict     bool
	httpClient *http.Client
}

// Options configure a Client beyond its credential chain.
type Options struct {
	Model            string
	RequestTimeoutMs int
	StrictMode       bool
}

func NewClient(resolvers []CredentialResolver, opts Options) *Client {
	timeout := time.Duration(opts.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		resolvers:  resolvers,
		model:      opts.Model,
		strict:     opts.StrictMode,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Strict() bool {
	return c.strict
}

// Configured reports whether some resolver in the chain yields credentials.
// Callers use this to decide whether to hand the scorer to the retriever at
// all; an unconfigured scorer is equivalent to sparse-only mode.
func (c *Client) Configured() bool {
	_, err := Resolve(c.resolvers)
	return err == nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
	Data    []rerankResult `json:"data"`
}

type rerankResult struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

func (r rerankResult) numericScore() (float64, bool) {
	if r.Score != nil {
		return *r.Score, true
	}
	if r.RelevanceScore != nil {
		return *r.RelevanceScore, true
	}
	return 0, false
}

func (c *Client) ScoreCandidates(ctx context.Context, query string, candidates []layered.ScoreCandidate) (map[string]float64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("dense score: empty query")
	}
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	creds, err := Resolve(c.resolvers)
	if err != nil {
		return nil, fmt.Errorf("dense score: %w", err)
	}

	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		docs[i] = cand.Content
	}

	payload, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("dense score: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("dense score: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dense score: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dense score: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dense score http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded rerankResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("dense score: decode response: %w", err)
	}

	raw := decoded.Results
	if len(raw) == 0 {
		raw = decoded.Data
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("dense score: empty results")
	}

	byID := make(map[string]float64, len(candidates))
	for _, item := range raw {
		if item.Index < 0 || item.Index >= len(candidates) {
			continue
		}
		score, ok := item.numericScore()
		if !ok {
			continue
		}
		id := candidates[item.Index].NodeID
		if prev, seen := byID[id]; !seen || score > prev {
			byID[id] = score
		}
	}
	if len(byID) == 0 {
		return nil, fmt.Errorf("dense score: results missing numeric score fields")
	}

	return textrank.NormalizeScores(byID), nil
}
