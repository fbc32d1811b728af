package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/layered"
)

func TestSummarizeRequestAndParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("auth header mismatch")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		format, _ := body["response_format"].(map[string]any)
		if format["type"] != "json_object" {
			t.Fatalf("expected json_object response format")
		}

		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": `{"overview":"The user debugged a failing deploy.","abstract_delta":"Deploy pipeline debugging.","keywords":["deploy","pipeline"]}`,
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.APIKey = "test-key"
	cfg.Summarizer.BaseURL = srv.URL
	cfg.Summarizer.Model = "gpt-test"

	client := NewClient(cfg)
	out, err := client.Summarize(context.Background(), []layered.Message{
		{Role: "user", Content: "the deploy keeps failing"},
		{Role: "assistant", Content: "check the runner logs"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out.Overview == "" || out.AbstractDelta == "" || len(out.Keywords) != 2 {
		t.Fatalf("unexpected summary: %+v", out)
	}
}

func TestSummarizeRejectsEmptyWindow(t *testing.T) {
	client := NewClient(config.DefaultConfig())
	if _, err := client.Summarize(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty window")
	}
}

func TestSummarizeMissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	client := NewClient(cfg)
	_, err := client.Summarize(context.Background(), []layered.Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error when api key is missing")
	}
}

func TestSummarizeRejectsEmptyOverview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": `{"overview":"","abstract_delta":"x","keywords":[]}`,
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.APIKey = "k"
	cfg.Summarizer.BaseURL = srv.URL
	cfg.Summarizer.Model = "m"

	client := NewClient(cfg)
	if _, err := client.Summarize(context.Background(), []layered.Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty overview")
	}
}
