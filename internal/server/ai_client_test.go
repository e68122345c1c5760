package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestGeminiClient(baseURL string) *GeminiClient {
	return &GeminiClient{
		apiKey:  "test-key",
		baseURL: baseURL,
		model:   "gemini-2.0-flash",
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func TestGeminiClientSendsGenerateContentRequest(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotAPIKey string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-goog-api-key")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"**Breakout Alert** watch the neckline"}]}}]
		}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(server.URL)
	text, err := client.Generate(context.Background(), "system instruction", "user question")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if text != "**Breakout Alert** watch the neckline" {
		t.Fatalf("unexpected text: %q", text)
	}
	if gotPath != "/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotAPIKey != "test-key" {
		t.Fatalf("expected api key header, got %q", gotAPIKey)
	}

	contents, ok := gotBody["contents"].([]any)
	if !ok || len(contents) != 1 {
		t.Fatalf("expected a single contents entry, got %v", gotBody["contents"])
	}
	first, _ := contents[0].(map[string]any)
	parts, _ := first["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected system and user parts, got %d", len(parts))
	}
	firstPart, _ := parts[0].(map[string]any)
	if firstPart["text"] != "system instruction" {
		t.Fatalf("expected system part first, got %v", firstPart["text"])
	}
}

func TestGeminiClientHTTPErrorIsUpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(server.URL)
	_, err := client.Generate(context.Background(), "", "question")
	if err == nil {
		t.Fatalf("expected error for upstream failure")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if !strings.Contains(upstream.Detail, "Gemini HTTP error (429)") {
		t.Fatalf("expected status in detail, got %q", upstream.Detail)
	}
	if !strings.Contains(upstream.Detail, "quota exceeded") {
		t.Fatalf("expected upstream body in detail, got %q", upstream.Detail)
	}
}

func TestGeminiClientEmptyCandidatesIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(server.URL)
	if _, err := client.Generate(context.Background(), "", "question"); err == nil {
		t.Fatalf("expected error for empty candidates")
	}
}

func TestGeminiClientWithoutKeyIsDisabled(t *testing.T) {
	t.Parallel()

	client := &GeminiClient{
		baseURL:    "http://127.0.0.1:1",
		model:      "gemini-2.0-flash",
		httpClient: &http.Client{Timeout: time.Second},
	}
	if client.Enabled() {
		t.Fatalf("expected client without key to be disabled")
	}
	_, err := client.Generate(context.Background(), "", "question")
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY not configured") {
		t.Fatalf("expected not-configured error, got %v", err)
	}
}

func TestExtractCandidateText(t *testing.T) {
	data := parseJSONStringMap([]byte(`{
		"candidates":[{"content":{"parts":[{"text":"hello"},{"text":"ignored"}]}}]
	}`))
	if got := extractCandidateText(data); got != "hello" {
		t.Fatalf("expected first part text, got %q", got)
	}
	if got := extractCandidateText(map[string]any{}); got != "" {
		t.Fatalf("expected empty text for missing candidates, got %q", got)
	}
}
