package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"chartsight/internal/config"
)

// AIClient is the upstream generative-language boundary. Both chat and
// insight generation go through it; tests substitute fakes.
type AIClient interface {
	// Enabled reports whether a credential is configured. Callers must
	// not invoke Generate when this is false.
	Enabled() bool
	// Model is the model identifier persisted on chat messages.
	Model() string
	// ConfigHint names the environment variable that enables the client.
	ConfigHint() string
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// UpstreamError marks transport or HTTP failures of the generative API
// so handlers can map them to 502.
type UpstreamError struct {
	Detail string
}

func (e *UpstreamError) Error() string {
	return e.Detail
}

func NewAIClientFromConfig(cfg config.Config) AIClient {
	if strings.EqualFold(strings.TrimSpace(cfg.AIProvider), "openai") {
		return NewOpenAIChatClient(cfg)
	}
	return NewGeminiClient(cfg)
}

// GeminiClient calls the generateContent REST endpoint directly. The
// request body is {contents:[{parts:[{text},...]}]} and the answer is
// read from candidates[0].content.parts[0].text.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewGeminiClient(cfg config.Config) *GeminiClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 20
	}
	return &GeminiClient{
		apiKey:  strings.TrimSpace(cfg.GeminiAPIKey),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.GeminiBaseURL), "/"),
		model:   strings.TrimSpace(cfg.GeminiModel),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (c *GeminiClient) Enabled() bool {
	return c.apiKey != ""
}

func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) ConfigHint() string {
	return "GEMINI_API_KEY"
}

func (c *GeminiClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Enabled() {
		return "", &UpstreamError{Detail: "GEMINI_API_KEY not configured"}
	}

	type textPart struct {
		Text string `json:"text"`
	}
	type content struct {
		Parts []textPart `json:"parts"`
	}

	parts := make([]textPart, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		parts = append(parts, textPart{Text: systemPrompt})
	}
	parts = append(parts, textPart{Text: userPrompt})

	payload := map[string]any{
		"contents": []content{{Parts: parts}},
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyRaw))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-goog-api-key", c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", &UpstreamError{Detail: fmt.Sprintf("Gemini request failed: %v", err)}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", &UpstreamError{Detail: fmt.Sprintf("Gemini request failed: %v", err)}
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", &UpstreamError{
			Detail: fmt.Sprintf("Gemini HTTP error (%d): %s", response.StatusCode, strings.TrimSpace(string(responseBody))),
		}
	}

	text := extractCandidateText(parseJSONStringMap(responseBody))
	if strings.TrimSpace(text) == "" {
		return "", &UpstreamError{Detail: "Gemini response contained no candidate text"}
	}
	return text, nil
}

func extractCandidateText(data map[string]any) string {
	candidates, ok := data["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return ""
	}
	first, ok := candidates[0].(map[string]any)
	if !ok {
		return ""
	}
	contentMap, ok := first["content"].(map[string]any)
	if !ok {
		return ""
	}
	partsList, ok := contentMap["parts"].([]any)
	if !ok || len(partsList) == 0 {
		return ""
	}
	part, ok := partsList[0].(map[string]any)
	if !ok {
		return ""
	}
	return toString(part["text"])
}

// OpenAIChatClient is the alternate provider behind AI_PROVIDER=openai.
type OpenAIChatClient struct {
	client *openai.Client
	apiKey string
	model  string
}

func NewOpenAIChatClient(cfg config.Config) *OpenAIChatClient {
	apiKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIChatClient{
		client: openai.NewClient(apiKey),
		apiKey: apiKey,
		model:  model,
	}
}

func (c *OpenAIChatClient) Enabled() bool {
	return c.apiKey != ""
}

func (c *OpenAIChatClient) Model() string {
	return c.model
}

func (c *OpenAIChatClient) ConfigHint() string {
	return "OPENAI_API_KEY"
}

func (c *OpenAIChatClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Enabled() {
		return "", &UpstreamError{Detail: "OPENAI_API_KEY not configured"}
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", &UpstreamError{Detail: fmt.Sprintf("OpenAI request failed: %v", err)}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &UpstreamError{Detail: "OpenAI response contained no message content"}
	}
	return resp.Choices[0].Message.Content, nil
}
