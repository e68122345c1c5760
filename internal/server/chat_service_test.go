package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeAIClient struct {
	enabled    bool
	model      string
	answer     string
	err        error
	lastSystem string
	lastUser   string
	calls      int
}

func (f *fakeAIClient) Enabled() bool {
	return f.enabled
}

func (f *fakeAIClient) Model() string {
	if f.model == "" {
		return "gemini-2.0-flash"
	}
	return f.model
}

func (f *fakeAIClient) ConfigHint() string {
	return "GEMINI_API_KEY"
}

func (f *fakeAIClient) Generate(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func TestChatServiceNotConfiguredIsDeterministic(t *testing.T) {
	client := &fakeAIClient{enabled: false}
	service := NewChatService(client)

	for i := 0; i < 3; i++ {
		_, err := service.Ask(context.Background(), ChatAskRequest{Message: fmt.Sprintf("question %d", i)})
		if err == nil {
			t.Fatalf("expected error when not configured")
		}
		var chatErr *ChatError
		if !errors.As(err, &chatErr) {
			t.Fatalf("expected ChatError, got %T", err)
		}
		if chatErr.Detail != "GEMINI_API_KEY not configured" {
			t.Fatalf("unexpected detail: %q", chatErr.Detail)
		}
	}
	if client.calls != 0 {
		t.Fatalf("expected no upstream calls when disabled, got %d", client.calls)
	}
}

func TestChatServiceTruncatesHistoryToLastTwelve(t *testing.T) {
	client := &fakeAIClient{enabled: true, answer: "ok"}
	service := NewChatService(client)

	history := make([]ChatTurn, 0, 20)
	for i := 0; i < 20; i++ {
		history = append(history, ChatTurn{Role: "user", Message: fmt.Sprintf("turn-%02d", i)})
	}

	if _, err := service.Ask(context.Background(), ChatAskRequest{Message: "latest", History: history}); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	if strings.Contains(client.lastUser, "turn-07") {
		t.Fatalf("expected turns before the last 12 to be dropped, prompt: %s", client.lastUser)
	}
	for i := 8; i < 20; i++ {
		if !strings.Contains(client.lastUser, fmt.Sprintf("turn-%02d", i)) {
			t.Fatalf("expected turn-%02d in prompt", i)
		}
	}
}

func TestChatServiceDropsEmptyHistoryEntries(t *testing.T) {
	client := &fakeAIClient{enabled: true, answer: "ok"}
	service := NewChatService(client)

	history := []ChatTurn{
		{Role: "user", Message: "first question"},
		{Role: "assistant", Message: "   "},
		{Role: "assistant", Message: "an answer"},
	}
	if _, err := service.Ask(context.Background(), ChatAskRequest{Message: "next", History: history}); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	transcriptStart := strings.Index(client.lastUser, "Recent conversation")
	if transcriptStart == -1 {
		t.Fatalf("expected transcript block, prompt: %s", client.lastUser)
	}
	transcript := client.lastUser[transcriptStart:]
	lines := strings.Split(transcript, "\n")
	// Header line plus the two non-empty turns.
	if len(lines) != 3 {
		t.Fatalf("expected 2 transcript lines, got %d: %q", len(lines)-1, lines[1:])
	}
	if lines[1] != "User: first question" || lines[2] != "Assistant: an answer" {
		t.Fatalf("unexpected transcript lines: %q", lines[1:])
	}
}

func TestChatServiceIncludesContextJSON(t *testing.T) {
	client := &fakeAIClient{enabled: true, answer: "ok"}
	service := NewChatService(client)

	_, err := service.Ask(context.Background(), ChatAskRequest{
		Message: "what about this stock",
		Context: map[string]any{"symbol": "RELIANCE"},
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if !strings.Contains(client.lastUser, `Context (JSON): {"symbol":"RELIANCE"}`) {
		t.Fatalf("expected context block in prompt: %s", client.lastUser)
	}
	if client.lastSystem != chatSystemPrompt {
		t.Fatalf("expected fixed system prompt")
	}
}

func TestChatServiceUpstreamErrorDetailSurvives(t *testing.T) {
	client := &fakeAIClient{
		enabled: true,
		err:     &UpstreamError{Detail: "Gemini HTTP error (500): internal"},
	}
	service := NewChatService(client)

	_, err := service.Ask(context.Background(), ChatAskRequest{Message: "hello"})
	var chatErr *ChatError
	if !errors.As(err, &chatErr) {
		t.Fatalf("expected ChatError, got %v", err)
	}
	if chatErr.Detail != "Gemini HTTP error (500): internal" {
		t.Fatalf("unexpected detail: %q", chatErr.Detail)
	}
}

func TestDeriveChatTitle(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "bold segment",
			text: "**Breakout Alert** Consider entries near support.",
			want: "Breakout Alert",
		},
		{
			name: "first line fallback",
			text: "Hold steady for now\nMore detail below.",
			want: "Hold steady for now",
		},
		{
			name: "long first line truncated",
			text: strings.Repeat("a", 120),
			want: strings.Repeat("a", 80),
		},
		{
			name: "empty text",
			text: "",
			want: "",
		},
		{
			name: "single bold marker falls back to first line",
			text: "** only one marker here",
			want: "** only one marker here",
		},
		{
			name: "empty bold segment falls back",
			text: "**** then some text",
			want: "**** then some text",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveChatTitle(tc.text); got != tc.want {
				t.Fatalf("deriveChatTitle(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestFormatHistoryTranscriptEmptyHistory(t *testing.T) {
	if got := formatHistoryTranscript(nil, 12); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
	if got := formatHistoryTranscript([]ChatTurn{{Role: "user", Message: "  "}}, 12); got != "" {
		t.Fatalf("expected empty transcript for blank turns, got %q", got)
	}
}
