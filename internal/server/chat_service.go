package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	chatHistoryTurnLimit = 12
	chatTitleRuneMax     = 80
)

const chatSystemPrompt = "You are a professional trading assistant focused on stocks, Indian markets, and technical analysis. " +
	"Provide concise, actionable, and cautious guidance. Mention uncertainties. " +
	"If the question is off-topic (personal issues, relationships, unrelated life advice), politely refuse. " +
	"Never provide financial, legal, or tax advice. Include risk disclaimers where relevant."

type ChatTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type ChatAskRequest struct {
	Message string
	Context map[string]any
	History []ChatTurn
	// WebSearch is carried through from both chat endpoints. The
	// generateContent call used here has no tool support, so the flag is
	// accepted but does not change the prompt.
	WebSearch bool
}

type ChatAnswer struct {
	Text  string
	Title string
}

// ChatError is the service-reported failure surfaced as 502 by the
// chat handlers.
type ChatError struct {
	Detail string
}

func (e *ChatError) Error() string {
	return e.Detail
}

type ChatService struct {
	client AIClient
}

func NewChatService(client AIClient) *ChatService {
	return &ChatService{client: client}
}

// Ask builds the prompt from the message, optional context, and a
// compacted history transcript, then queries the model. It never
// panics past this boundary: every failure comes back as *ChatError.
func (s *ChatService) Ask(ctx context.Context, req ChatAskRequest) (ChatAnswer, error) {
	if s.client == nil || !s.client.Enabled() {
		return ChatAnswer{}, &ChatError{Detail: fmt.Sprintf("%s not configured", s.configHint())}
	}

	userPrompt := "User message: " + req.Message
	if len(req.Context) > 0 {
		userPrompt += "\nContext (JSON): " + mustMarshalJSON(req.Context)
	}
	if transcript := formatHistoryTranscript(req.History, chatHistoryTurnLimit); transcript != "" {
		userPrompt += "\nRecent conversation (most recent last):\n" + transcript
	}

	text, err := s.client.Generate(ctx, chatSystemPrompt, userPrompt)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			return ChatAnswer{}, &ChatError{Detail: upstream.Detail}
		}
		return ChatAnswer{}, &ChatError{Detail: fmt.Sprintf("chat request failed: %v", err)}
	}

	fullText := strings.TrimSpace(text)
	return ChatAnswer{
		Text:  fullText,
		Title: deriveChatTitle(fullText),
	}, nil
}

func (s *ChatService) configHint() string {
	if s.client == nil {
		return "GEMINI_API_KEY"
	}
	return s.client.ConfigHint()
}

func (s *ChatService) Model() string {
	if s.client == nil {
		return ""
	}
	return s.client.Model()
}

// formatHistoryTranscript renders at most the last maxTurns entries of
// the chronological history as "User:"/"Assistant:" lines. Empty-text
// entries are dropped.
func formatHistoryTranscript(history []ChatTurn, maxTurns int) string {
	if len(history) == 0 {
		return ""
	}
	trimmed := history
	if maxTurns > 0 && len(trimmed) > maxTurns {
		trimmed = trimmed[len(trimmed)-maxTurns:]
	}
	lines := make([]string, 0, len(trimmed))
	for _, turn := range trimmed {
		text := strings.TrimSpace(turn.Message)
		if text == "" {
			continue
		}
		prefix := "User"
		if strings.EqualFold(strings.TrimSpace(turn.Role), "assistant") {
			prefix = "Assistant"
		}
		lines = append(lines, prefix+": "+text)
	}
	return strings.Join(lines, "\n")
}

// deriveChatTitle prefers the segment between the first pair of **
// markers; otherwise the first line truncated to 80 characters; an
// empty answer yields no title.
func deriveChatTitle(fullText string) string {
	if fullText == "" {
		return ""
	}
	if strings.Contains(fullText, "**") {
		segments := strings.Split(fullText, "**")
		if len(segments) >= 3 {
			if candidate := strings.TrimSpace(segments[1]); candidate != "" {
				return candidate
			}
		}
	}
	firstLine := fullText
	if idx := strings.IndexAny(fullText, "\r\n"); idx >= 0 {
		firstLine = fullText[:idx]
	}
	return truncateRunes(firstLine, chatTitleRuneMax)
}
