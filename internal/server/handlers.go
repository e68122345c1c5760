package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type askBotRequest struct {
	Message      string         `json:"message"`
	Context      map[string]any `json:"context"`
	SessionID    string         `json:"session_id"`
	HistoryMode  string         `json:"history_mode"`
	HistoryLimit int            `json:"history_limit"`
	HistoryScope string         `json:"history_scope"`
	WebSearch    bool           `json:"web_search"`
}

type streamMeta struct {
	SessionID string   `json:"session_id"`
	Title     string   `json:"title"`
	Links     []string `json:"links"`
}

const (
	defaultHistoryPageLimit = 20
	defaultChatPageLimit    = 30
	maxPageLimit            = 100

	recentHistoryTurns = 12
	fullHistoryTurns   = 50
	maxChatMemoryLimit = 200
	streamChunkSize    = 128
)

func clampLimit(raw string, fallback, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > max {
		limit = max
	}
	return limit
}

func clampOffset(raw string) int {
	offset := 0
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}

type pageParams struct {
	Limit  int
	Offset int
}

func paginationFromQuery(c *gin.Context, fallbackLimit int) pageParams {
	return pageParams{
		Limit:  clampLimit(c.Query("limit"), fallbackLimit, maxPageLimit),
		Offset: clampOffset(c.Query("offset")),
	}
}

// trimPage implements the uniform has_more strategy: callers fetch
// limit+1 rows and this trims the sentinel row off.
func trimPage[T any](rows []T, limit int) ([]T, bool) {
	if len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}

// chatMemoryLimit resolves how many stored turns the chat
// endpoints: recent mode defaults to 12 turns, full mode to 50, an
// explicit history_limit wins, and everything clamps into [1,200].
func chatMemoryLimit(mode string, explicit int) int {
	limit := recentHistoryTurns
	if strings.EqualFold(strings.TrimSpace(mode), "full") {
		limit = fullHistoryTurns
	}
	if explicit != 0 {
		limit = explicit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxChatMemoryLimit {
		limit = maxChatMemoryLimit
	}
	return limit
}

// chunkText splits text into fixed-size rune chunks; the final chunk
// may be shorter. Concatenating the chunks reproduces the input.
func chunkText(text string, size int) []string {
	if text == "" || size < 1 {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
