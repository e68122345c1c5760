package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (a *App) askBot(c *gin.Context) {
	var payload askBotRequest
	if !mustJSON(c, &payload) {
		return
	}
	payload.Message = strings.TrimSpace(payload.Message)
	if payload.Message == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}

	user, authenticated := authUserFromContext(c)
	history := a.loadChatMemory(c.Request.Context(), user, authenticated, payload)

	answer, err := a.chat.Ask(c.Request.Context(), ChatAskRequest{
		Message:   payload.Message,
		Context:   payload.Context,
		History:   history,
		WebSearch: payload.WebSearch,
	})
	if err != nil {
		writeError(c, http.StatusBadGateway, err.Error())
		return
	}

	response := gin.H{
		"text":  answer.Text,
		"title": answer.Title,
	}
	if authenticated {
		sessionID := a.ensureChatSession(c.Request.Context(), user, payload.SessionID, answer, payload.Message)
		a.persistChatTurn(c.Request.Context(), user, sessionID, payload, answer)
		response["session_id"] = sessionID
	}
	c.JSON(http.StatusOK, response)
}

func (a *App) askBotStream(c *gin.Context) {
	var payload askBotRequest
	if !mustJSON(c, &payload) {
		return
	}
	payload.Message = strings.TrimSpace(payload.Message)
	if payload.Message == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}

	user, authenticated := authUserFromContext(c)
	history := a.loadChatMemory(c.Request.Context(), user, authenticated, payload)

	answer, err := a.chat.Ask(c.Request.Context(), ChatAskRequest{
		Message:   payload.Message,
		Context:   payload.Context,
		History:   history,
		WebSearch: payload.WebSearch,
	})
	if err != nil {
		writeError(c, http.StatusBadGateway, err.Error())
		return
	}

	// Both message rows land before the first byte is written so a
	// mid-stream disconnect cannot lose the exchange.
	sessionID := ""
	if authenticated {
		sessionID = a.ensureChatSession(c.Request.Context(), user, payload.SessionID, answer, payload.Message)
		a.persistChatTurn(c.Request.Context(), user, sessionID, payload, answer)
	}

	meta := streamMeta{
		SessionID: sessionID,
		Title:     answer.Title,
		Links:     []string{},
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	writer := c.Writer
	_, _ = writer.WriteString("META:" + mustMarshalJSON(meta) + "\n")
	writer.Flush()
	for _, chunk := range chunkText(answer.Text, streamChunkSize) {
		_, _ = writer.WriteString("DATA:" + chunk + "\n")
		writer.Flush()
	}
}

// loadChatMemory reconstructs prior turns for the prompt. Memory is
// loaded only for an authenticated request that either names a session
// or asks for user scope. The newest rows are fetched first, then
// reversed so the transcript runs in chronological order.
func (a *App) loadChatMemory(ctx context.Context, user AuthUser, authenticated bool, payload askBotRequest) []ChatTurn {
	if !authenticated {
		return nil
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	scope := strings.ToLower(strings.TrimSpace(payload.HistoryScope))
	if scope != "user" && sessionID == "" {
		return nil
	}

	query := ChatMessageQuery{
		UserID:    user.ID,
		Ascending: false,
		Limit:     chatMemoryLimit(payload.HistoryMode, payload.HistoryLimit),
		Offset:    0,
	}
	if scope != "user" {
		query.SessionID = sessionID
	}

	rows, err := a.store.ListChatMessages(ctx, query)
	if err != nil {
		// Memory is an enhancement; the chat call proceeds without it.
		return nil
	}
	turns := make([]ChatTurn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = ChatTurn{Role: row.Role, Message: row.Message}
	}
	return turns
}

// ensureChatSession resolves the session for an authenticated turn:
// reuse the caller's session when it exists and belongs to them,
// otherwise create one lazily. The session id is generated here so the
// response is identical whether or not the insert succeeds. Titles come
// from the answer, falling back to the truncated question.
func (a *App) ensureChatSession(ctx context.Context, user AuthUser, requestedID string, answer ChatAnswer, message string) string {
	title := answer.Title
	if title == "" {
		title = truncateRunes(message, chatTitleRuneMax)
	}

	requestedID = strings.TrimSpace(requestedID)
	if requestedID != "" {
		// Reuse only a session whose ownership was confirmed. Not-found
		// and transient read failures both fall through to a fresh id so
		// rows are never attached to an unverified session.
		if _, err := a.store.GetChatSession(ctx, user.ID, requestedID); err == nil {
			a.persist("chat_sessions touch", func() error {
				return a.store.TouchChatSession(ctx, requestedID, title)
			})
			return requestedID
		}
	}

	sessionID := uuid.NewString()
	a.persist("chat_sessions insert", func() error {
		return a.store.CreateChatSession(ctx, sessionID, user.ID, title)
	})
	return sessionID
}

// persistChatTurn writes the user and assistant rows, best-effort.
func (a *App) persistChatTurn(ctx context.Context, user AuthUser, sessionID string, payload askBotRequest, answer ChatAnswer) {
	if sessionID == "" {
		return
	}
	var contextJSON json.RawMessage
	if len(payload.Context) > 0 {
		contextJSON = json.RawMessage(mustMarshalJSON(payload.Context))
	}
	model := a.chat.Model()

	a.persist("chat_messages insert user", func() error {
		return a.store.InsertChatMessage(ctx, ChatMessageRecord{
			UserID:    user.ID,
			SessionID: sessionID,
			Role:      "user",
			Message:   payload.Message,
			Context:   contextJSON,
			Model:     model,
		})
	})
	a.persist("chat_messages insert assistant", func() error {
		return a.store.InsertChatMessage(ctx, ChatMessageRecord{
			UserID:    user.ID,
			SessionID: sessionID,
			Role:      "assistant",
			Message:   answer.Text,
			Model:     model,
		})
	})
}

func (a *App) getChatHistory(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	page := paginationFromQuery(c, defaultChatPageLimit)
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		a.respondSessionPage(c, user, page)
		return
	}

	rows, err := a.store.ListChatMessages(c.Request.Context(), ChatMessageQuery{
		UserID:    user.ID,
		SessionID: sessionID,
		Ascending: false,
		Limit:     page.Limit + 1,
		Offset:    page.Offset,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load chat history")
		return
	}
	rows, hasMore := trimPage(rows, page.Limit)

	items := make([]gin.H, 0, len(rows))
	for _, record := range rows {
		item := gin.H{
			"id":         record.ID,
			"session_id": record.SessionID,
			"role":       record.Role,
			"message":    record.Message,
			"model":      record.Model,
			"created_at": record.CreatedAt.UTC(),
		}
		if len(record.Context) > 0 {
			item["context"] = parseJSONStringMap(record.Context)
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"items":    items,
		"has_more": hasMore,
		"offset":   page.Offset,
		"limit":    page.Limit,
	})
}

func (a *App) listChatSessions(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	a.respondSessionPage(c, user, paginationFromQuery(c, defaultChatPageLimit))
}

func (a *App) respondSessionPage(c *gin.Context, user AuthUser, page pageParams) {
	rows, err := a.store.ListChatSessions(c.Request.Context(), user.ID, page.Limit+1, page.Offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load chat sessions")
		return
	}
	rows, hasMore := trimPage(rows, page.Limit)

	items := make([]gin.H, 0, len(rows))
	for _, record := range rows {
		items = append(items, gin.H{
			"id":         record.ID,
			"title":      record.Title,
			"created_at": record.CreatedAt.UTC(),
			"updated_at": record.UpdatedAt.UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items":    items,
		"has_more": hasMore,
		"offset":   page.Offset,
		"limit":    page.Limit,
	})
}
