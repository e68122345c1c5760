package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errSessionNotFound = errors.New("chat session not found")

type AnalysisRecord struct {
	ID             string
	UserID         string
	Patterns       json.RawMessage
	Summary        string
	AnnotatedImage string
	Insights       InsightBundle
	ChartObjectKey *string
	CreatedAt      time.Time
}

type ChatSessionRecord struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessageRecord struct {
	ID        string
	UserID    string
	SessionID string
	Role      string
	Message   string
	Context   json.RawMessage
	Model     string
	CreatedAt time.Time
}

type ChatMessageQuery struct {
	UserID    string
	SessionID string
	Ascending bool
	Limit     int
	Offset    int
}

// Store is the history persistence boundary. Handlers treat every write
// as best-effort; reads back the two authenticated listing endpoints.
type Store interface {
	InsertAnalysis(ctx context.Context, record AnalysisRecord) error
	ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]AnalysisRecord, error)

	CreateChatSession(ctx context.Context, id, userID, title string) error
	GetChatSession(ctx context.Context, userID, sessionID string) (ChatSessionRecord, error)
	TouchChatSession(ctx context.Context, sessionID, title string) error
	ListChatSessions(ctx context.Context, userID string, limit, offset int) ([]ChatSessionRecord, error)

	InsertChatMessage(ctx context.Context, record ChatMessageRecord) error
	ListChatMessages(ctx context.Context, query ChatMessageQuery) ([]ChatMessageRecord, error)
}

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pgxStore struct {
	db dbQuerier
}

func NewStore(pool *pgxpool.Pool) Store {
	return &pgxStore{db: pool}
}

func (s *pgxStore) InsertAnalysis(ctx context.Context, record AnalysisRecord) error {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	patterns := record.Patterns
	if len(patterns) == 0 {
		patterns = json.RawMessage("[]")
	}
	_, err := s.db.Exec(
		ctx,
		`INSERT INTO analysis_history (
			id, user_id, patterns, summary, annotated_image, insights, chart_object_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		id,
		record.UserID,
		string(patterns),
		record.Summary,
		record.AnnotatedImage,
		mustMarshalJSON(record.Insights),
		record.ChartObjectKey,
	)
	return err
}

func (s *pgxStore) ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]AnalysisRecord, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT id, user_id, patterns::text, summary, annotated_image, insights::text, chart_object_key, created_at
		 FROM analysis_history
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]AnalysisRecord, 0, limit)
	for rows.Next() {
		var record AnalysisRecord
		var patternsRaw, insightsRaw string
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&patternsRaw,
			&record.Summary,
			&record.AnnotatedImage,
			&insightsRaw,
			&record.ChartObjectKey,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		record.Patterns = json.RawMessage(patternsRaw)
		record.Insights = decodeInsightBundle(insightsRaw)
		items = append(items, record)
	}
	return items, rows.Err()
}

func decodeInsightBundle(raw string) InsightBundle {
	bundle := emptyInsightBundle("")
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return emptyInsightBundle("")
	}
	if bundle.Explanations == nil {
		bundle.Explanations = []string{}
	}
	if bundle.EntrySignals == nil {
		bundle.EntrySignals = []string{}
	}
	if bundle.ExitSignals == nil {
		bundle.ExitSignals = []string{}
	}
	if bundle.RiskManagement == nil {
		bundle.RiskManagement = []string{}
	}
	if bundle.ConfidenceNotes == nil {
		bundle.ConfidenceNotes = []string{}
	}
	return bundle
}

func (s *pgxStore) CreateChatSession(ctx context.Context, id, userID, title string) error {
	_, err := s.db.Exec(
		ctx,
		`INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())`,
		id,
		userID,
		title,
	)
	return err
}

func (s *pgxStore) GetChatSession(ctx context.Context, userID, sessionID string) (ChatSessionRecord, error) {
	var record ChatSessionRecord
	err := s.db.QueryRow(
		ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_sessions
		 WHERE id = $1 AND user_id = $2`,
		sessionID,
		userID,
	).Scan(&record.ID, &record.UserID, &record.Title, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatSessionRecord{}, errSessionNotFound
	}
	if err != nil {
		return ChatSessionRecord{}, err
	}
	return record, nil
}

// TouchChatSession bumps updated_at and fills the title if the session
// does not have one yet.
func (s *pgxStore) TouchChatSession(ctx context.Context, sessionID, title string) error {
	_, err := s.db.Exec(
		ctx,
		`UPDATE chat_sessions
		 SET updated_at = NOW(),
		     title = CASE WHEN COALESCE(title, '') = '' THEN $2 ELSE title END
		 WHERE id = $1`,
		sessionID,
		title,
	)
	return err
}

func (s *pgxStore) ListChatSessions(ctx context.Context, userID string, limit, offset int) ([]ChatSessionRecord, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_sessions
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ChatSessionRecord, 0, limit)
	for rows.Next() {
		var record ChatSessionRecord
		if err := rows.Scan(&record.ID, &record.UserID, &record.Title, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func (s *pgxStore) InsertChatMessage(ctx context.Context, record ChatMessageRecord) error {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	var contextValue any
	if len(record.Context) > 0 {
		contextValue = string(record.Context)
	}
	_, err := s.db.Exec(
		ctx,
		`INSERT INTO chat_messages (id, user_id, session_id, role, message, context, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		id,
		record.UserID,
		record.SessionID,
		record.Role,
		record.Message,
		contextValue,
		record.Model,
	)
	return err
}

func (s *pgxStore) ListChatMessages(ctx context.Context, query ChatMessageQuery) ([]ChatMessageRecord, error) {
	order := "DESC"
	if query.Ascending {
		order = "ASC"
	}
	var sessionFilter any
	if strings.TrimSpace(query.SessionID) != "" {
		sessionFilter = query.SessionID
	}
	rows, err := s.db.Query(
		ctx,
		`SELECT id, user_id, session_id, role, message, COALESCE(context, 'null'::jsonb)::text, model, created_at
		 FROM chat_messages
		 WHERE user_id = $1
		   AND ($2::text IS NULL OR session_id = $2)
		 ORDER BY created_at `+order+`
		 LIMIT $3 OFFSET $4`,
		query.UserID,
		sessionFilter,
		query.Limit,
		query.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ChatMessageRecord, 0, query.Limit)
	for rows.Next() {
		var record ChatMessageRecord
		var contextRaw string
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&record.SessionID,
			&record.Role,
			&record.Message,
			&contextRaw,
			&record.Model,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		if contextRaw != "" && contextRaw != "null" {
			record.Context = json.RawMessage(contextRaw)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}
