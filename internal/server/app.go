package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"chartsight/internal/config"
)

type App struct {
	cfg      config.Config
	store    Store
	detector PatternDetector
	insights *InsightGenerator
	chat     *ChatService
	archive  ChartArchive
}

type AuthUser struct {
	ID    string
	Email string
}

func New(cfg config.Config, store Store, detector PatternDetector, ai AIClient, archive ChartArchive) *App {
	return &App{
		cfg:      cfg,
		store:    store,
		detector: detector,
		insights: NewInsightGenerator(ai),
		chat:     NewChatService(ai),
		archive:  archive,
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.resolveIdentity())

	api.POST("/analyze-chart", a.analyzeChart)
	api.POST("/ask-bot", a.askBot)
	api.POST("/ask-bot-stream", a.askBotStream)
	api.GET("/chat-history", a.getChatHistory)
	api.GET("/chat-sessions", a.listChatSessions)
	api.GET("/history", a.getAnalysisHistory)
	api.GET("/history/export.csv", a.exportAnalysisHistoryCSV)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "chartsight-api",
	})
}

// resolveIdentity verifies the bearer credential when one is supplied and
// stores the resulting identity on the request context. A missing or
// invalid credential never aborts here: chart analysis and chat degrade
// to anonymous mode, and the listing handlers enforce 401 themselves.
func (a *App) resolveIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, ok := a.verifyBearer(c.GetHeader("Authorization")); ok {
			c.Set("authUser", user)
		}
		c.Next()
	}
}

// verifyBearer is a pure function of the credential: parse, verify
// against the configured secret, extract the subject. Malformed input
// yields no identity, never a panic.
func (a *App) verifyBearer(authHeader string) (AuthUser, bool) {
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return AuthUser{}, false
	}
	tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
	if tokenString == "" {
		return AuthUser{}, false
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return AuthUser{}, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthUser{}, false
	}
	if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
		return AuthUser{}, false
	}
	if a.cfg.JWTIssuer != "" {
		issuer, _ := claims["iss"].(string)
		if issuer != a.cfg.JWTIssuer {
			return AuthUser{}, false
		}
	}
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return AuthUser{}, false
	}

	email, _ := claims["email"].(string)
	return AuthUser{ID: sub, Email: strings.TrimSpace(email)}, true
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

// persistOutcome records whether a best-effort write was attempted and
// how it ended. Persistence failures are logged and never propagate into
// the enclosing request.
type persistOutcome struct {
	Attempted bool
	Err       error
}

func (p persistOutcome) OK() bool {
	return p.Attempted && p.Err == nil
}

func (a *App) persist(op string, fn func() error) persistOutcome {
	err := fn()
	if err != nil {
		log.Printf("best-effort persistence failed (%s): %v", op, err)
	}
	return persistOutcome{Attempted: true, Err: err}
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func mustMarshalJSON(input any) string {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
