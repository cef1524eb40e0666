package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/auth"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/database"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
)

const (
	principalContextKey = "opennotes_principal"
	defaultListLimit    = 50
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingServices      = errors.New("community, users, engagement, notes, moderation and queue services are required")
	errMissingStream        = errors.New("stream sender dependency required")
)

// ScoringTrigger submits an on-demand scoring run.
type ScoringTrigger interface {
	Submit(trigger string) error
}

// Purger removes messages and servers together with their dependents.
type Purger interface {
	DeleteMessage(ctx context.Context, actorID string, actorTrust trust.Level, messageID string) (database.PurgeReport, error)
	DeleteServer(ctx context.Context, actorID string, actorTrust trust.Level, serverID string) (database.PurgeReport, error)
}

// Dependencies lists what the HTTP surface needs. Scoring, Purger, Limiter and
// StreamTokens are optional; without a Limiter the general hourly quota is not
// enforced, and without StreamTokens the stream only accepts header credentials.
type Dependencies struct {
	Authenticator *auth.Authenticator
	APIKeys       *auth.APIKeyService
	Community     *community.Service
	Users         *users.Service
	Engagement    *engagement.Service
	Notes         *notes.Service
	Moderation    *moderation.Service
	Queue         *notify.Queue
	Stream        *notify.StreamSender
	StreamTokens  *auth.TokenIssuer
	Scoring       ScoringTrigger
	Purger        Purger
	Limiter       *ratelimit.Limiter
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewHTTPHandler wires the routes behind authentication.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Community == nil || deps.Users == nil || deps.Engagement == nil || deps.Notes == nil || deps.Moderation == nil || deps.Queue == nil {
		return nil, errMissingServices
	}
	if deps.Stream == nil {
		return nil, errMissingStream
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		apiKeys:       deps.APIKeys,
		community:     deps.Community,
		users:         deps.Users,
		engagement:    deps.Engagement,
		notes:         deps.Notes,
		moderation:    deps.Moderation,
		queue:         deps.Queue,
		stream:        deps.Stream,
		streamTokens:  deps.StreamTokens,
		scoring:       deps.Scoring,
		purger:        deps.Purger,
		limiter:       deps.Limiter,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	stream := router.Group("/me/notifications/stream")
	stream.Use(handler.authorizeStream)
	stream.GET("", handler.handleNotificationStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest, handler.enforceGeneralQuota)

	protected.POST("/servers", handler.handleRegisterServer)
	protected.GET("/servers/:serverID", handler.handleGetServer)
	protected.DELETE("/servers/:serverID", handler.handlePurgeServer)
	protected.PUT("/servers/:serverID/settings", handler.handleUpdateSettings)
	protected.POST("/servers/:serverID/pause", handler.handlePauseServer)
	protected.POST("/servers/:serverID/resume", handler.handleResumeServer)
	protected.POST("/servers/:serverID/members", handler.handleJoinServer)
	protected.POST("/servers/:serverID/messages", handler.handleRegisterMessage)
	protected.GET("/servers/:serverID/moderation", handler.handleListPending)

	protected.GET("/messages/:messageID", handler.handleGetMessage)
	protected.DELETE("/messages/:messageID", handler.handlePurgeMessage)
	protected.POST("/messages/:messageID/requests", handler.handleRecordRequest)
	protected.DELETE("/messages/:messageID/requests", handler.handleWithdrawRequest)
	protected.GET("/messages/:messageID/aggregation", handler.handleGetAggregation)
	protected.POST("/messages/:messageID/notes", handler.handleSubmitNote)
	protected.GET("/messages/:messageID/notes", handler.handleListNotes)

	protected.GET("/notes/:noteID", handler.handleGetNote)
	protected.DELETE("/notes/:noteID", handler.handleDeleteNote)
	protected.POST("/notes/:noteID/ratings", handler.handleRateNote)

	protected.POST("/moderation/flags", handler.handleFlag)
	protected.POST("/moderation/:entryID/resolve", handler.handleResolve)

	protected.GET("/me", handler.handleGetMe)
	protected.PUT("/me/preferences", handler.handleUpdatePreferences)
	protected.POST("/me/mute", handler.handleMute)
	protected.DELETE("/me/mute", handler.handleUnmute)
	protected.GET("/me/notifications", handler.handleListNotifications)
	protected.POST("/me/notifications/stream-token", handler.handleIssueStreamToken)
	protected.POST("/me/api-keys", handler.handleIssueAPIKey)
	protected.DELETE("/me/api-keys/:keyID", handler.handleRevokeAPIKey)

	protected.PUT("/users/:userID/trust", handler.handleSetTrustLevel)
	protected.POST("/scoring/runs", handler.handleSubmitScoring)

	return router, nil
}

type httpHandler struct {
	authenticator *auth.Authenticator
	apiKeys       *auth.APIKeyService
	community     *community.Service
	users         *users.Service
	engagement    *engagement.Service
	notes         *notes.Service
	moderation    *moderation.Service
	queue         *notify.Queue
	stream        *notify.StreamSender
	streamTokens  *auth.TokenIssuer
	scoring       ScoringTrigger
	purger        Purger
	limiter       *ratelimit.Limiter
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", auth.HeaderAPIKey},
		ExposeHeaders:    []string{"Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}
