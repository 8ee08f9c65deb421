package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "quire_principal_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingPrincipals       = errors.New("principal resolver dependency required")
	errMissingPostsService     = errors.New("posts service dependency required")
)

// SessionValidator authenticates the editor behind a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated claims to the principal recorded on revisions.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (posts.PrincipalID, error)
}

// Dependencies wires the HTTP surface. Realtime, Relay and Metrics are optional.
// When Relay is set, handlers publish through it instead of Realtime directly.
type Dependencies struct {
	SessionValidator  SessionValidator
	Principals        PrincipalResolver
	PostsService      *posts.Service
	Realtime          *RealtimeDispatcher
	Relay             RealtimePublisher
	Metrics           *Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin engine serving the revision API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}
	if deps.PostsService == nil {
		return nil, errMissingPostsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	var publisher RealtimePublisher = realtime
	if deps.Relay != nil {
		publisher = deps.Relay
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
		router.GET(metricsPath, gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		principals:        deps.Principals,
		posts:             deps.PostsService,
		realtime:          realtime,
		publisher:         publisher,
		metrics:           deps.Metrics,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	router.GET("/posts", handler.handleListPosts)
	router.GET("/posts/:id", handler.handleGetPost)
	router.GET("/posts/:id/history", handler.handleHistory)
	router.GET("/posts/:id/working", handler.handleWorkingVersion)
	router.GET("/posts/:id/drafts", handler.handleDraftSummaries)
	router.GET("/posts/:id/events", handler.handlePostEvents)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/posts", handler.handleCreatePost)
	protected.DELETE("/posts/:id", handler.handleDeletePost)
	protected.POST("/posts/:id/drafts", handler.handleCreateDraft)
	protected.PATCH("/posts/:id/drafts", handler.handleUpdateDraft)
	protected.POST("/posts/:id/drafts/:revisionId/accept", handler.handleAcceptDraft)
	protected.DELETE("/posts/:id/drafts/:revisionId", handler.handleDeleteDraft)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	principals        PrincipalResolver
	posts             *posts.Service
	realtime          *RealtimeDispatcher
	publisher         RealtimePublisher
	metrics           *Metrics
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	principal, err := h.principals.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFromContext(c *gin.Context) (posts.PrincipalID, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return "", false
	}
	principal, ok := value.(posts.PrincipalID)
	return principal, ok && principal != ""
}
