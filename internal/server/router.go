package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/gateway"
	"github.com/MarcoPoloResearchLab/parley/internal/inbox"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "parley_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingChatService      = errors.New("chat service dependency required")
	errMissingInboxService     = errors.New("inbox service dependency required")
	errMissingGateway          = errors.New("gateway dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Identities       IdentityResolver
	ChatService      *chat.Service
	InboxService     *inbox.Service
	Gateway          *gateway.Gateway
	Gatherer         prometheus.Gatherer
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.InboxService == nil {
		return nil, errMissingInboxService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		identities:     deps.Identities,
		chat:           deps.ChatService,
		inbox:          deps.InboxService,
		gateway:        deps.Gateway,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/search", handler.handleSearchConversations)
	protected.GET("/conversations/:id", handler.handleGetConversation)
	protected.PATCH("/conversations/:id", handler.handleUpdateConversation)

	protected.POST("/conversations/:id/participants", handler.handleInvite)
	protected.DELETE("/conversations/:id/participants/:userId", handler.handleRemove)
	protected.PUT("/conversations/:id/participants/:userId/role", handler.handleSetRole)
	protected.POST("/conversations/:id/owner", handler.handleTransferOwnership)
	protected.POST("/conversations/:id/leave", handler.handleLeave)

	protected.POST("/conversations/:id/archive", handler.handleArchive)
	protected.POST("/conversations/:id/restore", handler.handleRestore)
	protected.POST("/conversations/:id/hide", handler.handleHide)
	protected.PUT("/conversations/:id/pin", handler.handlePin)
	protected.PUT("/conversations/:id/mute", handler.handleMute)

	protected.POST("/conversations/:id/messages", handler.handleSend)
	protected.GET("/conversations/:id/messages", handler.handleHistory)
	protected.POST("/conversations/:id/read", handler.handleMarkRead)

	protected.GET("/messages/:id", handler.handleGetMessage)
	protected.POST("/messages/:id/recall", handler.handleRecall)
	protected.DELETE("/messages/:id", handler.handleDeleteMessage)

	protected.GET("/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions       SessionValidator
	identities     IdentityResolver
	chat           *chat.Service
	inbox          *inbox.Service
	gateway        *gateway.Gateway
	allowedOrigins []string
	logger         *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// writeError maps domain failures onto HTTP statuses with a stable body.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var serviceErr *chat.ServiceError
	if errors.As(err, &serviceErr) {
		body := gin.H{"error": string(serviceErr.Kind()), "code": serviceErr.Code()}
		if field := serviceErr.Field(); field != "" {
			body["field"] = field
		}
		status := statusForKind(serviceErr.Kind())
		if status == http.StatusInternalServerError {
			h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.AbortWithStatusJSON(status, body)
		return
	}
	if errors.Is(err, inbox.ErrEmptyKeyword) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "code": "inbox.search.keyword_required", "field": "q"})
		return
	}
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": "internal"})
}

func statusForKind(kind chat.ErrorKind) int {
	switch kind {
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindInvalidState, chat.KindConflict:
		return http.StatusConflict
	case chat.KindValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func invalidRequest(c *gin.Context, field string) {
	body := gin.H{"error": "invalid_request", "code": "request.invalid"}
	if field != "" {
		body["field"] = field
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}
