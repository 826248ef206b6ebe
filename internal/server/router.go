// Package server exposes the chat, unread, mention and note operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/mentions"
	"github.com/MarcoPoloResearchLab/orbit/internal/notes"
	"github.com/MarcoPoloResearchLab/orbit/internal/session"
	"github.com/MarcoPoloResearchLab/orbit/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "orbit_user_id"
	sessionExpiryContextKey  = "orbit_session_expiry"
	defaultHeartbeatInterval = 25 * time.Second
	tenantHeader             = "X-TAuth-Tenant"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingChatService      = errors.New("chat service dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingSessionManager   = errors.New("session manager dependency required")
	errMissingDirectorySource  = errors.New("directory source dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Identities        IdentityResolver
	ChatService       *chat.Service
	NotesService      *notes.Service
	Sessions          *session.Manager
	Directory         directory.Source
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Identities == nil:
		return nil, errMissingIdentityResolver
	case deps.ChatService == nil:
		return nil, errMissingChatService
	case deps.NotesService == nil:
		return nil, errMissingNotesService
	case deps.Sessions == nil:
		return nil, errMissingSessionManager
	case deps.Directory == nil:
		return nil, errMissingDirectorySource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		validator:      deps.SessionValidator,
		identities:     deps.Identities,
		chatService:    deps.ChatService,
		notesService:   deps.NotesService,
		sessions:       deps.Sessions,
		directory:      deps.Directory,
		allowedOrigins: originSet(deps.AllowedOrigins),
		heartbeat:      heartbeat,
		logger:         logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/directory", handler.handleDirectory)

	protected.POST("/chat/groups", handler.handleCreateGroup)
	protected.POST("/chat/messages", handler.handleSendMessage)
	protected.PATCH("/chat/messages/:id", handler.handleEditMessage)
	protected.DELETE("/chat/messages/:id", handler.handleDeleteMessage)
	protected.GET("/chat/unread", handler.handleUnread)
	protected.POST("/chat/conversations/:key/read", handler.handleMarkAsRead)
	protected.DELETE("/chat/active", handler.handleClearActive)
	protected.GET("/chat/notifications/stream", handler.handleNotificationStream)
	protected.GET("/chat/ws", handler.handleWebSocket)

	protected.POST("/mentions/detect", handler.handleDetectMention)
	protected.POST("/mentions/apply", handler.handleApplyMention)
	protected.POST("/mentions/segments", handler.handleSegmentMentions)

	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/notes/mentions", handler.handleListMentioning)

	protected.DELETE("/session", handler.handleCloseSession)

	return router, nil
}

// corsMiddleware reflects any origin when none are configured. Credentials are always allowed
// so the TAuth session cookie reaches the API.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", tenantHeader},
		AllowCredentials: true,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func originSet(origins []string) map[string]struct{} {
	if len(origins) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		set[origin] = struct{}{}
	}
	return set
}

type httpHandler struct {
	validator      SessionValidator
	identities     IdentityResolver
	chatService    *chat.Service
	notesService   *notes.Service
	sessions       *session.Manager
	directory      directory.Source
	allowedOrigins map[string]struct{}
	heartbeat      time.Duration
	logger         *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	if claims.ExpiresAt != nil {
		c.Set(sessionExpiryContextKey, claims.ExpiresAt.Time)
	}
	c.Next()
}

// openSession returns the caller's session, starting it when needed. It writes the error
// response itself and reports false on failure.
func (h *httpHandler) openSession(c *gin.Context) (*session.Session, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	current, err := h.sessions.Open(c.Request.Context(), session.Login{
		UserID:    userID,
		ExpiresAt: c.GetTime(sessionExpiryContextKey),
	})
	if err != nil {
		h.logger.Error("session open failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return nil, false
	}
	return current, true
}

// openResolver opens the caller's session and waits for its directory.
func (h *httpHandler) openResolver(c *gin.Context) (*mentions.Resolver, bool) {
	current, ok := h.openSession(c)
	if !ok {
		return nil, false
	}
	resolver, err := current.Resolver(c.Request.Context())
	if err != nil {
		h.logger.Debug("directory wait abandoned", zap.String("user_id", current.UserID()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable"})
		return nil, false
	}
	return resolver, true
}

func (h *httpHandler) handleDirectory(c *gin.Context) {
	loaded, err := directory.Load(c.Request.Context(), h.directory)
	complete := err == nil
	if err != nil {
		h.logger.Warn("directory load incomplete", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"entries": loaded.Entries(), "complete": complete})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.sessions.Close(userID)
	c.Status(http.StatusNoContent)
}

type codedError interface {
	Code() string
}

// respondServiceError maps service sentinels onto HTTP statuses and echoes the stable code.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrInvalidSender),
		errors.Is(err, chat.ErrInvalidReceiver),
		errors.Is(err, chat.ErrInvalidText),
		errors.Is(err, chat.ErrInvalidGroupName),
		errors.Is(err, notes.ErrInvalidAuthorID),
		errors.Is(err, notes.ErrInvalidSubjectID),
		errors.Is(err, notes.ErrInvalidTargetID),
		errors.Is(err, notes.ErrInvalidText):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNotAuthor), errors.Is(err, chat.ErrNotGroupMember):
		status = http.StatusForbidden
	}

	body := gin.H{"error": http.StatusText(status)}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
