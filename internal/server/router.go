package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey = "wikinote_identity"
	wildcardOrigin     = "*"
	websocketBufSize   = 4096
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("identity resolver dependency required")
	errMissingCoordinator      = errors.New("session coordinator dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	Resolve(claims auth.SessionClaims) (rooms.Identity, error)
}

type SessionCoordinator interface {
	realtime.Dispatcher
	Members(rawDocumentID string) (string, []rooms.Member, error)
}

type ConnectionHub interface {
	Serve(ctx context.Context, conn *websocket.Conn, identity rooms.Identity, dispatcher realtime.Dispatcher) error
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            IdentityResolver
	Coordinator      SessionCoordinator
	Hub              ConnectionHub
	Logger           *zap.Logger
	AllowedOrigins   []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{wildcardOrigin}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins...))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		coordinator: deps.Coordinator,
		hub:         deps.Hub,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  websocketBufSize,
			WriteBufferSize: websocketBufSize,
			CheckOrigin:     originChecker(origins),
		},
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/wiki_note/:id", handler.handleRoomMembers)
	protected.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	users       IdentityResolver
	coordinator SessionCoordinator
	hub         ConnectionHub
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type roomMembersResponse struct {
	Room    string         `json:"room"`
	Members []rooms.Member `json:"members"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRoomMembers(c *gin.Context) {
	roomKey, members, err := h.coordinator.Members(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, session.ExceptionOf(err))
		return
	}
	c.JSON(http.StatusOK, roomMembersResponse{Room: roomKey, Members: members})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := h.hub.Serve(c.Request.Context(), conn, identity, h.coordinator); err != nil {
		h.logger.Error("websocket session failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identity, err := h.users.Resolve(claims)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (rooms.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return rooms.Identity{}, false
	}
	identity, ok := value.(rooms.Identity)
	return identity, ok
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, wildcardOrigin) {
		// Credentialed requests need the concrete origin echoed back.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if slices.Contains(allowedOrigins, wildcardOrigin) {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowedOrigins, origin)
	}
}
