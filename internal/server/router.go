package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/users"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const principalContextKey = "coedit_principal"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingPrincipals       = errors.New("principal resolver dependency required")
	errMissingCollabService    = errors.New("collab service dependency required")
	errMissingHub              = errors.New("event hub dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated claims onto the canonical owner identity.
type PrincipalResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Principals       PrincipalResolver
	Collab           *collab.Service
	Hub              *events.Hub
	Metrics          http.Handler
	Health           healthcheck.Handler
	Logger           *zap.Logger
	// StreamHeartbeat is the idle interval between keep-alives on room streams.
	StreamHeartbeat time.Duration
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}
	if deps.Collab == nil {
		return nil, errMissingCollabService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		principals: deps.Principals,
		collab:     deps.Collab,
		hub:        deps.Hub,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Health != nil {
		router.GET("/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/sessions", handler.handleOpenSession)
	protected.POST("/sessions/join", handler.handleJoinSession)
	protected.GET("/sync/changes", handler.handlePollChanges)

	rooms := protected.Group("/rooms/:room")
	rooms.DELETE("/session", handler.handleCloseSession)
	rooms.POST("/touch", handler.handleTouch)
	rooms.POST("/locks", handler.handleAcquireLock)
	rooms.DELETE("/locks", handler.handleReleaseLock)
	rooms.PUT("/units/:kind/:id", handler.handleUpsertUnit)
	rooms.DELETE("/units/:kind/:id", handler.handleDeleteUnit)
	rooms.POST("/units/:kind/:id/move", handler.handleMoveUnit)
	rooms.PUT("/properties/:key", handler.handleSetProperty)
	rooms.PUT("/theme", handler.handleSetTheme)
	rooms.POST("/save", handler.handleSave)
	rooms.GET("/leave", handler.handleEvaluateLeave)
	rooms.GET("/events", handler.handleEventStream)
	rooms.GET("/ws", handler.handleWebsocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	principals PrincipalResolver
	collab     *collab.Service
	hub        *events.Hub
	logger     *zap.Logger
	heartbeat  time.Duration
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
	principal, err := h.principals.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("principal resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) users.Principal {
	value, _ := c.Get(principalContextKey)
	principal, _ := value.(users.Principal)
	return principal
}

type quotaPayload struct {
	Used      int64 `json:"used"`
	Max       int64 `json:"max"`
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

type errorPayload struct {
	Error  string         `json:"error"`
	Code   string         `json:"code,omitempty"`
	Holder *collab.Holder `json:"holder,omitempty"`
	Quota  *quotaPayload  `json:"quota,omitempty"`
}

// writeError renders typed outcomes with their own status and everything else as 500.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var outcome *collab.Error
	if errors.As(err, &outcome) {
		payload := errorPayload{Error: outcome.Code, Holder: outcome.Holder}
		if outcome.Quota != nil {
			payload.Quota = &quotaPayload{
				Used:      outcome.Quota.Used,
				Max:       outcome.Quota.Max,
				Required:  outcome.Quota.Required,
				Available: outcome.Quota.Available,
			}
		}
		c.JSON(outcomeStatus(outcome.Kind()), payload)
		return
	}

	switch {
	case errors.Is(err, content.ErrUnitNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: "unit_not_found"})
		return
	case errors.Is(err, content.ErrInvalidUnitKind),
		errors.Is(err, content.ErrInvalidUnitID),
		errors.Is(err, content.ErrInvalidPropertyKey):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}

	payload := errorPayload{Error: "internal_error"}
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
		if isRejectedInput(payload.Code) {
			payload.Error = "invalid_request"
			c.JSON(http.StatusBadRequest, payload)
			return
		}
	}
	c.JSON(http.StatusInternalServerError, payload)
}

var rejectedInputReasons = []string{".invalid_mode", ".invalid_change", ".missing_block_ref"}

func isRejectedInput(code string) bool {
	for _, reason := range rejectedInputReasons {
		if strings.HasSuffix(code, reason) {
			return true
		}
	}
	return false
}

func outcomeStatus(kind error) int {
	switch kind {
	case collab.ErrSessionNotFound:
		return http.StatusNotFound
	case collab.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusConflict
	}
}
