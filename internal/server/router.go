package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/auth"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/locks"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profileContextKey = "canvas_profile"
	canvasIDParam     = "canvasId"
	shapeIDParam      = "shapeId"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingCanvasRegistry   = errors.New("canvas registry dependency required")
	errMissingHub              = errors.New("ephemeral hub dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to a canvas profile.
type UserResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions       SessionValidator
	Users          UserResolver
	Canvases       *CanvasRegistry
	Hub            *ephemeral.Hub
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST API and the realtime gateway.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Canvases == nil {
		return nil, errMissingCanvasRegistry
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions: deps.Sessions,
		users:    deps.Users,
		canvases: deps.Canvases,
		hub:      deps.Hub,
		logger:   logger,
	}
	gateway := newRealtimeGateway(deps.Hub, deps.AllowedOrigins, logger)

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/canvases/:canvasId/shapes", handler.handleListShapes)
	protected.POST("/canvases/:canvasId/shapes", handler.handleCreateShape)
	protected.PATCH("/canvases/:canvasId/shapes/:shapeId/position", handler.handleMoveShape)
	protected.DELETE("/canvases/:canvasId/shapes", handler.handleClearShapes)
	protected.GET("/canvases/:canvasId/realtime", func(c *gin.Context) {
		gateway.serve(c.Writer, c.Request, c.Param(canvasIDParam), profileFromContext(c))
	})

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions SessionValidator
	users    UserResolver
	canvases *CanvasRegistry
	hub      *ephemeral.Hub
	logger   *zap.Logger
}

type createShapePayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Fill   string  `json:"fill"`
}

type movePayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.hub.ConnectionCount()})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, profileFromContext(c))
}

func (h *httpHandler) handleListShapes(c *gin.Context) {
	bridge, ok := h.bridge(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"shapes": bridge.Shapes()})
}

func (h *httpHandler) handleCreateShape(c *gin.Context) {
	var request createShapePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bridge, ok := h.bridge(c)
	if !ok {
		return
	}
	profile := profileFromContext(c)
	fill := request.Fill
	if fill == "" {
		fill = profile.Color
	}
	shape, err := bridge.NewRectangle(request.X, request.Y, request.Width, request.Height, fill, profile.UserID)
	if err == nil {
		err = bridge.AddShape(c.Request.Context(), shape)
	}
	if err != nil {
		h.writeShapeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, shape)
}

func (h *httpHandler) handleMoveShape(c *gin.Context) {
	var request movePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bridge, ok := h.bridge(c)
	if !ok {
		return
	}
	canvasID := c.Param(canvasIDParam)
	shapeID := c.Param(shapeIDParam)
	if holder, held := h.lockHolder(canvasID, shapeID); held && holder != profileFromContext(c).UserID {
		c.JSON(http.StatusConflict, gin.H{"error": "shape_locked", "locked_by": holder})
		return
	}
	if err := bridge.UpdatePosition(c.Request.Context(), shapeID, *request.X, *request.Y); err != nil {
		h.writeShapeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearShapes(c *gin.Context) {
	bridge, ok := h.bridge(c)
	if !ok {
		return
	}
	if err := bridge.ClearAll(c.Request.Context()); err != nil {
		h.writeShapeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) bridge(c *gin.Context) (*shapes.Bridge, bool) {
	canvasID := c.Param(canvasIDParam)
	bridge, err := h.canvases.Bridge(c.Request.Context(), canvasID)
	if err != nil {
		if errors.Is(err, ephemeral.ErrInvalidPath) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_canvas_id"})
			return nil, false
		}
		h.logger.Error("canvas unavailable", zap.String("canvas_id", canvasID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "canvas_unavailable"})
		return nil, false
	}
	return bridge, true
}

func (h *httpHandler) lockHolder(canvasID, shapeID string) (string, bool) {
	layout, err := ephemeral.NewLayout(canvasID)
	if err != nil {
		return "", false
	}
	snapshot, err := h.hub.Read(layout.Lock(shapeID))
	if err != nil || !snapshot.Exists() {
		return "", false
	}
	var lock locks.Lock
	if err := snapshot.Decode(&lock); err != nil || lock.UserID == "" {
		return "", false
	}
	return lock.UserID, true
}

func (h *httpHandler) writeShapeError(c *gin.Context, err error) {
	var validationErr *shapes.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_shape", "field": validationErr.Field, "reason": validationErr.Reason})
		return
	}
	if errors.Is(err, shapes.ErrShapeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "shape_not_found"})
		return
	}
	var serviceErr *shapes.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
		return
	}
	h.logger.Error("shape request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
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
	profile, err := h.users.ResolveProfile(claims)
	if err != nil {
		h.logger.Error("user resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func profileFromContext(c *gin.Context) users.Profile {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}
	}
	profile, _ := value.(users.Profile)
	return profile
}
