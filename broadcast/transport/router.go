package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/validation"
)

// Broadcaster is the publisher session surface the router drives.
type Broadcaster interface {
	Start(ctx context.Context, preacherID string) error
	End(ctx context.Context) error
	ToggleMute() broadcast.State
	State() broadcast.State
}

// Listener is the subscriber session surface the router drives.
type Listener interface {
	Start(ctx context.Context, room *backend.Room) error
	Stop(ctx context.Context)
	State() broadcast.State
}

// Router is the local control surface. A broadcaster box registers the
// broadcast routes, a listener box the listen routes; either may be nil.
type Router struct {
	engine      *gin.Engine
	api         backend.Client
	broadcaster Broadcaster
	listener    Listener
	logger      *log.Logger
}

func NewRouter(api backend.Client, broadcaster Broadcaster, listener Listener, logger *log.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
	}))

	r := &Router{
		engine:      engine,
		api:         api,
		broadcaster: broadcaster,
		listener:    listener,
		logger:      logger,
	}

	r.engine.Use(func(c *gin.Context) {
		r.logger.Info("Incoming request",
			log.String("method", c.Request.Method),
			log.String("url", c.Request.URL.String()))
		c.Next()
	})

	r.setupRoutes()
	return r
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) setupRoutes() {
	if r.broadcaster != nil {
		r.engine.POST("/api/broadcast/start", r.startBroadcast)
		r.engine.POST("/api/broadcast/end", r.endBroadcast)
		r.engine.POST("/api/broadcast/mute", r.toggleMute)
	}
	if r.listener != nil {
		r.engine.POST("/api/listen/start", r.startListen)
		r.engine.POST("/api/listen/stop", r.stopListen)
	}

	r.engine.GET("/api/status", r.getStatus)
	r.engine.GET("/health", r.healthCheck)
}

func (r *Router) startBroadcast(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	if err := r.broadcaster.Start(c.Request.Context(), req.PreacherID); err != nil {
		r.logger.Error("Failed to start broadcast", log.Error(err))
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   r.broadcaster.State(),
	})
}

func (r *Router) endBroadcast(c *gin.Context) {
	if err := r.broadcaster.End(c.Request.Context()); err != nil {
		r.logger.Error("Failed to end broadcast", log.Error(err))
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   r.broadcaster.State(),
	})
}

func (r *Router) toggleMute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   r.broadcaster.ToggleMute(),
	})
}

func (r *Router) startListen(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	ctx := c.Request.Context()
	room, err := r.api.RoomInfo(ctx, req.PreacherID)
	if err != nil {
		r.logger.Error("Failed to resolve room", log.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if err := r.listener.Start(ctx, room); err != nil {
		r.logger.Error("Failed to start listening", log.Error(err))
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   r.listener.State(),
	})
}

func (r *Router) stopListen(c *gin.Context) {
	r.listener.Stop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   r.listener.State(),
	})
}

func (r *Router) getStatus(c *gin.Context) {
	var state broadcast.State
	switch {
	case r.broadcaster != nil:
		state = r.broadcaster.State()
	case r.listener != nil:
		state = r.listener.State()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   state,
	})
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "minbar-live",
		"timestamp": time.Now().Unix(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrAlreadyStarted), errors.Is(err, broadcast.ErrNotLive):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrMicrophoneDenied):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}
