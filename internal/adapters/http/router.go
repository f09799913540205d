package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/app/orch"
	"github.com/dkeye/classchat/internal/config"
)

const sessionName = "classchat"

// SetupRouter builds the debug panel over one orchestrator. metrics serves /metrics.
func SetupRouter(cfg *config.Config, o *orch.Orchestrator, metrics http.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ViewerMiddleware())

	h := &handlers{orch: o}
	limiter := newViewerLimiter(cfg.PanelRate, cfg.PanelBurst)

	r.GET("/healthz", h.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")
	api.GET("/state", h.state)
	api.GET("/events", h.events)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/rooms/:id/messages", h.messages)
	api.GET("/selection", h.selection)

	write := api.Group("", limiter.middleware())
	write.POST("/reconnect", h.reconnect)
	write.POST("/rooms", h.createRoom)
	write.DELETE("/rooms/:id", h.removeRoom)
	write.POST("/rooms/:id/join", h.joinRoom)
	write.POST("/rooms/:id/leave", h.leaveRoom)
	write.POST("/rooms/:id/select", h.selectRoom)
	write.POST("/rooms/:id/messages", h.sendMessage)
	write.DELETE("/selection", h.deselect)
	write.POST("/messages/:id/read", h.markRead)
	write.POST("/messages/:id/retry", h.retry)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
