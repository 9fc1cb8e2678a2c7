package server

import (
	"github.com/gin-gonic/gin"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
)

// NewRouter builds the gin engine with middleware and all API routes.
func NewRouter(h *Handler, feed *EventFeed, cfg *config.Config, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	if cfg.RateLimit.Enabled {
		router.Use(RateLimit(cfg.RateLimit))
	}

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/claude", h.ExecuteClaude)
		api.POST("/claude/batch", h.BatchExecute)

		tasks := api.Group("/tasks")
		{
			tasks.POST("/async", h.CreateAsyncTask)
			tasks.GET("", h.ListTasks)
			tasks.GET("/queue/status", h.QueueStatus)
			tasks.GET("/:id", h.GetTask)
			tasks.PATCH("/:id/priority", h.UpdateTaskPriority)
			tasks.DELETE("/:id", h.CancelTask)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/search", h.SearchSessions)
			sessions.GET("/stats", h.SessionStats)
			sessions.GET("/:id", h.GetSession)
			sessions.DELETE("/:id", h.DeleteSession)
			sessions.PATCH("/:id/status", h.UpdateSessionStatus)
			sessions.POST("/:id/continue", h.ContinueSession)
		}

		api.GET("/stats", h.GetStatistics)
		api.POST("/webhook/test", h.TestWebhook)

		if feed != nil {
			api.GET("/events/ws", feed.Handle)
		}
	}

	return router
}
