package server

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the gin engine: logging, metrics, CORS and the
// notification routes.
func NewRouter(h *Handlers, log *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(slogGinLogger(log))
	router.Use(h.Metrics().Middleware())
	router.Use(corsMiddleware())

	router.GET("/metrics", gin.WrapH(h.Metrics().Handler()))

	api := router.Group("/api")
	{
		api.GET("/notifications/vapid-key", h.GetVAPIDKey)
		api.POST("/auth/token", h.IssueDevToken)

		authed := api.Group("", h.AuthMiddleware())
		{
			authed.POST("/notifications/subscribe", h.Subscribe)
			authed.DELETE("/notifications/unsubscribe/:user_id", h.Unsubscribe)
			authed.POST("/notifications/send", h.Send)
			authed.POST("/notifications/send-bulk", h.SendBulk)
			authed.GET("/notifications/stats", h.GetStats)
			authed.POST("/notifications/action", h.Action)
			authed.POST("/notifications/update-subscription", h.UpdateSubscription)
			authed.POST("/notifications/track-close", h.TrackClose)
			authed.GET("/ws", h.HandleWebSocket)
		}
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func slogGinLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		rawQuery := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		errStr := ""
		if len(c.Errors) > 0 {
			errStr = c.Errors.String()
		}

		fields := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"query", rawQuery,
			"ip", c.ClientIP(),
			"latency_ms", latency.Milliseconds(),
		}
		if errStr != "" {
			fields = append(fields, "errors", errStr)
		}

		if status >= 500 {
			logger.Error("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}
