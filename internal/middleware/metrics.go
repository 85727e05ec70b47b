package middleware

import (
	"dream_analyzer_go_backend/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics records request counts and latency labelled by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		done := metrics.RequestStarted()
		c.Next()
		done(c.Request.Method, c.FullPath(), c.Writer.Status())
	}
}

// MetricsEndpoint serves the Prometheus registry, behind basic auth when a
// user is configured.
func MetricsEndpoint(r *gin.Engine, user, pass string) {
	handler := gin.WrapH(metrics.Handler())
	if user == "" {
		r.GET("/metrics", handler)
		return
	}
	r.GET("/metrics", gin.BasicAuth(gin.Accounts{user: pass}), handler)
}
