package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lucidia/internal/metrics"
)

// Metrics records request counts and latency labelled by route template, so
// /files/a.ply and /files/b.ply share a series.
func Metrics(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		collector.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
