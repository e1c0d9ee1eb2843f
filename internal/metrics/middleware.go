package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware records HTTP request counts and latency, matching
// the teacher's PrometheusMiddleware shape (in-flight gauge, full-path
// normalization, record-after-Next).
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/api/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(route, c.Request.Method, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the standard promhttp handler wrapped as a gin.HandlerFunc
// for mounting at GET /api/metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
