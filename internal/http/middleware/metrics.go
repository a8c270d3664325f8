// Package middleware contains the Gin middleware of the intake API.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels are
// the registered route template (never the raw path, which carries client
// identities), the method and the status code. Unmatched requests are
// reported under the route "unmatched".
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "intake",
			Subsystem: "http",
			Name:      "requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	// httpThrottled counts requests rejected by the edge limiter.
	httpThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Requests rejected by the per-IP edge limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpThrottled)
}

const unmatchedRoute = "unmatched"

// Metrics returns a Gin middleware that instruments requests.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
