// Package httpapi wires the HTTP transport (Gin) to the intake and audit
// services, middleware, and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, security headers and edge rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/intake-guard/docs"
	"github.com/tbourn/intake-guard/internal/config"
	"github.com/tbourn/intake-guard/internal/http/handlers"
	"github.com/tbourn/intake-guard/internal/http/middleware"
)

// Deps are the services and shared middleware state the router mounts.
type Deps struct {
	Intake handlers.IntakeService
	Audit  handlers.AuditService
	// Limiter is the edge throttle. When nil one is built from the config;
	// callers that want idle buckets evicted pass their own and Start it.
	Limiter *middleware.EdgeLimiter
}

var corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match", middleware.HeaderRequestID}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. AccessLog: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Edge rate limiter (per remote IP)
//  8. CORS, security headers and compression
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.AccessLog(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	if cfg.MaxBodyBytes > 0 {
		r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per remote IP
	rl := deps.Limiter
	if rl == nil {
		rl = middleware.NewEdgeLimiter(cfg.RateRPS, cfg.RateBurst)
	}
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{middleware.HeaderRequestID, "Retry-After", "ETag", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{middleware.HeaderRequestID, "Retry-After", "ETag", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Intake, deps.Audit)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/submissions", h.Submit)

		api.GET("/groups/:key", h.GetGroup)
		api.POST("/groups/:key/batch", h.RunBatch)

		api.GET("/clients/:id/violations", h.ListViolations)
		api.DELETE("/clients/:id/blocks/:type", h.Unblock)
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
