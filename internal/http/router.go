// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, compression, security headers, authentication, idempotency, and
// rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Event streams are never compressed, timed, or rate limited
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/docs"
	"github.com/tbourn/go-realtime-coordinator/internal/config"
	"github.com/tbourn/go-realtime-coordinator/internal/http/handlers"
	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

// Deps are the collaborators the router mounts. Views owns the long-lived
// view state and is built by the caller, which also runs its reaper.
type Deps struct {
	DB    *gorm.DB
	Views *services.ViewService

	// Verifier checks ID tokens; nil trusts X-User-ID (development mode).
	Verifier middleware.TokenVerifier
	// Registry receives the HTTP metrics and backs /metrics. Nil uses the
	// Prometheus default registry.
	Registry *prometheus.Registry
}

// idempotencyStore adapts the repository free functions to the handlers'
// IdempotencyStore.
type idempotencyStore struct{ db *gorm.DB }

// Lookup proxies repo.GetIdempotency; a missing or expired record is not an
// error.
func (s idempotencyStore) Lookup(ctx context.Context, userID, scopeKey, key string, now time.Time) (handlers.IdempotentResult, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scopeKey, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return handlers.IdempotentResult{}, false, nil
	}
	if err != nil {
		return handlers.IdempotentResult{}, false, err
	}
	return handlers.IdempotentResult{ResultID: rec.ResultID, Body: rec.Response}, true, nil
}

// Record proxies repo.CreateIdempotency. A concurrent duplicate already
// recorded the outcome.
func (s idempotencyStore) Record(ctx context.Context, userID, scopeKey, key string, res handlers.IdempotentResult, status int, ttl time.Duration) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scopeKey, key, res.ResultID, res.Body, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS, compression, and security headers
//
// The API group then adds authentication, the idempotency validator, and
// the rate limiter (which lets replays and event streams through).
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gather prometheus.Gatherer = prometheus.DefaultGatherer
	if d.Registry != nil {
		reg, gather = d.Registry, d.Registry
	}
	r.Use(middleware.NewHTTPMetrics(reg).Handler())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gather, promhttp.HandlerOpts{})))

	// 7) CORS posture, compression, security headers
	useCORS(r, cfg.CORS.AllowedOrigins)
	if cfg.GzipEnabled {
		r.Use(gzip.Gzip(gzip.DefaultCompression,
			gzip.WithExcludedPathsRegexs([]string{`/views/[^/]+/events$`, `^/metrics$`})))
	}
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{strings.TrimSuffix(apiBase, "/") + "/views"},
		EnablePolicy:    true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if d.Views != nil {
			status["views"] = d.Views.Len()
		}
		c.JSON(http.StatusOK, status)
	})

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = apiBase
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db
	store := idempotencyStore{db: d.DB}
	h := handlers.New(handlers.Deps{
		Chats:    services.NewChatService(d.DB),
		Messages: d.Views.Messages,
		Views:    d.Views,
		Inbox: &services.InboxService{
			DB:              d.DB,
			MaxContentRunes: cfg.MaxContentRunes,
			Staff:           services.NewStaffSet(cfg.SupportStaff),
			Log:             d.Views.Log.With().Str("component", "inbox").Logger(),
		},
		Idempotency:    store,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Heartbeat:      cfg.StreamHeartbeat,
	})

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	rl.Exempt = isEventStream

	// Public API
	api := groupWithPrefix(r, apiBase)
	api.Use(
		middleware.Auth(d.Verifier),
		// Idempotency validation (before rate limiting so replays bypass it)
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: 200},
			func(ctx context.Context, userID, scopeKey, key string, now time.Time) (bool, error) {
				_, found, err := store.Lookup(ctx, userID, scopeKey, key, now)
				return found, err
			},
		),
		rl.Handler(),
	)
	h.Register(api)
}

// useCORS installs the CORS middleware. Without an allowlist every origin is
// accepted.
func useCORS(r *gin.Engine, origins []string) {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID",
		"If-None-Match", middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
	}
	if len(origins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
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
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// isEventStream matches the long-lived event stream route.
func isEventStream(c *gin.Context) bool {
	return c.Request.Method == http.MethodGet && strings.HasSuffix(c.FullPath(), "/views/:id/events")
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
