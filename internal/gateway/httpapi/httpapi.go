// Package httpapi implements the HTTP API of scratchd.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 8 MB)
//   - Per-client rate limiting via token bucket, in memory or in Redis
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/scratchd/internal/audit"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/observability"
	"github.com/jkaninda/scratchd/internal/ratelimit"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/scheduler"
	"github.com/jkaninda/scratchd/internal/storage"
	"github.com/jkaninda/scratchd/internal/toolchain"
)

const (
	defaultMaxRequestSize  = 8 << 20
	defaultSyncWaitTimeout = 2 * time.Minute
	clientKey              = "clientID"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client name.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 8 MB default.
	// SyncWaitTimeout bounds POST /v1/compile. A job still running after it
	// is returned with 202 and keeps running.
	SyncWaitTimeout time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          *observability.TracerSetup      // Tracing for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

func (c Config) syncWaitTimeout() time.Duration {
	if c.SyncWaitTimeout > 0 {
		return c.SyncWaitTimeout
	}
	return defaultSyncWaitTimeout
}

// JobService submits and tracks compile jobs. *scheduler.Scheduler
// satisfies it.
type JobService interface {
	Submit(ctx context.Context, req domain.CompileRequest) (*scheduler.Job, error)
	Get(id string) (*scheduler.Job, error)
	Cancel(id string) error
}

// Toolchains lists what can be compiled. *toolchain.Registry satisfies it.
type Toolchains interface {
	Toolchains() []toolchain.Toolchain
	Platforms() []toolchain.Platform
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	jobs       JobService
	toolchains Toolchains
	limiter    ratelimit.RateLimiter
	logger     *slog.Logger
	server     *http.Server
	bootTime   time.Time

	refs     refstore.Store         // nil = reference endpoints disabled.
	refIndex storage.ReferenceIndex // optional metadata for uploaded references.
	history  storage.JobStore       // nil = history endpoints disabled.
	audit    *audit.Logger          // nil = no audit trail.

	// Extra handlers mounted on the HTTP mux (e.g., the job watch websocket).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. limiter may be nil.
func NewGateway(cfg Config, jobs JobService, tcs Toolchains, limiter ratelimit.RateLimiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		jobs:       jobs,
		toolchains: tcs,
		limiter:    limiter,
		logger:     logger,
		bootTime:   time.Now(),
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithReferences enables reference uploads. index may be nil.
func (g *Gateway) WithReferences(store refstore.Store, index storage.ReferenceIndex) *Gateway {
	g.refs = store
	g.refIndex = index
	return g
}

// WithHistory enables the job history endpoints.
func (g *Gateway) WithHistory(jobs storage.JobStore) *Gateway {
	g.history = jobs
	return g
}

// WithAudit records submissions, cancellations and uploads per client.
func (g *Gateway) WithAudit(l *audit.Logger) *Gateway {
	g.audit = l
	return g
}

// record stamps ev with the calling client and appends it to the audit
// trail. Audit failures never fail the request.
func (g *Gateway) record(c *okapi.Context, ev audit.Event) {
	if g.audit == nil {
		return
	}
	ev.ClientID = c.GetString(clientKey)
	if err := g.audit.Record(c.Context(), ev); err != nil {
		g.logger.Error("recording audit event",
			slog.String("action", ev.Action),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "scratchd",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an authenticated handler on the HTTP mux at the given
// pattern. Used for the job watch websocket.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(g.limitBody)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.registerRoutes()

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// No write timeout: /v1/compile waits up to SyncWaitTimeout and
		// watch streams live as long as their job.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) registerRoutes() {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/compile", g.handleCompile,
		okapi.DocSummary("Compile and wait for the result"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(domain.CompileRequest{}),
		okapi.DocResponse(scheduler.Snapshot{}),
		okapi.DocResponse(http.StatusAccepted, scheduler.Snapshot{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/jobs", g.handleSubmit,
		okapi.DocSummary("Submit a compile job"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(domain.CompileRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}", g.handleJobStatus,
		okapi.DocSummary("Get job status and result"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(scheduler.Snapshot{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/jobs/{id}/cancel", g.handleJobCancel,
		okapi.DocSummary("Cancel a queued or running job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}/events", g.handleJobEvents,
		okapi.DocSummary("Stream job state transitions via SSE"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.refs != nil {
		g.group.Post("/references", g.handleReferenceUpload,
			okapi.DocSummary("Upload a reference binary"),
			okapi.DocTags("References"),
			okapi.DocRequestBody(ReferenceUploadRequest{}),
			okapi.DocResponse(http.StatusCreated, storage.ReferenceRecord{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		if g.refIndex != nil {
			g.group.Get("/references", g.handleReferenceList,
				okapi.DocSummary("List uploaded references"),
				okapi.DocTags("References"),
				okapi.DocResponse([]storage.ReferenceRecord{}),
			)
			g.group.Get("/references/{id}", g.handleReferenceGet,
				okapi.DocSummary("Get reference metadata"),
				okapi.DocTags("References"),
				okapi.DocPathParam("id", "string", "Reference ID (sha256:<hex>)"),
				okapi.DocResponse(storage.ReferenceRecord{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			)
		}
	}

	if g.history != nil {
		g.group.Get("/history", g.handleHistoryList,
			okapi.DocSummary("List finished jobs, newest first"),
			okapi.DocTags("History"),
			okapi.DocResponse([]storage.JobRecord{}),
		)
		g.group.Get("/history/{id}", g.handleHistoryGet,
			okapi.DocSummary("Get one finished job"),
			okapi.DocTags("History"),
			okapi.DocPathParam("id", "string", "Job ID"),
			okapi.DocResponse(storage.JobRecord{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// The compilers view needs conditional GET and HEAD, so it bypasses okapi.
	compilers := g.authenticateStd(g.compilersHandler())
	g.okapi.HandleStd("GET", "/v1/compilers", compilers.ServeHTTP)
	g.okapi.HandleStd("HEAD", "/v1/compilers", compilers.ServeHTTP)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, g.authenticateStd(er.handler).ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	resp := &HealthResponse{Status: "ok"}
	if g.config.HealthChecker != nil {
		resp.Uptime = g.config.HealthChecker.Uptime().String()
	}
	return c.OK(resp)
}

// handleReadiness runs the readiness probes. Only a failed required probe
// answers 503; a degraded node keeps taking jobs.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusReady})
	}

	r := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !r.Serving() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, r)
}

// --- Authentication ---

// clientFor maps a bearer token to its client name, or "" when unknown.
func (g *Gateway) clientFor(token string) string {
	client := ""
	for key, name := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			client = name
		}
	}
	return client
}

func bearerToken(header string) (string, bool) {
	return strings.CutPrefix(header, "Bearer ")
}

// authenticate validates the API key, applies the client's rate limit and
// stores the client name for handlers.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token, ok := bearerToken(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		client := g.clientFor(token)
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if !g.allow(c.Context(), client) {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set(clientKey, client)
		return next(c)
	}
}

// authenticateStd is authenticate for handlers mounted outside okapi.
// Browsers cannot set headers on websocket upgrades, so a token query
// parameter is accepted too.
func (g *Gateway) authenticateStd(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		client := g.clientFor(token)
		if client == "" {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if !g.allow(r.Context(), client) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the rate limit. A failing limiter backend lets the request
// through.
func (g *Gateway) allow(ctx context.Context, client string) bool {
	if g.limiter == nil {
		return true
	}
	err := g.limiter.Allow(ctx, client)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrRateLimited):
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.Inc()
		}
		g.logger.Debug("request rate limited", slog.String("client", client))
		return false
	default:
		g.logger.Warn("rate limiter unavailable",
			slog.String("client", client),
			slog.String("error", err.Error()),
		)
		return true
	}
}

// limitBody caps every request body.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	limit := g.config.maxRequestSize()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
