// Package httpapi implements the HTTP gateway that serves hook routes.
//
// Every request gets its own live ExecutionContext. Pre-hooks, the handler
// and post-hooks run as chained sandbox executions on that context, and the
// handler's result (or the classified failure) becomes the response.
//
// Security:
//   - Request body size limits (default 10 MB)
//   - Per-route, per-client rate limiting via token bucket
//   - Forwarding headers only count from trusted proxies
//   - Only allow-listed headers reach code bodies
//   - Timeout and transport failures never expose host internals
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hookd/internal/capability"
	"github.com/jkaninda/hookd/internal/gateway"
	"github.com/jkaninda/hookd/internal/observability"
	"github.com/jkaninda/hookd/internal/ratelimit"
	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 10 << 20 // 10 MB

// ErrorBody is the error response shape.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the public part of a failure.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 10 MB default.

	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For or X-Real-IP. Everyone else is keyed by RemoteAddr.
	TrustedProxies sandbox.ProxyTrust

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	routes  []*Route
	exec    sandbox.Executor
	caps    *capability.Set
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP gateway serving routes. limiter may be nil.
func NewGateway(cfg Config, routes []Route, exec sandbox.Executor, caps *capability.Set, limiter *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	compiled := make([]*Route, len(routes))
	for i := range routes {
		rt := routes[i]
		rt.compile()
		compiled[i] = &rt
	}
	return &Gateway{
		config:  cfg,
		routes:  compiled,
		exec:    exec,
		caps:    caps,
		limiter: limiter,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	for _, rt := range g.routes {
		g.register(rt)
		g.logger.Info("hook route registered",
			slog.String("route", rt.Name),
			slog.String("method", rt.Method),
			slog.String("path", rt.Path),
			slog.Int("pre_hooks", len(rt.Pre)),
			slog.Int("post_hooks", len(rt.Post)),
		)
	}

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Int("routes", len(g.routes)),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) register(rt *Route) {
	h := g.hookHandler(rt)
	switch rt.Method {
	case http.MethodGet:
		g.okapi.Get(rt.Path, h)
	case http.MethodPut:
		g.okapi.Put(rt.Path, h)
	case http.MethodPatch:
		g.okapi.Patch(rt.Path, h)
	case http.MethodDelete:
		g.okapi.Delete(rt.Path, h)
	default:
		g.okapi.Post(rt.Path, h)
	}
}

// hookHandler adapts serve to okapi.
func (g *Gateway) hookHandler(rt *Route) func(c *okapi.Context) error {
	return func(c *okapi.Context) error {
		params := make(map[string]string, len(rt.params))
		for _, name := range rt.params {
			params[name] = c.Param(name)
		}
		status, body := g.serve(c.Request(), rt, params)
		return c.JSON(status, body)
	}
}

// serve runs one hook request and returns the response status and body.
func (g *Gateway) serve(r *http.Request, rt *Route, params map[string]string) (int, any) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := g.logger.With(
		slog.String("request_id", requestID),
		slog.String("route", rt.Name),
	)

	// Rate limit.
	client := g.config.TrustedProxies.ClientIP(r)
	key := ratelimit.Key(rt.Name, client)
	if err := g.limiter.Allow(key); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.WithLabelValues(rt.Name).Inc()
		}
		retry := g.limiter.RetryAfter(key)
		logger.Warn("hook request rate limited",
			slog.String("client_ip", client),
			slog.Duration("retry_after", retry),
		)
		return http.StatusTooManyRequests, errorBody("RateLimitError", err.Error(),
			map[string]any{"retryAfterSeconds": int(retry.Round(time.Second) / time.Second)})
	}

	live, book := g.caps.NewContext(rt.Repos, logger)
	if err := fillRequest(live, r, params, g.config.MaxRequestSize); err != nil {
		re, ok := err.(*requestError)
		if !ok {
			re = &requestError{status: http.StatusBadRequest, msg: err.Error()}
		}
		return re.status, errorBody("BadRequestError", re.msg, nil)
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	result, err := runPipeline(ctx, g.exec, rt, live)
	duration := time.Since(start)

	if err != nil {
		ee := sandbox.Classify(err)
		pub := ee.Public()
		attrs := []any{
			slog.String("kind", string(ee.Kind)),
			slog.Int("status", pub.Status),
			slog.String("error", ee.Error()),
			slog.Duration("duration", duration),
			slog.Int("log_entries", len(book.Entries())),
		}
		if ee.Kind == sandbox.KindUserScript {
			logger.Info("hook request rejected by code", attrs...)
		} else {
			logger.Error("hook request failed", attrs...)
		}
		return pub.Status, errorBody(pub.Name, pub.Message, pub.Details)
	}

	logger.Info("hook request completed",
		slog.Duration("duration", duration),
		slog.Int("log_entries", len(book.Entries())),
		slog.Int("log_entries_dropped", book.Dropped()),
	)
	return http.StatusOK, result
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func errorBody(name, message string, details any) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Name: name, Message: message, Details: details}}
}
