package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
	"github.com/muratgozel/deployment-server/internal/service/webhook"
	"github.com/muratgozel/deployment-server/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
	sseHeartbeat       = 25 * time.Second
)

// Deps lists the collaborators of the router.
type Deps struct {
	Projects    project.Service
	Deployments deployment.Service
	Webhook     webhook.Service
	Hub         *ws.Hub
	Credentials Credentials
	// Limiter throttles the release webhook per client IP. Nil selects the
	// in-memory limiter.
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	DBHealth   func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	projects    project.Service
	deployments deployment.Service
	webhook     webhook.Service
	hub         *ws.Hub
	creds       Credentials
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	metrics     *metrics
	gatherer    prometheus.Gatherer
	dbHealth    func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "http"),
		projects:    deps.Projects,
		deployments: deps.Deployments,
		webhook:     deps.Webhook,
		hub:         deps.Hub,
		creds:       deps.Credentials,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    deps.Limiter,
		rateLimit:  deps.RateLimit,
		rateWindow: deps.RateWindow,
		metrics:    newMetrics(deps.Registerer),
		gatherer:   deps.Gatherer,
		dbHealth:   deps.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	release := r.limitByIP("/on/release", r.handleRelease)
	r.handle("POST /on/release", release)
	r.handle("POST /on/release/{$}", release)

	r.handle("POST /project", r.requireAuth(r.handleProjectCreate))
	r.handle("POST /project/{$}", r.requireAuth(r.handleProjectCreate))
	r.handle("GET /project/list", r.requireAuth(r.handleProjectList))
	r.handle("GET /project/{rid}", r.requireAuth(r.handleProjectGet))
	r.handle("DELETE /project/{rid}", r.requireAuth(r.handleProjectRemove))

	r.handle("POST /deployment", r.requireAuth(r.handleDeploymentCreate))
	r.handle("POST /deployment/{$}", r.requireAuth(r.handleDeploymentCreate))
	r.handle("GET /deployment/list", r.requireAuth(r.handleDeploymentList))
	r.handle("GET /deployment/{rid}", r.requireAuth(r.handleDeploymentGet))
	r.handle("DELETE /deployment/{rid}", r.requireAuth(r.handleDeploymentRemove))

	r.handle("GET /ws/deployments", r.requireAuth(r.handleDeploymentStream))
}

// handle registers pattern with request auditing; the route label is the
// pattern without its method.
func (r *Router) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	r.mux.HandleFunc(pattern, r.audit(route, h))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("database health check failed", "error", err)
			writeErrorMessage(w, http.StatusServiceUnavailable, "database_unavailable", err.Error())
			return
		}
	}
	writeText(w, http.StatusOK, "")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.request(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if user, ok := userFromContext(ctx); ok {
			fields = append(fields, "user", user)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
