// Package httpapi implements the HTTP API gateway for the orchestrator.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/XavTo/OpenHands-Fork/internal/config"
	"github.com/XavTo/OpenHands-Fork/internal/filestore"
	"github.com/XavTo/OpenHands-Fork/internal/observability"
	"github.com/XavTo/OpenHands-Fork/internal/plugin"
	"github.com/XavTo/OpenHands-Fork/internal/ratelimit"
	"github.com/XavTo/OpenHands-Fork/internal/session"
	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":3000"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	FrontendDir    string            // Static frontend directory. Empty = disabled.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
	Anomaly         *observability.AnomalyDetector  // Anomaly detector fed by session handlers.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Streaming support.
	sseEnabled bool // Enable SSE event streaming endpoint.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket event endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway in front of the session manager.
func NewGateway(cfg Config, sessions *session.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithSSE enables the SSE event streaming endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket event endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "OpenHands Runtime Orchestrator",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a session with a running sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(CreateSessionRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List all sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a session by ID"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDestroy,
		okapi.DocSummary("Destroy a session and its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/exec", g.handleSessionExec,
		okapi.DocSummary("Execute a command inside a session's sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/events", g.handleSessionEvents,
		okapi.DocSummary("Get a session's event history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]EventResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// File store endpoints.
	g.group.Get("/sessions/{id}/files", g.handleFileList,
		okapi.DocSummary("List files stored for a session"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(FileListResponse{}),
	)
	g.group.Get("/sessions/{id}/files/content", g.handleFileRead,
		okapi.DocSummary("Read a stored file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(FileContentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/files", g.handleFileWrite,
		okapi.DocSummary("Write a file to the session's store"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}/files", g.handleFileDelete,
		okapi.DocSummary("Delete a stored file or prefix"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
	)

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// SSE streaming endpoint.
	if g.sseEnabled {
		g.group.Get("/sessions/{id}/events/stream", g.handleSessionEventStream,
			okapi.DocSummary("Stream session events via SSE"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("id", "string", "Session ID (UUID)"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket event endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
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
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// Static frontend (unauthenticated).
	if g.config.FrontendDir != "" {
		fs := http.FileServer(http.Dir(g.config.FrontendDir))
		g.okapi.HandleStd("GET", "/app/", http.StripPrefix("/app/", fs).ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CreateSessionRequest is the JSON body for POST /v1/sessions.
type CreateSessionRequest struct {
	// WorkspacePath pins the session to an existing directory.
	// Empty means a fresh per-session workspace.
	WorkspacePath string `json:"workspace_path,omitempty"`

	// Overrides are per-session configuration overrides, highest precedence.
	Overrides *config.Overrides `json:"overrides,omitempty"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	WorkspacePath string    `json:"workspace_path"`
	RuntimeMode   string    `json:"runtime_mode"`
	NetworkMode   string    `json:"network_mode"`
	Plugins       []string  `json:"plugins,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func sessionResponse(st *session.Status) SessionResponse {
	return SessionResponse{
		ID:            st.ID,
		State:         string(st.State),
		WorkspacePath: st.WorkspacePath,
		RuntimeMode:   st.RuntimeMode,
		NetworkMode:   st.NetworkMode,
		Plugins:       st.Plugins,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http session create",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("workspace_path", req.WorkspacePath),
	)

	createReq := session.CreateRequest{WorkspacePath: req.WorkspacePath}
	if req.Overrides != nil {
		createReq.Overrides = *req.Overrides
	}

	var st *session.Status
	err := observability.Observe(c.Context(), g.config.Tracer, g.config.Anomaly, "session.create", nil,
		func(ctx context.Context) error {
			var err error
			st, err = g.sessions.CreateSession(ctx, createReq)
			return err
		})
	if err != nil {
		g.logger.Error("session creation failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return g.sessionError(c, err)
	}

	return c.JSON(http.StatusCreated, sessionResponse(st))
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	statuses, err := g.sessions.ListSessions(c.Context())
	if err != nil {
		return g.sessionError(c, err)
	}

	resp := make([]SessionResponse, len(statuses))
	for i := range statuses {
		resp[i] = sessionResponse(&statuses[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	st, err := g.sessions.GetStatus(c.Context(), c.Param("id"))
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(sessionResponse(st))
}

func (g *Gateway) handleSessionDestroy(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	id := c.Param("id")

	g.logger.Info("http session destroy",
		slog.String("client_id", clientID),
		slog.String("session_id", id),
	)

	err := observability.Observe(c.Context(), g.config.Tracer, g.config.Anomaly, "session.destroy", nil,
		func(ctx context.Context) error {
			return g.sessions.DestroySession(ctx, id)
		})
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(map[string]string{"status": "destroyed"})
}

// ExecRequest is the JSON body for POST /v1/sessions/{id}/exec.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // 0 = runtime default.
}

// ExecResponse is the JSON result of a sandbox command.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleSessionExec(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	id := c.Param("id")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	ctx := c.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var result *supervisor.ExecResult
	err := observability.Observe(ctx, g.config.Tracer, g.config.Anomaly, "sandbox.exec", nil,
		func(ctx context.Context) error {
			var err error
			result, err = g.sessions.SendCommand(ctx, id, req.Command)
			return err
		})
	if err != nil {
		return g.sessionError(c, err)
	}

	return c.OK(ExecResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// EventResponse is one entry of a session's event history.
type EventResponse struct {
	ID      uint      `json:"id"`
	Type    string    `json:"type"`
	State   string    `json:"state,omitempty"`
	Stream  string    `json:"stream,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

func (g *Gateway) handleSessionEvents(c *okapi.Context) error {
	id := c.Param("id")

	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	records, err := g.sessions.Events(c.Context(), id, limit)
	if err != nil {
		return g.sessionError(c, err)
	}

	resp := make([]EventResponse, len(records))
	for i, rec := range records {
		resp[i] = EventResponse{
			ID:      rec.ID,
			Type:    rec.Type,
			State:   rec.State,
			Stream:  rec.Stream,
			Message: rec.Message,
			Time:    rec.CreatedAt,
		}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
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

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on the
// request context. Rejects the request if authentication fails.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

// sessionError maps session manager errors to HTTP responses.
func (g *Gateway) sessionError(c *okapi.Context, err error) error {
	var (
		cfgErr     *config.ConfigError
		pluginErr  *plugin.UnknownPluginError
		busyErr    *session.WorkspaceBusyError
		missingErr *session.NotFoundError
		runErr     *supervisor.NotRunningError
		timeoutErr *supervisor.StartupTimeoutError
		storeErr   *filestore.StoreUnavailableError
	)

	switch {
	case errors.As(err, &cfgErr):
		if cfgErr.Reason == config.ReasonPathUnavailable {
			return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": err.Error()})
		}
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.As(err, &pluginErr):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.As(err, &busyErr):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.As(err, &missingErr):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	case errors.As(err, &runErr):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.As(err, &timeoutErr):
		return c.JSON(http.StatusGatewayTimeout, okapi.M{"error": err.Error()})
	case errors.As(err, &storeErr):
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": err.Error()})
	case errors.Is(err, filestore.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "file not found"})
	default:
		return c.AbortInternalServerError("internal error")
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
