package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// readinessTimeout bounds one full readiness sweep. A hung session store or
// file store must not stall the probe endpoint.
const readinessTimeout = 3 * time.Second

// HealthChecker gates the orchestrator's readiness on its dependencies.
// Liveness and readiness are deliberately separate: a degraded session store
// means no new sessions, not a dead process, and restarting the orchestrator
// would kill every live sandbox with it.
type HealthChecker struct {
	mu     sync.Mutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency probe (session store ping, file store
// list). Probes must respect the context deadline.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body of the probe endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // failure detail
}

// NewHealthChecker creates a checker with no probes registered. A checker
// without probes reports ready.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a dependency probe under a stable name.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
	h.mu.Unlock()
}

// CheckHealth is liveness: the process answering is the whole signal.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe. Any failure degrades readiness;
// the rest of the probes still run so the response names every broken
// dependency, not just the first.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		status.Checks[c.Name] = h.probe(probeCtx, c, &status)
	}
	return status
}

func (h *HealthChecker) probe(ctx context.Context, c HealthCheck, status *HealthStatus) CheckResult {
	start := time.Now()
	err := c.Check(ctx)
	if err == nil {
		return CheckResult{Status: "ok"}
	}

	status.Status = "degraded"
	if h.logger != nil {
		h.logger.Warn("readiness probe failed",
			slog.String("check", c.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
	}
	return CheckResult{Status: "fail", Message: err.Error()}
}
