// Package session orchestrates full session lifecycles: workspace
// acquisition, sandbox startup through the supervisor, command dispatch, and
// teardown. It owns the one-live-sandbox-per-workspace rule.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/XavTo/OpenHands-Fork/internal/config"
	"github.com/XavTo/OpenHands-Fork/internal/filestore"
	"github.com/XavTo/OpenHands-Fork/internal/observability"
	"github.com/XavTo/OpenHands-Fork/internal/plugin"
	"github.com/XavTo/OpenHands-Fork/internal/storage"
	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
	"github.com/XavTo/OpenHands-Fork/internal/workspace"
)

const (
	eventQueueSize = 1024
	reapSchedule   = "@every 5m"
)

// CreateRequest is the caller's input to CreateSession.
type CreateRequest struct {
	// WorkspacePath pins the session to an existing directory. Empty means
	// a fresh per-session directory under the workspace base.
	WorkspacePath string `json:"workspace_path,omitempty"`

	// Overrides are per-session configuration overrides, highest precedence.
	Overrides config.Overrides `json:"overrides,omitempty"`
}

// Status is the caller-visible snapshot of one session.
type Status struct {
	ID            string           `json:"id"`
	State         supervisor.State `json:"state"`
	WorkspacePath string           `json:"workspace_path"`
	RuntimeMode   string           `json:"runtime_mode"`
	NetworkMode   string           `json:"network_mode"`
	Plugins       []string         `json:"plugins,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RuntimeFactory builds the sandbox runtime for a resolved configuration.
// Swappable for tests.
type RuntimeFactory func(cfg *config.RuntimeConfig) supervisor.Runtime

// Options configures a Manager.
type Options struct {
	Environment config.Environment // Base layer for per-session resolution.
	Store       storage.Store
	Files       filestore.Store
	Plugins     *plugin.Registry
	Runtimes    RuntimeFactory // nil = default local/docker factory.
	Logger      *slog.Logger
	Metrics     *observability.MetricsCollector
}

type activeSession struct {
	sup *supervisor.Supervisor

	// execMu serializes commands within one session. Commands across
	// sessions run concurrently.
	execMu sync.Mutex

	workspacePath    string
	createdWorkspace bool
}

// Manager owns all live sessions in this orchestrator instance.
type Manager struct {
	env     config.Environment
	store   storage.Store
	files   filestore.Store
	plugins *plugin.Registry
	factory RuntimeFactory
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	hub     *Hub

	mu          sync.Mutex
	active      map[string]*activeSession
	byWorkspace map[string]string // workspace path -> session ID holding it

	events chan supervisor.Event
	done   chan struct{}

	reaper *cron.Cron
}

// NewManager creates a Manager and starts its event persistence worker.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	factory := opts.Runtimes
	if factory == nil {
		factory = func(cfg *config.RuntimeConfig) supervisor.Runtime {
			if cfg.RuntimeMode == config.RuntimeRemote {
				return supervisor.NewDockerRuntime(supervisor.DockerConfig{}, logger)
			}
			return supervisor.NewLocalRuntime(logger)
		}
	}

	m := &Manager{
		env:         opts.Environment,
		store:       opts.Store,
		files:       opts.Files,
		plugins:     opts.Plugins,
		factory:     factory,
		logger:      logger,
		metrics:     opts.Metrics,
		hub:         NewHub(),
		active:      make(map[string]*activeSession),
		byWorkspace: make(map[string]string),
		events:      make(chan supervisor.Event, eventQueueSize),
		done:        make(chan struct{}),
	}
	go m.persistEvents()
	return m
}

// Hub exposes the live event stream for the websocket gateway.
func (m *Manager) Hub() *Hub { return m.hub }

// Files exposes the file store for the gateway's artifact endpoints.
func (m *Manager) Files() filestore.Store { return m.files }

// sink feeds supervisor events into the persistence queue without blocking.
func (m *Manager) sink(ev supervisor.Event) {
	m.hub.Publish(ev)
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event queue full, dropping event",
			slog.String("session_id", ev.SessionID),
			slog.String("type", string(ev.Type)))
	}
}

func (m *Manager) persistEvents() {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			rec := &storage.EventRecord{
				SessionID: ev.SessionID,
				Type:      string(ev.Type),
				State:     string(ev.State),
				Stream:    ev.Stream,
				Message:   ev.Message,
				CreatedAt: ev.Time,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.store.Events().Append(ctx, rec); err != nil {
				m.logger.Warn("persisting event failed",
					slog.String("session_id", ev.SessionID),
					slog.String("error", err.Error()))
			}
			cancel()

			// Keep the persisted state in step with lifecycle events.
			if ev.Type == supervisor.EventStateChanged && ev.State != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.store.Sessions().UpdateState(ctx, ev.SessionID, string(ev.State)); err != nil && err != storage.ErrNotFound {
					m.logger.Warn("persisting session state failed",
						slog.String("session_id", ev.SessionID),
						slog.String("error", err.Error()))
				}
				cancel()
			}
		}
	}
}

// CreateSession resolves configuration, acquires the workspace, launches the
// sandbox, and activates plugins. Any failure unwinds every completed step in
// reverse order; a failed create leaves no record, no held workspace, and no
// process behind.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Status, error) {
	start := time.Now()

	// Configuration resolves (and validates) before any side effect. An
	// incompatible runtime/network combination dies here, ahead of any
	// file store or sandbox call.
	cfg, err := config.Resolve(m.env, req.Overrides)
	if err != nil {
		return nil, err
	}

	// Plugin names validate before launch too.
	plugins, err := m.plugins.Resolve(cfg.Plugins)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	// Fresh sessions get a directory under the resolved workspace base, so
	// WORKSPACE_BASE (and the per-session workspace_base override) decides
	// where the sandbox runs.
	workspacePath := req.WorkspacePath
	createdWorkspace := false
	if workspacePath == "" {
		workspacePath, err = workspace.SessionDir(cfg.WorkspaceBase, id)
		if err != nil {
			return nil, err
		}
		createdWorkspace = true
	}

	// Workspace acquisition: at most one live sandbox per workspace.
	m.mu.Lock()
	if holder, busy := m.byWorkspace[workspacePath]; busy {
		m.mu.Unlock()
		if createdWorkspace {
			os.RemoveAll(workspacePath)
		}
		return nil, &WorkspaceBusyError{WorkspacePath: workspacePath, SessionID: holder}
	}
	m.byWorkspace[workspacePath] = id
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.byWorkspace, workspacePath)
		delete(m.active, id)
		m.mu.Unlock()
		if createdWorkspace {
			os.RemoveAll(workspacePath)
		}
	}

	now := time.Now().UTC()
	rec := &storage.SessionRecord{
		ID:            id,
		WorkspacePath: workspacePath,
		RuntimeMode:   string(cfg.RuntimeMode),
		NetworkMode:   string(cfg.NetworkMode),
		State:         string(supervisor.StateStarting),
		Plugins:       cfg.Plugins,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Sessions().Create(ctx, rec); err != nil {
		release()
		m.countCreate(cfg, "store_error")
		return nil, err
	}

	sup := supervisor.New(supervisor.Options{
		SessionID: id,
		Runtime:   m.factory(cfg),
		Spec: supervisor.LaunchSpec{
			SessionID:    id,
			WorkspaceDir: workspacePath,
			InheritIO:    cfg.InheritIO,
			NetworkMode:  cfg.NetworkMode,
			RuntimeURL:   runtimeURL(cfg),
		},
		Plugins:        plugins,
		StartupTimeout: cfg.StartupTimeout,
		Sink:           m.sink,
		Logger:         m.logger,
		Metrics:        m.metrics,
	})

	as := &activeSession{
		sup:              sup,
		workspacePath:    workspacePath,
		createdWorkspace: createdWorkspace,
	}
	m.mu.Lock()
	m.active[id] = as
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		// Unwind: record first, then workspace and busy marker. The
		// supervisor already terminated the process.
		m.store.Events().DeleteBySession(context.Background(), id)
		m.store.Sessions().Delete(context.Background(), id)
		release()
		m.countCreate(cfg, "start_error")
		m.logger.Error("session create failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return nil, err
	}

	m.countCreate(cfg, "ok")
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.SessionStartDuration.WithLabelValues(string(cfg.RuntimeMode)).Observe(time.Since(start).Seconds())
	}
	m.logger.Info("session created",
		slog.String("session_id", id),
		slog.String("runtime", string(cfg.RuntimeMode)),
		slog.String("workspace", workspacePath),
		slog.Duration("startup", time.Since(start)))

	return m.statusLocked(id, rec, sup.State()), nil
}

// GetStatus returns a session's current state. Live sessions report the
// supervisor's state; everything else comes from the store.
func (m *Manager) GetStatus(ctx context.Context, id string) (*Status, error) {
	rec, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}

	m.mu.Lock()
	as := m.active[id]
	m.mu.Unlock()

	state := supervisor.State(rec.State)
	if as != nil {
		state = as.sup.State()
	}
	return m.statusLocked(id, rec, state), nil
}

// ListSessions returns all known sessions, live state preferred.
func (m *Manager) ListSessions(ctx context.Context) ([]Status, error) {
	records, err := m.store.Sessions().List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]Status, len(records))
	for i := range records {
		state := supervisor.State(records[i].State)
		if as := m.active[records[i].ID]; as != nil {
			state = as.sup.State()
		}
		statuses[i] = *m.statusLocked(records[i].ID, &records[i], state)
	}
	return statuses, nil
}

// Events returns a session's persisted event history, oldest first.
// A limit of 0 returns everything.
func (m *Manager) Events(ctx context.Context, id string, limit int) ([]storage.EventRecord, error) {
	if _, err := m.store.Sessions().Get(ctx, id); err != nil {
		if err == storage.ErrNotFound {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	return m.store.Events().ListBySession(ctx, id, limit)
}

// SendCommand executes a command inside a session's sandbox. Commands within
// one session are serialized; commands across sessions run concurrently.
func (m *Manager) SendCommand(ctx context.Context, id, command string) (*supervisor.ExecResult, error) {
	m.mu.Lock()
	as := m.active[id]
	m.mu.Unlock()
	if as == nil {
		if _, err := m.store.Sessions().Get(ctx, id); err == storage.ErrNotFound {
			return nil, &NotFoundError{ID: id}
		}
		return nil, &supervisor.NotRunningError{SessionID: id, State: supervisor.StateStopped}
	}

	as.execMu.Lock()
	defer as.execMu.Unlock()
	return as.sup.Exec(ctx, command)
}

// DestroySession stops the sandbox, releases the workspace, and deletes the
// session's records. Destroying an already destroyed session returns
// NotFoundError; destroying a stopped one finishes the cleanup.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	rec, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return &NotFoundError{ID: id}
		}
		return err
	}

	m.mu.Lock()
	as := m.active[id]
	m.mu.Unlock()

	wasLive := false
	if as != nil {
		// One in-flight exec/stop/destroy per session: wait out any
		// running command before tearing the sandbox down.
		as.execMu.Lock()
		wasLive = !as.sup.State().Terminal()
		if err := as.sup.Stop(ctx); err != nil {
			m.logger.Warn("stopping sandbox during destroy",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		as.execMu.Unlock()
	}

	m.hub.CloseSession(id)

	// Best-effort cleanup continues through individual failures.
	if err := m.store.Events().DeleteBySession(ctx, id); err != nil {
		m.logger.Warn("deleting session events",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
	if err := m.store.Sessions().Delete(ctx, id); err != nil && err != storage.ErrNotFound {
		return err
	}

	m.mu.Lock()
	delete(m.active, id)
	if m.byWorkspace[rec.WorkspacePath] == id {
		delete(m.byWorkspace, rec.WorkspacePath)
	}
	m.mu.Unlock()

	if as != nil && as.createdWorkspace {
		if err := os.RemoveAll(as.workspacePath); err != nil {
			m.logger.Warn("removing session workspace",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}

	// Session artifacts in the file store go with the session.
	if m.files != nil {
		if err := m.files.Delete(ctx, "sessions/"+id); err != nil {
			m.logger.Warn("deleting session artifacts",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}

	if m.metrics != nil {
		if wasLive {
			m.metrics.ActiveSessions.Dec()
		}
		m.metrics.SessionsDestroyedTotal.WithLabelValues("destroy").Inc()
	}
	m.logger.Info("session destroyed", slog.String("session_id", id))
	return nil
}

// Recover runs at startup: sessions persisted as live belonged to a previous
// orchestrator process, and their sandboxes died with it. They are marked
// failed rather than silently resurrected.
func (m *Manager) Recover(ctx context.Context) error {
	for _, state := range []supervisor.State{supervisor.StateStarting, supervisor.StateRunning, supervisor.StateStopping} {
		records, err := m.store.Sessions().ListByState(ctx, string(state))
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := m.store.Sessions().UpdateState(ctx, rec.ID, string(supervisor.StateFailed)); err != nil {
				return err
			}
			m.logger.Warn("orphaned session marked failed",
				slog.String("session_id", rec.ID),
				slog.String("previous_state", string(state)))
		}
	}
	return nil
}

// StartReaper begins periodic cleanup of sessions whose sandbox has reached
// a terminal state without an explicit destroy.
func (m *Manager) StartReaper() error {
	c := cron.New()
	if _, err := c.AddFunc(reapSchedule, m.reap); err != nil {
		return fmt.Errorf("session: scheduling reaper: %w", err)
	}
	c.Start()
	m.reaper = c
	return nil
}

// reap releases workspaces held by terminal sessions. Records stay for
// inspection; only DestroySession removes them.
func (m *Manager) reap() {
	m.mu.Lock()
	var dead []string
	for id, as := range m.active {
		if as.sup.State().Terminal() {
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.mu.Lock()
		as := m.active[id]
		if as == nil {
			m.mu.Unlock()
			continue
		}
		delete(m.active, id)
		if m.byWorkspace[as.workspacePath] == id {
			delete(m.byWorkspace, as.workspacePath)
		}
		m.mu.Unlock()

		m.hub.CloseSession(id)
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
			m.metrics.SessionsDestroyedTotal.WithLabelValues("reaped").Inc()
		}
		m.logger.Info("terminal session reaped", slog.String("session_id", id))
	}
}

// Close stops the reaper, tears down every live sandbox, and stops the event
// worker.
func (m *Manager) Close(ctx context.Context) error {
	if m.reaper != nil {
		m.reaper.Stop()
	}

	m.mu.Lock()
	live := make([]*activeSession, 0, len(m.active))
	for _, as := range m.active {
		live = append(live, as)
	}
	m.mu.Unlock()

	for _, as := range live {
		as.execMu.Lock()
		if err := as.sup.Stop(ctx); err != nil {
			m.logger.Warn("stopping sandbox during shutdown", slog.String("error", err.Error()))
		}
		as.execMu.Unlock()
	}

	close(m.done)
	return nil
}

func (m *Manager) statusLocked(id string, rec *storage.SessionRecord, state supervisor.State) *Status {
	return &Status{
		ID:            id,
		State:         state,
		WorkspacePath: rec.WorkspacePath,
		RuntimeMode:   rec.RuntimeMode,
		NetworkMode:   rec.NetworkMode,
		Plugins:       rec.Plugins,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (m *Manager) countCreate(cfg *config.RuntimeConfig, status string) {
	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.WithLabelValues(string(cfg.RuntimeMode), status).Inc()
	}
}

// runtimeURL is the agent server URL for readiness probing. Only the local
// runtime exposes one today.
func runtimeURL(cfg *config.RuntimeConfig) string {
	if cfg.RuntimeMode == config.RuntimeLocal {
		return cfg.LocalRuntimeURL
	}
	return ""
}
