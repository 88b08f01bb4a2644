package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/observability"
	"github.com/XavTo/OpenHands-Fork/internal/plugin"
)

const readyPollInterval = 500 * time.Millisecond

// Options configures a Supervisor for one session.
type Options struct {
	SessionID      string
	Runtime        Runtime
	Spec           LaunchSpec
	Plugins        []plugin.Plugin // Activation order: blocking first.
	StartupTimeout time.Duration
	Sink           EventSink
	Logger         *slog.Logger
	Metrics        *observability.MetricsCollector
}

// Supervisor drives one sandbox through its lifecycle. All state changes go
// through the internal mutex; callers may invoke methods concurrently.
type Supervisor struct {
	sessionID      string
	runtime        Runtime
	spec           LaunchSpec
	plugins        []plugin.Plugin
	startupTimeout time.Duration
	sink           EventSink
	logger         *slog.Logger
	metrics        *observability.MetricsCollector

	pollInterval time.Duration
	httpClient   *http.Client

	mu     sync.Mutex
	state  State
	handle Handle
}

// New creates a Supervisor in the Unstarted state. Nothing launches until
// Start is called.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		sessionID:      opts.SessionID,
		runtime:        opts.Runtime,
		spec:           opts.Spec,
		plugins:        opts.Plugins,
		startupTimeout: opts.StartupTimeout,
		sink:           opts.Sink,
		logger:         logger.With(slog.String("session_id", opts.SessionID)),
		metrics:        opts.Metrics,
		pollInterval:   readyPollInterval,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		state:          StateUnstarted,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the sandbox and blocks until it is Running or has failed.
// Plugin environment from every enabled plugin is injected before launch;
// blocking plugins must finish attaching before Start returns, lazy plugins
// attach in the background afterwards.
//
// On any failure the sandbox process is terminated before Start returns, so
// a failed Start never leaks a process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnstarted {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: session %s already started (state %s)", s.sessionID, state)
	}
	s.state = StateStarting
	s.mu.Unlock()
	s.emitState(StateStarting)

	ac := plugin.ActivationContext{
		SessionID:    s.sessionID,
		WorkspaceDir: s.spec.WorkspaceDir,
		RuntimeURL:   s.spec.RuntimeURL,
	}

	// Launch-time env injection happens for every plugin, blocking or lazy.
	spec := s.spec
	if len(s.plugins) > 0 {
		merged := make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			merged[k] = v
		}
		for _, p := range s.plugins {
			for k, v := range p.Env(ac) {
				merged[k] = v
			}
		}
		spec.Env = merged
	}

	handle, err := s.runtime.Launch(ctx, spec, s.sink)
	if err != nil {
		s.fail(err.Error())
		s.countStart("launch_error")
		return err
	}
	s.mu.Lock()
	if s.state != StateStarting {
		// Stop ran while Launch was in flight: it had no handle to kill,
		// so this process is ours to terminate.
		state := s.state
		s.mu.Unlock()
		handle.Terminate(ctx)
		s.countStart("stopped")
		return fmt.Errorf("supervisor: session %s stopped during startup (state %s)", s.sessionID, state)
	}
	s.handle = handle
	s.mu.Unlock()

	if err := s.awaitReady(ctx, handle); err != nil {
		handle.Terminate(ctx)
		s.fail(err.Error())
		s.countStart("timeout")
		return err
	}

	// Blocking plugins gate the Running transition.
	for _, p := range s.plugins {
		if !p.Blocking() {
			continue
		}
		if err := s.attach(ctx, handle, p, ac); err != nil {
			handle.Terminate(ctx)
			s.fail(err.Error())
			s.countStart("plugin_error")
			return err
		}
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// Stop raced us after the handle was stored, so it already
		// terminated the process. Terminate again anyway: handle
		// termination is idempotent and this leaves no window.
		state := s.state
		s.mu.Unlock()
		handle.Terminate(ctx)
		return fmt.Errorf("supervisor: session %s stopped during startup (state %s)", s.sessionID, state)
	}
	s.state = StateRunning
	s.mu.Unlock()
	s.emitState(StateRunning)
	s.countStart("ok")

	go s.watch(handle)

	// Lazy plugins come up in the background; their failures are events,
	// not session failures.
	for _, p := range s.plugins {
		if p.Blocking() {
			continue
		}
		go func(p plugin.Plugin) {
			lazyCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.attach(lazyCtx, handle, p, ac); err != nil {
				s.logger.Warn("lazy plugin attach failed",
					slog.String("plugin", p.Name()),
					slog.String("error", err.Error()))
			}
		}(p)
	}

	return nil
}

// awaitReady polls readiness until success, the startup deadline, or an early
// process exit.
func (s *Supervisor) awaitReady(ctx context.Context, handle Handle) error {
	deadline := time.NewTimer(s.startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.ready(ctx, handle) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handle.Done():
			return fmt.Errorf("supervisor: sandbox exited during startup: %v", handle.Err())
		case <-deadline.C:
			return &StartupTimeoutError{SessionID: s.sessionID, Timeout: s.startupTimeout}
		case <-ticker.C:
		}
	}
}

// ready probes the agent server when a runtime URL is configured, otherwise
// process liveness stands in for readiness.
func (s *Supervisor) ready(ctx context.Context, handle Handle) bool {
	if s.spec.RuntimeURL == "" {
		return handle.Alive()
	}
	url := strings.TrimSuffix(s.spec.RuntimeURL, "/") + "/alive"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// attach runs one plugin's attach command inside the sandbox.
func (s *Supervisor) attach(ctx context.Context, handle Handle, p plugin.Plugin, ac plugin.ActivationContext) error {
	command := p.AttachCommand(ac)
	if command == "" {
		s.emitPlugin(p.Name(), true, "")
		return nil
	}

	res, err := handle.Exec(ctx, command)
	if err != nil {
		s.emitPlugin(p.Name(), false, err.Error())
		s.countPlugin(p.Name(), "error")
		return fmt.Errorf("supervisor: attaching plugin %s: %w", p.Name(), err)
	}
	if res.ExitCode != 0 && p.Blocking() {
		s.emitPlugin(p.Name(), false, res.Stderr)
		s.countPlugin(p.Name(), "error")
		return fmt.Errorf("supervisor: plugin %s attach exited %d: %s", p.Name(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	s.emitPlugin(p.Name(), true, "")
	s.countPlugin(p.Name(), "ok")
	return nil
}

// Exec runs a command inside the sandbox. Only valid in the Running state.
func (s *Supervisor) Exec(ctx context.Context, command string) (*ExecResult, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return nil, &NotRunningError{SessionID: s.sessionID, State: state}
	}
	handle := s.handle
	s.mu.Unlock()

	start := time.Now()
	res, err := handle.Exec(ctx, command)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.SandboxCommandsTotal.WithLabelValues(s.runtime.Name(), status).Inc()
		s.metrics.SandboxCommandDuration.WithLabelValues(s.runtime.Name()).Observe(time.Since(start).Seconds())
	}
	return res, err
}

// Stop terminates the sandbox. Idempotent: stopping an already stopped or
// failed sandbox is a no-op, and concurrent calls collapse into one
// termination.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateStopping, StateFailed:
		s.mu.Unlock()
		return nil
	case StateUnstarted:
		s.state = StateStopped
		s.mu.Unlock()
		s.emitState(StateStopped)
		return nil
	}
	s.state = StateStopping
	handle := s.handle
	s.mu.Unlock()
	s.emitState(StateStopping)

	var err error
	if handle != nil {
		err = handle.Terminate(ctx)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.emitState(StateStopped)
	return err
}

// watch flags an unexpected exit while Running. There is no restart: the
// session surfaces the failure and the caller decides what to do next.
func (s *Supervisor) watch(handle Handle) {
	<-handle.Done()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	msg := "sandbox exited unexpectedly"
	if err := handle.Err(); err != nil {
		msg = fmt.Sprintf("sandbox exited unexpectedly: %v", err)
	}
	s.logger.Error("sandbox failed", slog.String("reason", msg))
	s.emit(Event{
		SessionID: s.sessionID,
		Type:      EventStateChanged,
		State:     StateFailed,
		Message:   msg,
		Time:      time.Now(),
	})
}

// fail moves to Failed from Starting.
func (s *Supervisor) fail(msg string) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.emit(Event{
		SessionID: s.sessionID,
		Type:      EventStateChanged,
		State:     StateFailed,
		Message:   msg,
		Time:      time.Now(),
	})
}

func (s *Supervisor) emitState(state State) {
	s.emit(Event{
		SessionID: s.sessionID,
		Type:      EventStateChanged,
		State:     state,
		Time:      time.Now(),
	})
}

func (s *Supervisor) emitPlugin(name string, ok bool, msg string) {
	typ := EventPluginReady
	if !ok {
		typ = EventPluginFailed
	}
	s.emit(Event{
		SessionID: s.sessionID,
		Type:      typ,
		Message:   strings.TrimSpace(name + " " + msg),
		Time:      time.Now(),
	})
}

func (s *Supervisor) emit(ev Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Supervisor) countStart(status string) {
	if s.metrics != nil {
		s.metrics.SandboxStartsTotal.WithLabelValues(s.runtime.Name(), status).Inc()
	}
}

func (s *Supervisor) countPlugin(name, status string) {
	if s.metrics != nil {
		s.metrics.PluginActivationsTotal.WithLabelValues(name, status).Inc()
	}
}
