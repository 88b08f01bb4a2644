package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// maxOutputBytes caps captured output per stream to prevent OOM from a
	// chatty sandbox.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultExecTimeout = 30 * time.Second
)

// defaultLocalCommand is the entrypoint when the launch spec names none:
// an idle keepalive standing in for the agent server binary.
var defaultLocalCommand = []string{"/bin/sh", "-c", "while true; do sleep 3600; done"}

// LocalRuntime runs the sandbox as a host process group.
//
// Isolation properties:
//   - The sandbox runs in its own process group (Setpgid); the whole group
//     is killed on termination so grandchildren do not leak
//   - No environment inheritance from the orchestrator — only a minimal
//     safe set plus explicit injections
//   - Captured stdout/stderr are capped per stream
type LocalRuntime struct {
	logger *slog.Logger
}

// NewLocalRuntime creates a host-process runtime.
func NewLocalRuntime(logger *slog.Logger) *LocalRuntime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LocalRuntime{logger: logger}
}

func (r *LocalRuntime) Name() string { return "local" }

func (r *LocalRuntime) Launch(ctx context.Context, spec LaunchSpec, sink EventSink) (Handle, error) {
	command := spec.Command
	if len(command) == 0 {
		command = defaultLocalCommand
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = sanitizedEnv(spec.WorkspaceDir, spec.Env)

	// The sandbox gets its own process group so Terminate can kill every
	// descendant with one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.InheritIO {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = newEventWriter(spec.SessionID, "stdout", sink)
		cmd.Stderr = newEventWriter(spec.SessionID, "stderr", sink)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: launching sandbox: %w", err)
	}

	r.logger.Info("sandbox process launched",
		slog.String("session_id", spec.SessionID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", spec.WorkspaceDir),
		slog.Bool("inherit_io", spec.InheritIO),
	)

	h := &localHandle{
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		workspaceDir: spec.WorkspaceDir,
		env:          cmd.Env,
		logger:       r.logger,
		done:         make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type localHandle struct {
	cmd          *exec.Cmd
	pid          int
	workspaceDir string
	env          []string
	logger       *slog.Logger

	done chan struct{}

	mu         sync.Mutex
	exitErr    error
	terminated bool
}

func (h *localHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Exec runs a shell command in the sandbox's workspace with the sandbox's
// environment. The command gets its own process group so a timeout kills its
// whole subtree, not just the shell.
func (h *localHandle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = h.workspaceDir
	cmd.Env = h.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("supervisor: command timed out after %s", duration.Round(time.Millisecond))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("supervisor: command failed: %w", runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (h *localHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	alive, err := process.PidExists(int32(h.pid))
	return err == nil && alive
}

func (h *localHandle) Terminate(_ context.Context) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	h.mu.Unlock()

	// Kill the whole group. ESRCH means it already exited.
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: killing process group %d: %w", h.pid, err)
	}
	return nil
}

func (h *localHandle) Done() <-chan struct{} { return h.done }

func (h *localHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// sanitizedEnv constructs a minimal environment for the sandbox process.
// The orchestrator's environment is NEVER inherited — this keeps API keys
// and credentials out of sandboxed code.
func sanitizedEnv(workspaceDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workspaceDir,
		"TMPDIR=/tmp",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Claim the full write. A straddling write is capped, not a short
	// write that would abort the surrounding io.Copy.
	return len(p), nil
}

// eventWriter turns a sandbox output stream into output events, capped at
// maxOutputBytes total per stream.
type eventWriter struct {
	sessionID string
	stream    string
	sink      EventSink
	remaining int
}

func newEventWriter(sessionID, stream string, sink EventSink) *eventWriter {
	return &eventWriter{
		sessionID: sessionID,
		stream:    stream,
		sink:      sink,
		remaining: maxOutputBytes,
	}
}

func (w *eventWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.sink == nil || w.remaining <= 0 {
		return n, nil
	}
	chunk := p
	if len(chunk) > w.remaining {
		chunk = chunk[:w.remaining]
	}
	w.remaining -= len(chunk)
	w.sink(Event{
		SessionID: w.sessionID,
		Type:      EventOutput,
		Stream:    w.stream,
		Message:   string(chunk),
		Time:      time.Now(),
	})
	return n, nil
}

// Interface check.
var _ Runtime = (*LocalRuntime)(nil)
