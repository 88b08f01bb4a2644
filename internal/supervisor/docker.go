package supervisor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/config"
)

const (
	defaultDockerImage     = "openhands-runtime:latest"
	defaultDockerMemoryMB  = 2048
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 256

	dockerPollInterval = 2 * time.Second
)

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Image     string  // Sandbox image.
	MemoryMB  int     // --memory hard limit.
	CPUCores  float64 // --cpus rate limit.
	PIDsLimit int     // --pids-limit (prevents fork bombs).
}

// DockerRuntime runs the sandbox inside a long-lived hardened container.
//
// Hardening applied to every container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Read-only root filesystem; only /tmp and the workspace mount are writable
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - Network per the session's network mode, never the host's namespace
//     unless explicitly configured
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRuntime creates a container runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerRuntime{config: cfg, logger: logger}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec, sink EventSink) (Handle, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("supervisor: generating container name: %w", err)
	}

	args := r.buildRunArgs(name, spec)
	if len(spec.Command) > 0 {
		args = append(args, spec.Command...)
	}

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("supervisor: docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	r.logger.Info("sandbox container launched",
		slog.String("session_id", spec.SessionID),
		slog.String("container", name),
		slog.String("image", r.config.Image),
	)

	h := &dockerHandle{
		name:   name,
		logger: r.logger,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go h.watch(spec.SessionID, spec.InheritIO, sink)
	return h, nil
}

// buildRunArgs constructs the docker run argument list with all hardening
// flags. The entrypoint command is NOT included — the caller appends it.
func (r *DockerRuntime) buildRunArgs(name string, spec LaunchSpec) []string {
	memoryFlag := strconv.Itoa(r.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable mounts ---
		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--volume", spec.WorkspaceDir + ":/workspace:rw",
		"--workdir", "/workspace",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/workspace",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	switch spec.NetworkMode {
	case config.NetworkHost:
		args = append(args, "--network=host")
	default:
		args = append(args, "--network=bridge")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, r.config.Image)
	return args
}

type dockerHandle struct {
	name   string
	logger *slog.Logger

	done chan struct{}
	stop chan struct{}

	mu         sync.Mutex
	exitErr    error
	terminated bool
	closed     bool
}

// watch polls the container state and streams its logs as output events.
// It closes done when the container stops running.
func (h *dockerHandle) watch(sessionID string, inheritIO bool, sink EventSink) {
	if !inheritIO && sink != nil {
		go h.streamLogs(sessionID, sink)
	}

	ticker := time.NewTicker(dockerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.finish(nil)
			return
		case <-ticker.C:
			if !h.running() {
				h.finish(fmt.Errorf("container %s exited", h.name))
				return
			}
		}
	}
}

func (h *dockerHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if !h.terminated {
		h.exitErr = err
	}
	close(h.done)
}

// streamLogs follows the container's combined output into the event sink.
func (h *dockerHandle) streamLogs(sessionID string, sink EventSink) {
	cmd := exec.Command("docker", "logs", "-f", h.name)
	cmd.Stdout = newEventWriter(sessionID, "stdout", sink)
	cmd.Stderr = newEventWriter(sessionID, "stderr", sink)
	if err := cmd.Start(); err != nil {
		return
	}
	go func() {
		<-h.done
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}()
	cmd.Wait()
}

func (h *dockerHandle) running() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", h.name).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

func (h *dockerHandle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", h.name, "/bin/sh", "-c", command)

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
			return nil, fmt.Errorf("supervisor: docker exec failed: %w", runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (h *dockerHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return h.running()
}

// Terminate force-removes the container. This is the only removal path, so
// it doubles as the safety net against container leakage.
func (h *dockerHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	h.mu.Unlock()

	close(h.stop)

	rmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(rmCtx, "docker", "rm", "-f", h.name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		h.logger.Warn("docker rm -f failed",
			slog.String("container", h.name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
		return fmt.Errorf("supervisor: removing container %s: %w", h.name, err)
	}
	return nil
}

func (h *dockerHandle) Done() <-chan struct{} { return h.done }

func (h *dockerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// generateContainerName returns a unique name: openhands-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "openhands-sbx-" + hex.EncodeToString(b), nil
}

// Interface check.
var _ Runtime = (*DockerRuntime)(nil)
