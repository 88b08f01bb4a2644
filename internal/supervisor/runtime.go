package supervisor

import (
	"context"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/config"
)

// LaunchSpec describes one sandbox process to bring up.
type LaunchSpec struct {
	SessionID    string
	WorkspaceDir string

	// Command is the sandbox entrypoint (the agent server). Empty means the
	// runtime's default entrypoint.
	Command []string

	// Env is merged on top of the runtime's sanitized base environment.
	// Plugin launch-time injections land here.
	Env map[string]string

	// InheritIO attaches the sandbox's stdout/stderr to the orchestrator's
	// own streams instead of capturing them as output events.
	InheritIO bool

	NetworkMode config.NetworkMode

	// RuntimeURL is the base URL the sandbox's agent server listens on.
	// When set, readiness is probed over HTTP; otherwise process liveness
	// stands in for readiness.
	RuntimeURL string
}

// ExecResult captures the outcome of one command inside a running sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runtime launches sandbox processes. It is an open set: the local host
// runtime and the container runtime ship here, and further backends plug in
// behind the same interface.
type Runtime interface {
	// Name identifies the backend in logs and metrics ("local", "docker").
	Name() string

	// Launch starts the sandbox process described by spec. The returned
	// Handle owns the process; Launch itself does not wait for readiness.
	Launch(ctx context.Context, spec LaunchSpec, sink EventSink) (Handle, error)
}

// Handle is a live sandbox process.
type Handle interface {
	// Exec runs a shell command inside the sandbox and waits for it.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// Alive reports whether the sandbox process still exists.
	Alive() bool

	// Terminate kills the sandbox and releases its resources. Safe to call
	// more than once.
	Terminate(ctx context.Context) error

	// Done is closed when the sandbox process has exited for any reason.
	Done() <-chan struct{}

	// Err returns the exit error after Done is closed, nil for a clean exit.
	Err() error
}
