package supervisor

import (
	"fmt"
	"time"
)

// StartupTimeoutError reports that the sandbox did not become ready within
// the configured deadline. The process has already been terminated when this
// is returned.
type StartupTimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("supervisor: sandbox for session %s not ready after %s", e.SessionID, e.Timeout)
}

// NotRunningError reports a command sent to a sandbox that is not in the
// Running state.
type NotRunningError struct {
	SessionID string
	State     State
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("supervisor: session %s sandbox is %s, not running", e.SessionID, e.State)
}
