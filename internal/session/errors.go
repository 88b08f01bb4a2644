package session

import "fmt"

// WorkspaceBusyError reports a create attempt against a workspace that
// already has a live sandbox.
type WorkspaceBusyError struct {
	WorkspacePath string
	SessionID     string // The session currently holding the workspace.
}

func (e *WorkspaceBusyError) Error() string {
	return fmt.Sprintf("session: workspace %s is held by session %s", e.WorkspacePath, e.SessionID)
}

// NotFoundError reports an operation against an unknown session ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: %s not found", e.ID)
}
