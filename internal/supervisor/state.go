// Package supervisor owns the lifecycle of one sandbox process per session.
// It drives the state machine, enforces the startup deadline, reports
// unexpected exits, and never restarts a sandbox on its own.
package supervisor

import "time"

// State is the sandbox lifecycle state. Transitions only move forward:
//
//	Unstarted -> Starting -> Running -> Stopping -> Stopped
//
// Failed is reachable from Starting (startup timeout, launch error) and from
// Running (unexpected exit). A Failed or Stopped sandbox never restarts; the
// session is torn down and a new one created instead.
type State string

const (
	StateUnstarted State = "unstarted"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Terminal reports whether the sandbox can never leave this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// EventType classifies sandbox lifecycle events.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventOutput       EventType = "output"
	EventPluginReady  EventType = "plugin_ready"
	EventPluginFailed EventType = "plugin_failed"
)

// Event is one observable occurrence in a sandbox's life. Events flow to the
// session layer, which persists them and fans them out to live subscribers.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	State     State     `json:"state,omitempty"`
	Stream    string    `json:"stream,omitempty"` // "stdout" or "stderr" for output events
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink receives events as they happen. Implementations must not block;
// slow consumers drop rather than stall the supervisor.
type EventSink func(Event)
