package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"
)

// sseKeepAliveInterval bounds how long an idle stream goes without traffic,
// so intermediaries do not drop the connection.
const sseKeepAliveInterval = 30 * time.Second

// SSEEvent is the JSON payload of one streamed session event.
type SSEEvent struct {
	Type    string    `json:"type"` // "state_changed", "output", "plugin_ready", "plugin_failed"
	State   string    `json:"state,omitempty"`
	Stream  string    `json:"stream,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// handleSessionEventStream handles GET /v1/sessions/{id}/events/stream.
// Subscribes to the session's live event feed and forwards each event as a
// server-sent event until the client disconnects or the session goes away.
func (g *Gateway) handleSessionEventStream(c *okapi.Context) error {
	id := c.Param("id")

	if _, err := g.sessions.GetStatus(c.Context(), id); err != nil {
		return g.sessionError(c, err)
	}

	events, cancel := g.sessions.Hub().Subscribe(id)
	defer cancel()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			c.SSEvent("keepalive", SSEEvent{Type: "keepalive", Time: time.Now().UTC()})
		case ev, ok := <-events:
			if !ok {
				// Session destroyed; tell the client and stop.
				c.SSEvent("done", SSEEvent{Type: "done", Time: time.Now().UTC()})
				return nil
			}
			c.SSEvent(string(ev.Type), SSEEvent{
				Type:    string(ev.Type),
				State:   string(ev.State),
				Stream:  ev.Stream,
				Message: ev.Message,
				Time:    ev.Time,
			})
		}
	}
}
