// Package ws implements the WebSocket endpoint for live session events.
// Clients connect, name a session, and receive its sandbox events in
// real-time instead of polling the event history.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/XavTo/OpenHands-Fork/internal/session"
	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
)

const (
	// pingInterval keeps idle connections alive through intermediaries.
	pingInterval = 30 * time.Second

	// writeTimeout bounds a single event write to a slow client.
	writeTimeout = 10 * time.Second
)

// Config configures the WebSocket event server.
type Config struct {
	// Token authenticates connecting clients. Empty disables authentication.
	Token string
}

// Server streams session events over WebSocket connections.
type Server struct {
	sessions *session.Manager
	cfg      *Config
	logger   *slog.Logger
}

// NewServer creates a WebSocket server backed by the session manager's hub.
func NewServer(sessions *session.Manager, cfg *Config, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate client via token.
	if s.cfg != nil && s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.sessions.GetStatus(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"openhands-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.streamEvents(r.Context(), conn, sessionID)
}

// streamEvents forwards hub events to the connection until the client
// disconnects or the session is destroyed.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, sessionID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	events, cancel := s.sessions.Hub().Subscribe(sessionID)
	defer cancel()

	// Drain client frames so pongs and close frames are processed.
	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	s.logger.Info("event stream opened", slog.String("session_id", sessionID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			s.logger.Info("event stream client disconnected", slog.String("session_id", sessionID))
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("event stream ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Session destroyed.
				conn.Close(websocket.StatusNormalClosure, "session destroyed")
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream write failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev supervisor.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
