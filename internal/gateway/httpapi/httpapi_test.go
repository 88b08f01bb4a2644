package httpapi

import (
	"testing"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/session"
	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
)

func TestCleanStorePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"simple", "notes.txt", "sessions/s1/notes.txt"},
		{"nested", "dir/file.txt", "sessions/s1/dir/file.txt"},
		{"leading slash", "/dir/file.txt", "sessions/s1/dir/file.txt"},
		{"dot segments collapse", "a/./b/../c", "sessions/s1/a/c"},
		{"traversal clamped to root", "../../etc/passwd", "sessions/s1/etc/passwd"},
		{"empty", "", ""},
		{"root only", "/", ""},
		{"dots only", "../..", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanStorePath("s1", tt.path); got != tt.want {
				t.Errorf("cleanStorePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestStorePrefix(t *testing.T) {
	if got := storePrefix("abc"); got != "sessions/abc" {
		t.Errorf("storePrefix = %q, want sessions/abc", got)
	}
}

func TestSessionResponse(t *testing.T) {
	now := time.Now()
	st := &session.Status{
		ID:            "s1",
		State:         supervisor.StateRunning,
		WorkspacePath: "/tmp/ws",
		RuntimeMode:   "local",
		NetworkMode:   "host",
		Plugins:       []string{"agent_skills"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	resp := sessionResponse(st)
	if resp.ID != "s1" || resp.State != "running" || resp.WorkspacePath != "/tmp/ws" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.RuntimeMode != "local" || resp.NetworkMode != "host" {
		t.Errorf("runtime/network mode not carried: %+v", resp)
	}
	if len(resp.Plugins) != 1 || resp.Plugins[0] != "agent_skills" {
		t.Errorf("plugins not carried: %v", resp.Plugins)
	}
}

func TestNewCorrelationID(t *testing.T) {
	a, b := newCorrelationID(), newCorrelationID()
	if len(a) != 16 {
		t.Errorf("correlation ID length = %d, want 16", len(a))
	}
	if a == b {
		t.Error("correlation IDs should differ")
	}
}
