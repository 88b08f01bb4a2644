// Package workspace manages the orchestrator's on-disk directory structure.
// All runtime state (session database, per-session sandbox directories, the
// local file store, logs) is consolidated under a single root, making the
// orchestrator portable.
//
// Default root: ~/.openhands (the workspace base and file store path from the
// resolved configuration are grafted in when they point elsewhere).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default root location relative to user home directory.
const defaultRelativePath = ".openhands"

// Layout manages the orchestrator's runtime directories and derived paths.
type Layout struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Layout rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Layout, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	l := &Layout{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := l.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return l, nil
}

// Default creates a Layout at ~/.openhands.
func Default() (*Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// WorkspacesDir returns <root>/workspace/. Parent of per-session sandbox
// working directories.
func (l *Layout) WorkspacesDir() string {
	return l.dir("workspace")
}

// StoreDir returns <root>/file_store/. Root of the local file store backend.
func (l *Layout) StoreDir() string {
	return l.dir("file_store")
}

// LogsDir returns <root>/logs/. Application log files.
func (l *Layout) LogsDir() string {
	return l.dir("logs")
}

// FrontendDir returns <root>/frontend/. Static assets served when frontend
// serving is enabled.
func (l *Layout) FrontendDir() string {
	return l.dir("frontend")
}

// SecretsDir returns <root>/secrets/ with 0700 permissions.
func (l *Layout) SecretsDir() string {
	return l.restrictedDir("secrets")
}

// --- Derived paths ---

// DatabasePath returns <root>/sessions.db, the default sqlite location.
func (l *Layout) DatabasePath() string {
	return filepath.Join(l.Root, "sessions.db")
}

// ConfigPath returns <root>/config.json.
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.json")
}

// --- Session-scoped paths ---

// SessionDir creates base/<sessionID>, the sandbox working directory for a
// fresh session under a resolved workspace base. The base comes from
// configuration and may live outside any Layout root.
func SessionDir(base, sessionID string) (string, error) {
	p := filepath.Join(base, sanitizeName(sessionID))
	if err := os.MkdirAll(p, 0750); err != nil {
		return "", fmt.Errorf("creating session workspace %s: %w", sessionID, err)
	}
	return p, nil
}

// SessionLogPath returns <root>/logs/<sessionID>.jsonl.
func (l *Layout) SessionLogPath(sessionID string) string {
	return filepath.Join(l.LogsDir(), sanitizeName(sessionID)+".jsonl")
}

// --- Cleanup ---

// CleanWorkspaces removes all per-session directories under the workspace
// parent. Used on a full reset, never during normal operation.
func (l *Layout) CleanWorkspaces() error {
	dir := filepath.Join(l.Root, "workspace")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading workspace dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing workspace entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard directories. Call this at startup.
func (l *Layout) EnsureAll() error {
	dirs := []string{
		l.WorkspacesDir(),
		l.StoreDir(),
		l.LogsDir(),
		l.FrontendDir(),
	}
	for _, d := range dirs {
		if err := l.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	// Restricted directories (0700).
	_ = l.SecretsDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the root and ensures the directory exists.
func (l *Layout) dir(name string) string {
	p := filepath.Join(l.Root, name)
	_ = l.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (l *Layout) restrictedDir(name string) string {
	p := filepath.Join(l.Root, name)
	_ = l.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (l *Layout) ensureDir(path string, perm os.FileMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	l.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
