// Package plugin defines the sandbox plugin interface and registry.
// Plugins extend a session's sandbox with extra capabilities: some must be
// fully in place before the first user command (blocking), others attach in
// the background once the sandbox reports ready (lazy).
package plugin

import (
	"fmt"
	"sync"

	"github.com/kballard/go-shellquote"
)

// ActivationContext carries the per-session facts a plugin needs to render
// its environment and attach command.
type ActivationContext struct {
	SessionID    string
	WorkspaceDir string
	RuntimeURL   string
}

// Plugin is the interface all sandbox plugins implement.
type Plugin interface {
	// Name returns the plugin's unique identifier (e.g. "agent_skills").
	Name() string

	// Blocking reports whether activation must complete before the session
	// accepts its first command. Lazy plugins attach after the sandbox is
	// running.
	Blocking() bool

	// Env returns environment variables injected into the sandbox process
	// before launch. May be nil.
	Env(ac ActivationContext) map[string]string

	// AttachCommand returns a shell command executed inside the running
	// sandbox to bring the plugin up, or "" when launch-time env injection
	// is all the plugin needs.
	AttachCommand(ac ActivationContext) string
}

// UnknownPluginError is returned when a requested plugin name has no
// registration. Resolution fails before any plugin activates.
type UnknownPluginError struct {
	Name string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("plugin: unknown plugin %q", e.Name)
}

// Registry holds available plugins keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Default creates a registry with the built-in plugins registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(&AgentSkills{})
	r.Register(&VSCode{Port: 8001})
	r.Register(&VNC{Port: 8002, Display: ":1"})
	return r
}

// Register adds a plugin. Panics on duplicate names (startup config error,
// not runtime).
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		panic("duplicate plugin registration: " + p.Name())
	}
	r.plugins[p.Name()] = p
}

// Get returns the plugin by name, or nil if not found.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[name]
}

// Names returns all registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Resolve maps the requested names to plugins ordered for activation:
// blocking plugins first, then lazy ones, each group in request order.
// Duplicates collapse to the first occurrence. Any unknown name fails the
// whole resolution before a single plugin activates.
func (r *Registry) Resolve(names []string) ([]Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	var blocking, lazy []Plugin
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, ok := r.plugins[name]
		if !ok {
			return nil, &UnknownPluginError{Name: name}
		}
		if p.Blocking() {
			blocking = append(blocking, p)
		} else {
			lazy = append(lazy, p)
		}
	}
	return append(blocking, lazy...), nil
}

// --- Built-in plugins ---

// AgentSkills preloads the agent skill library into the sandbox. It blocks
// session startup: the first user command must already see the skills.
type AgentSkills struct{}

func (p *AgentSkills) Name() string   { return "agent_skills" }
func (p *AgentSkills) Blocking() bool { return true }

func (p *AgentSkills) Env(ac ActivationContext) map[string]string {
	return map[string]string{
		"AGENT_SKILLS_PATH":   ac.WorkspaceDir + "/.skills",
		"ENABLE_AGENT_SKILLS": "true",
	}
}

func (p *AgentSkills) AttachCommand(ac ActivationContext) string {
	return shellquote.Join("mkdir", "-p", ac.WorkspaceDir+"/.skills")
}

// VSCode exposes a browser IDE bridged into the sandbox workspace. Lazy: the
// IDE server comes up in the background after the sandbox is running.
type VSCode struct {
	Port int
}

func (p *VSCode) Name() string   { return "vscode" }
func (p *VSCode) Blocking() bool { return false }

func (p *VSCode) Env(ac ActivationContext) map[string]string {
	return map[string]string{
		"VSCODE_PORT": fmt.Sprintf("%d", p.Port),
	}
}

func (p *VSCode) AttachCommand(ac ActivationContext) string {
	return shellquote.Join(
		"code-server",
		"--auth", "none",
		"--bind-addr", fmt.Sprintf("127.0.0.1:%d", p.Port),
		ac.WorkspaceDir,
	)
}

// VNC exposes a remote desktop into the sandbox. Lazy, like VSCode.
type VNC struct {
	Port    int
	Display string
}

func (p *VNC) Name() string   { return "vnc" }
func (p *VNC) Blocking() bool { return false }

func (p *VNC) Env(ac ActivationContext) map[string]string {
	return map[string]string{
		"DISPLAY":  p.Display,
		"VNC_PORT": fmt.Sprintf("%d", p.Port),
	}
}

func (p *VNC) AttachCommand(ac ActivationContext) string {
	return shellquote.Join(
		"x11vnc",
		"-display", p.Display,
		"-rfbport", fmt.Sprintf("%d", p.Port),
		"-forever", "-nopw",
	)
}
