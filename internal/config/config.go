// Package config resolves the runtime configuration for sandbox sessions.
//
// Resolution is explicit: the command layer captures the process environment
// once into an Environment snapshot and passes it by value into Resolve
// together with any per-session overrides. Nothing in this package (or below
// it) reads os.Getenv — that keeps the resolver deterministic and testable
// without touching the process environment.
//
// Precedence: per-session overrides > environment snapshot > hard-coded
// fallback constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeMode selects where the sandbox actually runs. It is an open set —
// additional backends slot in behind the supervisor's Runtime interface.
type RuntimeMode string

const (
	RuntimeLocal  RuntimeMode = "local"  // Host process group on this machine.
	RuntimeRemote RuntimeMode = "remote" // Hardened container runtime.
)

// NetworkMode selects the sandbox network attachment.
type NetworkMode string

const (
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// StoreKind selects the file store backend.
type StoreKind string

const (
	StoreLocal  StoreKind = "local"
	StoreRemote StoreKind = "remote"
)

// Environment-sourced key names. These are an external contract: callers set
// them verbatim in the process environment. Unknown keys are ignored, missing
// keys fall back to the documented defaults.
const (
	EnvRuntime               = "RUNTIME"
	EnvUseHostNetwork        = "USE_HOST_NETWORK"
	EnvWorkspaceBase         = "WORKSPACE_BASE"
	EnvFileStore             = "FILE_STORE"
	EnvFileStorePath         = "FILE_STORE_PATH"
	EnvFileStoreURL          = "FILE_STORE_URL"
	EnvSandboxStartupTimeout = "PROCESS_SANDBOX_STARTUP_TIMEOUT"
	EnvSandboxInheritIO      = "SANDBOX_INHERIT_IO"
	EnvSandboxPlugins        = "SANDBOX_PLUGINS"
	EnvLocalRuntimeURL       = "SANDBOX_LOCAL_RUNTIME_URL"
	EnvServeFrontend         = "SERVE_FRONTEND"
	EnvPort                  = "PORT"
	EnvSessionStoreDriver    = "SESSION_STORE_DRIVER"
	EnvSessionStoreDSN       = "SESSION_STORE_DSN"
)

// Hard-coded fallback constants (lowest precedence).
const (
	defaultWorkspaceBase   = "~/.openhands/workspace"
	defaultFileStorePath   = "~/.openhands/file_store"
	defaultStartupTimeout  = 120 * time.Second
	defaultLocalRuntimeURL = "http://localhost:8000"
	defaultPort            = 3000
	defaultStoreDriver     = "sqlite"
)

// RuntimeConfig is the resolved, immutable snapshot of all runtime knobs for
// one session. Built once by Resolve; read-only thereafter.
type RuntimeConfig struct {
	RuntimeMode    RuntimeMode
	NetworkMode    NetworkMode
	WorkspaceBase  string // Parent directory for per-session workspaces.
	FileStore      StoreKind
	FileStorePath  string // Local backend root (persistence directory).
	FileStoreURL   string // Remote backend endpoint.
	StartupTimeout time.Duration
	InheritIO      bool     // Attach sandbox streams to supervisor's own.
	Plugins        []string // Enabled plugin names, validated by the registry.

	LocalRuntimeURL string // Base URL of the agent server inside the sandbox.
	ServeFrontend   bool
	Port            int

	SessionStoreDriver string // "sqlite" or "postgres".
	SessionStoreDSN    string
}

// Environment is a parsed snapshot of the environment-sourced settings.
// Zero values mean "not set" and fall through to the fallback constants.
type Environment struct {
	RuntimeMode    RuntimeMode
	UseHostNetwork *bool
	WorkspaceBase  string
	FileStore      StoreKind
	FileStorePath  string
	FileStoreURL   string
	StartupTimeout time.Duration
	InheritIO      *bool
	Plugins        []string
	PluginsSet     bool // Distinguishes "SANDBOX_PLUGINS=" from unset.

	LocalRuntimeURL string
	ServeFrontend   *bool
	Port            int

	SessionStoreDriver string
	SessionStoreDSN    string
}

// Overrides carries per-session settings supplied by the API caller.
// Nil/zero fields inherit from the environment.
type Overrides struct {
	RuntimeMode    RuntimeMode    `json:"runtime_mode,omitempty" yaml:"runtime_mode,omitempty"`
	NetworkMode    NetworkMode    `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
	WorkspaceBase  string         `json:"workspace_base,omitempty" yaml:"workspace_base,omitempty"`
	StartupTimeout *time.Duration `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty"`
	InheritIO      *bool          `json:"inherit_io,omitempty" yaml:"inherit_io,omitempty"`
	Plugins        []string       `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

// FromEnvironment parses the documented keys out of an environment snapshot.
// Unknown keys are ignored; malformed values for typed keys are reported so
// the process fails loudly at startup rather than running with a silently
// dropped setting.
func FromEnvironment(env map[string]string) (Environment, error) {
	var e Environment

	if v, ok := env[EnvRuntime]; ok && v != "" {
		e.RuntimeMode = RuntimeMode(strings.ToLower(v))
	}
	if v, ok := env[EnvUseHostNetwork]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return e, &ConfigError{Reason: ReasonInvalidValue, Key: EnvUseHostNetwork, Err: err}
		}
		e.UseHostNetwork = &b
	}
	e.WorkspaceBase = env[EnvWorkspaceBase]
	if v, ok := env[EnvFileStore]; ok && v != "" {
		e.FileStore = StoreKind(strings.ToLower(v))
	}
	e.FileStorePath = env[EnvFileStorePath]
	e.FileStoreURL = env[EnvFileStoreURL]
	if v, ok := env[EnvSandboxStartupTimeout]; ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return e, &ConfigError{Reason: ReasonInvalidValue, Key: EnvSandboxStartupTimeout, Err: err}
		}
		e.StartupTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := env[EnvSandboxInheritIO]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return e, &ConfigError{Reason: ReasonInvalidValue, Key: EnvSandboxInheritIO, Err: err}
		}
		e.InheritIO = &b
	}
	if v, ok := env[EnvSandboxPlugins]; ok {
		e.PluginsSet = true
		e.Plugins = parsePluginList(v)
	}
	e.LocalRuntimeURL = env[EnvLocalRuntimeURL]
	if v, ok := env[EnvServeFrontend]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return e, &ConfigError{Reason: ReasonInvalidValue, Key: EnvServeFrontend, Err: err}
		}
		e.ServeFrontend = &b
	}
	if v, ok := env[EnvPort]; ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return e, &ConfigError{Reason: ReasonInvalidValue, Key: EnvPort, Err: err}
		}
		e.Port = p
	}
	e.SessionStoreDriver = strings.ToLower(env[EnvSessionStoreDriver])
	e.SessionStoreDSN = env[EnvSessionStoreDSN]

	return e, nil
}

// parsePluginList accepts both a comma-separated enable list ("a,b") and a
// typed enablement map ("a=true,b=false"). The map form replaces the old
// pattern of toggle flags embedded in a JSON blob.
func parsePluginList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, val, found := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !found {
			out = append(out, name)
			continue
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err == nil && enabled {
			out = append(out, name)
		}
	}
	return out
}

// Resolve merges per-session overrides over the environment snapshot over
// the fallback constants, validates the result, and ensures the workspace
// base and persistence directory exist or are creatable.
//
// Resolution is deterministic: the same inputs always produce the same
// RuntimeConfig. The only side effect is directory creation for the path
// checks, which is idempotent.
func Resolve(env Environment, ov Overrides) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		RuntimeMode:        RuntimeLocal,
		NetworkMode:        NetworkBridge,
		WorkspaceBase:      defaultWorkspaceBase,
		FileStore:          StoreLocal,
		FileStorePath:      defaultFileStorePath,
		StartupTimeout:     defaultStartupTimeout,
		LocalRuntimeURL:    defaultLocalRuntimeURL,
		Port:               defaultPort,
		SessionStoreDriver: defaultStoreDriver,
	}

	// Environment layer.
	if env.RuntimeMode != "" {
		cfg.RuntimeMode = env.RuntimeMode
	}
	if env.UseHostNetwork != nil && *env.UseHostNetwork {
		cfg.NetworkMode = NetworkHost
	}
	if env.WorkspaceBase != "" {
		cfg.WorkspaceBase = env.WorkspaceBase
	}
	if env.FileStore != "" {
		cfg.FileStore = env.FileStore
	}
	if env.FileStorePath != "" {
		cfg.FileStorePath = env.FileStorePath
	}
	cfg.FileStoreURL = env.FileStoreURL
	if env.StartupTimeout > 0 {
		cfg.StartupTimeout = env.StartupTimeout
	}
	if env.InheritIO != nil {
		cfg.InheritIO = *env.InheritIO
	}
	if env.PluginsSet {
		cfg.Plugins = append([]string(nil), env.Plugins...)
	}
	if env.LocalRuntimeURL != "" {
		cfg.LocalRuntimeURL = env.LocalRuntimeURL
	}
	if env.ServeFrontend != nil {
		cfg.ServeFrontend = *env.ServeFrontend
	}
	if env.Port > 0 {
		cfg.Port = env.Port
	}
	if env.SessionStoreDriver != "" {
		cfg.SessionStoreDriver = env.SessionStoreDriver
	}
	cfg.SessionStoreDSN = env.SessionStoreDSN

	// Per-session override layer.
	if ov.RuntimeMode != "" {
		cfg.RuntimeMode = ov.RuntimeMode
	}
	if ov.NetworkMode != "" {
		cfg.NetworkMode = ov.NetworkMode
	}
	if ov.WorkspaceBase != "" {
		cfg.WorkspaceBase = ov.WorkspaceBase
	}
	if ov.StartupTimeout != nil && *ov.StartupTimeout > 0 {
		cfg.StartupTimeout = *ov.StartupTimeout
	}
	if ov.InheritIO != nil {
		cfg.InheritIO = *ov.InheritIO
	}
	if ov.Plugins != nil {
		cfg.Plugins = append([]string(nil), ov.Plugins...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RuntimeConfig) validate() error {
	switch c.RuntimeMode {
	case RuntimeLocal, RuntimeRemote:
	default:
		return &ConfigError{Reason: ReasonInvalidValue, Key: EnvRuntime,
			Err: fmt.Errorf("runtime mode %q is not supported (use local or remote)", c.RuntimeMode)}
	}

	switch c.NetworkMode {
	case NetworkBridge, NetworkHost:
	default:
		return &ConfigError{Reason: ReasonInvalidValue, Key: EnvUseHostNetwork,
			Err: fmt.Errorf("network mode %q is not supported", c.NetworkMode)}
	}

	// Host networking shares the orchestrator's network namespace, which only
	// makes sense when the sandbox runs on the same host.
	if c.NetworkMode == NetworkHost && c.RuntimeMode != RuntimeLocal {
		return &ConfigError{Reason: ReasonIncompatibleNetworkMode, Key: EnvUseHostNetwork,
			Err: fmt.Errorf("network mode host requires runtime mode local, got %s", c.RuntimeMode)}
	}

	switch c.FileStore {
	case StoreLocal, StoreRemote:
	default:
		return &ConfigError{Reason: ReasonInvalidValue, Key: EnvFileStore,
			Err: fmt.Errorf("file store kind %q is not supported (use local or remote)", c.FileStore)}
	}
	if c.FileStore == StoreRemote && c.FileStoreURL == "" {
		return &ConfigError{Reason: ReasonInvalidValue, Key: EnvFileStoreURL,
			Err: fmt.Errorf("%s is required for the remote file store", EnvFileStoreURL)}
	}

	switch c.SessionStoreDriver {
	case "sqlite", "postgres":
	default:
		return &ConfigError{Reason: ReasonInvalidValue, Key: EnvSessionStoreDriver,
			Err: fmt.Errorf("session store driver %q is not supported (use sqlite or postgres)", c.SessionStoreDriver)}
	}

	// Paths must exist or be creatable.
	resolvedWS, err := ensurePath(c.WorkspaceBase)
	if err != nil {
		return &ConfigError{Reason: ReasonPathUnavailable, Key: EnvWorkspaceBase, Err: err}
	}
	c.WorkspaceBase = resolvedWS

	if c.FileStore == StoreLocal {
		resolvedFS, err := ensurePath(c.FileStorePath)
		if err != nil {
			return &ConfigError{Reason: ReasonPathUnavailable, Key: EnvFileStorePath, Err: err}
		}
		c.FileStorePath = resolvedFS
	}

	return nil
}

// ensurePath expands ~, makes the path absolute, and creates the directory
// if it does not already exist.
func ensurePath(path string) (string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(resolved, 0750); err != nil {
		return "", err
	}
	return resolved, nil
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

// LoadFile reads an optional JSON or YAML file of environment-layer settings
// and merges it under the given snapshot (the snapshot wins). The format is
// detected by file extension: .yml/.yaml for YAML, everything else for JSON.
func LoadFile(path string, env Environment) (Environment, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return env, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return env, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var raw map[string]string
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return env, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return env, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	fileEnv, err := FromEnvironment(raw)
	if err != nil {
		return env, err
	}
	return mergeEnvironments(fileEnv, env), nil
}

// mergeEnvironments overlays top onto base, field by field.
func mergeEnvironments(base, top Environment) Environment {
	out := base
	if top.RuntimeMode != "" {
		out.RuntimeMode = top.RuntimeMode
	}
	if top.UseHostNetwork != nil {
		out.UseHostNetwork = top.UseHostNetwork
	}
	if top.WorkspaceBase != "" {
		out.WorkspaceBase = top.WorkspaceBase
	}
	if top.FileStore != "" {
		out.FileStore = top.FileStore
	}
	if top.FileStorePath != "" {
		out.FileStorePath = top.FileStorePath
	}
	if top.FileStoreURL != "" {
		out.FileStoreURL = top.FileStoreURL
	}
	if top.StartupTimeout > 0 {
		out.StartupTimeout = top.StartupTimeout
	}
	if top.InheritIO != nil {
		out.InheritIO = top.InheritIO
	}
	if top.PluginsSet {
		out.Plugins = top.Plugins
		out.PluginsSet = true
	}
	if top.LocalRuntimeURL != "" {
		out.LocalRuntimeURL = top.LocalRuntimeURL
	}
	if top.ServeFrontend != nil {
		out.ServeFrontend = top.ServeFrontend
	}
	if top.Port > 0 {
		out.Port = top.Port
	}
	if top.SessionStoreDriver != "" {
		out.SessionStoreDriver = top.SessionStoreDriver
	}
	if top.SessionStoreDSN != "" {
		out.SessionStoreDSN = top.SessionStoreDSN
	}
	return out
}

// Snapshot converts a list of KEY=VALUE pairs (as returned by os.Environ)
// into a map suitable for FromEnvironment.
func Snapshot(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, found := strings.Cut(kv, "=")
		if found {
			out[k] = v
		}
	}
	return out
}
