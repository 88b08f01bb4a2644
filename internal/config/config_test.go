package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testEnv(t *testing.T) Environment {
	t.Helper()
	tmp := t.TempDir()
	return Environment{
		WorkspaceBase: filepath.Join(tmp, "workspace"),
		FileStorePath: filepath.Join(tmp, "file_store"),
	}
}

func TestResolveDefaults(t *testing.T) {
	env := testEnv(t)

	cfg, err := Resolve(env, Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.RuntimeMode != RuntimeLocal {
		t.Errorf("RuntimeMode = %q, want %q", cfg.RuntimeMode, RuntimeLocal)
	}
	if cfg.NetworkMode != NetworkBridge {
		t.Errorf("NetworkMode = %q, want %q", cfg.NetworkMode, NetworkBridge)
	}
	if cfg.StartupTimeout != 120*time.Second {
		t.Errorf("StartupTimeout = %s, want 120s", cfg.StartupTimeout)
	}
	if cfg.FileStore != StoreLocal {
		t.Errorf("FileStore = %q, want local", cfg.FileStore)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.SessionStoreDriver != "sqlite" {
		t.Errorf("SessionStoreDriver = %q, want sqlite", cfg.SessionStoreDriver)
	}
}

func TestResolveDeterministic(t *testing.T) {
	env := testEnv(t)
	env.RuntimeMode = RuntimeLocal
	env.Plugins = []string{"vscode", "agent_skills"}
	env.PluginsSet = true

	first, err := Resolve(env, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Resolve(env, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Resolve is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestResolvePrecedence(t *testing.T) {
	env := testEnv(t)
	env.RuntimeMode = RuntimeRemote
	env.StartupTimeout = 30 * time.Second
	env.Plugins = []string{"agent_skills"}
	env.PluginsSet = true

	timeout := 5 * time.Second
	cfg, err := Resolve(env, Overrides{
		RuntimeMode:    RuntimeLocal,
		StartupTimeout: &timeout,
		Plugins:        []string{"vnc"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.RuntimeMode != RuntimeLocal {
		t.Errorf("override lost: RuntimeMode = %q", cfg.RuntimeMode)
	}
	if cfg.StartupTimeout != 5*time.Second {
		t.Errorf("override lost: StartupTimeout = %s", cfg.StartupTimeout)
	}
	if !reflect.DeepEqual(cfg.Plugins, []string{"vnc"}) {
		t.Errorf("override lost: Plugins = %v", cfg.Plugins)
	}
}

func TestResolveIncompatibleNetworkMode(t *testing.T) {
	env := testEnv(t)
	env.RuntimeMode = RuntimeRemote
	host := true
	env.UseHostNetwork = &host

	_, err := Resolve(env, Overrides{})
	if err == nil {
		t.Fatal("expected error for remote runtime with host network")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cfgErr.Reason != ReasonIncompatibleNetworkMode {
		t.Errorf("Reason = %q, want %q", cfgErr.Reason, ReasonIncompatibleNetworkMode)
	}
}

func TestResolveHostNetworkLocalOK(t *testing.T) {
	env := testEnv(t)
	host := true
	env.UseHostNetwork = &host

	cfg, err := Resolve(env, Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.NetworkMode != NetworkHost {
		t.Errorf("NetworkMode = %q, want host", cfg.NetworkMode)
	}
}

func TestResolvePathUnavailable(t *testing.T) {
	tmp := t.TempDir()
	env := Environment{
		// A file stands where the directory should go.
		WorkspaceBase: filepath.Join(tmp, "blocked"),
		FileStorePath: filepath.Join(tmp, "file_store"),
	}
	if err := os.WriteFile(filepath.Join(tmp, "blocked"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Resolve(env, Overrides{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if cfgErr.Reason != ReasonPathUnavailable {
		t.Errorf("Reason = %q, want %q", cfgErr.Reason, ReasonPathUnavailable)
	}
}

func TestResolveRemoteStoreRequiresURL(t *testing.T) {
	env := testEnv(t)
	env.FileStore = StoreRemote

	_, err := Resolve(env, Overrides{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if cfgErr.Key != EnvFileStoreURL {
		t.Errorf("Key = %q, want %q", cfgErr.Key, EnvFileStoreURL)
	}
}

func TestFromEnvironment(t *testing.T) {
	env, err := FromEnvironment(map[string]string{
		EnvRuntime:               "remote",
		EnvUseHostNetwork:        "false",
		EnvWorkspaceBase:         "/srv/workspaces",
		EnvFileStore:             "remote",
		EnvFileStoreURL:          "https://store.example.com",
		EnvSandboxStartupTimeout: "45",
		EnvSandboxInheritIO:      "true",
		EnvSandboxPlugins:        "agent_skills,vscode",
		EnvLocalRuntimeURL:       "http://localhost:8000",
		EnvServeFrontend:         "true",
		EnvPort:                  "8080",
		"SOME_UNRELATED_KEY":     "ignored",
	})
	if err != nil {
		t.Fatalf("FromEnvironment: %v", err)
	}

	if env.RuntimeMode != RuntimeRemote {
		t.Errorf("RuntimeMode = %q", env.RuntimeMode)
	}
	if env.StartupTimeout != 45*time.Second {
		t.Errorf("StartupTimeout = %s", env.StartupTimeout)
	}
	if env.InheritIO == nil || !*env.InheritIO {
		t.Error("InheritIO not parsed")
	}
	if !reflect.DeepEqual(env.Plugins, []string{"agent_skills", "vscode"}) {
		t.Errorf("Plugins = %v", env.Plugins)
	}
	if env.Port != 8080 {
		t.Errorf("Port = %d", env.Port)
	}
}

func TestFromEnvironmentBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad timeout", map[string]string{EnvSandboxStartupTimeout: "soon"}},
		{"zero timeout", map[string]string{EnvSandboxStartupTimeout: "0"}},
		{"bad bool", map[string]string{EnvUseHostNetwork: "maybe"}},
		{"bad port", map[string]string{EnvPort: "70000"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromEnvironment(tc.env); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParsePluginList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b", []string{"a", "b"}},
		{"a=true,b=false", []string{"a"}},
		{" a , b=true ", []string{"a", "b"}},
		{"", nil},
		{"a=notabool", nil},
	}
	for _, tc := range tests {
		got := parsePluginList(tc.input)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parsePluginList(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	m := Snapshot([]string{"A=1", "B=x=y", "MALFORMED"})
	if m["A"] != "1" {
		t.Errorf("A = %q", m["A"])
	}
	if m["B"] != "x=y" {
		t.Errorf("B = %q", m["B"])
	}
	if _, ok := m["MALFORMED"]; ok {
		t.Error("malformed entry should be dropped")
	}
}
