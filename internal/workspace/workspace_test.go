package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "openhands")

	l, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if l.Root != root {
		t.Errorf("Root = %q, want %q", l.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"WorkspacesDir", l.WorkspacesDir, "workspace"},
		{"StoreDir", l.StoreDir, "file_store"},
		{"LogsDir", l.LogsDir, "logs"},
		{"FrontendDir", l.FrontendDir, "frontend"},
		{"SecretsDir", l.SecretsDir, "secrets"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(l.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestSecretsDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	dir := l.SecretsDir()
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0700 {
		t.Errorf("secrets dir permissions = %o, want 0700", perm)
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := l.ConfigPath(), filepath.Join(l.Root, "config.json"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := l.DatabasePath(), filepath.Join(l.Root, "sessions.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
}

func TestSessionPaths(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	logPath := l.SessionLogPath("sess-1")
	if logPath != filepath.Join(l.Root, "logs", "sess-1.jsonl") {
		t.Errorf("SessionLogPath = %q", logPath)
	}
}

func TestSessionDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "ws")

	dir, err := SessionDir(base, "sess-1")
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	if dir != filepath.Join(base, "sess-1") {
		t.Errorf("SessionDir = %q", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("session dir not created: %v", err)
	}

	// Hostile IDs cannot escape the base.
	dir, err = SessionDir(base, "../escape")
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	if filepath.Dir(dir) != base {
		t.Errorf("sanitized dir %q escaped base %q", dir, base)
	}
}

func TestCleanWorkspaces(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	wsDir := l.WorkspacesDir()
	os.MkdirAll(filepath.Join(wsDir, "sess-1"), 0750)
	os.MkdirAll(filepath.Join(wsDir, "sess-2"), 0750)
	os.WriteFile(filepath.Join(wsDir, "sess-1", "output.txt"), []byte("hello"), 0644)

	if err := l.CleanWorkspaces(); err != nil {
		t.Fatalf("CleanWorkspaces: %v", err)
	}

	entries, _ := os.ReadDir(wsDir)
	if len(entries) != 0 {
		t.Errorf("workspace dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanWorkspacesNoop(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}
	// Don't create the workspace dir, clean should be a no-op.
	os.RemoveAll(filepath.Join(l.Root, "workspace"))
	if err := l.CleanWorkspaces(); err != nil {
		t.Fatalf("CleanWorkspaces on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	l, err := New(filepath.Join(tmp, "oh"))
	if err != nil {
		t.Fatal(err)
	}

	if err := l.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"workspace", "file_store", "logs", "frontend", "secrets"} {
		p := filepath.Join(l.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
