package plugin

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultRegistrations(t *testing.T) {
	r := Default()
	for _, name := range []string{"agent_skills", "vscode", "vnc"} {
		if r.Get(name) == nil {
			t.Errorf("plugin %q not registered", name)
		}
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(&AgentSkills{})
	r.Register(&AgentSkills{})
}

func TestResolveOrdersBlockingFirst(t *testing.T) {
	r := Default()

	// Lazy plugins requested before the blocking one.
	got, err := r.Resolve([]string{"vnc", "vscode", "agent_skills"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name()
	}
	want := "agent_skills,vnc,vscode"
	if strings.Join(names, ",") != want {
		t.Errorf("order = %v, want %s", names, want)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	r := Default()
	got, err := r.Resolve([]string{"vscode", "vscode", "vscode"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestResolveUnknownFailsFast(t *testing.T) {
	r := Default()
	_, err := r.Resolve([]string{"agent_skills", "jupyter"})
	if err == nil {
		t.Fatal("expected error for unknown plugin")
	}
	var unknown *UnknownPluginError
	if !errors.As(err, &unknown) {
		t.Fatalf("error type = %T", err)
	}
	if unknown.Name != "jupyter" {
		t.Errorf("Name = %q, want jupyter", unknown.Name)
	}
}

func TestResolveEmpty(t *testing.T) {
	r := Default()
	got, err := r.Resolve(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestAttachCommandQuotesWorkspace(t *testing.T) {
	p := &VSCode{Port: 8001}
	cmd := p.AttachCommand(ActivationContext{WorkspaceDir: "/tmp/my workspace"})
	if !strings.Contains(cmd, "'/tmp/my workspace'") {
		t.Errorf("workspace dir not quoted: %q", cmd)
	}
}

func TestEnvInjection(t *testing.T) {
	ac := ActivationContext{SessionID: "s1", WorkspaceDir: "/ws/s1"}

	env := (&AgentSkills{}).Env(ac)
	if env["AGENT_SKILLS_PATH"] != "/ws/s1/.skills" {
		t.Errorf("AGENT_SKILLS_PATH = %q", env["AGENT_SKILLS_PATH"])
	}

	env = (&VNC{Port: 8002, Display: ":1"}).Env(ac)
	if env["DISPLAY"] != ":1" {
		t.Errorf("DISPLAY = %q", env["DISPLAY"])
	}
}
