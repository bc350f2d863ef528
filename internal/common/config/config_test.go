package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}

	if cfg.DataDir != ".fuel" {
		t.Errorf("expected default data_dir .fuel, got %q", cfg.DataDir)
	}
	if cfg.Consume.IntervalMS != 100 {
		t.Errorf("expected interval_ms 100, got %d", cfg.Consume.IntervalMS)
	}
	if cfg.Consume.SnapshotMS != 2000 {
		t.Errorf("expected snapshot_ms 2000, got %d", cfg.Consume.SnapshotMS)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %q", cfg.Database.Driver)
	}
	if got := cfg.DatabasePath(); got != filepath.Join(".fuel", "agent.db") {
		t.Errorf("unexpected database path %q", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: ` + dir + `
consume:
  port: 4711
agents:
  fast:
    command: fast-agent
    prompt_args: ["-p", "{prompt}"]
  careful:
    command: careful-agent
    concurrency_limit: 2
complexity_to_agent:
  simple: fast
  complex: careful
review_agent: careful
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}

	if cfg.Consume.Port != 4711 {
		t.Errorf("expected port 4711, got %d", cfg.Consume.Port)
	}
	if cfg.Port() != 4711 {
		t.Errorf("Port() should prefer configured port, got %d", cfg.Port())
	}

	fast, ok := cfg.Agent("fast")
	if !ok {
		t.Fatal("agent fast not loaded")
	}
	if fast.Command != "fast-agent" {
		t.Errorf("unexpected command %q", fast.Command)
	}
	// Per-agent defaults fill in after normalize.
	if fast.ConcurrencyLimit != 1 || fast.MaxRetries != 3 || fast.MaxAttempts != 3 {
		t.Errorf("agent defaults not applied: %+v", fast)
	}

	careful, _ := cfg.Agent("careful")
	if careful.ConcurrencyLimit != 2 {
		t.Errorf("explicit concurrency_limit overridden: %d", careful.ConcurrencyLimit)
	}

	if name, ok := cfg.AgentFor("simple"); !ok || name != "fast" {
		t.Errorf("AgentFor(simple) = %q, %v", name, ok)
	}
	if _, ok := cfg.AgentFor("moderate"); ok {
		t.Error("AgentFor(moderate) should be unmapped")
	}
}

func TestValidateRejectsUnknownAgentReferences(t *testing.T) {
	dir := t.TempDir()
	yaml := `
complexity_to_agent:
  simple: ghost
review_agent: phantom
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for unknown agent references")
	}
}

func TestValidateRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	yaml := `
agents:
  broken:
    model: something
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for agent without command")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FUEL_CONSUME_PORT", "9321")
	t.Setenv("FUEL_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Consume.Port != 9321 {
		t.Errorf("env port override not applied: %d", cfg.Consume.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env logging level override not applied: %q", cfg.Logging.Level)
	}
}

func TestDefaultPortStablePerProject(t *testing.T) {
	a := DefaultPort("/home/alice/projA/.fuel")
	b := DefaultPort("/home/alice/projB/.fuel")

	if a == b {
		t.Error("expected different default ports for different projects")
	}
	if again := DefaultPort("/home/alice/projA/.fuel"); again != a {
		t.Errorf("default port not stable: %d vs %d", a, again)
	}
	if a < 20000 || a >= 40000 {
		t.Errorf("default port out of range: %d", a)
	}
}
