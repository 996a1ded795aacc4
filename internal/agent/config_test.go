package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
agent_id: rpi-001
server_address: http://localhost:8080
job_queues:
  - rpi-lab
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.PollingInterval != 10 {
		t.Errorf("expected default polling_interval 10, got %d", cfg.PollingInterval)
	}
	if cfg.GlobalTimeout != defaultGlobalTimeout {
		t.Errorf("expected default global_timeout, got %d", cfg.GlobalTimeout)
	}
	if cfg.LoggingLevel != "info" {
		t.Errorf("expected default logging_level info, got %q", cfg.LoggingLevel)
	}
}

func TestLoadConfig_MissingAgentIDFails(t *testing.T) {
	path := writeTempConfig(t, `
server_address: http://localhost:8080
job_queues:
  - rpi-lab
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing agent_id")
	}
}

func TestLoadConfig_MissingQueuesFails(t *testing.T) {
	path := writeTempConfig(t, `
agent_id: rpi-001
server_address: http://localhost:8080
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing job_queues")
	}
}

func TestConfig_CommandForUnconfiguredPhaseReturnsFalse(t *testing.T) {
	cfg := &Config{}
	cmd, ok := cfg.CommandFor("provision")
	if ok || cmd != "" {
		t.Errorf("expected unconfigured phase to report not-ok, got %q ok=%v", cmd, ok)
	}
}

func TestConfig_CommandForConfiguredPhase(t *testing.T) {
	cfg := &Config{TestCommand: "run-tests.sh"}
	cmd, ok := cfg.CommandFor("test")
	if !ok || cmd != "run-tests.sh" {
		t.Errorf("expected configured test command, got %q ok=%v", cmd, ok)
	}
}
