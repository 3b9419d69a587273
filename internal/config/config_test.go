package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "localnet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
health_check:
  interval_seconds: 10
links:
  - alias: node-a
    rpc: http://127.0.0.1:9001
    priority: 10
  - alias: node-b
    rpc: http://127.0.0.1:9002
`)
	cfg, err := Load(Localnet, path)
	if err != nil {
		t.Fatalf("expected valid config to load, got error: %v", err)
	}
	if len(cfg.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(cfg.Links))
	}
	if cfg.Links[1].Priority != defaultPriority {
		t.Fatalf("expected default priority of %d, got %d", defaultPriority, cfg.Links[1].Priority)
	}
	if cfg.HealthCheckInterval() != 10 {
		t.Fatalf("expected configured interval of 10, got %d", cfg.HealthCheckInterval())
	}
}

func TestLoad_DuplicateAliasRejected(t *testing.T) {
	path := writeTempConfig(t, `
links:
  - alias: node-a
    rpc: http://127.0.0.1:9001
  - alias: node-a
    rpc: http://127.0.0.1:9002
`)
	if _, err := Load(Localnet, path); err == nil {
		t.Fatalf("expected duplicate alias to be rejected")
	}
}

func TestLoad_MockPrefixRejectedOutsideLocalnet(t *testing.T) {
	path := writeTempConfig(t, `
links:
  - alias: mock-0
    rpc: http://127.0.0.1:9001
`)
	if _, err := Load(Mainnet, path); err == nil {
		t.Fatalf("expected mock- alias to be rejected outside localnet")
	}

	if _, err := Load(Localnet, path); err != nil {
		t.Fatalf("expected mock- alias to be accepted in localnet, got: %v", err)
	}
}

func TestLoad_InvalidURLRejected(t *testing.T) {
	path := writeTempConfig(t, `
links:
  - alias: node-a
    rpc: "not a url"
`)
	if _, err := Load(Localnet, path); err == nil {
		t.Fatalf("expected invalid rpc url to be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(Mainnet, "/nonexistent/path/mainnet.yaml"); err == nil {
		t.Fatalf("expected missing file to return an error")
	}
}

func TestLinkConfig_DefaultsToSelectableAndMonitored(t *testing.T) {
	l := LinkConfig{Alias: "node-a", RPC: "http://127.0.0.1:9001"}
	if !l.IsSelectable() {
		t.Fatalf("expected default selectable=true")
	}
	if !l.IsMonitored() {
		t.Fatalf("expected default monitored=true")
	}
	if l.IsMock() {
		t.Fatalf("expected node-a to not be classified as a mock alias")
	}
}
