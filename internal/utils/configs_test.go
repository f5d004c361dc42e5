package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestConfigManagerParsing(t *testing.T) {
	path := writeTempFile(t, "configs", `# comment = ignored
retry_max_count = 7
retry_base_delay = 3s
max_message_length = 2KB
relays = wss://a.example, wss://b.example
`)
	cm := NewConfigManager(path)

	if _, ok := cm.GetConfig("# comment"); ok {
		t.Error("Comment line was parsed as a key")
	}
	if got := cm.GetConfigInt("retry_max_count", 5, 0, 100); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
	if got := cm.GetConfigInt("retry_max_count", 5, 0, 3); got != 5 {
		t.Errorf("Expected out of range value to fall back to 5, got %d", got)
	}
	if got := cm.GetConfigDuration("retry_base_delay", time.Second); got != 3*time.Second {
		t.Errorf("Expected 3s, got %v", got)
	}
	if got := cm.GetConfigBytes("max_message_length", 0); got != 2048 {
		t.Errorf("Expected 2048, got %d", got)
	}
	if got := cm.GetConfigSlice("relays", nil); len(got) != 2 || got[1] != "wss://b.example" {
		t.Errorf("Unexpected relay slice %v", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	path := writeTempFile(t, "configs", "retry_max_count = 5\nsync_timeout = 15s\n")
	envFile := writeTempFile(t, ".env", "RELAY_DM_RETRY_MAX_COUNT=9\nRELAY_DM_SYNC_TIMEOUT=20s\nUNRELATED=1\n")

	// process environment wins over the .env file
	t.Setenv("RELAY_DM_SYNC_TIMEOUT", "30s")

	cm := NewConfigManager(path)
	applied, err := cm.ApplyEnvOverrides(envFile)
	if err != nil {
		t.Fatalf("Failed to apply env overrides: %v", err)
	}
	if applied < 2 {
		t.Errorf("Expected at least 2 overrides, got %d", applied)
	}

	if got := cm.GetConfigInt("retry_max_count", 5, 0, 100); got != 9 {
		t.Errorf("Expected retry_max_count from .env, got %d", got)
	}
	if got := cm.GetConfigDuration("sync_timeout", 0); got != 30*time.Second {
		t.Errorf("Expected sync_timeout from process env, got %v", got)
	}
	if _, ok := cm.GetConfig("unrelated"); ok {
		t.Error("Variables without the prefix must not become config keys")
	}

	if _, err := cm.ApplyEnvOverrides(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing env file should be ignored, got %v", err)
	}
}

func TestReloadConfigKeepsEnvOverrides(t *testing.T) {
	path := writeTempFile(t, "configs", "log_level = info\nretry_max_count = 5\n")
	t.Setenv("RELAY_DM_RETRY_MAX_COUNT", "8")

	cm := NewConfigManager(path)
	if _, err := cm.ApplyEnvOverrides(""); err != nil {
		t.Fatalf("Failed to apply env overrides: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level = debug\nretry_max_count = 6\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if _, err := cm.ReloadConfig(""); err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}

	if got := cm.GetConfigWithDefault("log_level", ""); got != "debug" {
		t.Errorf("Expected reloaded log_level debug, got %q", got)
	}
	if got := cm.GetConfigInt("retry_max_count", 5, 0, 100); got != 8 {
		t.Errorf("Expected environment override to survive reload, got %d", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove config: %v", err)
	}
	if _, err := cm.ReloadConfig(""); err == nil {
		t.Error("Expected reload of a missing file to fail")
	}
	if got := cm.GetConfigWithDefault("log_level", ""); got != "debug" {
		t.Errorf("Failed reload must keep the current values, got %q", got)
	}
}

func TestGetAllConfigsMasksSecrets(t *testing.T) {
	path := writeTempFile(t, "configs", "keystore_passphrase = hunter2\napi_token_ttl = 24h\nempty_secret =\n")
	cm := NewConfigManager(path)

	all := cm.GetAllConfigs()
	if all["keystore_passphrase"] == "hunter2" {
		t.Error("Passphrase was not masked")
	}
	if all["api_token_ttl"] != "24h" {
		t.Errorf("Expected api_token_ttl unchanged, got %q", all["api_token_ttl"])
	}
	if all["empty_secret"] != "" {
		t.Errorf("Expected empty secret to stay empty, got %q", all["empty_secret"])
	}

	all["api_token_ttl"] = "1h"
	if got, _ := cm.GetConfig("api_token_ttl"); got != "24h" {
		t.Error("Changing the returned map modified the manager")
	}
}

func TestReadRelaysFile(t *testing.T) {
	path := writeTempFile(t, "relays.yaml", `relays:
  - url: wss://Relay.Example/
  - url: wss://read-only.example
    write: false
  - url: wss://relay.example
`)

	relays, err := ReadRelaysFile(path)
	if err != nil {
		t.Fatalf("Failed to read relays file: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("Expected duplicates to be dropped, got %+v", relays)
	}
	if relays[0].URL != "wss://relay.example" || !relays[0].Read || !relays[0].Write {
		t.Errorf("Unexpected first relay %+v", relays[0])
	}
	if relays[1].Write || !relays[1].Read {
		t.Errorf("Expected read-only relay, got %+v", relays[1])
	}

	bad := writeTempFile(t, "bad.yaml", "relays:\n  - url: https://not-a-websocket\n")
	if _, err := ReadRelaysFile(bad); err == nil {
		t.Error("Expected error for non websocket relay url")
	}
}

func TestLoadRelaysFallsBackToConfig(t *testing.T) {
	path := writeTempFile(t, "configs", "relays = wss://a.example, wss://a.example/, ws://b.example\n")
	cm := NewConfigManager(path)
	cm.SetConfig("relays_file", filepath.Join(t.TempDir(), "absent.yaml"))

	relays, err := LoadRelays(cm)
	if err != nil {
		t.Fatalf("Failed to load relays: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("Expected 2 relays, got %+v", relays)
	}

	cm.SetConfig("relays", "")
	if _, err := LoadRelays(cm); err == nil {
		t.Error("Expected error when no relays are configured")
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	tests := map[string]string{
		"wss://relay.example":    "wss://relay.example",
		" WSS://Relay.Example/ ": "wss://relay.example",
		"ws://127.0.0.1:7000":    "ws://127.0.0.1:7000",
	}
	for input, want := range tests {
		got, err := NormalizeRelayURL(input)
		if err != nil {
			t.Errorf("NormalizeRelayURL(%q) failed: %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", input, got, want)
		}
	}

	for _, input := range []string{"", "relay.example", "http://relay.example", "wss://"} {
		if _, err := NormalizeRelayURL(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}
