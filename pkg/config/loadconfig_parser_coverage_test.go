package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_FlexibleStringSlice_MixedArray(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	content := `{
  "channels": {
    "telegram": {
      "enabled": true,
      "token": "x",
      "allow_from": ["u1", 123, true]
    }
  }
}`

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	got := cfg.Channels.Telegram.AllowFrom
	want := []string{"u1", "123", "true"}
	if len(got) != len(want) {
		t.Fatalf("allow_from len=%d, want=%d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allow_from[%d]=%q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadConfig_FlexibleStringSlice_SingleString(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	content := `{
  "channels": {
    "telegram": {
      "enabled": true,
      "token": "x",
      "allow_from": "solo-user"
    }
  }
}`

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 1 || cfg.Channels.Telegram.AllowFrom[0] != "solo-user" {
		t.Fatalf("allow_from=%v, want [solo-user]", cfg.Channels.Telegram.AllowFrom)
	}
}

func TestLoadConfig_InvalidConfigSyntax(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	invalid := "{\n  \"agents\": {\n    \"defaults\": {\n      \"model\": [unclosed\n"

	if err := os.WriteFile(configPath, []byte(invalid), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	_, err := LoadConfig(configPath)
	if err == nil {
		t.Fatal("LoadConfig() expected error for invalid syntax")
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "does-not-exist.json")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Agents.Defaults.MaxTokens != DefaultConfig().Agents.Defaults.MaxTokens {
		t.Fatal("LoadConfig() on missing file should return defaults")
	}
}
