package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: s3cret\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "chatkit.db" || cfg.Database.CheckpointSchedule != "@every 5m" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Auth.TokenExpiry != 24*time.Hour {
		t.Errorf("token expiry = %v", cfg.Auth.TokenExpiry)
	}
	if cfg.Tools.Timeout != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.Tools.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CHATKIT_TEST_KEY", "sk-from-env")
	cfg, err := Load(writeConfig(t, `auth:
  jwt_secret: s3cret
llm:
  default_provider: openai
  providers:
    openai:
      api_key: ${CHATKIT_TEST_KEY}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.LLM.Providers["openai"].APIKey)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("missing jwt secret accepted")
	}

	cfg.Auth.JWTSecret = "s3cret"
	// The default provider names a provider with no entry.
	if err := cfg.Validate(); err == nil {
		t.Error("dangling default provider accepted")
	}

	cfg.LLM.Providers = map[string]LLMProviderConfig{"anthropic": {APIKey: "k"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
