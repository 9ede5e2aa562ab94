package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", cfg.LLM.Provider)
	}
	if cfg.Assistant.SessionTokenLimit != 30000 {
		t.Errorf("expected 30000, got %d", cfg.Assistant.SessionTokenLimit)
	}
	if cfg.Assistant.IterationLimit != 8 {
		t.Errorf("expected 8, got %d", cfg.Assistant.IterationLimit)
	}
	if cfg.Auth.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("expected 30, got %d", cfg.Auth.RateLimit.RequestsPerMinute)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[assistant]
model = "claude-opus-4"
iteration_limit = 12

[auth]
jwt_secret_key = "secret"

[auth.rate_limit]
requests_per_minute = 60

[channels.telegram]
enabled = true
token = "bot123"
`), 0644)

	cfg := Load(path)
	if cfg.Assistant.Model != "claude-opus-4" {
		t.Errorf("expected claude-opus-4, got %s", cfg.Assistant.Model)
	}
	if cfg.Assistant.IterationLimit != 12 {
		t.Errorf("expected 12, got %d", cfg.Assistant.IterationLimit)
	}
	if cfg.Auth.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("expected 60, got %d", cfg.Auth.RateLimit.RequestsPerMinute)
	}
	if !cfg.Channels["telegram"].Enabled || cfg.Channels["telegram"].Token != "bot123" {
		t.Errorf("expected telegram channel enabled with token bot123, got %+v", cfg.Channels["telegram"])
	}
	// Defaults preserved for fields the file didn't touch.
	if cfg.Assistant.SessionTokenLimit != 30000 {
		t.Errorf("default should be preserved, got %d", cfg.Assistant.SessionTokenLimit)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GRAPHBOT_LLM_API_KEY", "env-key")
	t.Setenv("GRAPHBOT_JWT_SECRET_KEY", "env-secret")
	t.Setenv("GRAPHBOT_DATABASE_DSN", "postgres://env")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Auth.JWTSecretKey != "env-secret" {
		t.Errorf("expected env-secret, got %s", cfg.Auth.JWTSecretKey)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Errorf("expected postgres://env, got %s", cfg.Database.DSN)
	}
}

func TestEnvOverrideChannelToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[channels.discord]
enabled = true
`), 0644)
	t.Setenv("GRAPHBOT_CHANNEL_DISCORD_TOKEN", "env-discord-token")

	cfg := Load(path)
	if cfg.Channels["discord"].Token != "env-discord-token" {
		t.Errorf("expected env-discord-token, got %s", cfg.Channels["discord"].Token)
	}
}

func TestEmptyJWTSecretDisablesAuth(t *testing.T) {
	cfg := Default()
	if cfg.Auth.JWTSecretKey != "" {
		t.Errorf("expected auth disabled by default (empty secret), got %q", cfg.Auth.JWTSecretKey)
	}
}
