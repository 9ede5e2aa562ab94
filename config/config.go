// Package config loads GraphBot's TOML configuration: defaults, then a
// file on disk, then environment variable overrides, mirroring the
// teacher's own config layer. It has no file-watching or live reload —
// Load is called once at startup.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration document. Field names mirror
// spec.md §6's dotted option names (assistant.model ->
// Config.Assistant.Model, etc).
type Config struct {
	Assistant  AssistantConfig       `toml:"assistant"`
	Background BackgroundConfig      `toml:"background"`
	Auth       AuthConfig            `toml:"auth"`
	Channels   map[string]ChannelCfg `toml:"channels"`
	Web        WebConfig             `toml:"web"`
	RAG        RAGConfig             `toml:"rag"`
	Database   DatabaseConfig        `toml:"database"`
	LLM        LLMConfig             `toml:"llm"`
}

// AssistantConfig controls the main agent's default model, its owner
// identity, and the reason<->execute_tools loop.
type AssistantConfig struct {
	Model             string `toml:"model"`
	OwnerUsername     string `toml:"owner_username"`
	SessionTokenLimit int    `toml:"session_token_limit"`
	IterationLimit    int    `toml:"iteration_limit"`
}

// BackgroundConfig controls the delegation planner's own LLM call,
// distinct from the main assistant's model.
type BackgroundConfig struct {
	Delegation DelegationConfig `toml:"delegation"`
}

// DelegationConfig is the planner's model and sampling settings.
type DelegationConfig struct {
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// AuthConfig controls request authentication and per-user rate
// limiting. An empty JWTSecretKey disables auth entirely.
type AuthConfig struct {
	JWTSecretKey string          `toml:"jwt_secret_key"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig is the per-user quota passed to ratelimit.New, or to
// ratelimit.NewDistributedRedis when RedisAddr is set (multiple
// graphbotd instances behind the same channel sharing one budget).
type RateLimitConfig struct {
	RequestsPerMinute int    `toml:"requests_per_minute"`
	RedisAddr         string `toml:"redis_addr"`
}

// ChannelCfg is one channel's activation and scoping config, keyed by
// channel name ("telegram", "discord", "socket") in Config.Channels.
type ChannelCfg struct {
	Enabled       bool     `toml:"enabled"`
	Token         string   `toml:"token"`
	Addr          string   `toml:"addr"`
	AllowedGroups []string `toml:"allowed_groups"`
	AllowedDMs    []string `toml:"allowed_dms"`
	RespondToDM   bool     `toml:"respond_to_dm"`
	MonitorDM     bool     `toml:"monitor_dm"`
}

// WebConfig holds the web_fetch tool's shortcut mapping: short tag ->
// URL.
type WebConfig struct {
	FetchShortcuts map[string]string `toml:"fetch_shortcuts"`
}

// RAGConfig is optional retrieval wiring; no context-builder layer reads
// it.
type RAGConfig struct {
	Enabled        bool   `toml:"enabled"`
	CollectionName string `toml:"collection_name"`
	TopK           int    `toml:"top_k"`
}

// DatabaseConfig configures the durable store. cmd/graphbotd always opens
// the sqlite store at Path; it does not read Driver or DSN.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// LLMConfig holds the default provider's credentials, shared by the
// main assistant model unless Assistant.Model names a different one.
type LLMConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"` // openaicompat-style backends only
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Assistant: AssistantConfig{
			Model:            "claude-sonnet-4-5",
			SessionTokenLimit: 30000,
			IterationLimit:   8,
		},
		Background: BackgroundConfig{
			Delegation: DelegationConfig{Model: "claude-haiku-4-5", Temperature: 0.2},
		},
		Auth: AuthConfig{
			RateLimit: RateLimitConfig{RequestsPerMinute: 30},
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "graphbot.db"},
		LLM:      LLMConfig{Provider: "anthropic"},
	}
}

// Load reads config: defaults -> TOML file at path -> environment
// variables (environment wins). An unreadable or missing file at path
// is not an error; defaults stand.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "graphbot.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("GRAPHBOT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GRAPHBOT_JWT_SECRET_KEY"); v != "" {
		cfg.Auth.JWTSecretKey = v
	}
	if v := os.Getenv("GRAPHBOT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GRAPHBOT_RATE_LIMIT_REDIS_ADDR"); v != "" {
		cfg.Auth.RateLimit.RedisAddr = v
	}
	for name, ch := range cfg.Channels {
		if v := os.Getenv("GRAPHBOT_CHANNEL_" + envKey(name) + "_TOKEN"); v != "" {
			ch.Token = v
			cfg.Channels[name] = ch
		}
	}

	return cfg
}

// envKey uppercases a channel name for its environment variable slot
// ("telegram" -> "TELEGRAM").
func envKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
