// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Rate       RateConfig       `mapstructure:"rate"`
	Cost       CostConfig       `mapstructure:"cost"`
	Events     EventsConfig     `mapstructure:"events"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Audit      AuditConfig      `mapstructure:"audit"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout of 0 keeps long-lived event streams alive.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds bearer token authentication configuration.
type AuthConfig struct {
	// Tokens is a comma-separated list of accepted bearer tokens.
	Tokens string `mapstructure:"tokens"`
	// TokenFile points at a file with one token per line; its contents
	// are merged with Tokens at load time.
	TokenFile      string `mapstructure:"tokenFile"`
	AllowAnonymous bool   `mapstructure:"allowAnonymous"`
}

// RateConfig holds sliding-window rate limits.
type RateConfig struct {
	PerAgentPerMin int `mapstructure:"perAgentPerMin"`
	PerIPPerMin    int `mapstructure:"perIPPerMin"`
}

// CostConfig holds spend ceilings and pricing.
type CostConfig struct {
	DailyLimitUSD   float64 `mapstructure:"dailyLimitUSD"`
	SessionLimitUSD float64 `mapstructure:"sessionLimitUSD"`
	WarnFraction    float64 `mapstructure:"warnFraction"`
	Per1KTokensUSD  float64 `mapstructure:"per1kTokensUSD"`
}

// EventsConfig holds event ring and fan-out sizing.
type EventsConfig struct {
	RingSize               int `mapstructure:"ringSize"`
	SubscriberQueueSize    int `mapstructure:"subscriberQueueSize"`
	SubscriberWriteTimeout int `mapstructure:"subscriberWriteTimeout"` // in seconds
}

// BridgeConfig holds the agent socket endpoint timings.
type BridgeConfig struct {
	HandshakeTimeout  int `mapstructure:"handshakeTimeout"`  // in seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	WriteTimeout      int `mapstructure:"writeTimeout"`      // in seconds
	MaxMessageBytes   int `mapstructure:"maxMessageBytes"`
}

// DispatchConfig holds task timeout policy.
type DispatchConfig struct {
	StartTimeout int `mapstructure:"startTimeout"` // in seconds
	TotalTimeout int `mapstructure:"totalTimeout"` // in seconds
}

// AuditConfig holds the append-only audit sink settings.
type AuditConfig struct {
	Path     string `mapstructure:"path"`
	MaxBytes int64  `mapstructure:"maxBytes"`
	Backups  int    `mapstructure:"backups"`
}

// NATSConfig holds the optional event mirror configuration. An empty
// URL disables the mirror.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SimulationConfig holds model backend settings and budget defaults
// for the simulation engine.
type SimulationConfig struct {
	AnthropicAPIKey    string  `mapstructure:"anthropicAPIKey"`
	DefaultModel       string  `mapstructure:"defaultModel"`
	DefaultTemperature float64 `mapstructure:"defaultTemperature"`
	MaxTokens          int     `mapstructure:"maxTokens"`
	MaxCostUSD         float64 `mapstructure:"maxCostUSD"`
	TickBudget         int     `mapstructure:"tickBudget"`
	TickRateLimitMS    int     `mapstructure:"tickRateLimitMS"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port the server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TokenList returns the configured tokens, comma-split and trimmed.
// Tokens loaded from TokenFile are already merged in by Load.
func (a *AuthConfig) TokenList() []string {
	if a.Tokens == "" {
		return nil
	}
	parts := strings.Split(a.Tokens, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// HandshakeTimeoutDuration returns the register deadline.
func (b *BridgeConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(b.HandshakeTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the expected heartbeat cadence.
func (b *BridgeConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(b.HeartbeatInterval) * time.Second
}

// WriteTimeoutDuration returns the per-write socket deadline.
func (b *BridgeConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}

// StartTimeoutDuration returns the dispatch-to-first-progress deadline.
func (d *DispatchConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(d.StartTimeout) * time.Second
}

// TotalTimeoutDuration returns the dispatch-to-response deadline.
func (d *DispatchConfig) TotalTimeoutDuration() time.Duration {
	return time.Duration(d.TotalTimeout) * time.Second
}

// SubscriberWriteTimeoutDuration returns the stream write deadline.
func (e *EventsConfig) SubscriberWriteTimeoutDuration() time.Duration {
	return time.Duration(e.SubscriberWriteTimeout) * time.Second
}

// TickRateLimit returns the minimum spacing between ticks.
func (s *SimulationConfig) TickRateLimit() time.Duration {
	return time.Duration(s.TickRateLimitMS) * time.Millisecond
}

// detectDefaultLogFormat returns json for production-like environments
// and text for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. Bridges connect from remote hosts, so bind wide.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Auth defaults: no tokens and no anonymous access fails closed.
	v.SetDefault("auth.tokens", "")
	v.SetDefault("auth.tokenFile", "")
	v.SetDefault("auth.allowAnonymous", false)

	// Rate window defaults
	v.SetDefault("rate.perAgentPerMin", 10)
	v.SetDefault("rate.perIPPerMin", 50)

	// Cost defaults
	v.SetDefault("cost.dailyLimitUSD", 10.0)
	v.SetDefault("cost.sessionLimitUSD", 5.0)
	v.SetDefault("cost.warnFraction", 0.8)
	v.SetDefault("cost.per1kTokensUSD", 0.0)

	// Event bus defaults
	v.SetDefault("events.ringSize", 500)
	v.SetDefault("events.subscriberQueueSize", 256)
	v.SetDefault("events.subscriberWriteTimeout", 1)

	// Bridge socket defaults
	v.SetDefault("bridge.handshakeTimeout", 10)
	v.SetDefault("bridge.heartbeatInterval", 30)
	v.SetDefault("bridge.writeTimeout", 5)
	v.SetDefault("bridge.maxMessageBytes", 512*1024)

	// Dispatch timeout defaults
	v.SetDefault("dispatch.startTimeout", 30)
	v.SetDefault("dispatch.totalTimeout", 900)

	// Audit sink defaults
	v.SetDefault("audit.path", "agentmux_audit.log")
	v.SetDefault("audit.maxBytes", int64(100*1024*1024))
	v.SetDefault("audit.backups", 10)

	// NATS mirror defaults - empty URL means no mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmux")
	v.SetDefault("nats.subjectPrefix", "agentmux.events")
	v.SetDefault("nats.maxReconnects", 10)

	// Simulation defaults
	v.SetDefault("simulation.anthropicAPIKey", "")
	v.SetDefault("simulation.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("simulation.defaultTemperature", 0.7)
	v.SetDefault("simulation.maxTokens", 1024)
	v.SetDefault("simulation.maxCostUSD", 5.0)
	v.SetDefault("simulation.tickBudget", 1000)
	v.SetDefault("simulation.tickRateLimitMS", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// bindEnvAliases binds the short, documented environment names next to
// the AGENTMUX_-prefixed ones produced by AutomaticEnv. First match
// wins, prefixed name first.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"auth.tokens":                  {"AGENTMUX_AUTH_TOKENS", "AUTH_TOKENS"},
		"auth.tokenFile":               {"AGENTMUX_AUTH_TOKEN_FILE", "AUTH_TOKEN_FILE"},
		"auth.allowAnonymous":          {"AGENTMUX_AUTH_ALLOW_ANONYMOUS", "AUTH_ALLOW_ANONYMOUS"},
		"rate.perAgentPerMin":          {"AGENTMUX_RATE_PER_AGENT_PER_MIN", "RATE_PER_AGENT_PER_MIN"},
		"rate.perIPPerMin":             {"AGENTMUX_RATE_PER_IP_PER_MIN", "RATE_PER_IP_PER_MIN"},
		"cost.dailyLimitUSD":           {"AGENTMUX_COST_DAILY_USD", "COST_DAILY_USD"},
		"cost.sessionLimitUSD":         {"AGENTMUX_COST_SESSION_USD", "COST_SESSION_USD"},
		"cost.warnFraction":            {"AGENTMUX_COST_WARN_FRACTION", "COST_WARN_FRACTION"},
		"cost.per1kTokensUSD":          {"AGENTMUX_COST_PER_1K_TOKENS_USD", "COST_PER_1K_TOKENS_USD"},
		"events.ringSize":              {"AGENTMUX_EVENT_RING_SIZE", "EVENT_RING_SIZE"},
		"events.subscriberQueueSize":   {"AGENTMUX_SUBSCRIBER_QUEUE_SIZE", "SUBSCRIBER_QUEUE_SIZE"},
		"bridge.handshakeTimeout":      {"AGENTMUX_HANDSHAKE_TIMEOUT_S", "HANDSHAKE_TIMEOUT_S"},
		"bridge.heartbeatInterval":     {"AGENTMUX_HEARTBEAT_INTERVAL_S", "HEARTBEAT_INTERVAL_S"},
		"dispatch.startTimeout":        {"AGENTMUX_DISPATCH_START_TIMEOUT_S", "DISPATCH_START_TIMEOUT_S"},
		"dispatch.totalTimeout":        {"AGENTMUX_DISPATCH_TOTAL_TIMEOUT_S", "DISPATCH_TOTAL_TIMEOUT_S"},
		"audit.path":                   {"AGENTMUX_AUDIT_LOG_PATH", "AUDIT_LOG_PATH"},
		"audit.maxBytes":               {"AGENTMUX_AUDIT_LOG_MAX_BYTES", "AUDIT_LOG_MAX_BYTES"},
		"audit.backups":                {"AGENTMUX_AUDIT_LOG_BACKUPS", "AUDIT_LOG_BACKUPS"},
		"nats.url":                     {"AGENTMUX_NATS_URL", "NATS_URL"},
		"simulation.anthropicAPIKey":   {"AGENTMUX_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
		"simulation.defaultModel":      {"AGENTMUX_SIM_DEFAULT_MODEL", "SIM_DEFAULT_MODEL"},
		"simulation.maxCostUSD":        {"AGENTMUX_SIM_MAX_COST_USD", "SIM_MAX_COST_USD"},
		"simulation.tickBudget":        {"AGENTMUX_SIM_TICK_BUDGET", "SIM_TICK_BUDGET"},
		"simulation.tickRateLimitMS":   {"AGENTMUX_SIM_TICK_RATE_LIMIT_MS", "SIM_TICK_RATE_LIMIT_MS"},
		"events.subscriberWriteTimeout": {"AGENTMUX_SUBSCRIBER_WRITE_TIMEOUT_S", "SUBSCRIBER_WRITE_TIMEOUT_S"},
	}
	for key, names := range aliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX_; the short
// documented names (AUTH_TOKENS, RATE_PER_AGENT_PER_MIN, ...) are also
// accepted. The config file is config.yaml in the current directory or
// /etc/agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := mergeTokenFile(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// mergeTokenFile appends tokens from auth.tokenFile (one per line,
// blank lines and #-comments skipped) to auth.tokens.
func mergeTokenFile(cfg *Config) error {
	if cfg.Auth.TokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Auth.TokenFile)
	if err != nil {
		return fmt.Errorf("error reading token file %s: %w", cfg.Auth.TokenFile, err)
	}
	var tokens []string
	if cfg.Auth.Tokens != "" {
		tokens = append(tokens, cfg.Auth.Tokens)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	cfg.Auth.Tokens = strings.Join(tokens, ",")
	return nil
}

// validate checks that all configuration fields are usable. An empty
// token set with anonymous access disabled is valid: the server boots
// locked and rejects every request.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Rate.PerAgentPerMin <= 0 {
		errs = append(errs, "rate.perAgentPerMin must be positive")
	}
	if cfg.Rate.PerIPPerMin <= 0 {
		errs = append(errs, "rate.perIPPerMin must be positive")
	}

	if cfg.Cost.DailyLimitUSD < 0 || cfg.Cost.SessionLimitUSD < 0 {
		errs = append(errs, "cost limits must not be negative")
	}
	if cfg.Cost.WarnFraction <= 0 || cfg.Cost.WarnFraction > 1 {
		errs = append(errs, "cost.warnFraction must be in (0, 1]")
	}
	if cfg.Cost.Per1KTokensUSD < 0 {
		errs = append(errs, "cost.per1kTokensUSD must not be negative")
	}

	if cfg.Events.RingSize <= 0 {
		errs = append(errs, "events.ringSize must be positive")
	}
	if cfg.Events.SubscriberQueueSize <= 0 {
		errs = append(errs, "events.subscriberQueueSize must be positive")
	}

	if cfg.Bridge.HandshakeTimeout <= 0 {
		errs = append(errs, "bridge.handshakeTimeout must be positive")
	}
	if cfg.Bridge.HeartbeatInterval <= 0 {
		errs = append(errs, "bridge.heartbeatInterval must be positive")
	}
	if cfg.Bridge.WriteTimeout <= 0 {
		errs = append(errs, "bridge.writeTimeout must be positive")
	}

	if cfg.Dispatch.StartTimeout <= 0 {
		errs = append(errs, "dispatch.startTimeout must be positive")
	}
	if cfg.Dispatch.TotalTimeout <= 0 {
		errs = append(errs, "dispatch.totalTimeout must be positive")
	}

	if cfg.Audit.MaxBytes <= 0 {
		errs = append(errs, "audit.maxBytes must be positive")
	}
	if cfg.Audit.Backups < 0 {
		errs = append(errs, "audit.backups must not be negative")
	}

	if cfg.Simulation.TickBudget <= 0 {
		errs = append(errs, "simulation.tickBudget must be positive")
	}
	if cfg.Simulation.MaxTokens <= 0 {
		errs = append(errs, "simulation.maxTokens must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
