// Package config provides configuration management for EvoAgent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for EvoAgent.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Data         DataConfig         `mapstructure:"data"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Lanes        LanesConfig        `mapstructure:"lanes"`
	Bus          BusConfig          `mapstructure:"bus"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout for the memory substrate.
type DataConfig struct {
	Dir string `mapstructure:"dir"` // root directory; sessions/, knowledge/, vector/ live beneath
}

// LLMConfig holds the LLM provider contract configuration.
// All fields map onto the EVOAGENT_LLM_* environment variables.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"apiKey"`
	BaseURL    string `mapstructure:"baseUrl"`
	Timeout    int    `mapstructure:"timeout"` // in seconds
	MaxRetries int    `mapstructure:"maxRetries"`
}

// EmbeddingConfig holds the embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// MemoryConfig groups memory substrate tuning.
type MemoryConfig struct {
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Vector        VectorConfig        `mapstructure:"vector"`
}

// ConsolidationConfig controls the session-to-knowledge distillation loop.
type ConsolidationConfig struct {
	Interval          int     `mapstructure:"interval"` // in seconds
	MinAge            int     `mapstructure:"minAge"`   // in seconds
	MinSuccessRate    float64 `mapstructure:"minSuccessRate"`
	MinOccurrences    int     `mapstructure:"minOccurrences"`
	MaxSessionsPerRun int     `mapstructure:"maxSessionsPerRun"`
}

// VectorConfig controls the vector store.
type VectorConfig struct {
	Mirror    bool `mapstructure:"mirror"` // persist the primary table to sqlite
	CacheSize int  `mapstructure:"cacheSize"`
}

// LaneConfig describes one execution lane.
type LaneConfig struct {
	Kind          string `mapstructure:"kind"`
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
	Priority      int    `mapstructure:"priority"`
}

// LanesConfig holds lane definitions and scheduler tuning.
type LanesConfig struct {
	Definitions []LaneConfig `mapstructure:"definitions"`
	TickMs      int          `mapstructure:"tickMs"`
}

// BusConfig holds A2A message bus tuning.
type BusConfig struct {
	MaxQueueSize   int `mapstructure:"maxQueueSize"`
	DefaultTimeout int `mapstructure:"defaultTimeout"` // in seconds
}

// RegistryConfig holds agent registry heartbeat tuning.
type RegistryConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	HeartbeatTimeout  int `mapstructure:"heartbeatTimeout"`  // in seconds
}

// GatewayConfig holds WebSocket gateway tuning.
type GatewayConfig struct {
	RateRPS        float64 `mapstructure:"rateRps"`
	RateBurst      int     `mapstructure:"rateBurst"`
	PingPeriod     int     `mapstructure:"pingPeriod"` // in seconds
	PongWait       int     `mapstructure:"pongWait"`   // in seconds
	MaxMessageSize int64   `mapstructure:"maxMessageSize"`
}

// OrchestratorConfig holds plan execution tuning.
type OrchestratorConfig struct {
	StepTimeout  int `mapstructure:"stepTimeout"`  // in seconds
	MaxRetries   int `mapstructure:"maxRetries"`
	RetryDelayMs int `mapstructure:"retryDelayMs"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// TimeoutDuration returns the LLM call timeout as a time.Duration.
func (l *LLMConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// IntervalDuration returns the consolidation interval as a time.Duration.
func (c *ConsolidationConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// MinAgeDuration returns the minimum session age as a time.Duration.
func (c *ConsolidationConfig) MinAgeDuration() time.Duration {
	return time.Duration(c.MinAge) * time.Second
}

// TickDuration returns the lane scheduler tick as a time.Duration.
func (l *LanesConfig) TickDuration() time.Duration {
	return time.Duration(l.TickMs) * time.Millisecond
}

// DefaultTimeoutDuration returns the bus request timeout as a time.Duration.
func (b *BusConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(b.DefaultTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the sweep interval as a time.Duration.
func (r *RegistryConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the staleness bound as a time.Duration.
func (r *RegistryConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(r.HeartbeatTimeout) * time.Second
}

// PingPeriodDuration returns the gateway ping period as a time.Duration.
func (g *GatewayConfig) PingPeriodDuration() time.Duration {
	return time.Duration(g.PingPeriod) * time.Second
}

// PongWaitDuration returns the gateway pong deadline as a time.Duration.
func (g *GatewayConfig) PongWaitDuration() time.Duration {
	return time.Duration(g.PongWait) * time.Second
}

// StepTimeoutDuration returns the per-step timeout as a time.Duration.
func (o *OrchestratorConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(o.StepTimeout) * time.Second
}

// RetryDelayDuration returns the retry backoff base as a time.Duration.
func (o *OrchestratorConfig) RetryDelayDuration() time.Duration {
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// SessionDir returns the session log directory under the data root.
func (d *DataConfig) SessionDir() string {
	return filepath.Join(d.expandedDir(), "sessions")
}

// KnowledgeDir returns the knowledge store directory under the data root.
func (d *DataConfig) KnowledgeDir() string {
	return filepath.Join(d.expandedDir(), "knowledge")
}

// VectorDir returns the vector store directory under the data root.
func (d *DataConfig) VectorDir() string {
	return filepath.Join(d.expandedDir(), "vector")
}

func (d *DataConfig) expandedDir() string {
	dir := d.Dir
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("EVOAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data layout defaults
	v.SetDefault("data.dir", "~/.evoagent")

	// LLM contract defaults - "local" is the deterministic offline provider
	v.SetDefault("llm.provider", "local")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.timeout", 60)
	v.SetDefault("llm.maxRetries", 3)

	// Embedding defaults
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "local-hash")
	v.SetDefault("embedding.dimension", 256)

	// Consolidation defaults
	v.SetDefault("memory.consolidation.interval", 3600)
	v.SetDefault("memory.consolidation.minAge", 300)
	v.SetDefault("memory.consolidation.minSuccessRate", 0.5)
	v.SetDefault("memory.consolidation.minOccurrences", 2)
	v.SetDefault("memory.consolidation.maxSessionsPerRun", 50)

	// Vector store defaults
	v.SetDefault("memory.vector.mirror", true)
	v.SetDefault("memory.vector.cacheSize", 512)

	// Lane defaults
	v.SetDefault("lanes.definitions", []map[string]any{
		{"kind": "planner", "maxConcurrent": 1, "priority": 10},
		{"kind": "main", "maxConcurrent": 2, "priority": 5},
		{"kind": "parallel", "maxConcurrent": 4, "priority": 1},
	})
	v.SetDefault("lanes.tickMs", 50)

	// Bus defaults
	v.SetDefault("bus.maxQueueSize", 1000)
	v.SetDefault("bus.defaultTimeout", 30)

	// Registry defaults
	v.SetDefault("registry.heartbeatInterval", 10)
	v.SetDefault("registry.heartbeatTimeout", 30)

	// Gateway defaults
	v.SetDefault("gateway.rateRps", 5.0)
	v.SetDefault("gateway.rateBurst", 10)
	v.SetDefault("gateway.pingPeriod", 54)
	v.SetDefault("gateway.pongWait", 60)
	v.SetDefault("gateway.maxMessageSize", 512*1024)

	// Orchestrator defaults
	v.SetDefault("orchestrator.stepTimeout", 300)
	v.SetDefault("orchestrator.maxRetries", 3)
	v.SetDefault("orchestrator.retryDelayMs", 1000)

	// NATS defaults - disabled means use the in-memory event bus
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.clientId", "evoagent")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix EVOAGENT_ with snake_case naming.
// Config file should be named evoagent.yaml and placed in the current directory,
// ~/.evoagent/, or /etc/evoagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Viper returns a fully bound viper instance for callers that need raw key
// access (the config CLI subcommands).
func Viper(configPath string) *viper.Viper {
	return newViper(configPath)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("EVOAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("llm.provider", "EVOAGENT_LLM_PROVIDER")
	_ = v.BindEnv("llm.model", "EVOAGENT_LLM_MODEL")
	_ = v.BindEnv("llm.apiKey", "EVOAGENT_LLM_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "EVOAGENT_LLM_BASE_URL")
	_ = v.BindEnv("llm.timeout", "EVOAGENT_LLM_TIMEOUT")
	_ = v.BindEnv("llm.maxRetries", "EVOAGENT_LLM_MAX_RETRIES")
	_ = v.BindEnv("logging.level", "EVOAGENT_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "EVOAGENT_LOG_FORMAT")

	// Configure config file
	v.SetConfigName("evoagent")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".evoagent"))
	}
	v.AddConfigPath("/etc/evoagent/")

	return v
}

// Validate checks that all required configuration fields are set.
// All problems are collected and reported together.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, "llm.provider is required")
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, "llm.timeout must be positive")
	}
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, "llm.maxRetries must not be negative")
	}

	if cfg.Embedding.Dimension <= 0 {
		errs = append(errs, "embedding.dimension must be positive")
	}

	if cfg.Memory.Consolidation.MinSuccessRate < 0 || cfg.Memory.Consolidation.MinSuccessRate > 1 {
		errs = append(errs, "memory.consolidation.minSuccessRate must be between 0 and 1")
	}
	if cfg.Memory.Consolidation.MinOccurrences < 1 {
		errs = append(errs, "memory.consolidation.minOccurrences must be at least 1")
	}

	if len(cfg.Lanes.Definitions) == 0 {
		errs = append(errs, "lanes.definitions must not be empty")
	}
	seen := map[string]bool{}
	for _, lane := range cfg.Lanes.Definitions {
		if lane.Kind == "" {
			errs = append(errs, "lanes.definitions entries require a kind")
			continue
		}
		if seen[lane.Kind] {
			errs = append(errs, fmt.Sprintf("lane %q is defined twice", lane.Kind))
		}
		seen[lane.Kind] = true
		if lane.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Sprintf("lane %q maxConcurrent must be positive", lane.Kind))
		}
	}

	if cfg.Bus.MaxQueueSize <= 0 {
		errs = append(errs, "bus.maxQueueSize must be positive")
	}

	if cfg.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, "registry.heartbeatInterval must be positive")
	}
	if cfg.Registry.HeartbeatTimeout <= cfg.Registry.HeartbeatInterval {
		errs = append(errs, "registry.heartbeatTimeout must exceed registry.heartbeatInterval")
	}

	if cfg.Gateway.RateRPS <= 0 {
		errs = append(errs, "gateway.rateRps must be positive")
	}
	if cfg.Gateway.RateBurst <= 0 {
		errs = append(errs, "gateway.rateBurst must be positive")
	}
	if cfg.Gateway.PongWait <= cfg.Gateway.PingPeriod {
		errs = append(errs, "gateway.pongWait must exceed gateway.pingPeriod")
	}

	if cfg.Orchestrator.StepTimeout <= 0 {
		errs = append(errs, "orchestrator.stepTimeout must be positive")
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		errs = append(errs, "orchestrator.maxRetries must not be negative")
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats.enabled is true")
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
