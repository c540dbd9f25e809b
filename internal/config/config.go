package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a parley agent process.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Provider      ProviderConfig      `yaml:"provider"`
	Bus           BusConfig           `yaml:"bus"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Tools         ToolsConfig         `yaml:"tools"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Human         HumanConfig         `yaml:"human"`
	Routing       RoutingConfig       `yaml:"routing"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// AgentConfig identifies this agent on the bus.
type AgentConfig struct {
	// Name is the agent's own bus address; inbound messages are received on it.
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	Kind        string  `yaml:"kind"` // anthropic or openai
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// MaxRetries bounds retry attempts for retryable provider failures.
	MaxRetries     int `yaml:"max_retries"`
	RetryInitialMs int `yaml:"retry_initial_ms"`
	RetryMaxMs     int `yaml:"retry_max_ms"`
}

// BusConfig selects the message transport.
type BusConfig struct {
	Kind string     `yaml:"kind"` // inproc or mqtt
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	BrokerURL        string `yaml:"broker_url"`
	ClientID         string `yaml:"client_id"`
	TopicPrefix      string `yaml:"topic_prefix"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	KeepAliveSeconds int    `yaml:"keep_alive_seconds"`
	QoS              int    `yaml:"qos"`
}

// ConversationsConfig controls conversation state, limits and eviction.
type ConversationsConfig struct {
	Store      string `yaml:"store"` // memory or sqlite
	SQLitePath string `yaml:"sqlite_path"`

	// MaxInteractions is the per-conversation cap on completed turns before
	// the conversation is ended with reason max_interactions.
	MaxInteractions int `yaml:"max_interactions"`

	// IdleTimeoutMinutes is the inactivity window before idle eviction.
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// TerminationMarkers end the conversation when found in model output.
	TerminationMarkers   []string `yaml:"termination_markers"`
	MarkersCaseSensitive bool     `yaml:"markers_case_sensitive"`
}

func (c ConversationsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c ConversationsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ToolsConfig bounds the tool-calling loop and individual executions.
type ToolsConfig struct {
	MaxIterations  int `yaml:"max_iterations"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GuardrailsConfig holds the ordered filter chains per direction.
type GuardrailsConfig struct {
	Input  []GuardrailSpec `yaml:"input"`
	Output []GuardrailSpec `yaml:"output"`
}

// GuardrailSpec configures one guardrail in a chain. Fields beyond Kind are
// interpreted per kind: keyword uses Terms, redact uses Patterns and
// Replacement, length uses MaxLength, judge uses Rubric and TimeoutSeconds.
type GuardrailSpec struct {
	Kind           string   `yaml:"kind"`
	Terms          []string `yaml:"terms"`
	Patterns       []string `yaml:"patterns"`
	Replacement    string   `yaml:"replacement"`
	MaxLength      int      `yaml:"max_length"`
	Rubric         string   `yaml:"rubric"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// HumanConfig points human queries at a bus address.
type HumanConfig struct {
	Address        string `yaml:"address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c HumanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RoutingConfig sets the static forwarding fallback. Dynamic routing
// functions are wired in code, not configuration.
type RoutingConfig struct {
	ForwardAddress string `yaml:"forward_address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, expands and parses the configuration file, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "anthropic"
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = 4096
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.RetryInitialMs == 0 {
		cfg.Provider.RetryInitialMs = 100
	}
	if cfg.Provider.RetryMaxMs == 0 {
		cfg.Provider.RetryMaxMs = 30000
	}
	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = "inproc"
	}
	if cfg.Bus.MQTT.KeepAliveSeconds == 0 {
		cfg.Bus.MQTT.KeepAliveSeconds = 30
	}
	if cfg.Bus.MQTT.QoS == 0 {
		cfg.Bus.MQTT.QoS = 1
	}
	if cfg.Bus.MQTT.ClientID == "" && cfg.Agent.Name != "" {
		cfg.Bus.MQTT.ClientID = "parley-" + cfg.Agent.Name
	}
	if cfg.Conversations.Store == "" {
		cfg.Conversations.Store = "memory"
	}
	if cfg.Conversations.MaxInteractions == 0 {
		cfg.Conversations.MaxInteractions = 50
	}
	if cfg.Conversations.IdleTimeoutMinutes == 0 {
		cfg.Conversations.IdleTimeoutMinutes = 60
	}
	if cfg.Conversations.SweepIntervalSeconds == 0 {
		cfg.Conversations.SweepIntervalSeconds = 60
	}
	if cfg.Tools.MaxIterations == 0 {
		cfg.Tools.MaxIterations = 10
	}
	if cfg.Tools.TimeoutSeconds == 0 {
		cfg.Tools.TimeoutSeconds = 30
	}
	if cfg.Tools.MaxConcurrency == 0 {
		cfg.Tools.MaxConcurrency = 5
	}
	if cfg.Human.TimeoutSeconds == 0 {
		cfg.Human.TimeoutSeconds = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	switch c.Provider.Kind {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.kind %q is not supported", c.Provider.Kind)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	switch c.Bus.Kind {
	case "inproc":
	case "mqtt":
		if c.Bus.MQTT.BrokerURL == "" {
			return fmt.Errorf("bus.mqtt.broker_url is required for the mqtt bus")
		}
		if c.Bus.MQTT.TopicPrefix == "" {
			return fmt.Errorf("bus.mqtt.topic_prefix is required for the mqtt bus")
		}
	default:
		return fmt.Errorf("bus.kind %q is not supported", c.Bus.Kind)
	}
	switch c.Conversations.Store {
	case "memory":
	case "sqlite":
		if c.Conversations.SQLitePath == "" {
			return fmt.Errorf("conversations.sqlite_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("conversations.store %q is not supported", c.Conversations.Store)
	}
	for _, chain := range [][]GuardrailSpec{c.Guardrails.Input, c.Guardrails.Output} {
		for _, spec := range chain {
			if err := validateGuardrailSpec(spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateGuardrailSpec(spec GuardrailSpec) error {
	switch spec.Kind {
	case "keyword":
		if len(spec.Terms) == 0 {
			return fmt.Errorf("keyword guardrail requires at least one term")
		}
	case "redact":
		if len(spec.Patterns) == 0 {
			return fmt.Errorf("redact guardrail requires at least one pattern")
		}
	case "length":
		if spec.MaxLength <= 0 {
			return fmt.Errorf("length guardrail requires a positive max_length")
		}
	case "judge":
	default:
		return fmt.Errorf("guardrail kind %q is not supported", spec.Kind)
	}
	return nil
}
