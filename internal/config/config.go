// Package config provides configuration loading for dispatchd.
//
// Configuration is loaded from a YAML file overridden by environment
// variables. Resilience parameters are validated fail-closed: a dependency
// with zero or placeholder breaker, bulkhead, or timeout settings refuses
// startup rather than running unprotected.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete dispatchd configuration.
type Config struct {
	Server       ServerConfig                `koanf:"server"`
	Logging      LoggingConfig               `koanf:"logging"`
	Telemetry    TelemetryConfig             `koanf:"telemetry"`
	Engine       EngineConfig                `koanf:"engine"`
	Dependencies map[string]DependencyConfig `koanf:"dependencies"`
	Safety       SafetyConfig                `koanf:"safety"`
	Store        StoreConfig                 `koanf:"store"`
	Classifier   ClassifierConfig            `koanf:"classifier"`
	Intake       IntakeConfig                `koanf:"intake"`
}

// ServerConfig holds the health/metrics HTTP server and shutdown timing.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// PropagationDelay is how long the engine stays up after flipping
	// unhealthy, so upstream load balancers stop routing new work.
	PropagationDelay Duration `koanf:"propagation_delay"`
	// DrainTimeout bounds the wait for in-flight units to reach a
	// terminal state during shutdown.
	DrainTimeout Duration `koanf:"drain_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level      string   `koanf:"level"`
	Format     string   `koanf:"format"`
	Stdout     bool     `koanf:"stdout"`
	OTEL       bool     `koanf:"otel"`
	Sampling   bool     `koanf:"sampling"`
	Tick       Duration `koanf:"tick"`
	Initial    int      `koanf:"initial"`
	Thereafter int      `koanf:"thereafter"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	SamplingRate   float64 `koanf:"sampling_rate"`
	Metrics        bool    `koanf:"metrics"`
}

// EngineConfig holds coordinator limits and policies.
type EngineConfig struct {
	MaxDelegationDepth int      `koanf:"max_delegation_depth"`
	DefaultBudget      float64  `koanf:"default_budget"`
	DefaultDeadline    Duration `koanf:"default_deadline"`
	DefaultHandler     string   `koanf:"default_handler"`
	// BudgetCancelsSiblings, when true, cancels in-flight sibling
	// delegations on budget exhaustion instead of letting them finish.
	BudgetCancelsSiblings bool     `koanf:"budget_cancels_siblings"`
	ApprovalTimeout       Duration `koanf:"approval_timeout"`
}

// DependencyConfig holds the resilience parameters for one external
// dependency. Every field is required; zero values refuse startup.
type DependencyConfig struct {
	BreakerThreshold  int      `koanf:"breaker_threshold"`
	OpenDuration      Duration `koanf:"open_duration"`
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	BulkheadCapacity  int      `koanf:"bulkhead_capacity"`
	BulkheadWait      Duration `koanf:"bulkhead_wait"`
	AttemptTimeout    Duration `koanf:"attempt_timeout"`
}

// SafetyConfig holds unsafe-input rules for the safety-check stage.
type SafetyConfig struct {
	// Patterns are regexes matched against flattened unit input.
	Patterns []string `koanf:"patterns"`
	// SecretScan enables gitleaks-based secret detection on input.
	SecretScan bool `koanf:"secret_scan"`
}

// StoreConfig holds the conversation-state store configuration.
type StoreConfig struct {
	// MaxConversations bounds the in-process LRU store.
	MaxConversations int `koanf:"max_conversations"`
}

// ClassifierConfig holds the fallback-classification dependency.
type ClassifierConfig struct {
	Provider      string   `koanf:"provider"`
	Model         string   `koanf:"model"`
	APIKey        Secret   `koanf:"api_key"`
	BaseURL       string   `koanf:"base_url"`
	Timeout       Duration `koanf:"timeout"`
	RatePerSecond float64  `koanf:"rate_per_second"`
	Burst         int      `koanf:"burst"`
}

// IntakeConfig holds the queue intake configuration.
type IntakeConfig struct {
	Enabled       bool    `koanf:"enabled"`
	URL           string  `koanf:"url"`
	Subject       string  `koanf:"subject"`
	Queue         string  `koanf:"queue"`
	Workers       int     `koanf:"workers"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// applyDefaults sets default values for missing configuration fields.
// Dependency resilience parameters deliberately get NO defaults: they must
// be configured explicitly or startup fails.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9490
	}
	if cfg.Server.PropagationDelay == 0 {
		cfg.Server.PropagationDelay = Duration(2 * time.Second)
	}
	if cfg.Server.DrainTimeout == 0 {
		cfg.Server.DrainTimeout = Duration(30 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if !cfg.Logging.Stdout && !cfg.Logging.OTEL {
		cfg.Logging.Stdout = true
	}
	if cfg.Logging.Tick == 0 {
		cfg.Logging.Tick = Duration(time.Second)
	}
	if cfg.Logging.Initial == 0 {
		cfg.Logging.Initial = 100
	}
	if cfg.Logging.Thereafter == 0 {
		cfg.Logging.Thereafter = 10
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dispatchd"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}

	if cfg.Engine.MaxDelegationDepth == 0 {
		cfg.Engine.MaxDelegationDepth = 5
	}
	if cfg.Engine.DefaultBudget == 0 {
		cfg.Engine.DefaultBudget = 100
	}
	if cfg.Engine.DefaultDeadline == 0 {
		cfg.Engine.DefaultDeadline = Duration(5 * time.Minute)
	}
	if cfg.Engine.ApprovalTimeout == 0 {
		cfg.Engine.ApprovalTimeout = Duration(15 * time.Minute)
	}

	if cfg.Store.MaxConversations == 0 {
		cfg.Store.MaxConversations = 10000
	}

	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = "static"
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = Duration(30 * time.Second)
	}
	if cfg.Classifier.RatePerSecond == 0 {
		cfg.Classifier.RatePerSecond = 2
	}
	if cfg.Classifier.Burst == 0 {
		cfg.Classifier.Burst = 4
	}

	if cfg.Intake.Subject == "" {
		cfg.Intake.Subject = "dispatchd.work"
	}
	if cfg.Intake.Queue == "" {
		cfg.Intake.Queue = "dispatchd"
	}
	if cfg.Intake.Workers == 0 {
		cfg.Intake.Workers = 8
	}
	if cfg.Intake.RatePerSecond == 0 {
		cfg.Intake.RatePerSecond = 50
	}
	if cfg.Intake.Burst == 0 {
		cfg.Intake.Burst = 100
	}
}

// Validate validates the configuration. Dependency validation is
// fail-closed: the engine refuses to start with placeholder resilience
// parameters.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.DrainTimeout <= 0 {
		return errors.New("drain timeout must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Engine.MaxDelegationDepth < 1 {
		return errors.New("max delegation depth must be at least 1")
	}
	if c.Engine.DefaultBudget <= 0 {
		return errors.New("default budget must be positive")
	}
	if c.Engine.DefaultHandler == "" {
		return errors.New("default handler is required")
	}

	if len(c.Dependencies) == 0 {
		return errors.New("at least one dependency must be configured")
	}
	for name, dep := range c.Dependencies {
		if err := dep.Validate(); err != nil {
			return fmt.Errorf("dependency %q: %w", name, err)
		}
	}

	if c.Classifier.Provider == "anthropic" && !c.Classifier.APIKey.IsSet() {
		return errors.New("classifier api_key required for anthropic provider")
	}
	if c.Intake.Enabled && c.Intake.URL == "" {
		return errors.New("intake url required when intake is enabled")
	}
	return nil
}

// Validate checks that every resilience parameter is a real value.
func (d DependencyConfig) Validate() error {
	if d.BreakerThreshold < 1 {
		return errors.New("breaker_threshold must be at least 1")
	}
	if d.OpenDuration <= 0 {
		return errors.New("open_duration must be positive")
	}
	if d.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if d.InitialBackoff <= 0 {
		return errors.New("initial_backoff must be positive")
	}
	if d.MaxBackoff < d.InitialBackoff {
		return errors.New("max_backoff must be >= initial_backoff")
	}
	if d.BackoffMultiplier < 1 {
		return errors.New("backoff_multiplier must be >= 1")
	}
	if d.BulkheadCapacity < 1 {
		return errors.New("bulkhead_capacity must be at least 1")
	}
	if d.BulkheadWait <= 0 {
		return errors.New("bulkhead_wait must be positive")
	}
	if d.AttemptTimeout <= 0 {
		return errors.New("attempt_timeout must be positive")
	}
	return nil
}
