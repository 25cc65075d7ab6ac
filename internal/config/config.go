package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/me/taskbroker/internal/logging"
	"github.com/me/taskbroker/pkg/model"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the broker daemon.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBDriver  string `yaml:"db_driver"`  // memory, sqlite or pgx
	DBPath    string `yaml:"db_path"`    // SQLite path or Postgres DSN (":memory:" for testing)

	QueueEnabled       bool `yaml:"queue_enabled"`
	InteractiveWorkers int  `yaml:"interactive_workers"`
	BackgroundWorkers  int  `yaml:"background_workers"`
	InteractivePollMS  int  `yaml:"interactive_poll_ms"`
	BackgroundPollMS   int  `yaml:"background_poll_ms"`
	StaleTimeoutS      int  `yaml:"stale_timeout_s"`
	MaxRetryAttempts   int  `yaml:"max_retry_attempts"`
	ReclaimIntervalMS  int  `yaml:"reclaim_interval_ms"`

	DailyBudget      float64                `yaml:"daily_budget"`
	MonthlyBudget    float64                `yaml:"monthly_budget"`
	BudgetWarningPct float64                `yaml:"budget_warning_pct"`
	OwnerBudgets     map[string]OwnerBudget `yaml:"owner_budgets"`

	LocalOnlyTaskTypes    []model.TaskType `yaml:"local_only_task_types"`
	Health                HealthConfig     `yaml:"health"`
	RateLimitBackoffMS    int              `yaml:"rate_limit_backoff_ms"`
	RateLimitBackoffMaxMS int              `yaml:"rate_limit_backoff_max_ms"`

	ProvidersFile string               `yaml:"providers_file"`
	Providers     []model.ProviderSpec `yaml:"providers"`
	Discovery     DiscoveryConfig      `yaml:"discovery"`

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Tracing TracingConfig `yaml:"tracing"`
}

// OwnerBudget overrides the limits of a single owner. Zero means unlimited.
type OwnerBudget struct {
	Daily   float64 `yaml:"daily"`
	Monthly float64 `yaml:"monthly"`
}

// HealthConfig tunes provider health transitions.
type HealthConfig struct {
	DegradeAfter int `yaml:"degrade_after"` // consecutive failures before DEGRADED
	RecoverAfter int `yaml:"recover_after"` // consecutive successes before HEALTHY
	CooldownS    int `yaml:"cooldown_s"`
}

// DiscoveryConfig controls the periodic provider catalog refresh.
type DiscoveryConfig struct {
	IntervalS int    `yaml:"interval_s"` // 0 disables refresh
	OllamaURL string `yaml:"ollama_url"` // optional local model server to list models from
}

// MQTTConfig enables publishing telemetry to an MQTT broker when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlphttp
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBDriver:  "sqlite",

		QueueEnabled:       true,
		InteractiveWorkers: 4,
		BackgroundWorkers:  2,
		InteractivePollMS:  100,
		BackgroundPollMS:   2000,
		StaleTimeoutS:      120,
		MaxRetryAttempts:   3,
		ReclaimIntervalMS:  5000,

		BudgetWarningPct: 80,

		LocalOnlyTaskTypes: []model.TaskType{model.TaskPrivacySensitive},
		Health: HealthConfig{
			DegradeAfter: 3,
			RecoverAfter: 2,
			CooldownS:    60,
		},
		RateLimitBackoffMS:    250,
		RateLimitBackoffMaxMS: 4000,

		MQTT:    MQTTConfig{ClientID: "taskbroker", TopicPrefix: "taskbroker"},
		Tracing: TracingConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// providersDoc is the layout of a standalone providers file.
type providersDoc struct {
	Providers []model.ProviderSpec `yaml:"providers"`
}

// LoadProviders reads provider specs from a YAML file.
func LoadProviders(path string) ([]model.ProviderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}
	var doc providersDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	for i := range doc.Providers {
		doc.Providers[i].Source = "file"
		if errs := doc.Providers[i].Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("provider %d (%s): %s", i, doc.Providers[i].Name, joinFieldErrors(errs))
		}
	}
	return doc.Providers, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *ServerConfig) Validate() error {
	var problems []string
	if c.InteractiveWorkers <= 0 {
		problems = append(problems, "interactive_workers must be positive")
	}
	if c.BackgroundWorkers <= 0 {
		problems = append(problems, "background_workers must be positive")
	}
	if c.InteractivePollMS <= 0 || c.BackgroundPollMS <= 0 {
		problems = append(problems, "poll intervals must be positive")
	}
	if c.StaleTimeoutS <= 0 {
		problems = append(problems, "stale_timeout_s must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		problems = append(problems, "max_retry_attempts must be positive")
	}
	if c.ReclaimIntervalMS <= 0 {
		problems = append(problems, "reclaim_interval_ms must be positive")
	}
	if c.BudgetWarningPct <= 0 || c.BudgetWarningPct > 100 {
		problems = append(problems, "budget_warning_pct must be in (0, 100]")
	}
	if c.DailyBudget < 0 || c.MonthlyBudget < 0 {
		problems = append(problems, "budgets must not be negative")
	}
	switch c.DBDriver {
	case "memory", "sqlite", "pgx":
	default:
		problems = append(problems, "db_driver must be memory, sqlite or pgx")
	}
	if !logging.ValidFormat(c.LogFormat) {
		problems = append(problems, "log_format must be text or json")
	}
	for _, tt := range c.LocalOnlyTaskTypes {
		if !tt.Valid() {
			problems = append(problems, "local_only_task_types: unknown task type "+string(tt))
		}
	}
	for i := range c.Providers {
		if errs := c.Providers[i].Validate(); len(errs) > 0 {
			problems = append(problems, fmt.Sprintf("providers[%d] (%s): %s", i, c.Providers[i].Name, joinFieldErrors(errs)))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func joinFieldErrors(errs []model.FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Field + ": " + e.Message
	}
	return strings.Join(parts, ", ")
}

// InteractivePoll returns the interactive pool poll interval.
func (c *ServerConfig) InteractivePoll() time.Duration {
	return time.Duration(c.InteractivePollMS) * time.Millisecond
}

// BackgroundPoll returns the background pool poll interval.
func (c *ServerConfig) BackgroundPoll() time.Duration {
	return time.Duration(c.BackgroundPollMS) * time.Millisecond
}

// StaleTimeout returns the claim lease duration.
func (c *ServerConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutS) * time.Second
}

// ReclaimInterval returns how often the supervisor scans for expired claims.
func (c *ServerConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalMS) * time.Millisecond
}

// Cooldown returns the provider health cool-down period.
func (c *ServerConfig) Cooldown() time.Duration {
	return time.Duration(c.Health.CooldownS) * time.Second
}

// RateLimitBackoff returns the base and cap of the rate-limit backoff.
func (c *ServerConfig) RateLimitBackoff() (base, max time.Duration) {
	return time.Duration(c.RateLimitBackoffMS) * time.Millisecond,
		time.Duration(c.RateLimitBackoffMaxMS) * time.Millisecond
}

// DiscoveryInterval returns the provider refresh period; zero disables it.
func (c *ServerConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalS) * time.Second
}
