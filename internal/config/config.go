// internal/config/config.go

// Package config declares the application's configuration surface and its
// viper plumbing: defaults, file and environment layering, validation.
// Sections map one-to-one onto the option structs of the packages they feed;
// cmd performs that mapping so internal packages never see viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: logging.level is overridden by
// WAYFIND_LOGGING_LEVEL, memory.backend by WAYFIND_MEMORY_BACKEND, and so on.
const EnvPrefix = "WAYFIND"

// Supported memory backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the entire application configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Matcher  MatcherConfig  `mapstructure:"matcher" yaml:"matcher"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	Explorer ExplorerConfig `mapstructure:"explorer" yaml:"explorer"`
}

// LoggingConfig holds all the configuration for the logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StabilizeWait     time.Duration `mapstructure:"stabilize_wait" yaml:"stabilize_wait"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// LLMConfig configures the vision model behind the planner. The same
// credentials and tuning apply to both tiers; only the model name differs.
// Endpoint and EmbedEndpoint override the derived Google API URLs, which is
// mainly useful for pointing both tiers at a local proxy.
type LLMConfig struct {
	APIKey            string            `mapstructure:"api_key" yaml:"-"`
	FastModel         string            `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel     string            `mapstructure:"powerful_model" yaml:"powerful_model"`
	EmbedModel        string            `mapstructure:"embed_model" yaml:"embed_model"`
	Endpoint          string            `mapstructure:"endpoint" yaml:"endpoint"`
	EmbedEndpoint     string            `mapstructure:"embed_endpoint" yaml:"embed_endpoint"`
	APITimeout        time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int               `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// AgentConfig bounds the control loop: how many actions a run may execute,
// how much planner and step failure is tolerated, and how patient a single
// browser verb is allowed to be.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	PlannerRetries    int           `mapstructure:"planner_retries" yaml:"planner_retries"`
	StepFailureBudget int           `mapstructure:"step_failure_budget" yaml:"step_failure_budget"`
	StepDelay         time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	HistoryWindow     int           `mapstructure:"history_window" yaml:"history_window"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MaxWait           time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// MatcherConfig tunes path replay: the similarity gate for reusing a
// remembered path and the divergence streak that retires one.
type MatcherConfig struct {
	Threshold  float64 `mapstructure:"threshold" yaml:"threshold"`
	StaleAfter int     `mapstructure:"stale_after" yaml:"stale_after"`
}

// MemoryConfig selects where learned paths live.
type MemoryConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the database connection details.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// ExplorerConfig bounds site exploration.
type ExplorerConfig struct {
	MaxPages          int           `mapstructure:"max_pages" yaml:"max_pages"`
	MaxDepth          int           `mapstructure:"max_depth" yaml:"max_depth"`
	IncludeSubdomains bool          `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	PageTimeout       time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// NewDefaultConfig creates a new configuration struct populated with default
// values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration
// parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logging --
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.service_name", "wayfind")
	v.SetDefault("logging.log_file", "wayfind.log")
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 14)
	v.SetDefault("logging.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.stabilize_wait", "1500ms")

	// -- LLM --
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.embed_model", "text-embedding-004")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.requests_per_minute", 0)

	// -- Agent --
	v.SetDefault("agent.max_steps", 20)
	v.SetDefault("agent.planner_retries", 3)
	v.SetDefault("agent.step_failure_budget", 3)
	v.SetDefault("agent.step_delay", "500ms")
	v.SetDefault("agent.history_window", 8)
	v.SetDefault("agent.action_timeout", "15s")
	v.SetDefault("agent.max_wait", "30s")

	// -- Matcher --
	v.SetDefault("matcher.threshold", 0.6)
	v.SetDefault("matcher.stale_after", 3)

	// -- Memory --
	v.SetDefault("memory.backend", BackendMemory)

	// -- Explorer --
	v.SetDefault("explorer.max_pages", 10)
	v.SetDefault("explorer.max_depth", 2)
	v.SetDefault("explorer.include_subdomains", false)
	v.SetDefault("explorer.page_timeout", "25s")
	v.SetDefault("explorer.concurrency", 2)
}

// Load builds the effective configuration from defaults, an optional config
// file, and WAYFIND_* environment variables, in ascending precedence. With
// an empty path, ./config.yaml and ~/.wayfind/config.yaml are searched and
// absence is fine; an explicit path must exist.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewViper assembles the layered viper instance behind Load without
// unmarshaling it. The cmd package uses this to bind command-line flags
// between reading the file and building the final Config.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("could not resolve config path %q: %w", path, err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wayfind"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No file on the search path; defaults and env vars carry the run.
	}
	return v, nil
}

// FromViper creates a new configuration instance from a viper object.
func FromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data so they never have to
	// appear in a config file.
	v.BindEnv("llm.api_key", "WAYFIND_GEMINI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("memory.postgres.url", "WAYFIND_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration invalid: %w", err)
	}
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.Matcher.Validate(); err != nil {
		return fmt.Errorf("matcher configuration invalid: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory configuration invalid: %w", err)
	}
	if err := c.Explorer.Validate(); err != nil {
		return fmt.Errorf("explorer configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the logging settings.
func (l *LoggingConfig) Validate() error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", l.Format)
	}
	if l.MaxSize < 0 || l.MaxBackups < 0 || l.MaxAge < 0 {
		return fmt.Errorf("logging rotation limits must not be negative")
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.WindowWidth <= 0 || b.WindowHeight <= 0 {
		return fmt.Errorf("browser.window_width and browser.window_height must be positive integers")
	}
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if b.StabilizeWait < 0 {
		return fmt.Errorf("browser.stabilize_wait must not be negative")
	}
	return nil
}

// Validate checks the LLM settings. The API key is deliberately not checked
// here: commands that never consult the model (explore, memory) must run
// without one, so presence is enforced where a client is actually built.
func (l *LLMConfig) Validate() error {
	if l.FastModel == "" || l.PowerfulModel == "" {
		return fmt.Errorf("llm.fast_model and llm.powerful_model are required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0")
	}
	if l.APITimeout <= 0 {
		return fmt.Errorf("llm.api_timeout must be a positive duration")
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute must not be negative")
	}
	return nil
}

// Validate checks the agent loop bounds.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if a.PlannerRetries <= 0 {
		return fmt.Errorf("agent.planner_retries must be a positive integer")
	}
	if a.StepFailureBudget <= 0 {
		return fmt.Errorf("agent.step_failure_budget must be a positive integer")
	}
	if a.StepDelay < 0 {
		return fmt.Errorf("agent.step_delay must not be negative")
	}
	if a.HistoryWindow <= 0 {
		return fmt.Errorf("agent.history_window must be a positive integer")
	}
	if a.ActionTimeout <= 0 {
		return fmt.Errorf("agent.action_timeout must be a positive duration")
	}
	if a.MaxWait <= 0 {
		return fmt.Errorf("agent.max_wait must be a positive duration")
	}
	return nil
}

// Validate checks the matcher settings.
func (m *MatcherConfig) Validate() error {
	if m.Threshold <= 0 || m.Threshold > 1 {
		return fmt.Errorf("matcher.threshold must be greater than 0.0 and at most 1.0")
	}
	if m.StaleAfter <= 0 {
		return fmt.Errorf("matcher.stale_after must be a positive integer")
	}
	return nil
}

// Validate checks the memory backend selection.
func (m *MemoryConfig) Validate() error {
	switch m.Backend {
	case BackendMemory:
	case BackendPostgres:
		if m.Postgres.URL == "" {
			return fmt.Errorf("memory.postgres.url is required when memory.backend is %q. Ensure WAYFIND_DATABASE_URL is set", BackendPostgres)
		}
	default:
		return fmt.Errorf("memory.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, m.Backend)
	}
	return nil
}

// Validate checks the explorer bounds. A max_depth of zero is legal and
// limits exploration to the seed page.
func (e *ExplorerConfig) Validate() error {
	if e.MaxPages <= 0 {
		return fmt.Errorf("explorer.max_pages must be a positive integer")
	}
	if e.MaxDepth < 0 {
		return fmt.Errorf("explorer.max_depth must not be negative")
	}
	if e.PageTimeout <= 0 {
		return fmt.Errorf("explorer.page_timeout must be a positive duration")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("explorer.concurrency must be a positive integer")
	}
	return nil
}
