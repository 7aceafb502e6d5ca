// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Analyzer() AnalyzerConfig
	Remediation() RemediationConfig
	Tests() TestsConfig
	Health() HealthConfig
	Optimizer() OptimizerConfig
	Orchestrator() OrchestratorConfig
	Events() EventsConfig
	LogWatch() LogWatchConfig

	// Setters used by CLI flags.
	SetAnalyzerRoot(root string)
	SetRemediationEnabled(enabled bool)
	SetAutoFixThreshold(threshold float64)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	AnalyzerCfg     AnalyzerConfig     `mapstructure:"analyzer" yaml:"analyzer"`
	RemediationCfg  RemediationConfig  `mapstructure:"remediation" yaml:"remediation"`
	TestsCfg        TestsConfig        `mapstructure:"tests" yaml:"tests"`
	HealthCfg       HealthConfig       `mapstructure:"health" yaml:"health"`
	OptimizerCfg    OptimizerConfig    `mapstructure:"optimizer" yaml:"optimizer"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	EventsCfg       EventsConfig       `mapstructure:"events" yaml:"events"`
	LogWatchCfg     LogWatchConfig     `mapstructure:"logwatch" yaml:"logwatch"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Analyzer() AnalyzerConfig         { return c.AnalyzerCfg }
func (c *Config) Remediation() RemediationConfig   { return c.RemediationCfg }
func (c *Config) Tests() TestsConfig               { return c.TestsCfg }
func (c *Config) Health() HealthConfig             { return c.HealthCfg }
func (c *Config) Optimizer() OptimizerConfig       { return c.OptimizerCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Events() EventsConfig             { return c.EventsCfg }
func (c *Config) LogWatch() LogWatchConfig         { return c.LogWatchCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetAnalyzerRoot(root string)           { c.AnalyzerCfg.Root = root }
func (c *Config) SetRemediationEnabled(enabled bool)    { c.RemediationCfg.Enabled = enabled }
func (c *Config) SetAutoFixThreshold(threshold float64) { c.AnalyzerCfg.AutoFixThreshold = threshold }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL keeps
// fix history and learned patterns in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

// AnalyzerConfig configures the source tree scanner.
type AnalyzerConfig struct {
	Root             string        `mapstructure:"root" yaml:"root"`
	AutoFixThreshold float64       `mapstructure:"auto_fix_threshold" yaml:"auto_fix_threshold"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout" yaml:"provider_timeout"`
	ScanInterval     time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	SkipDirs         []string      `mapstructure:"skip_dirs" yaml:"skip_dirs"`
	Extensions       []string      `mapstructure:"extensions" yaml:"extensions"`
	RespectGitignore bool          `mapstructure:"respect_gitignore" yaml:"respect_gitignore"`
	Rules            []RuleConfig  `mapstructure:"rules" yaml:"rules"`
	Diagnostics      []string      `mapstructure:"diagnostics_command" yaml:"diagnostics_command"`
}

// RuleConfig declares a pattern rule. Matching lines are reported as issues;
// a non-empty Replace makes the rule machine-fixable.
type RuleConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Pattern  string `mapstructure:"pattern" yaml:"pattern"`
	Message  string `mapstructure:"message" yaml:"message"`
	Severity string `mapstructure:"severity" yaml:"severity"`
	Replace  string `mapstructure:"replace" yaml:"replace"`
}

// RemediationConfig holds settings for the fix application state machine.
type RemediationConfig struct {
	Enabled                  bool      `mapstructure:"enabled" yaml:"enabled"`
	BackupDir                string    `mapstructure:"backup_dir" yaml:"backup_dir"`
	UntestedConfidenceFactor float64   `mapstructure:"untested_confidence_factor" yaml:"untested_confidence_factor"`
	MaxFixesPerMinute        float64   `mapstructure:"max_fixes_per_minute" yaml:"max_fixes_per_minute"`
	Git                      GitConfig `mapstructure:"git" yaml:"git"`
}

// GitConfig defines whether and as whom verified fixes are committed.
type GitConfig struct {
	Commit      bool   `mapstructure:"commit" yaml:"commit"`
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// TestsConfig configures the test harness used for verification.
type TestsConfig struct {
	Harness string        `mapstructure:"harness" yaml:"harness"`
	Command []string      `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HealthConfig configures component health evaluation.
type HealthConfig struct {
	TickInterval time.Duration     `mapstructure:"tick_interval" yaml:"tick_interval"`
	StaleAfter   time.Duration     `mapstructure:"stale_after" yaml:"stale_after"`
	Thresholds   []ThresholdConfig `mapstructure:"thresholds" yaml:"thresholds"`
}

// ThresholdConfig sets the warning and critical levels of one metric.
// Metric names are case-sensitive, which is why thresholds are a list and not a map.
type ThresholdConfig struct {
	Metric   string  `mapstructure:"metric" yaml:"metric"`
	Warning  float64 `mapstructure:"warning" yaml:"warning"`
	Critical float64 `mapstructure:"critical" yaml:"critical"`
}

// OptimizerConfig configures the strategy controller.
type OptimizerConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	ActionTimeout        time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	AnomalyCooldown      time.Duration `mapstructure:"anomaly_cooldown" yaml:"anomaly_cooldown"`
	MaxDynamicStrategies int           `mapstructure:"max_dynamic_strategies" yaml:"max_dynamic_strategies"`
	MemoryPressureMB     float64       `mapstructure:"memory_pressure_mb" yaml:"memory_pressure_mb"`
	MemoryCooldown       time.Duration `mapstructure:"memory_cooldown" yaml:"memory_cooldown"`
	FixBacklog           int           `mapstructure:"fix_backlog" yaml:"fix_backlog"`
	FixBacklogCooldown   time.Duration `mapstructure:"fix_backlog_cooldown" yaml:"fix_backlog_cooldown"`
}

// OrchestratorConfig configures wiring-level behavior.
type OrchestratorConfig struct {
	SelfCheckInterval time.Duration `mapstructure:"self_check_interval" yaml:"self_check_interval"`
	BusBufferSize     int           `mapstructure:"bus_buffer_size" yaml:"bus_buffer_size"`
	AnomalyDetection  bool          `mapstructure:"anomaly_detection" yaml:"anomaly_detection"`
	AnomalyWindow     int           `mapstructure:"anomaly_window" yaml:"anomaly_window"`
	AnomalySigma      float64       `mapstructure:"anomaly_sigma" yaml:"anomaly_sigma"`
	// MetricsAddr serves the prometheus registry over HTTP when set, e.g. ":9464".
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// EventsConfig configures the JSON-lines event sink.
type EventsConfig struct {
	SinkFile   string `mapstructure:"sink_file" yaml:"sink_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// LogWatchConfig configures the application log watcher.
type LogWatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Path     string        `mapstructure:"path" yaml:"path"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mender")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	// -- Analyzer --
	v.SetDefault("analyzer.root", ".")
	v.SetDefault("analyzer.auto_fix_threshold", 0.9)
	v.SetDefault("analyzer.provider_timeout", "30s")
	v.SetDefault("analyzer.scan_interval", "10m")
	v.SetDefault("analyzer.skip_dirs", []string{"node_modules", "vendor", "bower_components", "dist", "build", "coverage", "target"})
	v.SetDefault("analyzer.extensions", []string{".go", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"})
	v.SetDefault("analyzer.respect_gitignore", true)

	// -- Remediation --
	v.SetDefault("remediation.enabled", true)
	v.SetDefault("remediation.backup_dir", "~/.mender/backups")
	v.SetDefault("remediation.untested_confidence_factor", 0.8)
	v.SetDefault("remediation.max_fixes_per_minute", 0)
	v.SetDefault("remediation.git.commit", false)
	v.SetDefault("remediation.git.author_name", "mender-bot")
	v.SetDefault("remediation.git.author_email", "mender@localhost")

	// -- Tests --
	v.SetDefault("tests.harness", "go")
	v.SetDefault("tests.timeout", "5m")

	// -- Health --
	v.SetDefault("health.tick_interval", "10s")
	v.SetDefault("health.stale_after", "30s")
	v.SetDefault("health.thresholds", []map[string]interface{}{
		{"metric": "apiResponseTime", "warning": 300.0, "critical": 500.0},
		{"metric": "errorRate", "warning": 0.05, "critical": 0.1},
		{"metric": "heap_alloc_mb", "warning": 512.0, "critical": 1024.0},
		{"metric": "pending_fixes", "warning": 20.0, "critical": 50.0},
		{"metric": "log_errors", "warning": 10.0, "critical": 50.0},
		{"metric": "log_panics", "warning": 1.0, "critical": 3.0},
	})

	// -- Optimizer --
	v.SetDefault("optimizer.tick_interval", "5s")
	v.SetDefault("optimizer.action_timeout", "1m")
	v.SetDefault("optimizer.anomaly_cooldown", "3m")
	v.SetDefault("optimizer.max_dynamic_strategies", 0)
	v.SetDefault("optimizer.memory_pressure_mb", 768.0)
	v.SetDefault("optimizer.memory_cooldown", "5m")
	v.SetDefault("optimizer.fix_backlog", 10)
	v.SetDefault("optimizer.fix_backlog_cooldown", "1m")

	// -- Orchestrator --
	v.SetDefault("orchestrator.self_check_interval", "5s")
	v.SetDefault("orchestrator.bus_buffer_size", 256)
	v.SetDefault("orchestrator.anomaly_detection", false)
	v.SetDefault("orchestrator.anomaly_window", 30)
	v.SetDefault("orchestrator.anomaly_sigma", 3.0)
	v.SetDefault("orchestrator.metrics_addr", "")

	// -- Events --
	v.SetDefault("events.sink_file", "")
	v.SetDefault("events.max_size", 50)
	v.SetDefault("events.max_backups", 3)
	v.SetDefault("events.max_age", 14)

	// -- Log watch --
	v.SetDefault("logwatch.enabled", false)
	v.SetDefault("logwatch.interval", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password, so it is read from the environment too.
	_ = v.BindEnv("database.url", "MENDER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("MENDER_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AnalyzerCfg.Validate(); err != nil {
		return fmt.Errorf("analyzer configuration invalid: %w", err)
	}
	if err := c.RemediationCfg.Validate(); err != nil {
		return fmt.Errorf("remediation configuration invalid: %w", err)
	}
	if err := c.TestsCfg.Validate(); err != nil {
		return fmt.Errorf("tests configuration invalid: %w", err)
	}
	if err := c.HealthCfg.Validate(); err != nil {
		return fmt.Errorf("health configuration invalid: %w", err)
	}
	if err := c.OptimizerCfg.Validate(); err != nil {
		return fmt.Errorf("optimizer configuration invalid: %w", err)
	}
	if c.OrchestratorCfg.SelfCheckInterval <= 0 {
		return fmt.Errorf("orchestrator.self_check_interval must be a positive duration")
	}
	if c.OrchestratorCfg.BusBufferSize < 0 {
		return fmt.Errorf("orchestrator.bus_buffer_size must not be negative")
	}
	if c.LogWatchCfg.Enabled && c.LogWatchCfg.Path == "" {
		return fmt.Errorf("logwatch.path is required when logwatch is enabled")
	}
	return nil
}

// Validate checks the analyzer configuration.
func (a *AnalyzerConfig) Validate() error {
	if a.AutoFixThreshold < 0.0 || a.AutoFixThreshold > 1.0 {
		return fmt.Errorf("auto_fix_threshold must be between 0.0 and 1.0")
	}
	if a.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be a positive duration")
	}
	for _, r := range a.Rules {
		if r.ID == "" || r.Pattern == "" {
			return fmt.Errorf("every rule needs an id and a pattern")
		}
	}
	return nil
}

// Validate checks the remediation configuration.
func (r *RemediationConfig) Validate() error {
	if r.UntestedConfidenceFactor < 0.0 || r.UntestedConfidenceFactor > 1.0 {
		return fmt.Errorf("untested_confidence_factor must be between 0.0 and 1.0")
	}
	if r.MaxFixesPerMinute < 0 {
		return fmt.Errorf("max_fixes_per_minute must not be negative")
	}
	if r.BackupDir == "" {
		return fmt.Errorf("backup_dir is required")
	}
	return nil
}

// Validate checks the harness selection.
func (t *TestsConfig) Validate() error {
	switch t.Harness {
	case "go":
	case "command":
		if len(t.Command) == 0 {
			return fmt.Errorf("tests.command is required for the command harness")
		}
	default:
		return fmt.Errorf("unsupported test harness: %q", t.Harness)
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// Validate checks the health thresholds and timing.
func (h *HealthConfig) Validate() error {
	if h.TickInterval <= 0 || h.StaleAfter <= 0 {
		return fmt.Errorf("tick_interval and stale_after must be positive durations")
	}
	for _, t := range h.Thresholds {
		if t.Metric == "" {
			return fmt.Errorf("threshold without metric name")
		}
		if t.Warning <= 0 || t.Critical <= 0 {
			return fmt.Errorf("threshold %q: warning and critical levels must be positive", t.Metric)
		}
		if t.Warning > t.Critical {
			return fmt.Errorf("threshold %q: warning level must not exceed critical level", t.Metric)
		}
	}
	return nil
}

// Validate checks the optimizer timing.
func (o *OptimizerConfig) Validate() error {
	if o.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be a positive duration")
	}
	if o.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	if o.MaxDynamicStrategies < 0 {
		return fmt.Errorf("max_dynamic_strategies must not be negative")
	}
	return nil
}
