// Package config provides configuration management for the calendar bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultTimezone         = "America/New_York"
	defaultTickSize         = 0.05
	defaultProfitTargetTick = 0.10
	defaultPollInterval     = time.Second
	defaultCallTimeout      = 5 * time.Second
	defaultGuardAttempts    = 3
	defaultGuardWait        = 2 * time.Second
	defaultMaxLateness      = 5 * time.Minute
	defaultExitCheck        = 30 * time.Minute
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig  `yaml:"environment"`
	Broker        BrokerConfig       `yaml:"broker"`
	Schedule      ScheduleConfig     `yaml:"schedule"`
	Strategy      StrategyConfig     `yaml:"strategy"`
	Execution     ExecutionConfig    `yaml:"execution"`
	Storage       StorageConfig      `yaml:"storage"`
	Dashboard     DashboardConfig    `yaml:"dashboard"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string           `yaml:"provider"`
	APIKey      string           `yaml:"api_key"`
	APIEndpoint string           `yaml:"api_endpoint"`
	AccountID   string           `yaml:"account_id"`
	Timeout     string           `yaml:"timeout"`
	RateLimits  RateLimitsConfig `yaml:"rate_limits"`
	Retry       RetryConfig      `yaml:"retry"`
}

// RateLimitsConfig holds requests-per-minute budgets per endpoint class. Zero keeps the client default.
type RateLimitsConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
}

// RetryConfig controls retries of idempotent broker reads.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
}

// ScheduleConfig defines the wall-clock triggers.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`       // e.g., "America/New_York"
	EntryTime         string `yaml:"entry_time"`     // "HH:MM"
	ExitTime          string `yaml:"exit_time"`      // "HH:MM"
	ReconcileTime     string `yaml:"reconcile_time"` // "HH:MM"
	ExitCheckInterval string `yaml:"exit_check_interval"`
	MaxLateness       string `yaml:"max_lateness"`
}

// StrategyConfig defines the double calendar parameters.
type StrategyConfig struct {
	Symbol                 string  `yaml:"symbol"`
	OptionRoot             string  `yaml:"option_root"`
	PositionSize           int     `yaml:"position_size"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	TargetDelta            float64 `yaml:"target_delta"`
	ShortDTE               int     `yaml:"short_dte"`
	LongDTE                int     `yaml:"long_dte"`
	ExitDay                int     `yaml:"exit_day"`
	ProfitTargetPct        float64 `yaml:"profit_target_pct"`
	ProfitTargetTick       float64 `yaml:"profit_target_tick"`
}

// ExecutionConfig holds the fill engine and exit guard settings.
type ExecutionConfig struct {
	TickSize     float64     `yaml:"tick_size"`
	PollInterval string      `yaml:"poll_interval"`
	CallTimeout  string      `yaml:"call_timeout"`
	Entry        FillConfig  `yaml:"entry"`
	Exit         FillConfig  `yaml:"exit"`
	Guard        GuardConfig `yaml:"guard"`
}

// FillConfig is one side's stepping profile.
type FillConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	AttemptTimeout string  `yaml:"attempt_timeout"`
	Step           float64 `yaml:"step"`
	EscalatedStep  float64 `yaml:"escalated_step"`
	EscalateAfter  int     `yaml:"escalate_after"`
	MaxConcession  float64 `yaml:"max_concession"`
}

// GuardConfig configures the protective-order clearing before exits.
type GuardConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Wait        string `yaml:"wait"`
}

// StorageConfig defines storage settings for trade data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig configures the HTTP control surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// NotificationConfig configures email-to-SMS alerts.
type NotificationConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the config is loaded first so ${VAR} references resolve;
// variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envPath, err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Missing optional values are filled with defaults first.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.Retry.MaxRetries < 0 {
		return fmt.Errorf("broker.retry.max_retries must be >= 0")
	}
	for name, v := range map[string]string{
		"broker.timeout":          c.Broker.Timeout,
		"broker.retry.base_delay": c.Broker.Retry.BaseDelay,
		"broker.retry.max_delay":  c.Broker.Retry.MaxDelay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	// Schedule validation
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
		// The default zone falls back to a fixed offset when tzdata is missing
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	for name, v := range map[string]string{
		"schedule.entry_time":     c.Schedule.EntryTime,
		"schedule.exit_time":      c.Schedule.ExitTime,
		"schedule.reconcile_time": c.Schedule.ReconcileTime,
	} {
		if _, _, err := ParseClock(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	for name, v := range map[string]string{
		"schedule.exit_check_interval": c.Schedule.ExitCheckInterval,
		"schedule.max_lateness":        c.Schedule.MaxLateness,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, v)
		}
	}

	// Strategy validation
	s := c.Strategy
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if s.PositionSize <= 0 {
		return fmt.Errorf("strategy.position_size must be > 0")
	}
	if s.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("strategy.max_concurrent_positions must be > 0")
	}
	if s.TargetDelta <= 0 || s.TargetDelta >= 1 {
		return fmt.Errorf("strategy.target_delta must be in (0,1)")
	}
	if s.ShortDTE <= 0 || s.LongDTE <= s.ShortDTE {
		return fmt.Errorf("strategy.short_dte (%d) must be > 0 and < strategy.long_dte (%d)", s.ShortDTE, s.LongDTE)
	}
	if s.ExitDay <= 0 || s.ExitDay >= s.ShortDTE {
		return fmt.Errorf("strategy.exit_day (%d) must be in (0, short_dte=%d)", s.ExitDay, s.ShortDTE)
	}
	if s.ProfitTargetPct <= 0 {
		return fmt.Errorf("strategy.profit_target_pct must be > 0")
	}

	// Execution validation
	e := c.Execution
	if e.TickSize <= 0 {
		return fmt.Errorf("execution.tick_size must be > 0")
	}
	for name, v := range map[string]string{
		"execution.poll_interval": e.PollInterval,
		"execution.call_timeout":  e.CallTimeout,
		"execution.guard.wait":    e.Guard.Wait,
	} {
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("%s must be a non-negative duration, got %q", name, v)
		}
	}
	if e.Guard.MaxAttempts <= 0 {
		return fmt.Errorf("execution.guard.max_attempts must be > 0")
	}
	if err := e.Entry.validate("execution.entry"); err != nil {
		return err
	}
	if err := e.Exit.validate("execution.exit"); err != nil {
		return err
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}
	if c.Dashboard.Enabled && strings.TrimSpace(c.Dashboard.AuthToken) == "" {
		return fmt.Errorf("dashboard.auth_token is required when the dashboard is enabled")
	}

	if n := c.Notifications; n.Enabled {
		if n.SMTPHost == "" || n.SMTPPort <= 0 {
			return fmt.Errorf("notifications.smtp_host and smtp_port are required when enabled")
		}
		if n.From == "" || len(n.To) == 0 {
			return fmt.Errorf("notifications.from and notifications.to are required when enabled")
		}
	}

	return nil
}

func (f FillConfig) validate(prefix string) error {
	if f.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be > 0", prefix)
	}
	if d, err := time.ParseDuration(f.AttemptTimeout); err != nil || d <= 0 {
		return fmt.Errorf("%s.attempt_timeout must be a positive duration, got %q", prefix, f.AttemptTimeout)
	}
	if err := f.Steps().Validate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if f.MaxConcession < 0 {
		return fmt.Errorf("%s.max_concession must be >= 0", prefix)
	}
	return nil
}

// Steps returns the price step schedule.
func (f FillConfig) Steps() models.StepSchedule {
	return models.StepSchedule{Base: f.Step, Escalated: f.EscalatedStep, Threshold: f.EscalateAfter}
}

// GetAttemptTimeout returns how long each priced attempt may work.
func (f FillConfig) GetAttemptTimeout() time.Duration {
	return parseDurationOr(f.AttemptTimeout, time.Minute)
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the schedule timezone, falling back to a fixed ET offset in minimal containers.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GetPollInterval returns the fill engine status poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOr(c.Execution.PollInterval, defaultPollInterval)
}

// GetCallTimeout returns the per-request timeout for broker calls.
func (c *Config) GetCallTimeout() time.Duration {
	return parseDurationOr(c.Execution.CallTimeout, defaultCallTimeout)
}

// GetGuardWait returns the wait between cancel and re-query in the exit guard.
func (c *Config) GetGuardWait() time.Duration {
	return parseDurationOr(c.Execution.Guard.Wait, defaultGuardWait)
}

// GetExitCheckInterval returns how often exit_pending trades are retried.
func (c *Config) GetExitCheckInterval() time.Duration {
	return parseDurationOr(c.Schedule.ExitCheckInterval, defaultExitCheck)
}

// GetMaxLateness returns how late a daily job may fire before it is skipped.
func (c *Config) GetMaxLateness() time.Duration {
	return parseDurationOr(c.Schedule.MaxLateness, defaultMaxLateness)
}

// GetBrokerTimeout returns the HTTP client timeout, zero meaning the client default.
func (c *Config) GetBrokerTimeout() time.Duration {
	return parseDurationOr(c.Broker.Timeout, 0)
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// normalize sets default values for optional settings
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.ExitCheckInterval == "" {
		c.Schedule.ExitCheckInterval = defaultExitCheck.String()
	}
	if c.Schedule.MaxLateness == "" {
		c.Schedule.MaxLateness = defaultMaxLateness.String()
	}
	if c.Strategy.OptionRoot == "" {
		c.Strategy.OptionRoot = c.Strategy.Symbol
		if strings.EqualFold(c.Strategy.Symbol, "SPX") {
			c.Strategy.OptionRoot = "SPXW"
		}
	}
	if c.Strategy.ProfitTargetTick <= 0 {
		c.Strategy.ProfitTargetTick = defaultProfitTargetTick
	}
	if c.Execution.TickSize == 0 {
		c.Execution.TickSize = defaultTickSize
	}
	if c.Execution.PollInterval == "" {
		c.Execution.PollInterval = defaultPollInterval.String()
	}
	if c.Execution.CallTimeout == "" {
		c.Execution.CallTimeout = defaultCallTimeout.String()
	}
	if c.Execution.Guard.MaxAttempts == 0 {
		c.Execution.Guard.MaxAttempts = defaultGuardAttempts
	}
	if c.Execution.Guard.Wait == "" {
		c.Execution.Guard.Wait = defaultGuardWait.String()
	}
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
