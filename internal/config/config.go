// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when the corresponding field is unset.
const (
	defaultVIX                = 18.5
	defaultStopLossMultiplier = 2.0
	defaultSpreadWidth        = 5.0
	defaultRiskPerTrade       = 0.08
	defaultLimitOffset        = 0.02
	defaultMinDTE             = 1
	defaultMaxDTE             = 7
	defaultTimezone           = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // mock | paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ConnectionConfig defines the broker gateway connection settings.
type ConnectionConfig struct {
	Host       string `yaml:"host"`
	PortPaper  int    `yaml:"port_paper"`
	PortLive   int    `yaml:"port_live"`
	ClientID   int    `yaml:"client_id"`
	MaxRetries int    `yaml:"max_retries"`
}

// StrategyConfig defines trading strategy parameters.
type StrategyConfig struct {
	Symbol             string  `yaml:"symbol"`
	SpreadWidth        float64 `yaml:"spread_width"`
	TargetDelta        float64 `yaml:"target_delta"`
	RiskPerTrade       float64 `yaml:"risk_per_trade"`
	MinDTE             int     `yaml:"min_dte"`
	MaxDTE             int     `yaml:"max_dte"`
	LimitPriceOffset   float64 `yaml:"limit_price_offset"`
	StopLossMultiplier float64 `yaml:"stop_loss_multiplier"`
	DefaultVIX         float64 `yaml:"default_vix"`
}

// ScheduleConfig defines the entry and monitor triggers, expressed in the
// market timezone.
type ScheduleConfig struct {
	Timezone        string `yaml:"timezone"`
	EntryWeekday    string `yaml:"entry_weekday"` // e.g. "monday"
	EntryTime       string `yaml:"entry_time"`    // "HH:MM"
	MonitorInterval string `yaml:"monitor_interval"`
	MarketOpen      string `yaml:"market_open"`  // "HH:MM"
	MarketClose     string `yaml:"market_close"` // "HH:MM"
}

// TimeoutConfig defines per-operation timeout tiers for awaited bridge calls.
type TimeoutConfig struct {
	Default    string `yaml:"default"`     // quote/account calls
	Chain      string `yaml:"chain"`       // option-chain fetches
	EntryCycle string `yaml:"entry_cycle"` // full entry cycle
	Startup    string `yaml:"startup"`     // initial connect wait
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the HTTP status API settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// NotifyConfig defines alert webhook settings.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Events     []string `yaml:"events"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
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

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "mock"
	}
	if c.Strategy.Symbol == "" {
		c.Strategy.Symbol = "SPY"
	}
	if c.Strategy.SpreadWidth == 0 {
		c.Strategy.SpreadWidth = defaultSpreadWidth
	}
	if c.Strategy.TargetDelta == 0 {
		c.Strategy.TargetDelta = 0.20
	}
	if c.Strategy.RiskPerTrade == 0 {
		c.Strategy.RiskPerTrade = defaultRiskPerTrade
	}
	if c.Strategy.MinDTE == 0 {
		c.Strategy.MinDTE = defaultMinDTE
	}
	if c.Strategy.MaxDTE == 0 {
		c.Strategy.MaxDTE = defaultMaxDTE
	}
	if c.Strategy.LimitPriceOffset == 0 {
		c.Strategy.LimitPriceOffset = defaultLimitOffset
	}
	if c.Strategy.StopLossMultiplier == 0 {
		c.Strategy.StopLossMultiplier = defaultStopLossMultiplier
	}
	if c.Strategy.DefaultVIX == 0 {
		c.Strategy.DefaultVIX = defaultVIX
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.EntryWeekday == "" {
		c.Schedule.EntryWeekday = "monday"
	}
	if c.Schedule.EntryTime == "" {
		c.Schedule.EntryTime = "09:35"
	}
	if c.Schedule.MonitorInterval == "" {
		c.Schedule.MonitorInterval = "15m"
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = "09:30"
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = "16:00"
	}
	if c.Timeouts.Default == "" {
		c.Timeouts.Default = "30s"
	}
	if c.Timeouts.Chain == "" {
		c.Timeouts.Chain = "60s"
	}
	if c.Timeouts.EntryCycle == "" {
		c.Timeouts.EntryCycle = "120s"
	}
	if c.Timeouts.Startup == "" {
		c.Timeouts.Startup = "30s"
	}
	if c.Connection.Host == "" {
		c.Connection.Host = "127.0.0.1"
	}
	if c.Connection.PortPaper == 0 {
		c.Connection.PortPaper = 7497
	}
	if c.Connection.PortLive == 0 {
		c.Connection.PortLive = 7496
	}
	if c.Connection.ClientID == 0 {
		c.Connection.ClientID = 1
	}
	if c.Connection.MaxRetries == 0 {
		c.Connection.MaxRetries = 3
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/positions.json"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "mock", "paper", "live":
	default:
		return fmt.Errorf("environment.mode must be 'mock', 'paper', or 'live'")
	}

	if c.Strategy.SpreadWidth <= 0 {
		return fmt.Errorf("strategy.spread_width must be > 0")
	}
	if c.Strategy.TargetDelta <= 0 || c.Strategy.TargetDelta >= 0.5 {
		return fmt.Errorf("strategy.target_delta must be in (0, 0.5)")
	}
	if c.Strategy.RiskPerTrade <= 0 || c.Strategy.RiskPerTrade > 0.5 {
		return fmt.Errorf("strategy.risk_per_trade must be in (0, 0.5]")
	}
	if c.Strategy.MinDTE < 0 || c.Strategy.MaxDTE <= 0 || c.Strategy.MinDTE > c.Strategy.MaxDTE {
		return fmt.Errorf("strategy dte window invalid: min=%d max=%d", c.Strategy.MinDTE, c.Strategy.MaxDTE)
	}
	if c.Strategy.StopLossMultiplier <= 1.0 {
		return fmt.Errorf("strategy.stop_loss_multiplier must be > 1.0")
	}
	if c.Strategy.LimitPriceOffset < 0 {
		return fmt.Errorf("strategy.limit_price_offset must be >= 0")
	}

	if _, err := parseWeekday(c.Schedule.EntryWeekday); err != nil {
		return fmt.Errorf("schedule.entry_weekday: %w", err)
	}
	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc); err != nil {
		return fmt.Errorf("schedule.entry_time invalid: %w", err)
	}
	open, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	clos, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil || !open.Before(clos) {
		return fmt.Errorf("schedule market window invalid (open/close parse/order)")
	}
	if _, err := time.ParseDuration(c.Schedule.MonitorInterval); err != nil {
		return fmt.Errorf("schedule.monitor_interval invalid: %w", err)
	}

	for name, v := range map[string]string{
		"timeouts.default":     c.Timeouts.Default,
		"timeouts.chain":       c.Timeouts.Chain,
		"timeouts.entry_cycle": c.Timeouts.EntryCycle,
		"timeouts.startup":     c.Timeouts.Startup,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	if c.Environment.Mode == "live" && c.Connection.ClientID <= 0 {
		return fmt.Errorf("connection.client_id must be > 0 for live mode")
	}

	return nil
}

// IsMock returns true when the bot runs against the simulated connection.
func (c *Config) IsMock() bool {
	return c.Environment.Mode == "mock"
}

// Port returns the gateway port for the configured mode.
func (c *Config) Port() int {
	if c.Environment.Mode == "live" {
		return c.Connection.PortLive
	}
	return c.Connection.PortPaper
}

// Location returns the configured market timezone, falling back to a fixed
// Eastern-time offset on minimal containers without tzdata.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if tz == defaultTimezone {
			return time.FixedZone("ET", -5*60*60), nil
		}
		return nil, err
	}
	return loc, nil
}

// EntryWeekday returns the configured entry day as a time.Weekday.
func (c *Config) EntryWeekday() time.Weekday {
	wd, _ := parseWeekday(c.Schedule.EntryWeekday)
	return wd
}

// MonitorInterval returns the monitor trigger interval.
func (c *Config) MonitorInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.MonitorInterval)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// DefaultTimeout returns the awaitable-call timeout for quote/account calls.
func (c *Config) DefaultTimeout() time.Duration { return c.duration(c.Timeouts.Default, 30*time.Second) }

// ChainTimeout returns the awaitable-call timeout for option-chain fetches.
func (c *Config) ChainTimeout() time.Duration { return c.duration(c.Timeouts.Chain, 60*time.Second) }

// EntryCycleTimeout returns the awaitable-call timeout for full entry cycles.
func (c *Config) EntryCycleTimeout() time.Duration {
	return c.duration(c.Timeouts.EntryCycle, 120*time.Second)
}

// StartupTimeout returns how long Start waits for the initial connection.
func (c *Config) StartupTimeout() time.Duration { return c.duration(c.Timeouts.Startup, 30*time.Second) }

func (c *Config) duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// IsWithinMarketHours checks if the given time falls inside the weekday
// market-hours window. Inclusive open, exclusive close.
func (c *Config) IsWithinMarketHours(now time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		return false
	}
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	openClock, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	closeClock, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	open := time.Date(today.Year(), today.Month(), today.Day(),
		openClock.Hour(), openClock.Minute(), 0, 0, loc)
	clos := time.Date(today.Year(), today.Month(), today.Day(),
		closeClock.Hour(), closeClock.Minute(), 0, 0, loc)

	return !today.Before(open) && today.Before(clos)
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
}
