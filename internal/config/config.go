// Package config loads the run configuration of the acequia simulator from
// an optional YAML file and ACEQUIA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/core"
	"github.com/signalsfoundry/acequia-simulator/internal/observability"
	"github.com/signalsfoundry/acequia-simulator/timectrl"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Policy kinds.
const (
	PolicyBand      = "band"
	PolicyEmergency = "emergency"
	PolicyNone      = "none"
)

// Band table presets.
const (
	PresetDefault = "default"
	PresetAcequia = "acequia"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Scenario  string                      `yaml:"scenario"`
	MaxHours  int                         `yaml:"max_hours"`
	Tolerance float64                     `yaml:"tolerance"`
	Policy    PolicyConfig                `yaml:"policy"`
	Engine    EngineConfig                `yaml:"engine"`
	Clock     ClockConfig                 `yaml:"clock"`
	History   HistoryConfig               `yaml:"history"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Alerts    AlertConfig                 `yaml:"alerts"`
	Gauges    GaugeConfig                 `yaml:"gauges"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Schedule  string                      `yaml:"schedule"`
}

// PolicyConfig selects and tunes the control policy. Table, when set,
// replaces the preset table entirely.
type PolicyConfig struct {
	Kind     string                 `yaml:"kind"`
	Preset   string                 `yaml:"preset"`
	Table    *control.BandTable     `yaml:"table"`
	Override control.OverrideConfig `yaml:"override"`
	Damping  control.DampingConfig  `yaml:"damping"`
}

type EngineConfig struct {
	FloodFraction   float64 `yaml:"flood_fraction"`
	DroughtFraction float64 `yaml:"drought_fraction"`
}

type ClockConfig struct {
	Mode     string        `yaml:"mode"` // accelerated | realtime
	Interval time.Duration `yaml:"interval"`
}

type HistoryConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics server
}

type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

type GaugeConfig struct {
	URL string `yaml:"url"` // empty skips the gauge import
}

// Default returns the built-in configuration.
func Default() Config {
	engine := core.DefaultEngineConfig()
	return Config{
		Scenario:  "configs/acequia_scenario.json",
		Tolerance: control.DefaultTolerance,
		Policy: PolicyConfig{
			Kind:     PolicyBand,
			Preset:   PresetDefault,
			Override: control.DefaultOverride(),
			Damping:  control.DefaultDamping(),
		},
		Engine: EngineConfig{
			FloodFraction:   engine.FloodFraction,
			DroughtFraction: engine.DroughtFraction,
		},
		Clock: ClockConfig{
			Mode:     "accelerated",
			Interval: time.Second,
		},
		Tracing:  observability.DefaultTracingConfig(),
		Schedule: "0 * * * *",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs error
	c.Scenario = getEnv("ACEQUIA_SCENARIO", c.Scenario)
	c.Policy.Kind = getEnv("ACEQUIA_POLICY", c.Policy.Kind)
	c.Policy.Preset = getEnv("ACEQUIA_PRESET", c.Policy.Preset)
	c.Clock.Mode = getEnv("ACEQUIA_CLOCK_MODE", c.Clock.Mode)
	c.History.Path = getEnv("ACEQUIA_HISTORY_PATH", c.History.Path)
	c.Metrics.Addr = getEnv("ACEQUIA_METRICS_ADDR", c.Metrics.Addr)
	c.Alerts.TelegramToken = getEnv("ACEQUIA_TELEGRAM_TOKEN", c.Alerts.TelegramToken)
	c.Gauges.URL = getEnv("ACEQUIA_GAUGES_URL", c.Gauges.URL)
	c.Schedule = getEnv("ACEQUIA_SCHEDULE", c.Schedule)
	c.Tracing.Exporter = strings.ToLower(getEnv("ACEQUIA_TRACING_EXPORTER", c.Tracing.Exporter))
	c.Tracing.ServiceName = getEnv("ACEQUIA_TRACING_SERVICE_NAME", c.Tracing.ServiceName)
	c.Tracing.Endpoint = getEnv("ACEQUIA_OTLP_ENDPOINT", c.Tracing.Endpoint)
	if v := os.Getenv("ACEQUIA_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true")
	}

	var err error
	if c.MaxHours, err = getEnvInt("ACEQUIA_MAX_HOURS", c.MaxHours); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Tolerance, err = getEnvFloat("ACEQUIA_TOLERANCE", c.Tolerance); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Tracing.SampleRatio, err = getEnvFloat("ACEQUIA_TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Alerts.TelegramChatID, err = getEnvInt64("ACEQUIA_TELEGRAM_CHAT_ID", c.Alerts.TelegramChatID); err != nil {
		errs = multierr.Append(errs, err)
	}
	if raw := os.Getenv("ACEQUIA_CLOCK_INTERVAL"); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: ACEQUIA_CLOCK_INTERVAL: %v", ErrInvalid, perr))
		} else {
			c.Clock.Interval = d
		}
	}
	return errs
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Scenario == "" {
		add("scenario is required")
	}
	if c.MaxHours < 0 {
		add("max_hours must not be negative, got %d", c.MaxHours)
	}
	if c.Tolerance < 0 || c.Tolerance >= 1 {
		add("tolerance must be in [0,1), got %v", c.Tolerance)
	}
	switch c.Policy.Kind {
	case PolicyBand, PolicyEmergency, PolicyNone:
	default:
		add("unknown policy kind %q", c.Policy.Kind)
	}
	if c.Policy.Table == nil {
		switch c.Policy.Preset {
		case PresetDefault, PresetAcequia:
		default:
			add("unknown band preset %q", c.Policy.Preset)
		}
	}
	if o := c.Policy.Override; !o.Disabled {
		if o.FloodFraction <= 0 {
			add("override flood_fraction must be positive, got %v", o.FloodFraction)
		}
		if o.DroughtFraction < 0 {
			add("override drought_fraction must not be negative, got %v", o.DroughtFraction)
		}
		if o.Rate < 0 || o.Rate > 1 {
			add("override rate must be in [0,1], got %v", o.Rate)
		}
	}
	if c.Policy.Damping.Every < 0 {
		add("damping every must not be negative, got %d", c.Policy.Damping.Every)
	}
	if c.Engine.FloodFraction <= 0 {
		add("engine flood_fraction must be positive, got %v", c.Engine.FloodFraction)
	}
	if c.Engine.DroughtFraction < 0 {
		add("engine drought_fraction must not be negative, got %v", c.Engine.DroughtFraction)
	}
	if _, err := c.ClockMode(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if c.Alerts.TelegramToken != "" && c.Alerts.TelegramChatID == 0 {
		add("telegram_chat_id is required when telegram_token is set")
	}
	return errs
}

// BuildPolicy returns the control policy described by the config, or nil
// for PolicyNone.
func (c *Config) BuildPolicy() (control.ControlPolicy, error) {
	switch c.Policy.Kind {
	case PolicyNone:
		return nil, nil
	case PolicyEmergency:
		return control.EmergencyPolicy{
			Override: c.Policy.Override,
			Damping:  c.Policy.Damping,
		}, nil
	case PolicyBand:
		table, err := c.bandTable()
		if err != nil {
			return nil, err
		}
		return control.BandPolicy{
			Table:    table,
			Override: c.Policy.Override,
			Damping:  c.Policy.Damping,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy kind %q", ErrInvalid, c.Policy.Kind)
	}
}

func (c *Config) bandTable() (control.BandTable, error) {
	if c.Policy.Table != nil {
		return *c.Policy.Table, nil
	}
	switch c.Policy.Preset {
	case PresetDefault, "":
		return control.DefaultBandTable(), nil
	case PresetAcequia:
		return control.AcequiaBandTable(), nil
	default:
		return control.BandTable{}, fmt.Errorf("%w: unknown band preset %q", ErrInvalid, c.Policy.Preset)
	}
}

// CoreEngine returns the engine constants; hours is the scenario budget,
// which MaxHours overrides when positive.
func (c *Config) CoreEngine(hours int) core.EngineConfig {
	if c.MaxHours > 0 {
		hours = c.MaxHours
	}
	return core.EngineConfig{
		MaxHours:        hours,
		FloodFraction:   c.Engine.FloodFraction,
		DroughtFraction: c.Engine.DroughtFraction,
	}
}

// ClockMode parses Clock.Mode.
func (c *Config) ClockMode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Clock.Mode) {
	case "", "accelerated":
		return timectrl.Accelerated, nil
	case "realtime", "real-time":
		return timectrl.RealTime, nil
	default:
		return 0, fmt.Errorf("%w: unknown clock mode %q", ErrInvalid, c.Clock.Mode)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return i, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return i, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, v)
	}
	return f, nil
}
