// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the tempsys configuration.
//
// A configuration starts from one of two profiles, debug or production, and
// is then overlaid with an optional YAML file and the TEMPSYS_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GermanBionicSystems/tempsys/advert"
	"github.com/GermanBionicSystems/tempsys/beacon"
	"github.com/GermanBionicSystems/tempsys/mcp9808"
	"github.com/GermanBionicSystems/tempsys/supply"
)

// Profile selects a set of timings.
type Profile string

const (
	// Debug samples every second and advertises every 250ms.
	Debug Profile = "debug"
	// Production samples every 30s and advertises every 5s.
	Production Profile = "production"
)

// Converters accepted in SupplyConfig.ADC.
const (
	ADCADS1115 = "ads1115"
	ADCINA260  = "ina260"
)

// Transports accepted in RadioConfig.Transport.
const (
	TransportBLE     = "ble"
	TransportConsole = "console"
)

// Config represents the application configuration.
type Config struct {
	Profile Profile       `yaml:"profile"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Supply  SupplyConfig  `yaml:"supply"`
	Radio   RadioConfig   `yaml:"radio"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
}

// SensorConfig configures the MCP9808 task.
type SensorConfig struct {
	// Bus is the i2creg bus name. Empty selects the first bus.
	Bus              string        `yaml:"bus"`
	Addr             uint16        `yaml:"addr"`
	Resolution       string        `yaml:"resolution"` // "0.5", "0.25", "0.125" or "0.0625"
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	ResolutionSettle time.Duration `yaml:"resolution_settle"`
	MaxBackoff       time.Duration `yaml:"max_backoff"` // 0 disables backoff
}

// SupplyConfig configures the supply voltage converter. The reference, gain
// and resolution only apply to the ads1115.
type SupplyConfig struct {
	ADC                 string `yaml:"adc"`
	Bus                 string `yaml:"bus"`
	Addr                uint16 `yaml:"addr"` // 0 selects the converter default
	Channel             int    `yaml:"channel"`
	ReferenceMilliVolts int32  `yaml:"reference_mv"`
	Gain                int32  `yaml:"gain"`
	ResolutionBits      uint   `yaml:"resolution_bits"`
}

// RadioConfig configures the advertisement.
type RadioConfig struct {
	Transport    string        `yaml:"transport"`
	LocalName    string        `yaml:"local_name"`
	Manufacturer uint16        `yaml:"manufacturer"`
	Interval     time.Duration `yaml:"interval"`
	Window       time.Duration `yaml:"window"`
}

// DisplayConfig configures the optional ssd1306 status panel.
type DisplayConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Bus      string  `yaml:"bus"`
	FontSize float64 `yaml:"font_size"` // 0 selects the 7x13 bitmap face
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// ParseProfile parses a profile name. Empty means Production.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case "", "prod", Production:
		return Production, nil
	case "dev", Debug:
		return Debug, nil
	default:
		return "", fmt.Errorf("invalid profile %q (allowed: debug, production)", s)
	}
}

// ProfileFromEnv returns the profile named by TEMPSYS_PROFILE.
func ProfileFromEnv() (Profile, error) {
	return ParseProfile(os.Getenv("TEMPSYS_PROFILE"))
}

// Default returns the configuration of profile p. Unknown profiles get the
// production timings.
func Default(p Profile) *Config {
	c := &Config{
		Profile: Production,
		Sensor: SensorConfig{
			Addr:             mcp9808.DefaultAddr,
			Resolution:       "0.5",
			Interval:         30 * time.Second,
			Timeout:          100 * time.Millisecond,
			SettleDelay:      100 * time.Millisecond,
			ResolutionSettle: 10 * time.Millisecond,
		},
		Supply: SupplyConfig{
			// ADS1115 on its ±4.096V range.
			ADC:                 ADCADS1115,
			Channel:             0,
			ReferenceMilliVolts: 4096,
			Gain:                1,
			ResolutionBits:      15,
		},
		Radio: RadioConfig{
			Transport:    TransportBLE,
			LocalName:    "Tempsys",
			Manufacturer: advert.Manufacturer,
			Interval:     5 * time.Second,
			Window:       5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
	if p == Debug {
		c.Profile = Debug
		c.Sensor.Interval = time.Second
		c.Sensor.SettleDelay = 250 * time.Millisecond
		c.Radio.Interval = 250 * time.Millisecond
		c.Radio.Window = 250 * time.Millisecond
		c.Log.Level = "debug"
		c.Log.Format = "text"
	}
	return c
}

// Load loads configuration from a YAML file on top of the p profile. If the
// file doesn't exist, the profile defaults are used. Environment overrides
// are applied last and the result is validated.
func Load(filename string, p Profile) (*Config, error) {
	cfg := Default(p)
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A profile named in the file replaces p as the base.
			if fp, err := ParseProfile(string(cfg.Profile)); err == nil && fp != p {
				cfg = Default(fp)
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("failed to parse config file: %w", err)
				}
				cfg.Profile = fp
			}
		}
	}
	cfg.ensureDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv applies TEMPSYS_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	if s := strings.TrimSpace(os.Getenv("TEMPSYS_LOG_LEVEL")); s != "" {
		if _, err := parseLogLevel(s); err != nil {
			return err
		}
		c.Log.Level = s
	}
	return nil
}

// ensureDefaults fills zero fields from the configured profile.
func (c *Config) ensureDefaults() {
	def := Default(c.Profile)

	if c.Sensor.Addr == 0 {
		c.Sensor.Addr = def.Sensor.Addr
	}
	if c.Sensor.Resolution == "" {
		c.Sensor.Resolution = def.Sensor.Resolution
	}
	if c.Sensor.Interval == 0 {
		c.Sensor.Interval = def.Sensor.Interval
	}
	if c.Sensor.Timeout == 0 {
		c.Sensor.Timeout = def.Sensor.Timeout
	}
	if c.Sensor.SettleDelay == 0 {
		c.Sensor.SettleDelay = def.Sensor.SettleDelay
	}
	if c.Sensor.ResolutionSettle == 0 {
		c.Sensor.ResolutionSettle = def.Sensor.ResolutionSettle
	}

	if c.Supply.ADC == "" {
		c.Supply.ADC = def.Supply.ADC
	}
	if c.Supply.ReferenceMilliVolts == 0 {
		c.Supply.ReferenceMilliVolts = def.Supply.ReferenceMilliVolts
	}
	if c.Supply.Gain == 0 {
		c.Supply.Gain = def.Supply.Gain
	}
	if c.Supply.ResolutionBits == 0 {
		c.Supply.ResolutionBits = def.Supply.ResolutionBits
	}

	if c.Radio.Transport == "" {
		c.Radio.Transport = def.Radio.Transport
	}
	if c.Radio.LocalName == "" {
		c.Radio.LocalName = def.Radio.LocalName
	}
	if c.Radio.Manufacturer == 0 {
		c.Radio.Manufacturer = def.Radio.Manufacturer
	}
	if c.Radio.Interval == 0 {
		c.Radio.Interval = def.Radio.Interval
	}
	if c.Radio.Window == 0 {
		c.Radio.Window = c.Radio.Interval
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseProfile(string(c.Profile)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseResolution(c.Sensor.Resolution); err != nil {
		errs = append(errs, err)
	}
	if c.Sensor.Interval <= 0 || c.Sensor.Timeout <= 0 {
		errs = append(errs, errors.New("sensor: interval and timeout must be positive"))
	}
	if c.Sensor.SettleDelay < 0 || c.Sensor.ResolutionSettle < 0 || c.Sensor.MaxBackoff < 0 {
		errs = append(errs, errors.New("sensor: delays must not be negative"))
	}
	switch c.Supply.ADC {
	case ADCADS1115, ADCINA260:
	default:
		errs = append(errs, fmt.Errorf("supply: invalid adc %q (allowed: ads1115, ina260)", c.Supply.ADC))
	}
	if c.Supply.Channel < 0 || c.Supply.Channel > 3 {
		errs = append(errs, fmt.Errorf("supply: invalid channel %d", c.Supply.Channel))
	}
	o := c.SupplyOpts()
	if err := o.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Radio.Transport {
	case TransportBLE, TransportConsole:
	default:
		errs = append(errs, fmt.Errorf("radio: invalid transport %q (allowed: ble, console)", c.Radio.Transport))
	}
	if c.Radio.Interval <= 0 || c.Radio.Window <= 0 {
		errs = append(errs, errors.New("radio: interval and window must be positive"))
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: invalid format %q (allowed: text, json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseResolution parses a resolution in °C.
func ParseResolution(s string) (mcp9808.Resolution, error) {
	switch strings.TrimSpace(s) {
	case "0.5":
		return mcp9808.HalfDegree, nil
	case "0.25":
		return mcp9808.QuarterDegree, nil
	case "0.125":
		return mcp9808.EighthDegree, nil
	case "0.0625":
		return mcp9808.SixteenthDegree, nil
	default:
		return 0, fmt.Errorf("sensor: invalid resolution %q (allowed: 0.5, 0.25, 0.125, 0.0625)", s)
	}
}

// LogLevel returns the configured level. Validate must have succeeded.
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLogLevel(c.Log.Level)
	return l
}

// SensorOpts returns the driver options.
func (c *Config) SensorOpts(l *slog.Logger) mcp9808.Opts {
	r, _ := ParseResolution(c.Sensor.Resolution)
	return mcp9808.Opts{
		Addr:             c.Sensor.Addr,
		Resolution:       r,
		Timeout:          c.Sensor.Timeout,
		SettleDelay:      c.Sensor.SettleDelay,
		ResolutionSettle: c.Sensor.ResolutionSettle,
		Interval:         c.Sensor.Interval,
		MaxBackoff:       c.Sensor.MaxBackoff,
		Logger:           l,
	}
}

// SupplyOpts returns the converter options.
func (c *Config) SupplyOpts() supply.Opts {
	return supply.Opts{
		ReferenceMilliVolts: c.Supply.ReferenceMilliVolts,
		Gain:                c.Supply.Gain,
		ResolutionBits:      c.Supply.ResolutionBits,
	}
}

// BeaconOpts returns the broadcast loop options.
func (c *Config) BeaconOpts(l *slog.Logger) beacon.Opts {
	return beacon.Opts{
		Window:          beacon.Window{Interval: c.Radio.Interval, Duration: c.Radio.Window},
		Encoder:         advert.Opts{Manufacturer: c.Radio.Manufacturer, Version: advert.Version},
		WaitFirstSample: true,
		Logger:          l,
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (allowed: debug, info, warn, error)", s)
	}
}
