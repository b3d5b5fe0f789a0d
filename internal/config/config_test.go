// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GermanBionicSystems/tempsys/mcp9808"
	"github.com/GermanBionicSystems/tempsys/supply"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tempsys.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaultProfiles(t *testing.T) {
	d := Default(Debug)
	assert.Equal(t, Debug, d.Profile)
	assert.Equal(t, time.Second, d.Sensor.Interval)
	assert.Equal(t, 250*time.Millisecond, d.Radio.Interval)
	assert.NoError(t, d.Validate())

	p := Default(Production)
	assert.Equal(t, Production, p.Profile)
	assert.Equal(t, 30*time.Second, p.Sensor.Interval)
	assert.Equal(t, 5*time.Second, p.Radio.Interval)
	assert.Equal(t, 5*time.Second, p.Radio.Window)
	assert.Equal(t, time.Duration(0), p.Sensor.MaxBackoff, "backoff is off by default")
	assert.NoError(t, p.Validate())
}

func TestParseProfile(t *testing.T) {
	for in, want := range map[string]Profile{
		"":           Production,
		"production": Production,
		" PROD ":     Production,
		"debug":      Debug,
		"dev":        Debug,
	} {
		got, err := ParseProfile(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProfile("staging")
	assert.Error(t, err)
}

func TestProfileFromEnv(t *testing.T) {
	t.Setenv("TEMPSYS_PROFILE", "debug")
	p, err := ProfileFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Debug, p)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Debug)
	require.NoError(t, err)
	assert.Equal(t, Default(Debug), cfg)

	cfg, err = Load("", Production)
	require.NoError(t, err)
	assert.Equal(t, Default(Production), cfg)
}

func TestLoadOverlay(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	p := writeFile(t, `
sensor:
  interval: 10s
  resolution: "0.0625"
  max_backoff: 5m
radio:
  transport: console
  interval: 1s
`)
	cfg, err := Load(p, Production)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Sensor.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sensor.MaxBackoff)
	assert.Equal(t, TransportConsole, cfg.Radio.Transport)
	assert.Equal(t, time.Second, cfg.Radio.Interval)
	assert.Equal(t, 5*time.Second, cfg.Radio.Window, "untouched fields keep the profile value")
	assert.Equal(t, mcp9808.DefaultAddr, cfg.Sensor.Addr)

	o := cfg.SensorOpts(nil)
	assert.Equal(t, mcp9808.SixteenthDegree, o.Resolution)
	assert.Equal(t, 10*time.Second, o.Interval)
	assert.Equal(t, 5*time.Minute, o.MaxBackoff)
}

func TestLoadProfileFromFile(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	p := writeFile(t, "profile: debug\nradio:\n  local_name: Bench\n")
	cfg, err := Load(p, Production)
	require.NoError(t, err)
	assert.Equal(t, Debug, cfg.Profile)
	assert.Equal(t, time.Second, cfg.Sensor.Interval)
	assert.Equal(t, "Bench", cfg.Radio.LocalName)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "warn")
	cfg, err := Load("", Production)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel())

	t.Setenv("TEMPSYS_LOG_LEVEL", "loud")
	_, err = Load("", Production)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	p := writeFile(t, `
sensor:
  resolution: "0.3"
radio:
  transport: lora
supply:
  channel: 7
`)
	_, err := Load(p, Production)
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid resolution")
	assert.ErrorContains(t, err, "invalid transport")
	assert.ErrorContains(t, err, "invalid channel")

	_, err = Load(writeFile(t, "sensor: [1, 2"), Production)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	cfg := Default(Debug)
	cfg.Sensor.MaxBackoff = time.Minute
	p := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(p))
	got, err := Load(p, Production)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestOpts(t *testing.T) {
	cfg := Default(Production)
	s := cfg.SupplyOpts()
	assert.Equal(t, int16(4095), supply.Convert(s.FullScale(), s))

	b := cfg.BeaconOpts(nil)
	assert.Equal(t, 5*time.Second, b.Window.Interval)
	assert.Equal(t, uint16(0xFFFF), b.Encoder.Manufacturer)
	assert.True(t, b.WaitFirstSample)
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseLogLevel("trace")
	assert.Error(t, err)
}

func TestExampleFile(t *testing.T) {
	t.Setenv("TEMPSYS_LOG_LEVEL", "")
	cfg, err := Load(filepath.Join("..", "..", "tempsys.example.yaml"), Debug)
	require.NoError(t, err)
	assert.Equal(t, Default(Production), cfg)
}
