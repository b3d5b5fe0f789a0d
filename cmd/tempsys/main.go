// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// tempsys broadcasts the temperature read from an MCP9808 and the supply
// voltage as BLE advertisements.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/tempsys/beacon"
	"github.com/GermanBionicSystems/tempsys/bleadv"
	"github.com/GermanBionicSystems/tempsys/console"
	"github.com/GermanBionicSystems/tempsys/ina260"
	"github.com/GermanBionicSystems/tempsys/internal/config"
	"github.com/GermanBionicSystems/tempsys/internal/logging"
	"github.com/GermanBionicSystems/tempsys/mailbox"
	"github.com/GermanBionicSystems/tempsys/mcp9808"
	"github.com/GermanBionicSystems/tempsys/statusview"
	"github.com/GermanBionicSystems/tempsys/supply"
)

var channels = [...]ads1x15.Channel{ads1x15.Channel0, ads1x15.Channel1, ads1x15.Channel2, ads1x15.Channel3}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "tempsys: %s.\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	cfgPath := flag.String("config", "", "YAML configuration file")
	profile := flag.String("profile", "", "timing profile, debug or production (default $TEMPSYS_PROFILE or production)")
	transport := flag.String("transport", "", "override the radio transport, ble or console")
	dump := flag.String("dump-config", "", "write the effective configuration to this file and exit")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	var p config.Profile
	var err error
	if *profile != "" {
		p, err = config.ParseProfile(*profile)
	} else {
		p, err = config.ProfileFromEnv()
	}
	if err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath, p)
	if err != nil {
		return err
	}
	if *transport != "" {
		cfg.Radio.Transport = *transport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *dump != "" {
		return cfg.Save(*dump)
	}

	version, revision := buildInfo()
	logger := logging.New(cfg, version)
	slog.SetDefault(logger)
	logger.Info("starting",
		"version", version,
		"revision", revision,
		"profile", string(cfg.Profile),
		"transport", cfg.Radio.Transport,
		"sample_interval", cfg.Sensor.Interval,
		"adv_interval", cfg.Radio.Interval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", "err", err)
		return err
	}
	logger.Info("shutting down")
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	buses := busSet{}
	defer buses.close()

	// Temperature.
	sb, err := buses.open(cfg.Sensor.Bus)
	if err != nil {
		return err
	}
	sopts := cfg.SensorOpts(logger.With("dev", "mcp9808"))
	sensor, err := mcp9808.NewI2C(sb, &sopts)
	if err != nil {
		return err
	}
	defer sensor.Halt()

	// Supply voltage.
	ab, err := buses.open(cfg.Supply.Bus)
	if err != nil {
		return err
	}
	volt, err := openSupply(ab, cfg)
	if err != nil {
		return err
	}
	defer volt.Halt()

	// Radio.
	var adv advertiser
	switch cfg.Radio.Transport {
	case config.TransportConsole:
		adv = console.New(nil)
	default:
		b, err := bleadv.New(nil, &bleadv.Opts{LocalName: cfg.Radio.LocalName, Logger: logger.With("dev", "ble")})
		if err != nil {
			return err
		}
		adv = b
	}
	defer adv.Halt()

	bopts := cfg.BeaconOpts(logger.With("task", "beacon"))
	if cfg.Display.Enabled {
		db, err := buses.open(cfg.Display.Bus)
		if err != nil {
			return err
		}
		dopts := ssd1306.DefaultOpts
		disp, err := ssd1306.NewI2C(db, &dopts)
		if err != nil {
			return err
		}
		view, err := statusview.New(disp, &statusview.Opts{FontSize: cfg.Display.FontSize, Logger: logger})
		if err != nil {
			return err
		}
		defer view.Halt()
		bopts.Observer = view.Observe
	}

	samples := mailbox.New[int16]()
	loop, err := beacon.New(volt, samples, adv, &bopts)
	if err != nil {
		return err
	}
	logger.Info("devices ready", "sensor", sensor.String(), "supply", volt.String(), "radio", adv.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sensor.Run(ctx, samples)
	})
	g.Go(func() error {
		return loop.Run(ctx)
	})
	return g.Wait()
}

type advertiser interface {
	beacon.Advertiser
	conn.Resource
}

type voltageSensor interface {
	beacon.VoltageSensor
	conn.Resource
}

// openSupply returns the configured supply voltage converter.
func openSupply(b i2c.Bus, cfg *config.Config) (voltageSensor, error) {
	if cfg.Supply.ADC == config.ADCINA260 {
		d, err := ina260.NewI2C(b, &ina260.Opts{Addr: cfg.Supply.Addr})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	addr := cfg.Supply.Addr
	if addr == 0 {
		addr = ads1x15.DefaultOpts.I2cAddress
	}
	adc, err := ads1x15.NewADS1115(b, &ads1x15.Opts{I2cAddress: addr})
	if err != nil {
		return nil, err
	}
	full := physic.ElectricPotential(cfg.Supply.ReferenceMilliVolts) * physic.MilliVolt
	pin, err := adc.PinForChannel(channels[cfg.Supply.Channel], full, 8*physic.Hertz, ads1x15.BestQuality)
	if err != nil {
		return nil, err
	}
	o := cfg.SupplyOpts()
	d, err := supply.New(pin, &o)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// busSet opens every named bus once.
type busSet map[string]i2c.BusCloser

func (s busSet) open(name string) (i2c.Bus, error) {
	if b, ok := s[name]; ok {
		return b, nil
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus %q: %w", name, err)
	}
	s[name] = b
	return b, nil
}

func (s busSet) close() {
	for _, b := range s {
		_ = b.Close()
	}
}

// buildInfo returns the main module version and the VCS revision.
func buildInfo() (version, revision string) {
	version, revision = "dev", "unknown"
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		version = v
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			revision = s.Value
		}
	}
	return
}
