// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bleadv broadcasts beacon payloads as non-connectable BLE
// advertisements through tinygo.org/x/bluetooth.
//
// The payload goes in a manufacturer specific data element: the first two
// payload bytes are the company identifier, the rest is the element data.
// It runs on Linux through BlueZ and on TinyGo targets with a SoftDevice or
// an HCI controller.
package bleadv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/GermanBionicSystems/tempsys/advert"
	"github.com/GermanBionicSystems/tempsys/beacon"
)

// Opts configures the advertisement.
type Opts struct {
	// LocalName is the short name put in the advertisement.
	LocalName string
	// Logger nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOpts is used when New gets nil options.
var DefaultOpts = Opts{LocalName: "Tempsys"}

// Dev is a BLE advertiser.
type Dev struct {
	mu      sync.Mutex
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
	opts    Opts
	log     *slog.Logger
}

// New enables adapter and returns an advertiser on it. If adapter is nil,
// bluetooth.DefaultAdapter is used.
func New(adapter *bluetooth.Adapter, opts *Opts) (*Dev, error) {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bleadv: enabling adapter: %w", err)
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Dev{
		adapter: adapter,
		adv:     adapter.DefaultAdvertisement(),
		opts:    *opts,
		log:     l,
	}, nil
}

// Options returns the advertisement options for p.
func (d *Dev) Options(p advert.Payload, interval time.Duration) bluetooth.AdvertisementOptions {
	return bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		LocalName:         d.opts.LocalName,
		Interval:          bluetooth.NewDuration(interval),
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: p.ManufacturerID(), Data: p.ManufacturerData()},
		},
	}
}

// Advertise implements beacon.Advertiser.
//
// The advertisement is always stopped before returning, including when ctx
// is cancelled mid window, so the next call starts from a stopped
// advertiser.
func (d *Dev) Advertise(ctx context.Context, p advert.Payload, w beacon.Window) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.adv.Configure(d.Options(p, w.Interval)); err != nil {
		return fmt.Errorf("bleadv: configure: %w", err)
	}
	if err := d.adv.Start(); err != nil {
		_ = d.adv.Stop()
		return fmt.Errorf("bleadv: start: %w", err)
	}
	d.log.Debug("ble advertising", "payload", p.String(), "interval", w.Interval, "window", w.Duration)
	t := time.NewTimer(w.Duration)
	defer t.Stop()
	var err error
	select {
	case <-t.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if serr := d.adv.Stop(); serr != nil {
		// Reported even on cancellation: the radio may still be advertising
		// stale data.
		return fmt.Errorf("bleadv: stop: %w", serr)
	}
	return err
}

// Halt stops advertising. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adv.Stop()
}

func (d *Dev) String() string {
	return "bleadv{" + d.opts.LocalName + "}"
}

var _ beacon.Advertiser = &Dev{}
