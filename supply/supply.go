// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package supply measures the beacon supply voltage through an ADC pin.
//
// The raw conversion is mapped to millivolts with the linear transform
//
//	mV = (raw * reference * gain) >> resolution
//
// in integer arithmetic. DefaultOpts matches the nRF52 SAADC measuring VDD
// against its 0.6V internal reference with a 1/6 gain at 12 bits.
package supply

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/physic"
)

// Opts describes the converter front end.
type Opts struct {
	// ReferenceMilliVolts is the converter reference voltage.
	ReferenceMilliVolts int32
	// Gain is the inverse of the input attenuation, i.e. 6 for a 1/6 gain.
	Gain int32
	// ResolutionBits is the converter resolution.
	ResolutionBits uint
}

// DefaultOpts is the nRF52 SAADC VDD configuration.
var DefaultOpts = Opts{
	ReferenceMilliVolts: 600,
	Gain:                6,
	ResolutionBits:      12,
}

// Validate returns an error if the transform would be meaningless or overflow.
func (o *Opts) Validate() error {
	if o.ReferenceMilliVolts <= 0 {
		return errors.New("supply: reference voltage must be positive")
	}
	if o.Gain <= 0 {
		return errors.New("supply: gain must be positive")
	}
	if o.ResolutionBits == 0 || o.ResolutionBits > 24 {
		return fmt.Errorf("supply: invalid resolution %d bits", o.ResolutionBits)
	}
	return nil
}

// FullScale returns the highest raw reading.
func (o *Opts) FullScale() int32 {
	return int32(1)<<o.ResolutionBits - 1
}

// Convert maps a raw reading to millivolts.
//
// The shift is arithmetic so slightly negative readings, which single ended
// SAADC inputs do produce around 0V, stay negative.
func Convert(raw int32, o Opts) int16 {
	mv := (int64(raw) * int64(o.ReferenceMilliVolts) * int64(o.Gain)) >> o.ResolutionBits
	return int16(mv)
}

// Dev is a supply voltage sampler.
type Dev struct {
	mu   sync.Mutex
	p    analog.PinADC
	opts Opts
}

// New returns a sampler reading from p. opts can be nil.
func New(p analog.PinADC, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("supply: nil ADC pin")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Dev{p: p, opts: *opts}, nil
}

// Sense triggers one conversion and returns the supply voltage in mV.
//
// It blocks the calling goroutine until the conversion completes.
func (d *Dev) Sense() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.p.Read()
	if err != nil {
		return 0, fmt.Errorf("supply: %s: %w", d.p, err)
	}
	return Convert(s.Raw, d.opts), nil
}

// SenseVoltage is Sense expressed as a physic quantity.
func (d *Dev) SenseVoltage() (physic.ElectricPotential, error) {
	mv, err := d.Sense()
	if err != nil {
		return 0, err
	}
	return physic.ElectricPotential(mv) * physic.MilliVolt, nil
}

// Precision returns the voltage represented by one raw step.
func (d *Dev) Precision() physic.ElectricPotential {
	step := physic.ElectricPotential(d.opts.ReferenceMilliVolts) * physic.ElectricPotential(d.opts.Gain) * physic.MilliVolt
	return step >> d.opts.ResolutionBits
}

// Halt implements conn.Resource. It halts the underlying pin.
func (d *Dev) Halt() error {
	return d.p.Halt()
}

func (d *Dev) String() string {
	return fmt.Sprintf("supply{%s}", d.p)
}

var _ conn.Resource = &Dev{}
