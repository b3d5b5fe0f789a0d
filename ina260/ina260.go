// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ina260

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// DefaultAddr is the address with A0 and A1 tied to ground.
const DefaultAddr uint16 = 0x40

const (
	_REGISTER_CONFIGURATION uint8 = 0x00
	_REGISTER_CURRENT       uint8 = 0x01
	_REGISTER_BUS_VOLTAGE   uint8 = 0x02
	_REGISTER_POWER         uint8 = 0x03
	_REGISTER_MFG_ID        uint8 = 0xFE
	_REGISTER_DIE_ID        uint8 = 0xFF

	// _MANUFACTURER_TI is "TI" in ASCII.
	_MANUFACTURER_TI uint16 = 0x5449

	// Power down, all other configuration bits at their reset value.
	_CONFIG_SHUTDOWN uint16 = 0x6120

	// Register resolutions.
	_CURRENT_LSB = 1250 * physic.MicroAmpere
	_VOLTAGE_LSB = 1250 * physic.MicroVolt
	_POWER_LSB   = 10 * physic.MilliWatt
)

// ErrNotINA260 is returned when the manufacturer id does not match.
var ErrNotINA260 = errors.New("ina260: unexpected manufacturer id")

// Power is one set of measurements.
type Power struct {
	Current physic.ElectricCurrent
	Voltage physic.ElectricPotential
	Power   physic.Power
}

func (p Power) String() string {
	return fmt.Sprintf("%s %s %s", p.Voltage, p.Current, p.Power)
}

// Opts holds the configuration options.
type Opts struct {
	// Addr is the 7 bit I²C address. 0 means DefaultAddr.
	Addr uint16
}

// Dev represents an INA260.
type Dev struct {
	mu sync.Mutex
	d  i2c.Dev
}

// NewI2C checks the manufacturer id and returns a Dev. opts can be nil.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	addr := DefaultAddr
	if opts != nil && opts.Addr != 0 {
		addr = opts.Addr
	}
	d := &Dev{d: i2c.Dev{Bus: b, Addr: addr}}
	id, err := d.readRegister(_REGISTER_MFG_ID)
	if err != nil {
		return nil, fmt.Errorf("ina260: %w", err)
	}
	if id != _MANUFACTURER_TI {
		return nil, fmt.Errorf("%w: 0x%04X", ErrNotINA260, id)
	}
	return d, nil
}

// Read returns current, bus voltage and power.
func (d *Dev) Read() (Power, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var p Power
	cur, err := d.readRegister(_REGISTER_CURRENT)
	if err != nil {
		return p, err
	}
	v, err := d.readRegister(_REGISTER_BUS_VOLTAGE)
	if err != nil {
		return p, err
	}
	pw, err := d.readRegister(_REGISTER_POWER)
	if err != nil {
		return p, err
	}
	// Current is two's complement, voltage and power are unsigned.
	p.Current = physic.ElectricCurrent(int16(cur)) * _CURRENT_LSB
	p.Voltage = physic.ElectricPotential(v) * _VOLTAGE_LSB
	p.Power = physic.Power(pw) * _POWER_LSB
	return p, nil
}

// Sense returns the bus voltage in mV. Implements beacon.VoltageSensor.
func (d *Dev) Sense() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readRegister(_REGISTER_BUS_VOLTAGE)
	if err != nil {
		return 0, err
	}
	// 1.25mV per bit, full scale 36V fits in an int16 of mV.
	return int16(uint32(v) * 5 / 4), nil
}

// DieID returns the device and revision id.
func (d *Dev) DieID() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRegister(_REGISTER_DIE_ID)
}

// Halt puts the monitor in power down mode. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := []byte{_REGISTER_CONFIGURATION, 0, 0}
	binary.BigEndian.PutUint16(w[1:], _CONFIG_SHUTDOWN)
	return d.d.Tx(w, nil)
}

func (d *Dev) String() string {
	return "ina260: " + d.d.String()
}

func (d *Dev) readRegister(reg uint8) (uint16, error) {
	r := make([]byte, 2)
	if err := d.d.Tx([]byte{reg}, r); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r), nil
}

var _ conn.Resource = &Dev{}
