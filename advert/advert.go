// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package advert encodes and decodes the manufacturer specific data carried by
// the beacon advertisement.
//
// Layout, 8 bytes:
//
//	[0:2] manufacturer id, little endian (BLE company identifier)
//	[2]   payload version
//	[3]   sequence counter
//	[4:6] supply voltage in mV, big endian signed
//	[6:8] temperature in 1/100°C, big endian signed
//
// The temperature field holds Invalid when the sensor could not be read.
package advert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Size is the length of an encoded payload.
	Size = 8
	// Version is the layout version written by Encode.
	Version byte = 0x01
	// Manufacturer is the company identifier reserved for tests and
	// internal use by the Bluetooth SIG.
	Manufacturer uint16 = 0xFFFF
	// Invalid is the temperature reported when no valid sample exists.
	Invalid int16 = math.MaxInt16
)

var (
	// ErrShort is returned by Decode when the buffer is smaller than Size.
	ErrShort = errors.New("advert: payload too short")
	// ErrVersion is returned by Decode for an unknown layout version.
	ErrVersion = errors.New("advert: unsupported payload version")
)

// Payload is an encoded advertisement.
type Payload [Size]byte

// Opts configures the encoder.
type Opts struct {
	Manufacturer uint16
	Version      byte
}

// DefaultOpts is used by Encode.
var DefaultOpts = Opts{Manufacturer: Manufacturer, Version: Version}

// Encode builds a payload with DefaultOpts.
func Encode(seq uint8, milliVolts, temperature int16) Payload {
	return DefaultOpts.Encode(seq, milliVolts, temperature)
}

// Encode builds a payload. Fields never overlap so distinct inputs always
// produce distinct payloads.
func (o Opts) Encode(seq uint8, milliVolts, temperature int16) Payload {
	var p Payload
	binary.LittleEndian.PutUint16(p[0:2], o.Manufacturer)
	p[2] = o.Version
	p[3] = seq
	binary.BigEndian.PutUint16(p[4:6], uint16(milliVolts))
	binary.BigEndian.PutUint16(p[6:8], uint16(temperature))
	return p
}

// ManufacturerID returns the company identifier.
func (p Payload) ManufacturerID() uint16 {
	return binary.LittleEndian.Uint16(p[0:2])
}

// ManufacturerData returns the bytes following the company identifier, for
// radio stacks that take the identifier as a separate field.
func (p Payload) ManufacturerData() []byte {
	return append([]byte(nil), p[2:]...)
}

func (p Payload) String() string {
	return fmt.Sprintf("% X", p[:])
}

// Reading is a decoded payload.
type Reading struct {
	Manufacturer uint16
	Version      byte
	Sequence     uint8
	MilliVolts   int16
	// Temperature is in 1/100°C.
	Temperature int16
	// Valid is false when Temperature is Invalid.
	Valid bool
}

// Celsius returns the temperature in °C.
func (r *Reading) Celsius() float64 {
	return float64(r.Temperature) / 100
}

func (r *Reading) String() string {
	if !r.Valid {
		return fmt.Sprintf("#%d %dmV -", r.Sequence, r.MilliVolts)
	}
	return fmt.Sprintf("#%d %dmV %.2f°C", r.Sequence, r.MilliVolts, r.Celsius())
}

// Decode parses a full payload, including the manufacturer id, as seen by a
// passive listener.
func Decode(b []byte) (Reading, error) {
	if len(b) < Size {
		return Reading{}, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	r := Reading{
		Manufacturer: binary.LittleEndian.Uint16(b[0:2]),
		Version:      b[2],
		Sequence:     b[3],
		MilliVolts:   int16(binary.BigEndian.Uint16(b[4:6])),
		Temperature:  int16(binary.BigEndian.Uint16(b[6:8])),
	}
	if r.Version != Version {
		return Reading{}, fmt.Errorf("%w: %d", ErrVersion, r.Version)
	}
	r.Valid = r.Temperature != Invalid
	return r, nil
}

// Gap returns how many advertisements were missed between two sequence
// numbers, accounting for the 8 bit wrap. A duplicate yields -1.
func Gap(prev, next uint8) int {
	d := int(next - prev)
	if d == 0 {
		return -1
	}
	return d - 1
}
