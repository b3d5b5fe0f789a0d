// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ina260 controls a Texas Instruments INA260 current and power
// monitor over I²C.
//
// On hosts without an ADC on the battery rail, the INA260 bus voltage
// measurement feeds the beacon supply voltage.
//
// # Datasheet
//
// https://www.ti.com/lit/ds/symlink/ina260.pdf
package ina260
