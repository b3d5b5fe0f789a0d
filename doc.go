// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tempsys is a container for the drivers and the scheduling loop of a
// battery powered temperature beacon.
//
// The beacon samples an MCP9808 over I²C (package mcp9808) and its supply
// voltage through an ADC (packages supply and ina260), hands temperature
// samples over a single slot mailbox (package mailbox) and broadcasts both
// values in a BLE advertisement (packages advert, beacon and bleadv).
//
// On the bench, package console prints the advertisements to a terminal and
// package statusview mirrors them on a small display.
//
// The executable lives in cmd/tempsys.
package tempsys
