// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.
//
// Package mcp9808 provides a power conscious driver for the Microchip MCP9808
// I²C digital temperature sensor.
//
// The sensor is kept in shutdown between readings. Each cycle wakes it up,
// waits for a conversion, reads the ambient temperature register and puts it
// back to sleep. Every bus transaction is bounded by a timeout. Any failure
// drops the driver back to the Uncalibrated state so the next cycle rewrites
// the resolution register before reading again, which recovers from bus
// glitches and sensor power cycles.
//
// Temperatures are reported as signed hundredths of a degree Celsius; Invalid
// is reported for a failed cycle.
//
// Range: -40°C - 125°C
//
// Accuracy: +/- 0.25°C typical
//
// Resolution: 0.0625°C
//
// For detailed information, refer to the [datasheet].
//
// [datasheet]: https://ww1.microchip.com/downloads/en/DeviceDoc/25095A.pdf
package mcp9808
