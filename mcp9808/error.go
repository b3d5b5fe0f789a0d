// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp9808

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches any TimeoutError with errors.Is.
var ErrTimeout = errors.New("mcp9808: bus timeout")

// TimeoutError is returned when a bus transaction did not complete in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp9808: %s: no response within %s", e.Op, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// BusError wraps an error returned by the I²C bus.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("mcp9808: %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}
