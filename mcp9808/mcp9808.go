// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp9808

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// DefaultAddr is the address with A0-A2 tied low.
const DefaultAddr uint16 = 0x18

// Invalid is reported by a cycle that could not read the sensor.
const Invalid int16 = math.MaxInt16

const (
	// Addresses of registers to read/write.
	_REGISTER_CONFIGURATION byte = 0x01
	_REGISTER_TEMPERATURE   byte = 0x05
	_REGISTER_RESOLUTION    byte = 0x08

	// Bit 8 of the configuration register.
	_SHUTDOWN byte = 0x01

	_DEGREES_RESOLUTION physic.Temperature = 62_500 * physic.MicroKelvin
)

// Resolution is the conversion resolution written to the resolution register.
type Resolution byte

const (
	// HalfDegree converts in 30ms. This is the power on default.
	HalfDegree Resolution = iota
	// QuarterDegree converts in 65ms.
	QuarterDegree
	// EighthDegree converts in 130ms.
	EighthDegree
	// SixteenthDegree converts in 250ms.
	SixteenthDegree
)

// ConversionTime returns the typical conversion time from the datasheet.
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case QuarterDegree:
		return 65 * time.Millisecond
	case EighthDegree:
		return 130 * time.Millisecond
	case SixteenthDegree:
		return 250 * time.Millisecond
	default:
		return 30 * time.Millisecond
	}
}

// Precision returns the temperature step at this resolution.
func (r Resolution) Precision() physic.Temperature {
	return _DEGREES_RESOLUTION << (3 - uint(r&0x03))
}

// State is the calibration state of the driver.
type State uint8

const (
	// Uncalibrated means the resolution register must be written before the
	// next read. The driver starts in this state and falls back to it after
	// any bus failure.
	Uncalibrated State = iota
	// Calibrated means the resolution register was written successfully and
	// read cycles can proceed.
	Calibrated
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrated:
		return "calibrated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Publisher receives the result of every cycle. mailbox.Signal[int16]
// implements it.
type Publisher interface {
	Publish(v int16)
}

// Opts holds the configuration options for the device.
type Opts struct {
	// Addr is the 7 bit I²C address. 0 means DefaultAddr.
	Addr uint16
	// Resolution is written to the sensor when calibrating.
	Resolution Resolution
	// Timeout bounds every bus transaction. It must be positive.
	Timeout time.Duration
	// SettleDelay is the wait between waking the sensor up and reading the
	// temperature. It should be at least Resolution.ConversionTime().
	SettleDelay time.Duration
	// ResolutionSettle is the wait after writing the resolution register.
	ResolutionSettle time.Duration
	// Interval is the pause between two cycles in Run.
	Interval time.Duration
	// MaxBackoff, when greater than Interval, doubles the pause after each
	// consecutive calibration failure up to MaxBackoff. 0 disables backoff
	// and the sensor is retried every Interval forever.
	MaxBackoff time.Duration
	// Logger receives cycle failures. nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOpts matches the production profile of the beacon.
var DefaultOpts = Opts{
	Addr:             DefaultAddr,
	Resolution:       HalfDegree,
	Timeout:          100 * time.Millisecond,
	SettleDelay:      100 * time.Millisecond,
	ResolutionSettle: 10 * time.Millisecond,
	Interval:         30 * time.Second,
}

func (o *Opts) validate() error {
	if o.Addr > 0x7F {
		return fmt.Errorf("mcp9808: invalid 7 bit address %#x", o.Addr)
	}
	if o.Resolution > SixteenthDegree {
		return fmt.Errorf("mcp9808: invalid resolution %d", o.Resolution)
	}
	if o.Timeout <= 0 {
		return errors.New("mcp9808: bus timeout must be positive")
	}
	if o.SettleDelay < 0 || o.ResolutionSettle < 0 {
		return errors.New("mcp9808: negative settle delay")
	}
	if o.Interval <= 0 {
		return errors.New("mcp9808: sample interval must be positive")
	}
	return nil
}

// Dev is a handle to an MCP9808.
//
// It owns its bus connection: no other code should address the sensor while
// Run or SenseContinuous is active.
type Dev struct {
	d    *i2c.Dev
	opts Opts
	log  *slog.Logger

	mu    sync.Mutex
	state State
	// failures counts consecutive calibration failures.
	failures int
	// pending is set when a transaction timed out and is still owning the
	// bus. It is drained before the next transaction starts.
	pending <-chan error

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewI2C returns a driver for an MCP9808 on bus b. opts can be nil.
//
// The bus is not accessed; the first cycle calibrates the sensor. An error is
// only returned for an invalid configuration.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	if b == nil {
		return nil, errors.New("mcp9808: nil bus")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Addr == 0 {
		o.Addr = DefaultAddr
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Dev{
		d:    &i2c.Dev{Bus: b, Addr: o.Addr},
		opts: o,
		log:  l.With("dev", "mcp9808", "addr", fmt.Sprintf("%#02x", o.Addr)),
	}, nil
}

// State returns the current calibration state.
func (d *Dev) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Cycle runs one step of the state machine and returns the temperature in
// 1/100°C.
//
// When Uncalibrated, the resolution is written first; on success the driver
// becomes Calibrated, waits ResolutionSettle and reads in the same cycle. On
// any failure Invalid is returned with the error and the driver is left
// Uncalibrated.
func (d *Dev) Cycle(ctx context.Context) (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycle(ctx)
}

func (d *Dev) cycle(ctx context.Context) (int16, error) {
	if d.state == Uncalibrated {
		if err := d.calibrate(ctx); err != nil {
			d.failures++
			return Invalid, err
		}
		d.failures = 0
	}
	t, err := d.readTemperature(ctx)
	if err != nil {
		d.state = Uncalibrated
		return Invalid, err
	}
	return t, nil
}

func (d *Dev) calibrate(ctx context.Context) error {
	d.log.Debug("set resolution", "resolution", d.opts.Resolution)
	if err := d.tx(ctx, "set resolution", []byte{_REGISTER_RESOLUTION, byte(d.opts.Resolution)}, nil); err != nil {
		return err
	}
	d.state = Calibrated
	return sleep(ctx, d.opts.ResolutionSettle)
}

// readTemperature wakes the sensor, reads one conversion and shuts it down.
func (d *Dev) readTemperature(ctx context.Context) (int16, error) {
	if err := d.tx(ctx, "wake up", []byte{_REGISTER_CONFIGURATION, 0x00, 0x00}, nil); err != nil {
		return Invalid, err
	}
	if err := sleep(ctx, d.opts.SettleDelay); err != nil {
		return Invalid, err
	}
	r := make([]byte, 2)
	if err := d.tx(ctx, "read temperature", []byte{_REGISTER_TEMPERATURE}, r); err != nil {
		return Invalid, err
	}
	t := Decode(r[0], r[1])
	d.log.Debug("temperature", "centi_celsius", t, "upper", r[0], "lower", r[1])
	if err := d.tx(ctx, "shutdown", []byte{_REGISTER_CONFIGURATION, _SHUTDOWN, 0x00}, nil); err != nil {
		return Invalid, err
	}
	return t, nil
}

// tx runs one bus transaction bounded by Opts.Timeout.
//
// i2c.Bus has no way to abort a transfer, so the transfer runs in its own
// goroutine. On timeout its completion is kept in d.pending and awaited by
// the next transaction, so two transfers never overlap on the bus.
func (d *Dev) tx(ctx context.Context, op string, w, r []byte) error {
	if d.pending != nil {
		if err := d.drain(ctx, op); err != nil {
			return err
		}
	}
	tctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	// The transfer reads into its own buffer so a late completion can't
	// write into r.
	var buf []byte
	if len(r) != 0 {
		buf = make([]byte, len(r))
	}
	done := make(chan error, 1)
	go func() {
		done <- d.d.Tx(w, buf)
	}()
	select {
	case err := <-done:
		if err != nil {
			return &BusError{Op: op, Err: err}
		}
		copy(r, buf)
		return nil
	case <-tctx.Done():
		d.pending = done
		if err := ctx.Err(); err != nil {
			return err
		}
		return &TimeoutError{Op: op, Timeout: d.opts.Timeout}
	}
}

func (d *Dev) drain(ctx context.Context, op string) error {
	t := time.NewTimer(d.opts.Timeout)
	defer t.Stop()
	select {
	case <-d.pending:
		d.pending = nil
		return nil
	case <-t.C:
		return &TimeoutError{Op: op + ": bus still busy", Timeout: d.opts.Timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run samples the sensor forever, publishing every result, including
// Invalid, to out and sleeping Opts.Interval between cycles.
//
// Bus failures are logged and recovered from; they never stop the loop. Run
// returns ctx.Err() once ctx is done.
func (d *Dev) Run(ctx context.Context, out Publisher) error {
	if out == nil {
		return errors.New("mcp9808: nil publisher")
	}
	for {
		d.mu.Lock()
		t, err := d.cycle(ctx)
		state, failures := d.state, d.failures
		wait := d.nextDelay()
		d.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.log.Warn("temperature cycle failed", "err", err, "state", state, "failures", failures)
		}
		out.Publish(t)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// nextDelay returns the pause before the next cycle. It must be called with
// d.mu held.
func (d *Dev) nextDelay() time.Duration {
	delay := d.opts.Interval
	if d.opts.MaxBackoff <= delay {
		return delay
	}
	for i := 1; i < d.failures && delay < d.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.opts.MaxBackoff {
		delay = d.opts.MaxBackoff
	}
	return delay
}

// Sense runs one cycle and writes the temperature to env. Implements
// physic.SenseEnv.
func (d *Dev) Sense(env *physic.Env) error {
	t, err := d.Cycle(context.Background())
	if err != nil {
		return err
	}
	env.Temperature = ToTemperature(t)
	return nil
}

// SenseContinuous runs a cycle every interval and writes successful readings
// to the returned channel. Call Halt() to stop it. Implements
// physic.SenseEnv.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if floor := d.opts.SettleDelay + d.opts.ResolutionSettle; interval <= floor {
		return nil, fmt.Errorf("mcp9808: interval must be greater than %s", floor)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, errors.New("mcp9808: already sensing continuously")
	}
	d.stop = make(chan struct{})
	env := make(chan physic.Env)
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		defer close(env)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				var e physic.Env
				if err := d.Sense(&e); err != nil {
					d.log.Warn("continuous sense failed", "err", err)
					continue
				}
				select {
				case env <- e:
				case <-stop:
					return
				}
			}
		}
	}(d.stop)
	return env, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(env *physic.Env) {
	env.Temperature = d.opts.Resolution.Precision()
	env.Pressure = 0
	env.Humidity = 0
}

// Halt stops SenseContinuous, if running, and puts the sensor in shutdown.
// Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx(context.Background(), "shutdown", []byte{_REGISTER_CONFIGURATION, _SHUTDOWN, 0x00}, nil)
}

func (d *Dev) String() string {
	return fmt.Sprintf("mcp9808: %s", d.d.String())
}

// Raw returns the signed 13 bit ambient temperature register in 1/16°C.
//
// The three upper bits of upper hold the alert flags and are ignored.
func Raw(upper, lower byte) int16 {
	v := int16(upper&0x1F)<<8 | int16(lower)
	// Move bit 12, the sign, to bit 15 and back to sign extend.
	return v << 3 >> 3
}

// Encode is the inverse of Raw: it returns the register bytes for a
// temperature in 1/16°C, with the alert flags cleared.
func Encode(sixteenths int16) (upper, lower byte) {
	u := uint16(sixteenths) & 0x1FFF
	return byte(u >> 8), byte(u)
}

// Centi converts 1/16°C to 1/100°C, rounding half away from zero.
func Centi(sixteenths int16) int16 {
	v := int32(sixteenths) * 100
	if v >= 0 {
		return int16((v + 8) / 16)
	}
	return int16((v - 8) / 16)
}

// Decode converts the ambient temperature register to 1/100°C.
func Decode(upper, lower byte) int16 {
	return Centi(Raw(upper, lower))
}

// ToTemperature converts 1/100°C to a physic.Temperature.
func ToTemperature(centi int16) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(centi)*10*physic.MilliKelvin
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
