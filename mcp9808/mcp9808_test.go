// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp9808

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

const addr uint16 = DefaultAddr

var (
	opResolution = i2ctest.IO{Addr: addr, W: []byte{_REGISTER_RESOLUTION, 0x00}}
	opWake       = i2ctest.IO{Addr: addr, W: []byte{_REGISTER_CONFIGURATION, 0x00, 0x00}}
	opShutdown   = i2ctest.IO{Addr: addr, W: []byte{_REGISTER_CONFIGURATION, 0x01, 0x00}}
)

func opRead(upper, lower byte) i2ctest.IO {
	return i2ctest.IO{Addr: addr, W: []byte{_REGISTER_TEMPERATURE}, R: []byte{upper, lower}}
}

func fastOpts() *Opts {
	return &Opts{
		Addr:             addr,
		Timeout:          50 * time.Millisecond,
		SettleDelay:      time.Millisecond,
		ResolutionSettle: time.Millisecond,
		Interval:         time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// step is one scripted transaction of scriptBus.
type step struct {
	w     []byte
	r     []byte
	err   error
	delay time.Duration
}

// scriptBus is an i2c.Bus that plays back steps and can inject failures and
// stalls.
type scriptBus struct {
	mu    sync.Mutex
	steps []step
	n     int
	log   [][]byte
}

func (s *scriptBus) String() string {
	return "script"
}

func (s *scriptBus) SetSpeed(f physic.Frequency) error {
	return nil
}

func (s *scriptBus) Tx(a uint16, w, r []byte) error {
	s.mu.Lock()
	if s.n >= len(s.steps) {
		s.mu.Unlock()
		return fmt.Errorf("unexpected Tx #%d %#v", s.n, w)
	}
	st := s.steps[s.n]
	s.n++
	s.log = append(s.log, append([]byte(nil), w...))
	s.mu.Unlock()
	if a != addr {
		return fmt.Errorf("unexpected address %#x", a)
	}
	if !bytes.Equal(st.w, w) {
		return fmt.Errorf("unexpected write %#v, expected %#v", w, st.w)
	}
	if st.delay != 0 {
		time.Sleep(st.delay)
	}
	copy(r, st.r)
	return st.err
}

func (s *scriptBus) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.log...)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		upper, lower byte
		expected     int16
	}{
		{0x00, 0x00, 0},
		{0x01, 0x90, 2500},
		{0x05, 0x00, 8000},
		{0x1F, 0xFC, -25},
		{0x1F, 0xF0, -100},
		{0x1E, 0x70, -2500},
		{0x1D, 0x80, -4000},
		{0x07, 0xD0, 12500},
		// Alert flags in bits 15-13 are ignored.
		{0xE1, 0x90, 2500},
		{0xFF, 0xFC, -25},
		// Rounding half away from zero.
		{0x00, 0x01, 6},
		{0x00, 0x02, 13},
		{0x1F, 0xFE, -13},
		{0x0F, 0xFF, 25594},
		{0x10, 0x00, -25600},
	}
	for _, test := range tests {
		if got := Decode(test.upper, test.lower); got != test.expected {
			t.Errorf("Decode(%#02x, %#02x) = %d, expected %d", test.upper, test.lower, got, test.expected)
		}
	}
}

func TestRawRoundTrip(t *testing.T) {
	for upper := 0; upper <= 0x1F; upper++ {
		for lower := 0; lower <= 0xFF; lower++ {
			v := Raw(byte(upper), byte(lower))
			if v < -4096 || v > 4095 {
				t.Fatalf("Raw(%#02x, %#02x) = %d out of 13 bit range", upper, lower, v)
			}
			u, l := Encode(v)
			if u != byte(upper) || l != byte(lower) {
				t.Fatalf("Encode(Raw(%#02x, %#02x)) = %#02x, %#02x", upper, lower, u, l)
			}
			if Raw(u, l) != v {
				t.Fatalf("Raw(Encode(%d)) = %d", v, Raw(u, l))
			}
		}
	}
}

func TestToTemperature(t *testing.T) {
	if got := ToTemperature(2500); got != physic.ZeroCelsius+25*physic.Kelvin {
		t.Fatalf("got %s", got)
	}
	if got := ToTemperature(-25); got != physic.ZeroCelsius-250*physic.MilliKelvin {
		t.Fatalf("got %s", got)
	}
}

func TestCycle(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			opResolution,
			opWake, opRead(0x01, 0x90), opShutdown,
			opWake, opRead(0x1F, 0xFC), opShutdown,
		},
		DontPanic: true,
	}
	defer pb.Close()
	record := &i2ctest.Record{Bus: pb}
	dev, err := NewI2C(record, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.State(); s != Uncalibrated {
		t.Fatalf("initial state %s", s)
	}
	for _, expected := range []int16{2500, -25} {
		got, err := dev.Cycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != expected {
			t.Errorf("got %d, expected %d", got, expected)
		}
		if s := dev.State(); s != Calibrated {
			t.Errorf("state %s after a good cycle", s)
		}
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
	t.Logf("record.ops=%#v", record.Ops)
}

func TestResolutionWrite(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x19, W: []byte{_REGISTER_RESOLUTION, byte(SixteenthDegree)}},
			{Addr: 0x19, W: []byte{_REGISTER_CONFIGURATION, 0x00, 0x00}},
			{Addr: 0x19, W: []byte{_REGISTER_TEMPERATURE}, R: []byte{0x01, 0x91}},
			{Addr: 0x19, W: []byte{_REGISTER_CONFIGURATION, 0x01, 0x00}},
		},
		DontPanic: true,
	}
	opts := fastOpts()
	opts.Addr = 0x19
	opts.Resolution = SixteenthDegree
	dev, err := NewI2C(pb, opts)
	if err != nil {
		t.Fatal(err)
	}
	var e physic.Env
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	// 0x191 = 401/16 = 25.0625°C, reported as 25.06°C.
	if expected := physic.ZeroCelsius + 25060*physic.MilliKelvin; e.Temperature != expected {
		t.Errorf("got %s, expected %s", e.Temperature, expected)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestBusErrorForcesCalibration(t *testing.T) {
	glitch := errors.New("nack")
	bus := &scriptBus{steps: []step{
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x01, 0x90}},
		{w: opShutdown.W},
		// Second cycle fails on the read.
		{w: opWake.W},
		{w: opRead(0, 0).W, err: glitch},
		// Third cycle must calibrate again before reading.
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x01, 0x80}},
		{w: opShutdown.W},
	}}
	dev, err := NewI2C(bus, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if v, err := dev.Cycle(ctx); err != nil || v != 2500 {
		t.Fatalf("first cycle = %d, %v", v, err)
	}

	v, err := dev.Cycle(ctx)
	if v != Invalid {
		t.Errorf("failed cycle reported %d, expected Invalid", v)
	}
	var be *BusError
	if !errors.As(err, &be) || !errors.Is(err, glitch) || be.Op != "read temperature" {
		t.Errorf("unexpected error %v", err)
	}
	if s := dev.State(); s != Uncalibrated {
		t.Errorf("state %s after a bus error", s)
	}

	if v, err := dev.Cycle(ctx); err != nil || v != 2400 {
		t.Fatalf("third cycle = %d, %v", v, err)
	}
	w := bus.writes()
	if len(w) != 10 || !bytes.Equal(w[6], opResolution.W) {
		t.Fatalf("resolution was not rewritten after the failure: %#v", w)
	}
}

func TestShutdownFailureIsCycleFailure(t *testing.T) {
	bus := &scriptBus{steps: []step{
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x01, 0x90}},
		{w: opShutdown.W, err: errors.New("arbitration lost")},
	}}
	dev, err := NewI2C(bus, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	if v, err := dev.Cycle(context.Background()); err == nil || v != Invalid {
		t.Fatalf("got %d, %v; expected Invalid and an error", v, err)
	}
	if s := dev.State(); s != Uncalibrated {
		t.Errorf("state %s", s)
	}
}

func TestCalibrationFailureSkipsRead(t *testing.T) {
	bus := &scriptBus{steps: []step{
		{w: opResolution.W, err: errors.New("no ack")},
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x00, 0x00}},
		{w: opShutdown.W},
	}}
	dev, err := NewI2C(bus, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	if v, err := dev.Cycle(context.Background()); err == nil || v != Invalid {
		t.Fatalf("got %d, %v", v, err)
	}
	if n := len(bus.writes()); n != 1 {
		t.Fatalf("%d transactions after a failed calibration, expected 1", n)
	}
	if v, err := dev.Cycle(context.Background()); err != nil || v != 0 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestTimeout(t *testing.T) {
	opts := fastOpts()
	opts.Timeout = 20 * time.Millisecond
	bus := &scriptBus{steps: []step{
		{w: opResolution.W},
		{w: opWake.W, delay: 60 * time.Millisecond},
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x05, 0x00}},
		{w: opShutdown.W},
	}}
	dev, err := NewI2C(bus, opts)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	v, err := dev.Cycle(context.Background())
	if !errors.Is(err, ErrTimeout) || v != Invalid {
		t.Fatalf("got %d, %v; expected a timeout", v, err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "wake up" {
		t.Fatalf("unexpected error %#v", err)
	}
	if d := time.Since(start); d >= 60*time.Millisecond {
		t.Errorf("timeout took %s, the stalled transfer was awaited", d)
	}
	if s := dev.State(); s != Uncalibrated {
		t.Errorf("state %s after a timeout", s)
	}
	// The stalled transfer completes within the next Timeout and the cycle
	// recovers.
	time.Sleep(40 * time.Millisecond)
	if v, err := dev.Cycle(context.Background()); err != nil || v != 8000 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestRun(t *testing.T) {
	bus := &scriptBus{steps: []step{
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x01, 0x90}},
		{w: opShutdown.W},
		{w: opWake.W, err: errors.New("nack")},
		{w: opResolution.W},
		{w: opWake.W},
		{w: opRead(0, 0).W, r: []byte{0x01, 0x80}},
		{w: opShutdown.W},
	}}
	dev, err := NewI2C(bus, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{want: 3, done: make(chan struct{})}
	errc := make(chan error, 1)
	go func() { errc <- dev.Run(ctx, rec) }()
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not publish three results")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	got := rec.values()
	expected := []int16{2500, Invalid, 2400}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("published %v, expected %v", got[:3], expected)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	v    []int16
	want int
	done chan struct{}
}

func (r *recorder) Publish(v int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v = append(r.v, v)
	if len(r.v) == r.want {
		close(r.done)
	}
}

func (r *recorder) values() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int16(nil), r.v...)
}

func TestNextDelay(t *testing.T) {
	opts := fastOpts()
	opts.Interval = time.Second
	dev, err := NewI2C(&scriptBus{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	for failures := 0; failures < 5; failures++ {
		dev.failures = failures
		if d := dev.nextDelay(); d != time.Second {
			t.Errorf("backoff disabled: %d failures gave %s", failures, d)
		}
	}

	dev.opts.MaxBackoff = 5 * time.Second
	for failures, expected := range []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		dev.failures = failures
		if d := dev.nextDelay(); d != expected {
			t.Errorf("%d failures: got %s, expected %s", failures, d, expected)
		}
	}
}

func TestNewI2CInvalid(t *testing.T) {
	if _, err := NewI2C(nil, nil); err == nil {
		t.Error("expected error on nil bus")
	}
	for _, mutate := range []func(o *Opts){
		func(o *Opts) { o.Addr = 0x80 },
		func(o *Opts) { o.Timeout = 0 },
		func(o *Opts) { o.Interval = 0 },
		func(o *Opts) { o.SettleDelay = -time.Second },
		func(o *Opts) { o.Resolution = 4 },
	} {
		o := fastOpts()
		mutate(o)
		if _, err := NewI2C(&scriptBus{}, o); err == nil {
			t.Errorf("expected error for %+v", o)
		}
	}
}

func TestHalt(t *testing.T) {
	pb := &i2ctest.Playback{Ops: []i2ctest.IO{opShutdown}, DontPanic: true}
	dev, err := NewI2C(pb, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestSenseContinuous(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			opResolution,
			opWake, opRead(0x01, 0x90), opShutdown,
			opWake, opRead(0x01, 0x80), opShutdown,
		},
		DontPanic: true,
	}
	dev, err := NewI2C(pb, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(time.Millisecond); err == nil {
		t.Error("expected error on an interval shorter than the settle delays")
	}
	ch, err := dev.SenseContinuous(20 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	for _, expected := range []physic.Temperature{
		physic.ZeroCelsius + 25*physic.Kelvin,
		physic.ZeroCelsius + 24*physic.Kelvin,
	} {
		e := <-ch
		if e.Temperature != expected {
			t.Errorf("got %s, expected %s", e.Temperature, expected)
		}
	}
	// Playback is exhausted now, so Halt's shutdown write fails; the loop
	// must still terminate and close the channel.
	_ = dev.Halt()
	for range ch {
	}
}

func TestPrecision(t *testing.T) {
	for r, expected := range map[Resolution]physic.Temperature{
		HalfDegree:      500 * physic.MilliKelvin,
		QuarterDegree:   250 * physic.MilliKelvin,
		EighthDegree:    125 * physic.MilliKelvin,
		SixteenthDegree: 62500 * physic.MicroKelvin,
	} {
		if got := r.Precision(); got != expected {
			t.Errorf("%d: got %s, expected %s", r, got, expected)
		}
	}
}

func TestString(t *testing.T) {
	dev, err := NewI2C(&scriptBus{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.String(); s != "mcp9808: script(24)" {
		t.Errorf("unexpected String() %q", s)
	}
	if Calibrated.String() != "calibrated" || State(7).String() != "State(7)" {
		t.Error("unexpected State strings")
	}
}
