// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package console implements a beacon.Advertiser that prints every broadcast
// window to the terminal using ANSI color codes.
//
// Useful on the bench, or while you are waiting for the radio board to come
// by mail: each window is one line with a temperature gauge and a supply
// gauge.
package console

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"github.com/GermanBionicSystems/tempsys/advert"
	"github.com/GermanBionicSystems/tempsys/beacon"
)

// Opts represents the options available for this console.
type Opts struct {
	// Width is the number of cells of each gauge.
	Width   int
	Palette *ansi256.Palette
	// Out defaults to a colorable stdout.
	Out io.Writer
	// Temperature gauge span, in 1/100°C.
	MinTemperature int16
	MaxTemperature int16
	// Supply gauge span, in mV.
	MinMilliVolts int16
	MaxMilliVolts int16

	_ struct{}
}

// DefaultOpts spans -20°C to 40°C and 2.0V to 3.6V.
var DefaultOpts = Opts{
	Width:          20,
	MinTemperature: -2000,
	MaxTemperature: 4000,
	MinMilliVolts:  2000,
	MaxMilliVolts:  3600,
}

var (
	off  = color.NRGBA{0x30, 0x30, 0x30, 255}
	cold = color.NRGBA{0x00, 0x60, 0xff, 255}
	hot  = color.NRGBA{0xff, 0x30, 0x00, 255}
	low  = color.NRGBA{0xff, 0x00, 0x00, 255}
	full = color.NRGBA{0x00, 0xff, 0x40, 255}
)

// Dev prints advertisements to a terminal.
type Dev struct {
	mu      sync.Mutex
	w       io.Writer
	palette ansi256.Palette
	opts    Opts
	buf     bytes.Buffer
}

// New returns a Dev that displays at the console. opts can be nil.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Width <= 0 {
		o.Width = DefaultOpts.Width
	}
	if o.MaxTemperature <= o.MinTemperature {
		o.MinTemperature, o.MaxTemperature = DefaultOpts.MinTemperature, DefaultOpts.MaxTemperature
	}
	if o.MaxMilliVolts <= o.MinMilliVolts {
		o.MinMilliVolts, o.MaxMilliVolts = DefaultOpts.MinMilliVolts, DefaultOpts.MaxMilliVolts
	}
	p := o.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := o.Out
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Dev{w: w, palette: *p, opts: o}
}

func (d *Dev) String() string {
	return "Console"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors so the shell prompt is not corrupted.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Advertise implements beacon.Advertiser. It prints p and holds for the
// window duration. An interrupted window is marked as superseded.
func (d *Dev) Advertise(ctx context.Context, p advert.Payload, w beacon.Window) error {
	r, err := advert.Decode(p[:])
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, err = d.refresh(&r)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	t := time.NewTimer(w.Duration)
	defer t.Stop()
	end := "\n"
	select {
	case <-t.C:
	case <-ctx.Done():
		err = ctx.Err()
		end = " superseded\n"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, werr := io.WriteString(d.w, end); werr != nil {
		return werr
	}
	return err
}

func (d *Dev) refresh(r *advert.Reading) (int, error) {
	d.buf.Reset()
	_, _ = fmt.Fprintf(&d.buf, "\r\033[0m#%03d ", r.Sequence)
	if r.Valid {
		d.gauge(int(r.Temperature), int(d.opts.MinTemperature), int(d.opts.MaxTemperature), cold, hot)
		_, _ = fmt.Fprintf(&d.buf, "\033[0m %7.2f°C ", r.Celsius())
	} else {
		d.gauge(0, 0, 1, off, off)
		_, _ = d.buf.WriteString("\033[0m    ----°C ")
	}
	d.gauge(int(r.MilliVolts), int(d.opts.MinMilliVolts), int(d.opts.MaxMilliVolts), low, full)
	_, _ = fmt.Fprintf(&d.buf, "\033[0m %5dmV", r.MilliVolts)
	n := d.buf.Len()
	_, err := d.buf.WriteTo(d.w)
	return n, err
}

// gauge writes Width cells, the first ones lit proportionally to v within
// [lo, hi], colored on a gradient from c0 to c1.
func (d *Dev) gauge(v, lo, hi int, c0, c1 color.NRGBA) {
	lit := (v - lo) * d.opts.Width / (hi - lo)
	if lit < 0 {
		lit = 0
	}
	if lit > d.opts.Width {
		lit = d.opts.Width
	}
	for i := 0; i < d.opts.Width; i++ {
		c := off
		if i < lit {
			c = blend(c0, c1, i, d.opts.Width)
		}
		_, _ = io.WriteString(&d.buf, d.palette.Block(c))
	}
}

func blend(c0, c1 color.NRGBA, i, n int) color.NRGBA {
	if n <= 1 {
		return c1
	}
	mix := func(a, b uint8) uint8 {
		return uint8((int(a)*(n-1-i) + int(b)*i) / (n - 1))
	}
	return color.NRGBA{mix(c0.R, c1.R), mix(c0.G, c1.G), mix(c0.B, c1.B), 255}
}

var _ beacon.Advertiser = &Dev{}
var _ fmt.Stringer = &Dev{}
