// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package statusview renders the beacon status onto a periph display.
//
// It is meant for bench units with a small panel such as a 128x64 ssd1306:
// three lines of text (sequence, temperature, supply) and a supply gauge at
// the bottom. Any display.Drawer works.
package statusview

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/display"

	"github.com/GermanBionicSystems/tempsys/advert"
	"github.com/GermanBionicSystems/tempsys/beacon"
)

// Opts configures the panel.
type Opts struct {
	// FontSize is the size in points of the Go Regular face. 0 selects the
	// 7x13 bitmap face, which is sharper on monochrome panels.
	FontSize float64
	// Foreground and Background default to white on black.
	Foreground color.Color
	Background color.Color
	// Supply gauge span, in mV.
	MinMilliVolts int16
	MaxMilliVolts int16
	// Logger nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOpts is used when New gets nil options.
var DefaultOpts = Opts{
	MinMilliVolts: 2000,
	MaxMilliVolts: 3600,
}

// Dev draws beacon.Status values on a display.
type Dev struct {
	mu   sync.Mutex
	d    display.Drawer
	dc   *gg.Context
	face font.Face
	opts Opts
	log  *slog.Logger
}

// New returns a view drawing on d. opts can be nil.
func New(d display.Drawer, opts *Opts) (*Dev, error) {
	if d == nil {
		return nil, errors.New("statusview: display is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Foreground == nil {
		o.Foreground = color.White
	}
	if o.Background == nil {
		o.Background = color.Black
	}
	if o.MaxMilliVolts <= o.MinMilliVolts {
		o.MinMilliVolts, o.MaxMilliVolts = DefaultOpts.MinMilliVolts, DefaultOpts.MaxMilliVolts
	}
	var face font.Face = basicfont.Face7x13
	if o.FontSize > 0 {
		f, err := truetype.Parse(goregular.TTF)
		if err != nil {
			return nil, fmt.Errorf("statusview: parsing font: %w", err)
		}
		face = truetype.NewFace(f, &truetype.Options{Size: o.FontSize, Hinting: font.HintingFull})
	}
	r := d.Bounds()
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return nil, fmt.Errorf("statusview: empty display bounds %v", r)
	}
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	dc := gg.NewContext(r.Dx(), r.Dy())
	dc.SetFontFace(face)
	return &Dev{d: d, dc: dc, face: face, opts: o, log: l}, nil
}

// Lines returns the text lines shown for st.
func Lines(st beacon.Status) []string {
	temp := "--.-- °C"
	if st.Temperature != advert.Invalid {
		temp = fmt.Sprintf("%.2f °C", float64(st.Temperature)/100)
	}
	return []string{
		fmt.Sprintf("#%03d %s", st.Sequence, st.Winner),
		temp,
		fmt.Sprintf("%d mV", st.MilliVolts),
	}
}

// Render draws st off screen and returns the frame.
func (v *Dev) Render(st beacon.Status) image.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.render(st)
}

func (v *Dev) render(st beacon.Status) image.Image {
	dc := v.dc
	w, h := float64(dc.Width()), float64(dc.Height())
	dc.SetColor(v.opts.Background)
	dc.Clear()
	dc.SetColor(v.opts.Foreground)

	lh := float64(v.face.Metrics().Height.Ceil())
	for i, line := range Lines(st) {
		dc.DrawString(line, 1, lh*float64(i+1)-2)
	}

	// Supply gauge on the last rows.
	bar := h / 8
	if bar < 2 {
		bar = 2
	}
	frac := float64(st.MilliVolts-v.opts.MinMilliVolts) / float64(v.opts.MaxMilliVolts-v.opts.MinMilliVolts)
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	dc.DrawRectangle(0.5, h-bar+0.5, w-1, bar-1)
	dc.SetLineWidth(1)
	dc.Stroke()
	if frac > 0 {
		dc.DrawRectangle(0, h-bar, w*frac, bar)
		dc.Fill()
	}
	return dc.Image()
}

// Update renders st and sends it to the display.
func (v *Dev) Update(st beacon.Status) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	img := v.render(st)
	if err := v.d.Draw(v.d.Bounds(), img, image.Point{}); err != nil {
		return fmt.Errorf("statusview: %w", err)
	}
	return nil
}

// Observe is a beacon.Opts Observer. Display errors are logged, never
// propagated to the broadcast loop.
func (v *Dev) Observe(st beacon.Status) {
	if err := v.Update(st); err != nil {
		v.log.Warn("status display update failed", "err", err)
	}
}

// Halt implements conn.Resource. It halts the underlying display.
func (v *Dev) Halt() error {
	return v.d.Halt()
}

func (v *Dev) String() string {
	return "statusview{" + v.d.String() + "}"
}
