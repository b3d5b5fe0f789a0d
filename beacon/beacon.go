// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package beacon runs the broadcast loop of the temperature beacon.
//
// Each iteration samples the supply voltage, encodes an advertisement with
// the last known temperature and then races one advertising window against
// the arrival of a new temperature sample. A new sample cancels the window
// and starts the next iteration right away with the fresh value, so a slow
// or failing sensor never delays the broadcast cadence and a new reading
// never waits for a full window.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GermanBionicSystems/tempsys/advert"
)

// Window describes one broadcast window.
type Window struct {
	// Interval is the advertising interval, the time between two packets.
	Interval time.Duration
	// Duration is how long the window lasts.
	Duration time.Duration
}

// Advertiser transmits advertisements.
//
// Advertise broadcasts p for one window and returns when the window is over.
// When ctx is cancelled it must stop broadcasting and return promptly,
// leaving the transport usable for the next call.
type Advertiser interface {
	Advertise(ctx context.Context, p advert.Payload, w Window) error
}

// VoltageSensor returns the supply voltage in mV.
type VoltageSensor interface {
	Sense() (int16, error)
}

// Source delivers temperature samples in 1/100°C. Take blocks until a new
// sample is available. mailbox.Signal[int16] implements it.
type Source interface {
	Take(ctx context.Context) (int16, error)
}

// Winner tells which side of the race finished first.
type Winner int

const (
	// Broadcast means the advertising window completed first.
	Broadcast Winner = iota
	// Sample means a new temperature arrived first and the window was
	// abandoned.
	Sample
)

func (w Winner) String() string {
	switch w {
	case Broadcast:
		return "broadcast"
	case Sample:
		return "sample"
	default:
		return fmt.Sprintf("Winner(%d)", int(w))
	}
}

// Status describes one completed iteration.
type Status struct {
	Sequence    uint8
	MilliVolts  int16
	Temperature int16
	Payload     advert.Payload
	Winner      Winner
	// Fresh is the temperature received during the iteration, valid when
	// Updated is true.
	Fresh   int16
	Updated bool
}

// Opts holds the loop configuration.
type Opts struct {
	Window Window
	// Encoder sets the manufacturer id and layout version.
	Encoder advert.Opts
	// WaitFirstSample delays the first broadcast until the first
	// temperature sample, successful or not, has been produced.
	WaitFirstSample bool
	// Observer, if set, is called synchronously after every iteration.
	Observer func(Status)
	// Logger nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOpts is the production profile: one 5s window advertised every
// 5s.
var DefaultOpts = Opts{
	Window:          Window{Interval: 5 * time.Second, Duration: 5 * time.Second},
	Encoder:         advert.DefaultOpts,
	WaitFirstSample: true,
}

// Loop is the coordination loop. It owns the voltage sensor and the sequence
// counter and is the only reader of the temperature source.
type Loop struct {
	v    VoltageSensor
	src  Source
	adv  Advertiser
	opts Opts
	log  *slog.Logger

	seq  uint8
	temp int16
}

// New returns a Loop. opts can be nil.
func New(v VoltageSensor, src Source, adv Advertiser, opts *Opts) (*Loop, error) {
	if v == nil || src == nil || adv == nil {
		return nil, errors.New("beacon: voltage sensor, source and advertiser are required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Window.Interval <= 0 {
		return nil, errors.New("beacon: advertising interval must be positive")
	}
	if o.Window.Duration <= 0 {
		o.Window.Duration = o.Window.Interval
	}
	if o.Encoder == (advert.Opts{}) {
		o.Encoder = advert.DefaultOpts
	}
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Loop{
		v:    v,
		src:  src,
		adv:  adv,
		opts: o,
		log:  l,
		temp: advert.Invalid,
	}, nil
}

// Sequence returns the sequence number of the next advertisement.
func (l *Loop) Sequence() uint8 {
	return l.seq
}

// Temperature returns the last known temperature.
func (l *Loop) Temperature() int16 {
	return l.temp
}

// Run runs iterations until ctx is done or a collaborator fails.
//
// Sensor failures are not errors here; they show up as advert.Invalid in the
// temperature field. Converter and radio failures are returned.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.WaitFirstSample {
		t, err := l.src.Take(ctx)
		if err != nil {
			return err
		}
		l.temp = t
		l.log.Info("first temperature sample", "centi_celsius", t)
	}
	for {
		if _, err := l.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one iteration and returns what happened.
//
// The sequence counter advances by exactly one per call that reaches the
// race, whichever side wins.
func (l *Loop) Step(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	mv, err := l.v.Sense()
	if err != nil {
		return Status{}, fmt.Errorf("beacon: sampling voltage: %w", err)
	}
	st := Status{
		Sequence:    l.seq,
		MilliVolts:  mv,
		Temperature: l.temp,
		Payload:     l.opts.Encoder.Encode(l.seq, mv, l.temp),
	}
	l.log.Debug("advertising", "seq", st.Sequence, "mv", mv, "centi_celsius", l.temp)

	r := race(ctx,
		func(ctx context.Context) error {
			return l.adv.Advertise(ctx, st.Payload, l.opts.Window)
		},
		l.src.Take,
	)
	l.seq++
	st.Winner = r.winner

	// A sample that made it through is never dropped, even if the window won.
	if r.takeErr == nil {
		st.Fresh, st.Updated = r.temp, true
		l.temp = r.temp
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}
	if r.advErr != nil && !(r.winner == Sample && errors.Is(r.advErr, context.Canceled)) {
		return st, fmt.Errorf("beacon: advertising: %w", r.advErr)
	}
	if r.winner == Sample {
		l.log.Debug("window abandoned for a new sample", "seq", st.Sequence, "centi_celsius", r.temp)
	}
	if l.opts.Observer != nil {
		l.opts.Observer(st)
	}
	return st, nil
}

type raceResult struct {
	winner  Winner
	advErr  error
	temp    int16
	takeErr error
}

// race runs adv and take concurrently. As soon as one returns the other is
// cancelled, and race waits for it so nothing outlives the iteration.
func race(ctx context.Context, adv func(context.Context) error, take func(context.Context) (int16, error)) raceResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type sample struct {
		v   int16
		err error
	}
	advDone := make(chan error, 1)
	takeDone := make(chan sample, 1)
	go func() {
		advDone <- adv(ctx)
	}()
	go func() {
		v, err := take(ctx)
		takeDone <- sample{v, err}
	}()

	var r raceResult
	select {
	case r.advErr = <-advDone:
		r.winner = Broadcast
		cancel()
		s := <-takeDone
		r.temp, r.takeErr = s.v, s.err
	case s := <-takeDone:
		r.winner = Sample
		r.temp, r.takeErr = s.v, s.err
		cancel()
		r.advErr = <-advDone
	}
	return r
}
