// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/GermanBionicSystems/tempsys/internal/config"
)

// New returns a logger writing to stderr: colored text for the text format,
// JSON otherwise.
func New(cfg *config.Config, version string) *slog.Logger {
	return NewWriter(cfg, version, os.Stderr)
}

// NewWriter is New with an explicit output.
func NewWriter(cfg *config.Config, version string, w io.Writer) *slog.Logger {
	if cfg.Log.Format == "text" {
		noColor := true
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			noColor = false
			w = colorable.NewColorable(f)
		}
		h := tint.NewHandler(w, &tint.Options{
			Level:      cfg.LogLevel(),
			AddSource:  cfg.Profile == config.Debug,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor,
		})
		return slog.New(h).With("app", "tempsys")
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})
	return slog.New(h).With(
		"app", "tempsys",
		"version", version,
		"profile", string(cfg.Profile),
	)
}
