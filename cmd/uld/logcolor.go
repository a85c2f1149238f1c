// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
)

var (
	colorDebug = color.New(color.FgHiBlack)
	colorInfo  = color.New(color.FgCyan)
	colorWarn  = color.New(color.FgYellow, color.Bold)
	colorError = color.New(color.FgRed, color.Bold)
)

func levelColor(level slog.Level) *color.Color {
	switch {
	case level < slog.LevelInfo:
		return colorDebug
	case level < slog.LevelWarn:
		return colorInfo
	case level < slog.LevelError:
		return colorWarn
	default:
		return colorError
	}
}

// colorHandler is a minimal slog.Handler that writes one colorized
// line per record: the level in its semantic color, the message, then
// any attributes as key=value pairs.
type colorHandler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
}

func newColorHandler(w io.Writer, level slog.Leveler) *colorHandler {
	return &colorHandler{w: w, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	c := levelColor(r.Level)
	line := c.Sprintf("%s", r.Level.String()) + ": " + r.Message
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{w: h.w, level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	// Groups are rare in this CLI's diagnostics; flatten rather than
	// nest, matching the flat file/symbol/section attrs linkerr.Error
	// already carries.
	return h
}
