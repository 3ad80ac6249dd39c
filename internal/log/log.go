// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package log wraps log/slog with nil-safe helpers and structured-error
// logging, so every envoy can log through one small surface regardless of
// whether the caller configured a logger.
package log

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/kestrelmq/protocol/internal/wallclock"
)

// Logger wraps an *slog.Logger, tolerating a nil Wrapped (logging becomes a
// no-op rather than a panic).
type Logger struct{ Wrapped *slog.Logger }

// Attrs is implemented by errors that want to contribute extra structured
// fields when logged (e.g. a CloudEvent carrying id/source/type).
type Attrs interface {
	Attrs() []slog.Attr
}

// Wrap builds a Logger, preferring the first non-nil of the given loggers.
// Envoy constructors pass only their own Logger option.
func Wrap(loggers ...*slog.Logger) Logger {
	for _, l := range loggers {
		if l != nil {
			return Logger{l}
		}
	}
	return Logger{}
}

// Log mirrors the slog.Logger.Log wrapping pattern: callers use this to
// build their own leveled helpers while preserving accurate caller frames.
// See https://pkg.go.dev/log/slog#hdr-Wrapping_output_methods.
func (l Logger) Log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(wallclock.Instance.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.Wrapped.Handler().Handle(ctx, r)
}

// Debug logs at LevelDebug.
func (l Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at LevelInfo.
func (l Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at LevelWarn.
func (l Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelWarn, msg, attrs...)
}

// Err logs err at LevelError, pulling in any Attrs it exposes.
func (l Logger) Err(ctx context.Context, err error) {
	if a, ok := err.(Attrs); ok {
		l.Log(ctx, slog.LevelError, err.Error(), a.Attrs()...)
		return
	}
	l.Log(ctx, slog.LevelError, err.Error())
}

// Enabled reports whether logging at level would produce output.
func (l Logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.Wrapped != nil && l.Wrapped.Enabled(ctx, level)
}
