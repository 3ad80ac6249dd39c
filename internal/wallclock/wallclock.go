// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package wallclock isolates direct use of time.Now and context timeout
// construction behind a single instance, so tests can substitute a fake
// clock without threading one through every call site.
package wallclock

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and timeout context construction.
type Clock interface {
	Now() time.Time
	WithTimeoutCause(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) WithTimeoutCause(
	ctx context.Context,
	d time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, d, cause)
}

// Instance is the process-wide clock used throughout the module. Tests may
// swap it for a fake implementing Clock.
var Instance Clock = realClock{}
