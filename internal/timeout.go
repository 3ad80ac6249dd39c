// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal/wallclock"
)

// Timeout validates and applies a configured duration as a context
// deadline. A zero Duration means "no timeout" (context.WithCancel).
type Timeout struct {
	Duration time.Duration
	Name     string
	Text     string
}

// Validate checks that Duration is within the representable MQTT
// message-expiry range ([0, 2^32) seconds) and non-negative.
func (t *Timeout) Validate() error {
	switch {
	case t.Duration < 0:
		return &errors.Error{
			Message:      fmt.Sprintf("%s must not be negative", t.Name),
			Kind:         errors.ConfigurationInvalid,
			PropertyName: t.Name,
			IsShallow:    true,
		}
	case t.Duration.Seconds() > math.MaxUint32:
		return &errors.Error{
			Message:      fmt.Sprintf("%s is too large", t.Name),
			Kind:         errors.ConfigurationInvalid,
			PropertyName: t.Name,
			IsShallow:    true,
		}
	default:
		return nil
	}
}

// Context derives a child context bounded by this timeout, or an
// uncancellable-by-time child if Duration is zero.
func (t *Timeout) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.Duration == 0 {
		return context.WithCancel(ctx)
	}
	return wallclock.Instance.WithTimeoutCause(ctx, t.Duration, &errors.Error{
		Message:      fmt.Sprintf("%s timed out", t.Text),
		Kind:         errors.Timeout,
		TimeoutName:  t.Name,
		TimeoutValue: t.Duration,
	})
}
