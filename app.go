// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"log/slog"
	"time"

	"github.com/kestrelmq/protocol/hlc"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/options"
)

type (
	// Application holds the state shared by every envoy in a process: the
	// single process-wide HLC instance (spec §9: "the only process-wide
	// mutable singleton... an explicitly-passed collaborator, not an
	// ambient global") and the logger set by WithLogger. Exactly one Application
	// should exist per process.
	Application struct {
		hlc *hlc.Shared
		log *slog.Logger
	}

	// ApplicationOption represents a single application option.
	ApplicationOption interface{ application(*ApplicationOptions) }

	// ApplicationOptions are the resolved application options.
	ApplicationOptions struct {
		// NodeID seeds the HLC's node identifier; defaults to a fresh UUID
		// if empty, so a caller who doesn't care still gets a valid HLC.
		NodeID string

		// MaxDrift overrides hlc.DefaultMaxDrift. A nil pointer means
		// "unset"; a pointed-to zero disables drift checking entirely.
		MaxDrift *time.Duration

		Logger *slog.Logger
	}

	// WithLogger sets the logger stored on the Application. No envoy reads
	// it: each envoy logs only through the Logger in its own options.
	WithLogger struct{ Logger *slog.Logger }
)

// NewApplication creates the shared application state. Only one should be
// constructed per process; every envoy takes it as a required parameter.
func NewApplication(opt ...ApplicationOption) (*Application, error) {
	var opts ApplicationOptions
	opts.Apply(opt)

	nodeID := opts.NodeID
	if nodeID == "" {
		var err error
		nodeID, err = errutil.NewUUID()
		if err != nil {
			return nil, err
		}
	}

	shared := hlc.NewShared(nodeID)
	if opts.MaxDrift != nil {
		shared.SetMaxDrift(*opts.MaxDrift)
	}

	return &Application{hlc: shared, log: opts.Logger}, nil
}

// GetHLC syncs the application's HLC to the current wall time and returns
// the resulting stamp (spec §4.B: "before emitting an outbound stamp the
// envoy calls a variant of the update that treats only (L, W)").
func (a *Application) GetHLC() (hlc.HybridLogicalClock, error) {
	return a.hlc.Get()
}

// SetHLC merges an observed remote stamp into the application's HLC.
func (a *Application) SetHLC(val hlc.HybridLogicalClock) error {
	return a.hlc.Observe(val)
}

// Apply resolves the provided list of options.
func (o *ApplicationOptions) Apply(opts []ApplicationOption, rest ...ApplicationOption) {
	for opt := range options.Apply[ApplicationOption](opts, rest...) {
		opt.application(o)
	}
}

func (o WithLogger) application(opt *ApplicationOptions) { opt.Logger = o.Logger }
