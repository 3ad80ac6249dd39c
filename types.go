// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package protocol implements the MQTT v5 application-protocol runtime:
// request/response RPC, one-way telemetry, and streamed RPC, each built
// atop a shared correlation, topic-templating, and HLC-stamping core.
package protocol

import (
	"time"

	"github.com/kestrelmq/protocol/hlc"
)

type (
	// Message carries the data common to every envoy's inbound or outbound
	// message that is exposed to user code.
	Message[T any] struct {
		// Payload is the demarshalled (or, outbound, to-be-marshalled)
		// request, response, or telemetry value.
		Payload T

		// ClientID is the MQTT client id of the message's sender.
		ClientID string

		// CorrelationData identifies a single request/response pair as a
		// UUID string; empty for telemetry.
		CorrelationData string

		// Timestamp is the HLC stamp carried by the message, parsed from
		// (or, outbound, about to be written as) the __ts user property.
		Timestamp hlc.HybridLogicalClock

		// Metadata holds every non-reserved user property.
		Metadata map[string]string
	}

	// InvocationError is returned by a command handler to signal that the
	// request itself was invalid, distinct from an internal execution
	// failure (spec §7: reported with InApplication set but without the
	// ExecutorError kind an unhandled panic would get).
	InvocationError struct {
		Message       string
		PropertyName  string
		PropertyValue any
	}

	// Option is implemented by every envoy-specific option type, letting a
	// caller pass options for several envoys through one shared slice; each
	// constructor filters out the ones meant for it via options.Apply.
	Option interface{ option() }

	// WithMetadata merges the given map into the outgoing message's
	// metadata, adding to (not replacing) whatever the call already set.
	WithMetadata map[string]string

	// WithTimeout overrides the default per-call message-expiry/deadline
	// for an invocation, a telemetry send, or a streamed invocation.
	WithTimeout time.Duration
)

func (e InvocationError) Error() string { return e.Message }

func (o WithMetadata) invoke(opt *InvokeOptions)   { opt.Metadata = mergeMetadata(opt.Metadata, o) }
func (o WithMetadata) respond(opt *RespondOptions) { opt.Metadata = mergeMetadata(opt.Metadata, o) }
func (o WithMetadata) send(opt *SendOptions)       { opt.Metadata = mergeMetadata(opt.Metadata, o) }
func (WithMetadata) option()                       {}

func (o WithTimeout) invoke(opt *InvokeOptions) { opt.Timeout = time.Duration(o) }
func (o WithTimeout) send(opt *SendOptions)     { opt.Timeout = time.Duration(o) }
func (o WithTimeout) stream(opt *StreamOptions) { opt.Timeout = time.Duration(o) }
func (WithTimeout) option()                     {}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
