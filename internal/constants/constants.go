// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package constants defines the reserved MQTT user-property names and topic
// layout constants shared across the protocol implementation (spec §6).
package constants

const (
	// ReservedPrefix marks a user-property name as protocol-owned (spec §3,
	// §6). Names beginning with this prefix that are not in the recognized
	// vocabulary below are logged and dropped rather than surfaced as user
	// metadata (spec §4.D reserved-prefix rule).
	ReservedPrefix = "__"

	// SourceID carries the sender's identifier for telemetry and the
	// invoker's identifier for RPC requests.
	SourceID = "__srcId"

	// SourceIDLegacy is accepted as a fallback for SourceID on inbound
	// messages (spec §4.D: "superseded name for any older __invId").
	SourceIDLegacy = "__invId"

	// Timestamp carries the HLC stamp in "ts:counter:nodeId" form.
	Timestamp = "__ts"

	// ProtocolVersion carries the "<major>.<minor>" protocol version.
	ProtocolVersion = "__protVer"

	// Stream carries streaming-extension frame metadata (index, isLast,
	// cancel, and an optional per-invocation timeout).
	Stream = "__stream"

	// AppErrCode and AppErrPayload carry a failed command execution's error
	// kind and its JSON-encoded details (written by errutil.ToUserProp).
	AppErrCode    = "AppErrCode"
	AppErrPayload = "AppErrPayload"
)

// Reserved reports whether name falls in the protocol-owned namespace.
func Reserved(name string) bool {
	return len(name) >= len(ReservedPrefix) && name[:len(ReservedPrefix)] == ReservedPrefix
}

// Known reports whether name is a recognized reserved property. Unknown
// names in the reserved namespace are logged and ignored on receipt rather
// than propagated as user data (spec §4.D, §6).
func Known(name string) bool {
	switch name {
	case SourceID, SourceIDLegacy, Timestamp, ProtocolVersion, Stream:
		return true
	default:
		return false
	}
}

// MQTT wire field names used in error messages and cache equivalence checks.
const (
	CorrelationData = "CorrelationData"
	ResponseTopic   = "ResponseTopic"
	MessageExpiry   = "MessageExpiry"
	ContentType     = "ContentType"
	FormatIndicator = "PayloadFormatIndicator"
)

// ResponseTopicPrefix is the default response-topic prefix applied by a
// command invoker when no other response topic option is specified,
// guaranteeing per-client delivery scoping (spec §4.G).
const ResponseTopicPrefix = "clients"
