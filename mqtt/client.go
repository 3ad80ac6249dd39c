// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mqtt defines the MQTT v5 client contract consumed by the envoy
// runtime (spec §6). The broker connection, subscribe/publish/ack
// primitives, and wire encoding are deliberately out of scope for the
// protocol core, which depends only on the Client contract described here.
// PahoClient (paho.go, in this package) is a real client built on
// eclipse/paho.golang; tests may substitute a fake.
package mqtt

import "context"

type (
	// Message represents a received MQTT publish. The client implementation
	// must support manual ack, since acking is managed by the protocol
	// runtime rather than the transport.
	Message struct {
		Topic string
		PublishOptions

		// Ack acknowledges the message to the broker. The protocol runtime
		// calls this exactly once per inbound message that it classifies
		// and processes or explicitly drops, except a command request whose
		// response publish failed, which is left unacked for redelivery.
		Ack func() error
	}

	// PublishOptions carries the MQTT v5 fields the protocol depends on:
	// user properties, content type, correlation data, response topic, and
	// message-expiry interval (spec §6). QoS is always 1; Retain is always
	// false for RPC and telemetry (spec §3).
	PublishOptions struct {
		Payload         []byte
		QoS             byte
		ContentType     string
		PayloadFormat   byte
		CorrelationData []byte
		ResponseTopic   string
		MessageExpiry   uint32
		UserProperties  map[string]string
	}

	// MessageHandler is a user-defined callback invoked for every inbound
	// message matching a registered filter. Returns whether the handler
	// claims ownership of (and will eventually ack) the message.
	MessageHandler = func(context.Context, *Message) bool

	// SubscribeOptions configures a subscription.
	SubscribeOptions struct {
		QoS     byte
		NoLocal bool
	}

	// SubscribeOption represents a single subscribe option.
	SubscribeOption interface{ subscribe(*SubscribeOptions) }

	// ConnectEvent is delivered to connection-state callbacks on connect.
	ConnectEvent struct{ ReasonCode byte }

	// DisconnectEvent is delivered to connection-state callbacks on
	// disconnect. A nil ReasonCode indicates the network connection itself
	// was lost rather than a clean protocol-level disconnect.
	DisconnectEvent struct{ ReasonCode *byte }

	// Client is the MQTT v5 client contract the protocol runtime consumes.
	// The runtime requires MQTT v5 support for user properties, content
	// type, correlation data, response topic, and message-expiry interval;
	// a client reporting a lower protocol version is rejected with
	// ConfigurationInvalid at envoy start (spec §6).
	Client interface {
		// ID returns this client's MQTT client identifier, used to scope
		// default response topics (spec §4.G).
		ID() string

		// ProtocolVersion returns the MQTT protocol version in use (5 for
		// MQTT v5). Anything else must be rejected by the caller.
		ProtocolVersion() int

		// RegisterMessageHandler registers a handler invoked for every
		// inbound message; returns a function that deregisters it.
		RegisterMessageHandler(MessageHandler) func()

		// Subscribe establishes a subscription on filter.
		Subscribe(ctx context.Context, filter string, opt ...SubscribeOption) error

		// Unsubscribe removes a subscription on filter.
		Unsubscribe(ctx context.Context, filter string) error

		// Publish sends msg, blocking until the broker acknowledges receipt
		// (QoS 1) or the context is cancelled.
		Publish(ctx context.Context, topic string, opt PublishOptions) error

		// OnConnect/OnDisconnect register connection-state callbacks.
		OnConnect(func(*ConnectEvent))
		OnDisconnect(func(*DisconnectEvent))
	}
)

// WithQoS sets the subscription QoS level.
type WithQoS byte

func (o WithQoS) subscribe(opt *SubscribeOptions) { opt.QoS = byte(o) }

// WithNoLocal controls the MQTT v5 No Local subscription option.
type WithNoLocal bool

func (o WithNoLocal) subscribe(opt *SubscribeOptions) { opt.NoLocal = bool(o) }

// ResolveSubscribeOptions applies a list of SubscribeOption to produce a
// resolved SubscribeOptions value.
func ResolveSubscribeOptions(opt ...SubscribeOption) SubscribeOptions {
	var opts SubscribeOptions
	for _, o := range opt {
		o.subscribe(&opts)
	}
	return opts
}
