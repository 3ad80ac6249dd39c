// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"time"

	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

type (
	// TelemetrySender provides the ability to send a single telemetry
	// (component H, one-way delivery: no correlation data, no response
	// topic, fire-and-forget from the caller's perspective).
	TelemetrySender[T any] struct {
		publisher *publisher[T]
	}

	// TelemetrySenderOption represents a single telemetry sender option.
	TelemetrySenderOption interface{ telemetrySender(*TelemetrySenderOptions) }

	// TelemetrySenderOptions are the resolved telemetry sender options.
	TelemetrySenderOptions struct {
		TopicNamespace string
		TopicTokens    map[string]string
	}

	// SendOption represents a single per-send option.
	SendOption interface{ send(*SendOptions) }

	// SendOptions are the resolved per-send options.
	SendOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
		CloudEvent  *CloudEvent
	}

	// WithCloudEvent attaches CloudEvents 1.0 metadata to the outbound
	// telemetry message.
	WithCloudEvent CloudEvent
)

const telemetrySenderErrStr = "telemetry send"

// NewTelemetrySender creates a telemetry sender bound to topic.
func NewTelemetrySender[T any](
	app *Application,
	client mqtt.Client,
	encoding Encoding[T],
	topic string,
	opt ...TelemetrySenderOption,
) (ts *TelemetrySender[T], err error) {
	var opts TelemetrySenderOptions
	opts.Apply(opt)

	defer func() { err = errutil.Return(err, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
	}); err != nil {
		return nil, err
	}

	tp, err := internal.NewTopicPattern("topic", topic, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}

	return &TelemetrySender[T]{
		publisher: &publisher[T]{
			app:      app,
			client:   client,
			encoding: encoding,
			topic:    tp,
			ns:       version.Telemetry,
		},
	}, nil
}

// Send publishes payload as a telemetry message, blocking until the broker
// acknowledges the publish or ctx is cancelled.
func (ts *TelemetrySender[T]) Send(
	ctx context.Context,
	payload T,
	opt ...SendOption,
) (err error) {
	shallow := true
	defer func() { err = errutil.Return(err, shallow) }()

	var opts SendOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultMessageExpiry
	}
	expiry := &internal.Timeout{Duration: timeout, Name: "MessageExpiry", Text: telemetrySenderErrStr}
	if err := expiry.Validate(); err != nil {
		return err
	}

	msg := &Message[T]{Payload: payload, Metadata: opts.Metadata}
	pub, err := ts.publisher.build(msg, opts.TopicTokens, timeout)
	if err != nil {
		return err
	}

	if err := cloudEventToProps(pub.UserProperties, pub.ContentType, pub.Topic, opts.CloudEvent); err != nil {
		return err
	}

	shallow = false
	ctx, cancel := expiry.Context(ctx)
	defer cancel()
	return ts.publisher.publish(ctx, pub)
}

// Apply resolves the provided list of options.
func (o *TelemetrySenderOptions) Apply(opts []TelemetrySenderOption, rest ...TelemetrySenderOption) {
	for opt := range options.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

// ApplyOptions filters and resolves a shared Option slice.
func (o *TelemetrySenderOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[TelemetrySenderOption](opts, rest...) {
		opt.telemetrySender(o)
	}
}

func (o *TelemetrySenderOptions) telemetrySender(opt *TelemetrySenderOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetrySenderOptions) option() {}

// Apply resolves the provided list of options.
func (o *SendOptions) Apply(opts []SendOption, rest ...SendOption) {
	for opt := range options.Apply[SendOption](opts, rest...) {
		opt.send(o)
	}
}

func (o *SendOptions) send(opt *SendOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithCloudEvent) send(opt *SendOptions) {
	ce := CloudEvent(o)
	opt.CloudEvent = &ce
}
