// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/hlc"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/log"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"

	"github.com/google/uuid"
)

type (
	// envoyHandler is implemented by every envoy a listener feeds: the
	// command invoker and executor, the telemetry receiver, and the stream
	// invoker and executor.
	envoyHandler[T any] interface {
		onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[T]) error
		onErr(ctx context.Context, pub *mqtt.Message, err error) error
	}

	// listener holds the shared implementation details behind every envoy
	// that receives messages (spec §2: components G, H, and I share this
	// plumbing): subscription lifecycle, version/correlation/HLC parsing,
	// and bounded-concurrency dispatch.
	listener[T any] struct {
		client         mqtt.Client
		encoding       Encoding[T]
		topic          *internal.TopicFilter
		shareName      string
		concurrency    uint
		reqCorrelation bool
		ns             version.Namespace
		log            log.Logger
		handler        envoyHandler[T]

		unregister func()
		active     atomic.Bool
	}

	message[T any] struct {
		mqtt *mqtt.Message
		Message[T]
	}
)

// register installs the listener's message handler on the shared client.
// Must be called once, before listen.
func (l *listener[T]) register() {
	handle, stop := internal.Concurrent(l.concurrency, l.handle)
	unregister := l.client.RegisterMessageHandler(
		func(ctx context.Context, m *mqtt.Message) bool {
			tokens, match := l.topic.Tokens(m.Topic)
			if !match {
				return false
			}
			msg := &message[T]{mqtt: m}
			msg.Metadata = tokens
			handle(ctx, msg)
			return true
		},
	)
	l.unregister = func() {
		unregister()
		stop()
	}
}

func (l *listener[T]) filter() string {
	if l.shareName != "" {
		return "$share/" + l.shareName + "/" + l.topic.Filter()
	}
	return l.topic.Filter()
}

func (l *listener[T]) listen(ctx context.Context) error {
	if v := l.client.ProtocolVersion(); v < 5 {
		return &errors.Error{
			Message:       "MQTT v5 client required",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "ProtocolVersion",
			PropertyValue: v,
		}
	}
	if l.active.CompareAndSwap(false, true) {
		return l.client.Subscribe(
			ctx,
			l.filter(),
			mqtt.WithQoS(1),
			mqtt.WithNoLocal(l.shareName == ""),
		)
	}
	return nil
}

func (l *listener[T]) close() {
	if l.active.CompareAndSwap(true, false) {
		ctx := context.Background()
		if err := l.client.Unsubscribe(ctx, l.filter()); err != nil {
			l.log.Err(ctx, err)
		}
	}
	l.unregister()
}

func (l *listener[T]) handle(ctx context.Context, msg *message[T]) {
	ver := msg.mqtt.UserProperties[constants.ProtocolVersion]
	if !l.ns.IsSupported(ver) {
		l.error(ctx, msg.mqtt, &errors.Error{
			Message:                        "unsupported protocol version",
			Kind:                           errors.UnsupportedVersion,
			ProtocolVersion:                ver,
			SupportedMajorProtocolVersions: l.ns.SupportedMajor,
		})
		return
	}

	if l.reqCorrelation && len(msg.mqtt.CorrelationData) == 0 {
		l.error(ctx, msg.mqtt, &errors.Error{
			Message:    "correlation data missing",
			Kind:       errors.HeaderMissing,
			HeaderName: constants.CorrelationData,
		})
		return
	}
	if len(msg.mqtt.CorrelationData) != 0 {
		cd, err := uuid.FromBytes(msg.mqtt.CorrelationData)
		if err != nil {
			l.error(ctx, msg.mqtt, &errors.Error{
				Message:    "correlation data is not a valid UUID",
				Kind:       errors.HeaderInvalid,
				HeaderName: constants.CorrelationData,
			})
			return
		}
		msg.CorrelationData = cd.String()
	}

	if ts := msg.mqtt.UserProperties[constants.Timestamp]; ts != "" {
		var err error
		msg.Timestamp, err = hlc.Parse(constants.Timestamp, ts)
		if err != nil {
			l.error(ctx, msg.mqtt, err)
			return
		}
	}

	srcID := msg.mqtt.UserProperties[constants.SourceID]
	if srcID == "" {
		srcID = msg.mqtt.UserProperties[constants.SourceIDLegacy]
	}
	msg.ClientID = srcID

	userMeta := internal.PropToMetadata(msg.mqtt.UserProperties)
	for k, v := range msg.Metadata {
		userMeta[k] = v
	}
	msg.Metadata = userMeta

	if unknown := internal.UnknownReserved(msg.mqtt.UserProperties); len(unknown) > 0 {
		l.log.Warn(ctx, "ignoring unrecognized reserved user properties")
	}

	if err := l.handler.onMsg(ctx, msg.mqtt, &msg.Message); err != nil {
		l.error(ctx, msg.mqtt, err)
	}
}

// payload decodes pub's payload, validating its content type and payload
// format indicator against l.encoding's declared defaults (spec §4.C: a
// mismatch is HeaderInvalid, not silently accepted).
func (l *listener[T]) payload(pub *mqtt.Message) (T, error) {
	var zero T

	switch pub.PayloadFormat {
	case 0:
	case 1:
		if l.encoding.PayloadFormat() == 0 {
			return zero, &errors.Error{
				Message:     "payload format indicator mismatch",
				Kind:        errors.HeaderInvalid,
				HeaderName:  constants.FormatIndicator,
				HeaderValue: fmt.Sprint(pub.PayloadFormat),
			}
		}
	default:
		return zero, &errors.Error{
			Message:     "payload format indicator invalid",
			Kind:        errors.HeaderInvalid,
			HeaderName:  constants.FormatIndicator,
			HeaderValue: fmt.Sprint(pub.PayloadFormat),
		}
	}

	if pub.ContentType != "" && l.encoding.ContentType() != "" &&
		pub.ContentType != l.encoding.ContentType() {
		return zero, &errors.Error{
			Message:     "content type mismatch",
			Kind:        errors.HeaderInvalid,
			HeaderName:  constants.ContentType,
			HeaderValue: pub.ContentType,
		}
	}

	return deserialize(l.encoding, pub.Payload)
}

func (l *listener[T]) ack(ctx context.Context, pub *mqtt.Message) {
	if err := pub.Ack(); err != nil {
		l.drop(ctx, pub, err)
	}
}

func (l *listener[T]) error(ctx context.Context, pub *mqtt.Message, err error) {
	if e := l.handler.onErr(ctx, pub, err); e != nil {
		l.drop(ctx, pub, e)
	}
}

// drop is the terminal sink for an error the envoy decided not to
// propagate further: log it and move on (spec §7: "errors local to
// message demarshalling are logged and the MQTT publish is acked and
// dropped; they never halt the envoy").
func (l *listener[T]) drop(ctx context.Context, _ *mqtt.Message, err error) {
	l.log.Err(ctx, err)
}
