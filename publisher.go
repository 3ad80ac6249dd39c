// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"

	"github.com/google/uuid"
)

// DefaultMessageExpiry is the MessageExpiry applied to an outbound publish
// when the caller specifies none.
const DefaultMessageExpiry = 10 * time.Second

// publisher holds the shared implementation details behind every envoy
// that sends messages: command invocations, command responses, and
// telemetry (spec §2: components G and H share this plumbing).
type publisher[T any] struct {
	app      *Application
	client   mqtt.Client
	encoding Encoding[T]
	topic    *internal.TopicPattern
	ns       version.Namespace
}

// build renders msg into a wire-ready *mqtt.Message: resolving the topic,
// serializing the payload, converting metadata to user properties, and
// stamping __ts/__protVer. msg == nil builds an envelope with no payload
// (used for a response that is only carrying an error).
func (p *publisher[T]) build(
	msg *Message[T],
	topicTokens map[string]string,
	expiry time.Duration,
) (*mqtt.Message, error) {
	pub := &mqtt.Message{}
	var err error

	if p.topic != nil {
		pub.Topic, err = p.topic.Topic(topicTokens)
		if err != nil {
			return nil, err
		}
	}

	if expiry == 0 {
		expiry = DefaultMessageExpiry
	}
	pub.PublishOptions = mqtt.PublishOptions{
		QoS:           1,
		MessageExpiry: uint32(expiry.Seconds()),
	}

	if msg != nil {
		pub.Payload, err = serialize(p.encoding, msg.Payload)
		if err != nil {
			return nil, err
		}
		pub.ContentType = p.encoding.ContentType()
		pub.PayloadFormat = p.encoding.PayloadFormat()

		if msg.CorrelationData != "" {
			cd, err := uuid.Parse(msg.CorrelationData)
			if err != nil {
				return nil, &errors.Error{
					Message: "correlation data is not a valid UUID",
					Kind:    errors.ArgumentInvalid,
				}
			}
			pub.CorrelationData = cd[:]
		}

		for k := range msg.Metadata {
			if constants.Reserved(k) {
				return nil, &errors.Error{
					Message:      "metadata name is in the reserved namespace",
					Kind:         errors.ArgumentInvalid,
					PropertyName: k,
				}
			}
		}
		pub.UserProperties = internal.MetadataToProp(msg.Metadata)
	} else {
		pub.UserProperties = map[string]string{}
	}

	ts, err := p.app.GetHLC()
	if err != nil {
		return nil, err
	}
	pub.UserProperties[constants.Timestamp] = ts.String()
	pub.UserProperties[constants.ProtocolVersion] = p.ns.Current

	return pub, nil
}

// publish sends pub through the MQTT client, blocking until the broker
// acknowledges it or ctx is cancelled.
func (p *publisher[T]) publish(ctx context.Context, pub *mqtt.Message) error {
	return p.client.Publish(ctx, pub.Topic, pub.PublishOptions)
}
