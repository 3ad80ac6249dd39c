// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/mqtt"
)

// CloudEvent provides an implementation of the CloudEvents 1.0 spec; see:
// https://github.com/cloudevents/spec/blob/main/cloudevents/spec.md
//
// Support is carried as an optional telemetry extension (spec §9's
// supplemented feature set): a CloudEvent attached to an outbound telemetry
// message is rendered entirely as MQTT user properties, alongside (not
// instead of) the protocol's own reserved __-prefixed namespace.
type CloudEvent struct {
	ID          string
	Source      *url.URL
	SpecVersion string
	Type        string

	DataContentType string
	DataSchema      *url.URL
	Subject         string
	Time            time.Time
}

const (
	DefaultCloudEventSpecVersion = "1.0"
	DefaultCloudEventType        = "ms.kestrelmq.telemetry"
)

// Attrs returns additional log attributes describing the event.
func (ce *CloudEvent) Attrs() []slog.Attr {
	if ce == nil {
		return nil
	}

	a := make([]slog.Attr, 0, 8)
	a = append(a,
		slog.String("id", ce.ID),
		slog.String("source", ce.Source.String()),
		slog.String("specversion", ce.SpecVersion),
		slog.String("type", ce.Type),
	)

	if ce.DataContentType != "" {
		a = append(a, slog.String("datacontenttype", ce.DataContentType))
	}
	if ce.DataSchema != nil {
		a = append(a, slog.String("dataschema", ce.DataSchema.String()))
	}
	if ce.Subject != "" {
		a = append(a, slog.String("subject", ce.Subject))
	}
	if !ce.Time.IsZero() {
		a = append(a, slog.String("time", ce.Time.Format(time.RFC3339)))
	}
	return a
}

// cloudEventToProps fills in default values where possible and renders ce
// into MQTT user properties layered onto props; contentType is the
// encoding's declared content type, used as the datacontenttype default.
func cloudEventToProps(props map[string]string, contentType, topic string, ce *CloudEvent) error {
	if ce == nil {
		return nil
	}

	if ce.ID != "" {
		props["id"] = ce.ID
	} else {
		id, err := errutil.NewUUID()
		if err != nil {
			return err
		}
		props["id"] = id
	}

	if ce.Source == nil {
		return &errors.Error{
			Message:      "source must be defined",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "CloudEvent.Source",
		}
	}
	props["source"] = ce.Source.String()

	if ce.SpecVersion != "" {
		props["specversion"] = ce.SpecVersion
	} else {
		props["specversion"] = DefaultCloudEventSpecVersion
	}

	if ce.Type != "" {
		props["type"] = ce.Type
	} else {
		props["type"] = DefaultCloudEventType
	}

	if ce.DataContentType != "" {
		props["datacontenttype"] = ce.DataContentType
	} else {
		props["datacontenttype"] = contentType
	}

	if ce.DataSchema != nil {
		props["dataschema"] = ce.DataSchema.String()
	}

	if ce.Subject != "" {
		props["subject"] = ce.Subject
	} else {
		props["subject"] = topic
	}

	if !ce.Time.IsZero() {
		props["time"] = ce.Time.Format(time.RFC3339)
	} else {
		props["time"] = time.Now().UTC().Format(time.RFC3339)
	}

	return nil
}

// cloudEventFromMessage recovers a CloudEvent from an inbound telemetry
// message's user properties, or nil if pub does not carry one. Properties
// that fail to parse are treated as absent rather than raising an error:
// CloudEvents is strictly additive metadata, never required for delivery.
func cloudEventFromMessage(pub *mqtt.Message) *CloudEvent {
	ce := &CloudEvent{}

	ce.SpecVersion = pub.UserProperties["specversion"]
	if ce.SpecVersion != "1.0" {
		return nil
	}

	id, ok := pub.UserProperties["id"]
	if !ok {
		return nil
	}
	ce.ID = id

	src, ok := pub.UserProperties["source"]
	if !ok {
		return nil
	}
	source, err := url.Parse(src)
	if err != nil {
		return nil
	}
	ce.Source = source

	typ, ok := pub.UserProperties["type"]
	if !ok {
		return nil
	}
	ce.Type = typ

	ce.DataContentType = pub.UserProperties["datacontenttype"]

	if ds, ok := pub.UserProperties["dataschema"]; ok {
		if dsp, err := url.Parse(ds); err == nil {
			ce.DataSchema = dsp
		}
	}

	ce.Subject = pub.UserProperties["subject"]

	if t, ok := pub.UserProperties["time"]; ok {
		if tp, err := iso8601.ParseString(t); err == nil {
			ce.Time = tp
		}
	}

	return ce
}
