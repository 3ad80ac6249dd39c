// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"encoding/json"

	"github.com/kestrelmq/protocol/errors"
)

// Encoding is the serializer contract (component C): a declared default
// content type and payload-format indicator, plus typed encode/decode.
// Concrete implementations are a small, finite set injected at envoy
// construction (spec §9: "dynamic dispatch" via capability interfaces).
type Encoding[T any] interface {
	// ContentType is the MQTT Content Type this encoding declares by
	// default; empty means "no opinion", so an inbound message's content
	// type is never checked against it.
	ContentType() string

	// PayloadFormat is the MQTT Payload Format Indicator this encoding
	// produces: 0 for arbitrary bytes, 1 for UTF-8 text.
	PayloadFormat() byte

	// Serialize encodes v to wire bytes.
	Serialize(v T) ([]byte, error)

	// Deserialize decodes wire bytes into a T.
	Deserialize(b []byte) (T, error)
}

// serialize wraps Encoding.Serialize, normalizing any encoder-returned
// error to PayloadInvalid (spec §4.C).
func serialize[T any](e Encoding[T], v T) ([]byte, error) {
	b, err := e.Serialize(v)
	if err != nil {
		return nil, &errors.Error{
			Message:     "failed to serialize payload",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}
	return b, nil
}

// deserialize wraps Encoding.Deserialize, normalizing any decoder-returned
// error to PayloadInvalid.
func deserialize[T any](e Encoding[T], b []byte) (T, error) {
	v, err := e.Deserialize(b)
	if err != nil {
		var zero T
		return zero, &errors.Error{
			Message:     "failed to deserialize payload",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}
	return v, nil
}

// JSON encodes a value with encoding/json, declaring "application/json" as
// its content type and text (1) as its payload format.
type JSON[T any] struct{}

func (JSON[T]) ContentType() string { return "application/json" }
func (JSON[T]) PayloadFormat() byte { return 1 }

func (JSON[T]) Serialize(v T) ([]byte, error) { return json.Marshal(v) }

func (JSON[T]) Deserialize(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// Raw passes payload bytes through unmodified, declaring no content type
// (so it never conflicts with a peer's declared content type) and the
// bytes (0) payload format.
type Raw struct{}

func (Raw) ContentType() string            { return "" }
func (Raw) PayloadFormat() byte            { return 0 }
func (Raw) Serialize(v []byte) ([]byte, error)   { return v, nil }
func (Raw) Deserialize(b []byte) ([]byte, error) { return b, nil }

// Text encodes a plain string, declaring "text/plain" and the text (1)
// payload format.
type Text struct{}

func (Text) ContentType() string              { return "text/plain" }
func (Text) PayloadFormat() byte               { return 1 }
func (Text) Serialize(v string) ([]byte, error) { return []byte(v), nil }
func (Text) Deserialize(b []byte) (string, error) {
	return string(b), nil
}

// Unit is the distinguished empty-value type for request- or
// response-less operations (spec §4.C).
type Unit struct{}

// EmptyEncoding serializes Unit to zero-length bytes with no content-type
// override, per spec §4.C.
type EmptyEncoding struct{}

func (EmptyEncoding) ContentType() string { return "" }
func (EmptyEncoding) PayloadFormat() byte { return 0 }

func (EmptyEncoding) Serialize(Unit) ([]byte, error) { return nil, nil }

func (EmptyEncoding) Deserialize([]byte) (Unit, error) { return Unit{}, nil }
