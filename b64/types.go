// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package b64 provides a byte-slice wrapper that marshals as Base64 text,
// used by the JSON payload encoding (spec §4.C) for request/response types
// whose fields carry raw binary data.
package b64

import (
	"encoding/base64"
	"encoding/json"
)

// Bytes is a byte slice that serializes as a Base64 string instead of the
// JSON default (an array of numbers).
type Bytes []byte

// MarshalText encodes b as Base64.
func (b Bytes) MarshalText() ([]byte, error) {
	dst := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(dst, b)
	return dst, nil
}

// MarshalJSON encodes b as a quoted Base64 string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	n := base64.StdEncoding.EncodedLen(len(b)) + 2
	dst := make([]byte, n)
	base64.StdEncoding.Encode(dst[1:], b)
	dst[0] = '"'
	dst[n-1] = '"'
	return dst, nil
}

// UnmarshalText decodes a Base64 string into b.
func (b *Bytes) UnmarshalText(text []byte) error {
	*b = make(Bytes, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(*b, text)
	if err != nil {
		return err
	}
	*b = (*b)[:n]
	return nil
}

// UnmarshalJSON decodes a quoted Base64 string into b.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}
