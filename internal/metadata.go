// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"github.com/kestrelmq/protocol/internal/constants"
)

// MetadataToProp converts user-visible metadata into MQTT user properties.
// User-supplied names in the reserved namespace are rejected by the caller
// (the root package's publisher.build) before this is invoked; this function
// just guards against a nil map.
func MetadataToProp(data map[string]string) map[string]string {
	if data == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// PropToMetadata converts MQTT user properties into user-visible metadata,
// dropping every property in the reserved namespace (spec §4.D, testable
// property 7: "no user callback receives a reserved-name property as user
// data"). Unknown reserved-namespace names are the caller's responsibility
// to log; this function only filters.
func PropToMetadata(prop map[string]string) map[string]string {
	data := make(map[string]string, len(prop))
	for key, val := range prop {
		if !constants.Reserved(key) {
			data[key] = val
		}
	}
	return data
}

// UnknownReserved returns the reserved-namespace property names in prop
// that are not part of the recognized vocabulary, for logging (spec §4.D).
func UnknownReserved(prop map[string]string) []string {
	var unknown []string
	for key := range prop {
		if constants.Reserved(key) && !constants.Known(key) {
			unknown = append(unknown, key)
		}
	}
	return unknown
}
