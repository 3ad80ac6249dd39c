// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import "encoding/json"

const (
	ApplicationErrorCode = "ApplicationErrorCode"
	ApplicationErrorData = "ApplicationErrorData"
)

// WithApplicationError reports an application-level error through the
// ordinary success-path metadata, in a standardized format, rather than
// through the protocol's own error taxonomy: the caller still gets a well
// formed response, just one that carries an application error code and
// typed data alongside it.
func WithApplicationError[T any](code string, data T) interface {
	InvokeOption
	RespondOption
	SendOption
} {
	body, err := json.Marshal(data)
	if err != nil {
		return WithMetadata{ApplicationErrorCode: code}
	}
	return WithMetadata{
		ApplicationErrorCode: code,
		ApplicationErrorData: string(body),
	}
}

// GetApplicationError extracts an application error (if any) from meta using
// the standardized format WithApplicationError writes.
func GetApplicationError[T any](meta map[string]string) (code string, data T, err error) {
	if c, ok := meta[ApplicationErrorCode]; ok {
		code = c
	}
	if d, ok := meta[ApplicationErrorData]; ok {
		err = json.Unmarshal([]byte(d), &data)
	}
	return code, data, err
}
