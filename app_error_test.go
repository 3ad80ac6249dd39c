// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaExceeded struct {
	Limit int `json:"limit"`
}

func TestApplicationErrorRoundTrip(t *testing.T) {
	opt := WithApplicationError("QuotaExceeded", quotaExceeded{Limit: 100})
	meta := opt.(WithMetadata)

	code, data, err := GetApplicationError[quotaExceeded](meta)
	require.NoError(t, err)
	assert.Equal(t, "QuotaExceeded", code)
	assert.Equal(t, 100, data.Limit)
}

func TestGetApplicationErrorMissingCode(t *testing.T) {
	code, _, err := GetApplicationError[quotaExceeded](map[string]string{})
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestWithApplicationErrorSatisfiesInvokeRespondSendOptions(t *testing.T) {
	var invokeOpts InvokeOptions
	var respondOpts RespondOptions
	var sendOpts SendOptions

	opt := WithApplicationError("Denied", quotaExceeded{Limit: 1})
	invokeOpts.Apply([]InvokeOption{opt})
	respondOpts.Apply([]RespondOption{opt})
	sendOpts.Apply([]SendOption{opt})

	assert.Equal(t, "Denied", invokeOpts.Metadata[ApplicationErrorCode])
	assert.Equal(t, "Denied", respondOpts.Metadata[ApplicationErrorCode])
	assert.Equal(t, "Denied", sendOpts.Metadata[ApplicationErrorCode])
}
