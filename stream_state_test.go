// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamMachineStartsIdle(t *testing.T) {
	m := newStreamMachine()
	assert.Equal(t, streamIdle, m.get())
}

// Testable property 8: the stream only reaches Terminal once both
// directions have observed an isLast frame.
func TestStreamMachineTerminalRequiresBothDirections(t *testing.T) {
	m := newStreamMachine()
	assert.Equal(t, streamActive, m.onFrame(true, false))
	assert.Equal(t, streamActive, m.onFrame(true, true))
	assert.Equal(t, streamActive, m.onFrame(false, false), "only the outbound side is done so far")
	assert.Equal(t, streamTerminal, m.onFrame(false, true))
}

func TestStreamMachineCancelPreemptsActive(t *testing.T) {
	m := newStreamMachine()
	m.onFrame(true, false)
	assert.Equal(t, streamCancelling, m.onCancel())
	assert.Equal(t, streamTerminal, m.onCancelAck())
}

func TestStreamMachineCancelIgnoredOnceTerminal(t *testing.T) {
	m := newStreamMachine()
	m.onFrame(true, true)
	m.onFrame(false, true)
	require := assert.New(t)
	require.Equal(streamTerminal, m.get())
	require.Equal(streamTerminal, m.onCancel(), "a terminal stream must not regress to Cancelling")
}

func TestStreamMachineTimeoutThenGraceElapsed(t *testing.T) {
	m := newStreamMachine()
	assert.Equal(t, streamExpiring, m.onTimeout())
	assert.Equal(t, streamTerminal, m.onGraceElapsed())
}
