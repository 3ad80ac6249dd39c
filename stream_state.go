// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import "sync"

// streamState is a stream session's lifecycle state, shared by the invoker
// and executor sides of a streamed invocation (spec §4.I).
type streamState int

const (
	streamIdle streamState = iota
	streamActive
	streamCancelling
	streamExpiring
	streamTerminal
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "Idle"
	case streamActive:
		return "Active"
	case streamCancelling:
		return "Cancelling"
	case streamExpiring:
		return "Expiring"
	case streamTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// streamMachine tracks one stream's lifecycle state under its own lock,
// independent of the frame-dispatch goroutines that drive it.
type streamMachine struct {
	mu    sync.Mutex
	state streamState

	sendDone bool // isLast observed/sent outbound
	recvDone bool // isLast observed/sent inbound
}

func newStreamMachine() *streamMachine {
	return &streamMachine{state: streamIdle}
}

// get returns the current state.
func (m *streamMachine) get() streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// onFrame records one direction's isLast status and transitions to Active
// (from Idle) or Terminal (once both directions are done). Returns the
// state after the transition.
func (m *streamMachine) onFrame(outbound, isLast bool) streamState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == streamTerminal || m.state == streamCancelling || m.state == streamExpiring {
		return m.state
	}
	if m.state == streamIdle {
		m.state = streamActive
	}

	if outbound {
		m.sendDone = m.sendDone || isLast
	} else {
		m.recvDone = m.recvDone || isLast
	}
	if m.sendDone && m.recvDone {
		m.state = streamTerminal
	}
	return m.state
}

// onCancel transitions to Cancelling, unless the stream already reached a
// terminal or expiring state.
func (m *streamMachine) onCancel() streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != streamTerminal && m.state != streamExpiring {
		m.state = streamCancelling
	}
	return m.state
}

// onCancelAck completes a Cancelling stream once the other side's Cancelled
// frame has been exchanged.
func (m *streamMachine) onCancelAck() streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == streamCancelling {
		m.state = streamTerminal
	}
	return m.state
}

// onTimeout transitions to Expiring, starting the grace period.
func (m *streamMachine) onTimeout() streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != streamTerminal {
		m.state = streamExpiring
	}
	return m.state
}

// onGraceElapsed completes an Expiring stream once its grace period passes.
func (m *streamMachine) onGraceElapsed() streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == streamExpiring {
		m.state = streamTerminal
	}
	return m.state
}
