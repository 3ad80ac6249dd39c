// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal/constants"
)

// streamFrame is the decoded form of a single stream frame's __stream user
// property (spec §4.I): "index:isLast:cancel" for a response frame, or
// "index:isLast:cancel:timeoutMs" for a request frame, where the timeout
// field is repeated on every request frame so the loss of an earlier frame
// never costs the deadline.
type streamFrame struct {
	Index   uint64
	IsLast  bool
	Cancel  bool
	Timeout time.Duration // zero when absent
}

// streamDelimiter separates the fields of the __stream user property.
const streamDelimiter = ":"

func (f streamFrame) encode(withTimeout bool) string {
	parts := []string{
		strconv.FormatUint(f.Index, 10),
		boolDigit(f.IsLast),
		boolDigit(f.Cancel),
	}
	if withTimeout {
		parts = append(parts, strconv.FormatInt(f.Timeout.Milliseconds(), 10))
	}
	return strings.Join(parts, streamDelimiter)
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeStreamFrame(s string) (streamFrame, error) {
	var f streamFrame
	parts := strings.Split(s, streamDelimiter)
	if len(parts) != 3 && len(parts) != 4 {
		return f, streamFrameErr(s)
	}

	idx, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return f, streamFrameErr(s)
	}
	f.Index = idx

	isLast, ok := parseBoolDigit(parts[1])
	if !ok {
		return f, streamFrameErr(s)
	}
	f.IsLast = isLast

	cancel, ok := parseBoolDigit(parts[2])
	if !ok {
		return f, streamFrameErr(s)
	}
	f.Cancel = cancel

	if len(parts) == 4 {
		ms, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return f, streamFrameErr(s)
		}
		f.Timeout = time.Duration(ms) * time.Millisecond
	}

	return f, nil
}

func parseBoolDigit(s string) (bool, bool) {
	switch s {
	case "0":
		return false, true
	case "1":
		return true, true
	default:
		return false, false
	}
}

func streamFrameErr(raw string) error {
	return &errors.Error{
		Message:     "malformed stream frame metadata",
		Kind:        errors.HeaderInvalid,
		HeaderName:  constants.Stream,
		HeaderValue: raw,
	}
}

// cancelFrame is the well-known frame both invoker and executor publish to
// cancel an in-flight stream (spec §4.I: "(0, true, true, 0) and no
// payload").
var cancelFrame = streamFrame{Index: 0, IsLast: true, Cancel: true}
