// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package errutil normalizes context and handler errors into the shared
// protocol error taxonomy, and hosts a handful of small helpers reused
// across every envoy constructor.
package errutil

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"os"
	"reflect"

	"github.com/google/uuid"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal/constants"
)

// Normalize maps a well-known stdlib error into a protocol *errors.Error. If
// err is already one, it is returned unchanged.
func Normalize(err error, msg string) error {
	var e *errors.Error
	if stderr.As(err, &e) {
		return e
	}

	switch {
	case err == nil:
		return nil

	case os.IsTimeout(err), stderr.Is(err, context.DeadlineExceeded):
		return &errors.Error{
			Message: fmt.Sprintf("%s timed out", msg),
			Kind:    errors.Timeout,
		}

	case stderr.Is(err, context.Canceled):
		return &errors.Error{
			Message: fmt.Sprintf("%s cancelled", msg),
			Kind:    errors.Cancelled,
		}

	default:
		return &errors.Error{
			Message:     fmt.Sprintf("%s error: %s", msg, err.Error()),
			Kind:        errors.StateInvalid,
			NestedError: err,
		}
	}
}

// Context extracts the timeout/cancellation error carried by ctx, if any.
// If the context was cancelled with an explicit cause (a protocol error we
// set, or one a caller's parent context set), that cause is returned
// unwrapped; otherwise ctx.Err() is normalized.
func Context(ctx context.Context, msg string) error {
	if err := context.Cause(ctx); err != nil {
		return Normalize(err, msg)
	}
	return Normalize(ctx.Err(), msg)
}

// Return normalizes a possibly-nil error for a constructor or invocation
// return path, marking it IsShallow when shallow is true (raised before any
// network I/O, per spec §7).
func Return(err error, shallow bool) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderr.As(err, &e) {
		e.IsShallow = shallow
		return e
	}
	return &errors.Error{Message: err.Error(), Kind: errors.StateInvalid, IsShallow: shallow}
}

// ValidateNonNil checks that every named value is non-nil, returning an
// ArgumentInvalid error naming the first nil one found.
func ValidateNonNil(vals map[string]any) error {
	for name, v := range vals {
		if isNil(v) {
			return &errors.Error{
				Message:      fmt.Sprintf("%s must not be nil", name),
				Kind:         errors.ArgumentInvalid,
				PropertyName: name,
				IsShallow:    true,
			}
		}
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case interface{ IsNil() bool }:
		return x.IsNil()
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// NewUUID generates a fresh UUID string, used for correlation data and
// CloudEvents ids.
func NewUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", &errors.Error{Message: "failed to generate UUID", Kind: errors.StateInvalid, NestedError: err}
	}
	return id.String(), nil
}

// noReturn marks an error that should be logged but never echoed back over
// the wire as a response (e.g. a request so malformed we can't trust its
// response topic).
type noReturn struct{ error }

// NoReturn wraps err so that IsNoReturn recognizes it.
func NoReturn(err error) error { return noReturn{err} }

// IsNoReturn reports whether err was wrapped with NoReturn, returning the
// unwrapped error either way.
func IsNoReturn(err error) (bool, error) {
	if nr, ok := err.(noReturn); ok {
		return true, nr.error
	}
	return false, err
}

// appErrPayload is the JSON shape stored in the AppErrPayload property when
// ToUserProp encodes a protocol-level error returned by a command handler.
type appErrPayload struct {
	Message       string `json:"message"`
	PropertyName  string `json:"propertyName,omitempty"`
	HeaderName    string `json:"headerName,omitempty"`
	InApplication bool   `json:"inApplication,omitempty"`
}

// ToUserProp encodes err (if non-nil) using the reserved AppErrCode /
// AppErrPayload names, so a command executor can report an execution
// failure over the wire as a typed response payload rather than raising an
// exception across the network boundary (spec §9).
func ToUserProp(err error) map[string]string {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if !stderr.As(err, &e) {
		e = &errors.Error{Message: err.Error(), Kind: errors.ExecutorError}
	}

	body, marshalErr := json.Marshal(appErrPayload{
		Message:       e.Message,
		PropertyName:  e.PropertyName,
		HeaderName:    e.HeaderName,
		InApplication: e.InApplication,
	})
	if marshalErr != nil {
		return map[string]string{constants.AppErrCode: e.Kind.String()}
	}
	return map[string]string{
		constants.AppErrCode:    e.Kind.String(),
		constants.AppErrPayload: string(body),
	}
}

// FromUserProp reconstructs the *errors.Error encoded by ToUserProp, or nil
// if props carries no AppErrCode.
func FromUserProp(props map[string]string) error {
	code, ok := props[constants.AppErrCode]
	if !ok {
		return nil
	}

	e := &errors.Error{Message: "remote error", Kind: errors.ExecutorError, IsRemote: true}
	if k, ok := kindFromString(code); ok {
		e.Kind = k
	}

	if body, ok := props[constants.AppErrPayload]; ok {
		var p appErrPayload
		if err := json.Unmarshal([]byte(body), &p); err == nil {
			e.Message = p.Message
			e.PropertyName = p.PropertyName
			e.HeaderName = p.HeaderName
			e.InApplication = p.InApplication
		}
	}
	return e
}

func kindFromString(s string) (errors.Kind, bool) {
	for k := errors.ConfigurationInvalid; k <= errors.Disposed; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}
