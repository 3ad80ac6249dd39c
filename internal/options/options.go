// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package options provides the generic option-application iterator shared
// by every envoy's functional-options surface.
package options

import "iter"

// Apply returns an iterator over every option in opts followed by every
// option in rest that can be asserted to type T. Non-T options (i.e.
// options meant for a different envoy's option set, filtered out of a
// shared Option slice) are silently skipped. Call sites range over the
// result and apply each option to their local Options struct:
//
//	for opt := range options.Apply[CommandInvokerOption](opts, rest...) {
//		opt.commandInvoker(o)
//	}
func Apply[T any](opts []T, rest ...any) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, o := range opts {
			if !yield(o) {
				return
			}
		}
		for _, o := range rest {
			t, ok := o.(T)
			if !ok {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}
