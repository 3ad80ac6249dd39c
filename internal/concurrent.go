// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"context"
	"sync"
)

// Concurrent wraps handle so that at most n invocations run at once,
// regardless of how many times the returned function is called (spec §5:
// bounded dispatch concurrency for classical RPC, so a slow handler cannot
// block the inbound dispatch loop indefinitely). n == 0 means unbounded.
// The returned stop function blocks until every in-flight call returns.
func Concurrent[T any](
	n uint,
	handle func(context.Context, T),
) (func(context.Context, T), func()) {
	var wg sync.WaitGroup

	if n == 0 {
		call := func(ctx context.Context, v T) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, v)
			}()
		}
		return call, wg.Wait
	}

	sem := make(chan struct{}, n)
	call := func(ctx context.Context, v T) {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			handle(ctx, v)
		}()
	}
	return call, wg.Wait
}
