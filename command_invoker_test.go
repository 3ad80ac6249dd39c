// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"testing"
	"time"

	stderr "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmq/protocol/errors"
)

// S3: an invocation with no executor listening must time out rather than
// block forever.
func TestCommandInvokerTimesOutWithoutExecutor(t *testing.T) {
	broker := newFakeBroker()
	app := newTestApplication()
	client := broker.newClient("invoker-only")

	ci, err := NewCommandInvoker[addReq, addRes](app, client, JSON[addReq]{}, JSON[addRes]{}, "rpc/add")
	require.NoError(t, err)
	require.NoError(t, ci.Start(context.Background()))
	defer ci.Close()

	start := time.Now()
	_, err = ci.Invoke(context.Background(), addReq{A: 1, B: 1}, WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	var e *errors.Error
	require.True(t, stderr.As(err, &e))
	assert.Equal(t, errors.Timeout, e.Kind)
	assert.Less(t, elapsed, time.Second)
}

// Testable property 5: two invocations from the same invoker use distinct
// correlation ids, so a replayed or duplicate response never gets
// delivered to the wrong waiter.
func TestCommandInvokerUsesDistinctCorrelationIDsPerInvocation(t *testing.T) {
	broker := newFakeBroker()
	_, _, ci, ce := newAddPair(t, broker)
	defer ci.Close()
	defer ce.Close()

	var seen []string
	orig := ce.handler
	ce.handler = func(ctx context.Context, req *CommandRequest[addReq]) (*CommandResponse[addRes], error) {
		seen = append(seen, req.CorrelationData)
		return orig(ctx, req)
	}

	_, err := ci.Invoke(context.Background(), addReq{A: 1, B: 2})
	require.NoError(t, err)
	_, err = ci.Invoke(context.Background(), addReq{A: 3, B: 4})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.NotEqual(t, seen[0], seen[1])
}

func TestCommandInvokerCloseCompletesPendingWithDisposed(t *testing.T) {
	broker := newFakeBroker()
	app := newTestApplication()
	client := broker.newClient("invoker-only")

	ci, err := NewCommandInvoker[addReq, addRes](app, client, JSON[addReq]{}, JSON[addRes]{}, "rpc/add")
	require.NoError(t, err)
	require.NoError(t, ci.Start(context.Background()))

	resultCh := make(chan error, 1)
	go func() {
		_, err := ci.Invoke(context.Background(), addReq{A: 1, B: 1}, WithTimeout(5*time.Second))
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ci.Close()

	select {
	case err := <-resultCh:
		require.Error(t, err)
		var e *errors.Error
		require.True(t, stderr.As(err, &e))
		assert.Equal(t, errors.Disposed, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("Invoke did not return after Close")
	}
}
