// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmq/protocol/mqtt"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func req(corr string, expiry uint32) *mqtt.Message {
	return &mqtt.Message{
		Topic: "topic/a",
		PublishOptions: mqtt.PublishOptions{
			Payload:         []byte("payload"),
			CorrelationData: []byte(corr),
			MessageExpiry:   expiry,
			UserProperties:  map[string]string{},
		},
	}
}

func TestExecRunsCallbackOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(clock, time.Minute, true)

	calls := 0
	cb := func() (*mqtt.Message, error) {
		calls++
		return &mqtt.Message{PublishOptions: mqtt.PublishOptions{Payload: []byte("r")}}, nil
	}

	res, err := c.Exec(req("corr-1", 60), cb)
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), res.Payload)

	res2, err := c.Exec(req("corr-1", 60), cb)
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), res2.Payload)
	assert.Equal(t, 1, calls, "duplicate correlation id must not re-run the handler")
}

func TestExecDropsRequestPastExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(clock, time.Minute, true)

	cb := func() (*mqtt.Message, error) {
		clock.t = clock.t.Add(2 * time.Second)
		return &mqtt.Message{PublishOptions: mqtt.PublishOptions{Payload: []byte("r")}}, nil
	}
	_, err := c.Exec(req("corr-2", 1), cb)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	res, err := c.Exec(req("corr-2", 1), func() (*mqtt.Message, error) {
		t.Fatal("callback must not run for an already-expired entry")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestExecReusesEquivalentRequest(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(clock, time.Minute, true)

	calls := 0
	cb := func() (*mqtt.Message, error) {
		calls++
		return &mqtt.Message{PublishOptions: mqtt.PublishOptions{Payload: []byte("r")}}, nil
	}

	_, err := c.Exec(req("corr-a", 60), cb)
	require.NoError(t, err)

	res, err := c.Exec(req("corr-b", 60), cb)
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), res.Payload)
	assert.Equal(t, 1, calls, "a distinct correlation id with an identical payload/topic should reuse the cached result")
}

func TestExecDoesNotReuseAcrossDifferentPayloads(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(clock, time.Minute, true)

	calls := 0
	cb := func() (*mqtt.Message, error) {
		calls++
		return &mqtt.Message{PublishOptions: mqtt.PublishOptions{Payload: []byte("r")}}, nil
	}

	_, err := c.Exec(req("corr-x", 60), cb)
	require.NoError(t, err)

	other := req("corr-y", 60)
	other.Payload = []byte("different")
	_, err = c.Exec(other, cb)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecDoesNotCacheErrors(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(clock, time.Minute, true)

	calls := 0
	cb := func() (*mqtt.Message, error) {
		calls++
		return nil, assertErr
	}

	_, err := c.Exec(req("corr-e", 60), cb)
	require.Error(t, err)

	_, err = c.Exec(req("corr-f", 60), cb)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "equivalent-request reuse must not apply to a failed result")
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
