// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tempReading struct{ Celsius float64 }

// S6: a CloudEvent attached to an outbound telemetry message round-trips
// through the wire properties into the receiver's recovered CloudEvent.
func TestTelemetryCloudEventRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	app := newTestApplication()
	senderClient := broker.newClient("sensor-1")
	receiverClient := broker.newClient("monitor-1")

	ts, err := NewTelemetrySender[tempReading](app, senderClient, JSON[tempReading]{}, "telemetry/temp")
	require.NoError(t, err)

	var mu sync.Mutex
	var got *TelemetryMessage[tempReading]
	done := make(chan struct{})

	handler := func(_ context.Context, msg *TelemetryMessage[tempReading]) error {
		mu.Lock()
		got = msg
		mu.Unlock()
		close(done)
		return nil
	}
	tr, err := NewTelemetryReceiver[tempReading](receiverClient, JSON[tempReading]{}, "telemetry/temp", handler)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	src, err := url.Parse("urn:sensor:1")
	require.NoError(t, err)

	err = ts.Send(context.Background(), tempReading{Celsius: 21.5}, WithCloudEvent(CloudEvent{
		Source: src,
		Type:   "com.example.temperature",
	}))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got.CloudEvent)
	assert.Equal(t, "urn:sensor:1", got.CloudEvent.Source.String())
	assert.Equal(t, "com.example.temperature", got.CloudEvent.Type)
	assert.Equal(t, DefaultCloudEventSpecVersion, got.CloudEvent.SpecVersion)
	assert.Equal(t, 21.5, got.Payload.Celsius)
}

func TestTelemetrySendWithoutCloudEventLeavesReceiverCloudEventNil(t *testing.T) {
	broker := newFakeBroker()
	app := newTestApplication()
	senderClient := broker.newClient("sensor-1")
	receiverClient := broker.newClient("monitor-1")

	ts, err := NewTelemetrySender[tempReading](app, senderClient, JSON[tempReading]{}, "telemetry/temp")
	require.NoError(t, err)

	done := make(chan *TelemetryMessage[tempReading], 1)
	handler := func(_ context.Context, msg *TelemetryMessage[tempReading]) error {
		done <- msg
		return nil
	}
	tr, err := NewTelemetryReceiver[tempReading](receiverClient, JSON[tempReading]{}, "telemetry/temp", handler)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, ts.Send(context.Background(), tempReading{Celsius: 10}))

	select {
	case msg := <-done:
		assert.Nil(t, msg.CloudEvent)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestCloudEventToPropsRequiresSource(t *testing.T) {
	props := map[string]string{}
	err := cloudEventToProps(props, "application/json", "telemetry/temp", &CloudEvent{})
	assert.Error(t, err)
}

func TestCloudEventToPropsDefaultsSubjectToTopic(t *testing.T) {
	props := map[string]string{}
	src, err := url.Parse("urn:sensor:1")
	require.NoError(t, err)
	require.NoError(t, cloudEventToProps(props, "application/json", "telemetry/temp", &CloudEvent{Source: src}))
	assert.Equal(t, "telemetry/temp", props["subject"])
	assert.Equal(t, "application/json", props["datacontenttype"])
	assert.Equal(t, DefaultCloudEventSpecVersion, props["specversion"])
}

func TestTelemetryManualAckLeavesAckToHandler(t *testing.T) {
	broker := newFakeBroker()
	app := newTestApplication()
	senderClient := broker.newClient("sensor-1")
	receiverClient := broker.newClient("monitor-1")

	ts, err := NewTelemetrySender[tempReading](app, senderClient, JSON[tempReading]{}, "telemetry/temp")
	require.NoError(t, err)

	acked := make(chan struct{}, 1)
	handler := func(_ context.Context, msg *TelemetryMessage[tempReading]) error {
		require.NotNil(t, msg.Ack)
		require.NoError(t, msg.Ack())
		acked <- struct{}{}
		return nil
	}
	tr, err := NewTelemetryReceiver[tempReading](
		receiverClient, JSON[tempReading]{}, "telemetry/temp", handler, WithManualAck(true),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, ts.Send(context.Background(), tempReading{Celsius: 10}))

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}
