// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

type recordingHandler struct {
	msgs []*Message[addReq]
	errs []error
}

func (r *recordingHandler) onMsg(_ context.Context, _ *mqtt.Message, msg *Message[addReq]) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingHandler) onErr(_ context.Context, _ *mqtt.Message, err error) error {
	r.errs = append(r.errs, err)
	return nil
}

func newTestListener(t *testing.T, client *fakeClient, reqCorrelation bool, h *recordingHandler) *listener[addReq] {
	t.Helper()
	tp, err := internal.NewTopicPattern("topic", "rpc/add", nil, "")
	require.NoError(t, err)
	tf, err := tp.Filter()
	require.NoError(t, err)

	l := &listener[addReq]{
		client:         client,
		encoding:       JSON[addReq]{},
		topic:          tf,
		reqCorrelation: reqCorrelation,
		ns:             version.RPC,
		handler:        h,
	}
	l.register()
	return l
}

func TestListenerRejectsMissingCorrelationData(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("c1")
	h := &recordingHandler{}
	l := newTestListener(t, client, true, h)
	require.NoError(t, l.listen(context.Background()))

	props := map[string]string{constants.ProtocolVersion: version.RPC.Current}
	broker.publish(context.Background(), "rpc/add", publishOptions("", 0, props))
	l.close() // waits for the dispatched handler to finish

	require.Len(t, h.errs, 1)
	assert.Empty(t, h.msgs)
}

func TestListenerAcceptsValidMessage(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("c1")
	h := &recordingHandler{}
	l := newTestListener(t, client, false, h)
	require.NoError(t, l.listen(context.Background()))

	props := map[string]string{
		constants.SourceID:        "sender-1",
		constants.ProtocolVersion: version.RPC.Current,
	}
	broker.publish(context.Background(), "rpc/add", publishOptions("", 0, props))
	l.close() // waits for the dispatched handler to finish

	require.Len(t, h.msgs, 1)
	assert.Equal(t, "sender-1", h.msgs[0].ClientID)
}

func TestListenerRejectsUnsupportedProtocolVersion(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("c1")
	h := &recordingHandler{}
	l := newTestListener(t, client, false, h)
	require.NoError(t, l.listen(context.Background()))

	props := map[string]string{constants.ProtocolVersion: "99.0"}
	broker.publish(context.Background(), "rpc/add", publishOptions("", 0, props))
	l.close() // waits for the dispatched handler to finish

	require.Len(t, h.errs, 1)
}
