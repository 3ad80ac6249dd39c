// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/container"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

// streamGracePeriod is how long a cancelled or expired stream's fingerprint
// is remembered so late stragglers are acked and discarded rather than
// mistaken for a new stream (spec §4.I, scenario S5).
const streamGracePeriod = 10 * time.Second

type (
	// StreamInvoker provides the ability to open a streamed invocation: many
	// request frames, many response frames, sharing one correlation id
	// (component I, invoker side).
	StreamInvoker[Req any, Res any] struct {
		publisher     *publisher[Req]
		listener      *listener[Res]
		responseTopic *internal.TopicPattern

		sessions   container.SyncMap[string, *streamInvokerSession[Res]]
		stragglers container.SyncMap[string, time.Time]
	}

	// StreamOption represents a single per-stream option.
	StreamOption interface{ stream(*StreamOptions) }

	// StreamOptions are the resolved per-stream options.
	StreamOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// StreamResult is one item delivered to a stream's consumer: either a
	// response payload, or a terminal error (Cancelled, Timeout, or an
	// executor failure).
	StreamResult[Res any] struct {
		Payload Res
		Err     error
	}

	// StreamHandle is the consumable sequence exposed to the caller of
	// Open: results arrive on Results in receipt order, and Cancel ends
	// the stream from the invoker's side at any time (spec §9: "a
	// consumable sequence with an out-of-band cancel operation").
	StreamHandle[Res any] struct {
		Results <-chan StreamResult[Res]
		Cancel  func()
	}

	// streamInvokerSession owns the public results channel. events is the
	// only place any other goroutine ever writes to; a single pump
	// goroutine drains it and is therefore the sole writer to (and closer
	// of) out, which keeps a send-on-closed-channel impossible regardless
	// of how many producers observe frames concurrently.
	streamInvokerSession[Res any] struct {
		machine *streamMachine
		out     chan StreamResult[Res]
		events  chan streamEvent[Res]
		cancel  func()
	}

	streamEvent[Res any] struct {
		res      StreamResult[Res]
		terminal bool
	}
)

func newStreamInvokerSession[Res any]() *streamInvokerSession[Res] {
	s := &streamInvokerSession[Res]{
		machine: newStreamMachine(),
		out:     make(chan StreamResult[Res], 16),
		events:  make(chan streamEvent[Res], 64),
	}
	go s.pump()
	return s
}

func (s *streamInvokerSession[Res]) pump() {
	defer close(s.out)
	for ev := range s.events {
		if !ev.terminal {
			s.out <- ev.res
			continue
		}
		if ev.res.Err != nil {
			s.out <- ev.res
		}
		return
	}
}

func (s *streamInvokerSession[Res]) emit(payload StreamResult[Res]) {
	select {
	case s.events <- streamEvent[Res]{res: payload}:
	default:
	}
}

func (s *streamInvokerSession[Res]) complete(final StreamResult[Res]) {
	select {
	case s.events <- streamEvent[Res]{res: final, terminal: true}:
	default:
	}
}

// NewStreamInvoker creates a stream invoker bound to requestTopicPattern,
// following the same response-topic defaulting as CommandInvoker.
func NewStreamInvoker[Req, Res any](
	app *Application,
	client mqtt.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	opt ...CommandInvokerOption,
) (si *StreamInvoker[Req, Res], err error) {
	var opts CommandInvokerOptions
	opts.Apply(opt)

	defer func() { err = errutil.Return(err, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
	}); err != nil {
		return nil, err
	}

	responseTopicPattern := opts.ResponseTopicPattern
	if responseTopicPattern == "" {
		responseTopicPattern = constants.ResponseTopicPrefix + "/" + client.ID() + "/" + requestTopicPattern
	}

	reqTP, err := internal.NewTopicPattern("requestTopicPattern", requestTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}
	resTP, err := internal.NewTopicPattern("responseTopicPattern", responseTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}
	resTF, err := resTP.Filter()
	if err != nil {
		return nil, err
	}

	si = &StreamInvoker[Req, Res]{
		responseTopic: resTP,
		sessions:      container.NewSyncMap[string, *streamInvokerSession[Res]](),
		stragglers:    container.NewSyncMap[string, time.Time](),
	}
	si.publisher = &publisher[Req]{
		app:      app,
		client:   client,
		encoding: requestEncoding,
		topic:    reqTP,
		ns:       version.Streaming,
	}
	si.listener = &listener[Res]{
		client:         client,
		encoding:       responseEncoding,
		topic:          resTF,
		reqCorrelation: true,
		ns:             version.Streaming,
		handler:        si,
	}

	si.listener.register()
	return si, nil
}

// Start begins listening on the response topic. Must be called before Open.
func (si *StreamInvoker[Req, Res]) Start(ctx context.Context) error {
	return si.listener.listen(ctx)
}

// Close unsubscribes and frees resources, completing every open stream with
// Disposed.
func (si *StreamInvoker[Req, Res]) Close() {
	si.listener.close()
	si.sessions.Range(func(id string, s *streamInvokerSession[Res]) bool {
		s.complete(StreamResult[Res]{Err: &errors.Error{Message: "invoker disposed", Kind: errors.Disposed}})
		si.sessions.Del(id)
		return true
	})
}

// Open begins a streamed invocation: reqs is consumed to produce request
// frames (closing it ends the request side of the stream), and the returned
// handle delivers response frames as they arrive.
func (si *StreamInvoker[Req, Res]) Open(
	ctx context.Context,
	reqs <-chan Req,
	opt ...StreamOption,
) (*StreamHandle[Res], error) {
	var opts StreamOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultMessageExpiry
	}
	expiry := &internal.Timeout{Duration: timeout, Name: "MessageExpiry", Text: "stream invocation"}
	if err := expiry.Validate(); err != nil {
		return nil, err
	}

	correlationData, err := errutil.NewUUID()
	if err != nil {
		return nil, err
	}

	responseTopic, err := si.responseTopic.Topic(opts.TopicTokens)
	if err != nil {
		return nil, err
	}

	session := newStreamInvokerSession[Res]()
	session.cancel = func() {
		session.machine.onCancel()
		pub, err := si.publisher.build(nil, opts.TopicTokens, timeout)
		if err != nil {
			return
		}
		pub.ResponseTopic = responseTopic
		pub.CorrelationData = []byte(correlationData)
		pub.UserProperties[constants.Stream] = cancelFrame.encode(false)
		_ = si.publisher.publish(ctx, pub)
	}
	si.sessions.Set(correlationData, session)

	go si.sendFrames(ctx, correlationData, responseTopic, reqs, session, opts, timeout)

	return &StreamHandle[Res]{Results: session.out, Cancel: session.cancel}, nil
}

func (si *StreamInvoker[Req, Res]) sendFrames(
	ctx context.Context,
	correlationData, responseTopic string,
	reqs <-chan Req,
	session *streamInvokerSession[Res],
	opts StreamOptions,
	timeout time.Duration,
) {
	var idx uint64
	first := true

	send := func(payload *Req, frame streamFrame) error {
		var msg *Message[Req]
		if payload != nil {
			msg = &Message[Req]{CorrelationData: correlationData, Payload: *payload, Metadata: opts.Metadata}
		}
		pub, err := si.publisher.build(msg, opts.TopicTokens, timeout)
		if err != nil {
			return err
		}
		pub.ResponseTopic = responseTopic
		pub.CorrelationData = []byte(correlationData)
		pub.UserProperties[constants.Stream] = frame.encode(true)
		return si.publisher.publish(ctx, pub)
	}

loop:
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				break loop
			}
			err := send(&req, streamFrame{Index: idx, Timeout: timeout})
			idx++
			session.machine.onFrame(true, false)
			if first {
				first = false
				si.startDeadline(correlationData, session, timeout)
			}
			if err != nil {
				session.complete(StreamResult[Res]{Err: err})
				return
			}
		case <-ctx.Done():
			session.cancel()
			return
		}
	}

	if err := send(nil, streamFrame{Index: idx, IsLast: true, Timeout: timeout}); err != nil {
		session.complete(StreamResult[Res]{Err: err})
		return
	}
	session.machine.onFrame(true, true)
}

func (si *StreamInvoker[Req, Res]) startDeadline(correlationData string, session *streamInvokerSession[Res], timeout time.Duration) {
	time.AfterFunc(timeout, func() {
		if session.machine.onTimeout() != streamExpiring {
			return
		}
		si.expire(correlationData, session)
		session.complete(StreamResult[Res]{Err: &errors.Error{Message: "stream timed out", Kind: errors.Timeout}})
	})
}

// expire moves correlationData from the live session table to the straggler
// set: late frames are acked and discarded for the grace period instead of
// starting a new session or being silently ignored.
func (si *StreamInvoker[Req, Res]) expire(correlationData string, session *streamInvokerSession[Res]) {
	si.sessions.Del(correlationData)
	si.stragglers.Set(correlationData, time.Now().UTC().Add(streamGracePeriod))
	time.AfterFunc(streamGracePeriod, func() {
		session.machine.onGraceElapsed()
		si.stragglers.Del(correlationData)
	})
}

func (si *StreamInvoker[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Res]) error {
	defer si.listener.ack(ctx, pub)

	raw, ok := pub.UserProperties[constants.Stream]
	if !ok {
		return nil
	}
	frame, err := decodeStreamFrame(raw)
	if err != nil {
		return nil
	}

	session, ok := si.sessions.Get(msg.CorrelationData)
	if !ok {
		return nil // unknown or already-expired fingerprint: acked and discarded
	}

	if frame.Cancel && frame.IsLast {
		session.machine.onCancelAck()
		si.sessions.Del(msg.CorrelationData)
		session.complete(StreamResult[Res]{Err: &errors.Error{Message: "stream cancelled", Kind: errors.Cancelled}})
		return nil
	}

	if len(pub.Payload) > 0 {
		payload, err := si.listener.payload(pub)
		if err != nil {
			return err
		}
		msg.Payload = payload
		session.emit(StreamResult[Res]{Payload: msg.Payload})
	}

	if state := session.machine.onFrame(false, frame.IsLast); state == streamTerminal {
		si.sessions.Del(msg.CorrelationData)
		session.complete(StreamResult[Res]{})
	}
	return nil
}

func (si *StreamInvoker[Req, Res]) onErr(_ context.Context, _ *mqtt.Message, _ error) error {
	return nil
}

// Apply resolves the provided list of options.
func (o *StreamOptions) Apply(opts []StreamOption, rest ...StreamOption) {
	for opt := range options.Apply[StreamOption](opts, rest...) {
		opt.stream(o)
	}
}

func (o *StreamOptions) stream(opt *StreamOptions) {
	if o != nil {
		*opt = *o
	}
}
