// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/container"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/log"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

const streamExecutorErrStr = "stream execution"

type (
	// StreamExecutor provides the ability to execute a streamed invocation
	// (component I, executor side). Unlike CommandExecutor it never
	// consults a dedup cache (spec §4.I: "streams may grow unboundedly").
	StreamExecutor[Req any, Res any] struct {
		listener  *listener[Req]
		publisher *publisher[Res]
		handler   StreamHandler[Req, Res]
		timeout   time.Duration
		shareName string
		log       log.Logger

		sessions container.SyncMap[string, *streamExecutorSession[Req]]
	}

	// StreamExecutorOption represents a single stream executor option.
	StreamExecutorOption interface{ streamExecutor(*StreamExecutorOptions) }

	// StreamExecutorOptions are the resolved stream executor options.
	StreamExecutorOptions struct {
		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// StreamHandler is the user-provided implementation of a streamed
	// command: it consumes in (closed once the invoker's isLast frame
	// arrives) and produces its response frames on the returned channel,
	// which it must close when done.
	StreamHandler[Req any, Res any] func(ctx context.Context, in <-chan Req) (<-chan StreamResult[Res], error)

	streamExecutorSession[Req any] struct {
		machine       *streamMachine
		in            chan Req
		inOnce        sync.Once
		responseTopic string

		cancelCh   chan struct{}
		cancelOnce sync.Once

		finishOnce sync.Once
		nextIndex  atomic.Uint64
	}
)

func newStreamExecutorSession[Req any](responseTopic string) *streamExecutorSession[Req] {
	return &streamExecutorSession[Req]{
		machine:       newStreamMachine(),
		in:            make(chan Req, 16),
		responseTopic: responseTopic,
		cancelCh:      make(chan struct{}),
	}
}

func (s *streamExecutorSession[Req]) closeIn()       { s.inOnce.Do(func() { close(s.in) }) }
func (s *streamExecutorSession[Req]) triggerCancel() { s.cancelOnce.Do(func() { close(s.cancelCh) }) }

// NewStreamExecutor creates a stream executor subscribed to
// requestTopicPattern.
func NewStreamExecutor[Req, Res any](
	app *Application,
	client mqtt.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	handler StreamHandler[Req, Res],
	opt ...StreamExecutorOption,
) (se *StreamExecutor[Req, Res], err error) {
	var opts StreamExecutorOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(err, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
		"handler":          handler,
	}); err != nil {
		return nil, err
	}
	if err := internal.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	reqTP, err := internal.NewTopicPattern("requestTopicPattern", requestTopicPattern, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}
	reqTF, err := reqTP.Filter()
	if err != nil {
		return nil, err
	}

	se = &StreamExecutor[Req, Res]{
		handler:   handler,
		timeout:   opts.Timeout,
		shareName: opts.ShareName,
		log:       logger,
		sessions:  container.NewSyncMap[string, *streamExecutorSession[Req]](),
	}
	se.listener = &listener[Req]{
		client:         client,
		encoding:       requestEncoding,
		topic:          reqTF,
		shareName:      opts.ShareName,
		concurrency:    opts.Concurrency,
		reqCorrelation: true,
		ns:             version.Streaming,
		log:            logger,
		handler:        se,
	}
	se.publisher = &publisher[Res]{
		app:      app,
		client:   client,
		encoding: responseEncoding,
		ns:       version.Streaming,
	}

	se.listener.register()
	return se, nil
}

// Start subscribes to the request topic.
func (se *StreamExecutor[Req, Res]) Start(ctx context.Context) error {
	return se.listener.listen(ctx)
}

// Close unsubscribes and frees resources.
func (se *StreamExecutor[Req, Res]) Close() {
	se.listener.close()
	se.sessions.Range(func(id string, s *streamExecutorSession[Req]) bool {
		s.triggerCancel()
		se.sessions.Del(id)
		return true
	})
}

func (se *StreamExecutor[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Req]) error {
	defer se.listener.ack(ctx, pub) // acked on receipt: a long stream must not block dispatch

	raw, ok := pub.UserProperties[constants.Stream]
	if !ok {
		return &errors.Error{Message: "stream frame metadata missing", Kind: errors.HeaderMissing, HeaderName: constants.Stream}
	}
	frame, err := decodeStreamFrame(raw)
	if err != nil {
		return err
	}
	if err := ignoreRequest(pub); err != nil {
		return err
	}

	session, exists := se.sessions.Get(msg.CorrelationData)

	if frame.Cancel && frame.IsLast {
		if exists {
			session.machine.onCancel()
			session.triggerCancel()
			go se.publishTerminal(ctx, session, session.responseTopic, msg.CorrelationData, &errors.Error{
				Message: "stream cancelled by invoker", Kind: errors.Cancelled, IsRemote: true,
			})
		}
		return nil
	}

	if !exists {
		session = newStreamExecutorSession[Req](pub.ResponseTopic)
		se.sessions.Set(msg.CorrelationData, session)

		timeout := frame.Timeout
		if timeout == 0 {
			timeout = se.timeout
		}
		go se.run(ctx, session, msg.CorrelationData, pub.ResponseTopic, timeout)
	}

	if frame.IsLast {
		session.machine.onFrame(false, true)
		session.closeIn()
		return nil
	}

	session.machine.onFrame(false, false)
	payload, err := se.listener.payload(pub)
	if err != nil {
		return err
	}
	select {
	case session.in <- payload:
	case <-session.cancelCh:
	case <-ctx.Done():
	}
	return nil
}

func (se *StreamExecutor[Req, Res]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	se.listener.drop(ctx, pub, err)
	return nil
}

// run drives one stream's handler invocation to completion: the handler
// consumes session.in and produces response items, which run republishes as
// frames in order, marking the last one isLast once the handler's output
// channel closes.
func (se *StreamExecutor[Req, Res]) run(
	ctx context.Context,
	session *streamExecutorSession[Req],
	correlationData, responseTopic string,
	timeout time.Duration,
) {
	defer se.sessions.Del(correlationData)

	to := &internal.Timeout{Duration: timeout, Name: "StreamTimeout", Text: streamExecutorErrStr}
	handlerCtx, cancel := to.Context(ctx)
	defer cancel()

	go func() {
		select {
		case <-session.cancelCh:
			cancel()
		case <-handlerCtx.Done():
		}
	}()

	out, err := se.callHandler(handlerCtx, session.in)
	if err != nil {
		se.publishTerminal(ctx, session, responseTopic, correlationData, err)
		return
	}

	var pending *StreamResult[Res]
	for res := range out {
		if pending != nil {
			if err := se.publishFrame(ctx, session, responseTopic, correlationData, pending.Payload, false); err != nil {
				se.log.Err(ctx, err)
				return
			}
		}
		r := res
		pending = &r
		if r.Err != nil {
			break
		}
	}

	if pending != nil && pending.Err != nil {
		se.publishTerminal(ctx, session, responseTopic, correlationData, pending.Err)
		return
	}
	if pending == nil {
		se.publishTerminal(ctx, session, responseTopic, correlationData, nil)
		return
	}
	if err := se.publishFrame(ctx, session, responseTopic, correlationData, pending.Payload, true); err != nil {
		se.log.Err(ctx, err)
		return
	}
	session.machine.onFrame(true, true)
}

func (se *StreamExecutor[Req, Res]) callHandler(
	ctx context.Context,
	in <-chan Req,
) (out <-chan StreamResult[Res], err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = &errors.Error{Message: fmt.Sprint(p), Kind: errors.ExecutorError, InApplication: true}
		}
	}()
	return se.handler(ctx, in)
}

func (se *StreamExecutor[Req, Res]) publishFrame(
	ctx context.Context,
	session *streamExecutorSession[Req],
	responseTopic, correlationData string,
	payload Res,
	isLast bool,
) error {
	idx := session.nextIndex.Add(1) - 1
	msg := &Message[Res]{CorrelationData: correlationData, Payload: payload}
	pub, err := se.publisher.build(msg, nil, DefaultMessageExpiry)
	if err != nil {
		return err
	}
	pub.Topic = responseTopic
	pub.CorrelationData = []byte(correlationData)
	pub.UserProperties[constants.Stream] = streamFrame{Index: idx, IsLast: isLast}.encode(false)
	return se.publisher.publish(ctx, pub)
}

// publishTerminal sends the stream's final frame exactly once: either a
// plain empty isLast frame (handler produced nothing further), or a
// Cancelled/error-tagged one if resErr is non-nil.
func (se *StreamExecutor[Req, Res]) publishTerminal(
	ctx context.Context,
	session *streamExecutorSession[Req],
	responseTopic, correlationData string,
	resErr error,
) {
	session.finishOnce.Do(func() {
		idx := session.nextIndex.Add(1) - 1
		pub, err := se.publisher.build(nil, nil, DefaultMessageExpiry)
		if err != nil {
			se.log.Err(ctx, err)
			return
		}
		pub.Topic = responseTopic
		pub.CorrelationData = []byte(correlationData)
		pub.UserProperties[constants.Stream] = streamFrame{Index: idx, IsLast: true, Cancel: isCancelled(resErr)}.encode(false)
		for k, v := range errutil.ToUserProp(resErr) {
			pub.UserProperties[k] = v
		}
		if err := se.publisher.publish(ctx, pub); err != nil {
			se.log.Err(ctx, err)
		}
		session.machine.onFrame(true, true)
	})
}

func isCancelled(err error) bool {
	var e *errors.Error
	return stderr.As(err, &e) && e.Kind == errors.Cancelled
}

// Apply resolves the provided list of options.
func (o *StreamExecutorOptions) Apply(opts []StreamExecutorOption, rest ...StreamExecutorOption) {
	for opt := range options.Apply[StreamExecutorOption](opts, rest...) {
		opt.streamExecutor(o)
	}
}

func (o *StreamExecutorOptions) streamExecutor(opt *StreamExecutorOptions) {
	if o != nil {
		*opt = *o
	}
}
