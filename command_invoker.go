// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/hlc"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/container"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/log"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

type (
	// CommandInvoker provides the ability to invoke a single command and
	// await its response (component E+G). A CommandInvoker owns one live
	// subscription to its response topic for its entire lifetime.
	CommandInvoker[Req any, Res any] struct {
		publisher     *publisher[Req]
		listener      *listener[Res]
		responseTopic *internal.TopicPattern

		pending container.SyncMap[string, commandPending[Res]]
	}

	// CommandInvokerOption represents a single command invoker option.
	CommandInvokerOption interface{ commandInvoker(*CommandInvokerOptions) }

	// CommandInvokerOptions are the resolved command invoker options.
	CommandInvokerOptions struct {
		ResponseTopicPattern string
		ResponseTopicPrefix  string
		ResponseTopicSuffix  string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// InvokeOption represents a single per-invocation option.
	InvokeOption interface{ invoke(*InvokeOptions) }

	// InvokeOptions are the resolved per-invocation options.
	InvokeOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithResponseTopicPattern overrides the default (request-topic-derived)
	// response topic pattern. Overrides any prefix/suffix option.
	WithResponseTopicPattern string

	// WithResponseTopicPrefix prepends a prefix to the default response
	// topic pattern. If neither prefix nor suffix is given, the invoker
	// defaults to "clients/{invoker client id}/" (spec §4.G).
	WithResponseTopicPrefix string

	// WithResponseTopicSuffix appends a suffix to the default response
	// topic pattern.
	WithResponseTopicSuffix string

	// WithFencingToken names an HLC value used as a fencing token. It
	// implements no option interface, so it attaches nothing by itself; a
	// caller forwards the value as ordinary metadata through WithMetadata.
	WithFencingToken hlc.HybridLogicalClock

	commandReturn[Res any] struct {
		res *CommandResponse[Res]
		err error
	}

	// commandPending pairs the channel a waiter receives its result on with
	// a done channel so sendPending never blocks once the invoker has
	// stopped waiting (e.g. after a timeout already returned to the user).
	commandPending[Res any] struct {
		ret  chan<- commandReturn[Res]
		done <-chan struct{}
	}
)

const commandInvokerErrStr = "command invocation"

// NewCommandInvoker creates a command invoker bound to requestTopicPattern.
// The response topic defaults to "clients/{client.ID()}/" + the request
// pattern unless overridden by an option (spec §4.G).
func NewCommandInvoker[Req, Res any](
	app *Application,
	client mqtt.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	opt ...CommandInvokerOption,
) (ci *CommandInvoker[Req, Res], err error) {
	var opts CommandInvokerOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

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
		responseTopicPattern = requestTopicPattern

		if opts.ResponseTopicPrefix != "" {
			if err := internal.ValidateTopicPatternComponent(
				"responseTopicPrefix", "invalid response topic prefix", opts.ResponseTopicPrefix,
			); err != nil {
				return nil, err
			}
			responseTopicPattern = opts.ResponseTopicPrefix + "/" + responseTopicPattern
		}
		if opts.ResponseTopicSuffix != "" {
			if err := internal.ValidateTopicPatternComponent(
				"responseTopicSuffix", "invalid response topic suffix", opts.ResponseTopicSuffix,
			); err != nil {
				return nil, err
			}
			responseTopicPattern = responseTopicPattern + "/" + opts.ResponseTopicSuffix
		}
		if opts.ResponseTopicPrefix == "" && opts.ResponseTopicSuffix == "" {
			responseTopicPattern = constants.ResponseTopicPrefix + "/" + client.ID() + "/" + requestTopicPattern
		}
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

	ci = &CommandInvoker[Req, Res]{
		responseTopic: resTP,
		pending:       container.NewSyncMap[string, commandPending[Res]](),
	}
	ci.publisher = &publisher[Req]{
		app:      app,
		client:   client,
		encoding: requestEncoding,
		topic:    reqTP,
		ns:       version.RPC,
	}
	ci.listener = &listener[Res]{
		client:         client,
		encoding:       responseEncoding,
		topic:          resTF,
		reqCorrelation: true,
		ns:             version.RPC,
		log:            logger,
		handler:        ci,
	}

	ci.listener.register()
	return ci, nil
}

// Invoke calls the command, blocking until the executor's response arrives
// or the timeout elapses. Parallelism between invocations is the caller's
// responsibility.
func (ci *CommandInvoker[Req, Res]) Invoke(
	ctx context.Context,
	req Req,
	opt ...InvokeOption,
) (res *CommandResponse[Res], err error) {
	shallow := true
	defer func() { err = errutil.Return(err, shallow) }()

	var opts InvokeOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultMessageExpiry
	}
	expiry := &internal.Timeout{Duration: timeout, Name: "MessageExpiry", Text: commandInvokerErrStr}
	if err := expiry.Validate(); err != nil {
		return nil, err
	}

	correlationData, err := errutil.NewUUID()
	if err != nil {
		return nil, err
	}

	msg := &Message[Req]{
		CorrelationData: correlationData,
		Payload:         req,
		Metadata:        opts.Metadata,
	}
	pub, err := ci.publisher.build(msg, opts.TopicTokens, timeout)
	if err != nil {
		return nil, err
	}

	pub.ResponseTopic, err = ci.responseTopic.Topic(opts.TopicTokens)
	if err != nil {
		return nil, err
	}

	listen, done := ci.initPending(string(pub.CorrelationData))
	defer done()

	shallow = false
	if err := ci.publisher.publish(ctx, pub); err != nil {
		return nil, err
	}

	ctx, cancel := expiry.Context(ctx)
	defer cancel()

	select {
	case res := <-listen:
		return res.res, res.err
	case <-ctx.Done():
		return nil, errutil.Context(ctx, commandInvokerErrStr)
	}
}

func (ci *CommandInvoker[Req, Res]) initPending(correlation string) (<-chan commandReturn[Res], func()) {
	ret := make(chan commandReturn[Res])
	done := make(chan struct{})
	ci.pending.Set(correlation, commandPending[Res]{ret, done})
	return ret, func() {
		ci.pending.Del(correlation)
		close(done)
	}
}

func (ci *CommandInvoker[Req, Res]) sendPending(
	ctx context.Context,
	pub *mqtt.Message,
	res *CommandResponse[Res],
	err error,
) error {
	defer pub.Ack()

	cdata := string(pub.CorrelationData)
	pending, ok := ci.pending.Get(cdata)
	if !ok {
		return nil
	}

	select {
	case pending.ret <- commandReturn[Res]{res, err}:
	case <-pending.done:
	case <-ctx.Done():
	}
	return nil
}

// Start begins listening on the response topic. Must be called before
// Invoke.
func (ci *CommandInvoker[Req, Res]) Start(ctx context.Context) error {
	return ci.listener.listen(ctx)
}

// Close unsubscribes and frees resources, completing every still-pending
// invocation with Disposed.
func (ci *CommandInvoker[Req, Res]) Close() {
	ci.listener.close()
	ci.pending.Range(func(_ string, p commandPending[Res]) bool {
		select {
		case p.ret <- commandReturn[Res]{nil, &errors.Error{Message: "invoker disposed", Kind: errors.Disposed}}:
		default:
		}
		return true
	})
}

func (ci *CommandInvoker[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Res]) error {
	var res *CommandResponse[Res]
	err := errutil.FromUserProp(pub.UserProperties)
	if err == nil {
		msg.Payload, err = ci.listener.payload(pub)
		if err == nil {
			res = &CommandResponse[Res]{*msg}
		}
	}
	return ci.sendPending(ctx, pub, res, err)
}

func (ci *CommandInvoker[Req, Res]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	return ci.sendPending(ctx, pub, nil, err)
}

// Apply resolves the provided list of options.
func (o *CommandInvokerOptions) Apply(opts []CommandInvokerOption, rest ...CommandInvokerOption) {
	for opt := range options.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

// ApplyOptions filters and resolves a shared Option slice.
func (o *CommandInvokerOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[CommandInvokerOption](opts, rest...) {
		opt.commandInvoker(o)
	}
}

func (o *CommandInvokerOptions) commandInvoker(opt *CommandInvokerOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandInvokerOptions) option() {}

func (o WithResponseTopicPattern) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPattern = string(o)
}
func (WithResponseTopicPattern) option() {}

func (o WithResponseTopicPrefix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPrefix = string(o)
}
func (WithResponseTopicPrefix) option() {}

func (o WithResponseTopicSuffix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicSuffix = string(o)
}
func (WithResponseTopicSuffix) option() {}

// Apply resolves the provided list of options.
func (o *InvokeOptions) Apply(opts []InvokeOption, rest ...InvokeOption) {
	for opt := range options.Apply[InvokeOption](opts, rest...) {
		opt.invoke(o)
	}
}

func (o *InvokeOptions) invoke(opt *InvokeOptions) {
	if o != nil {
		*opt = *o
	}
}
