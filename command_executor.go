// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelmq/protocol/errors"
	"github.com/kestrelmq/protocol/internal"
	"github.com/kestrelmq/protocol/internal/caching"
	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/log"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

type (
	// CommandExecutor provides the ability to execute a single command
	// (component F+G): dedup/cache the request, invoke the user handler at
	// most once per fingerprint within its TTL, and publish the response.
	CommandExecutor[Req any, Res any] struct {
		listener  *listener[Req]
		publisher *publisher[Res]
		handler   CommandHandler[Req, Res]
		timeout   *internal.Timeout
		cache     *caching.Cache
		log       log.Logger
	}

	// CommandExecutorOption represents a single command executor option.
	CommandExecutorOption interface{ commandExecutor(*CommandExecutorOptions) }

	// CommandExecutorOptions are the resolved command executor options.
	CommandExecutorOptions struct {
		// Idempotent marks the command as safe to re-run. It is required for
		// a non-zero CacheTTL and has no other effect on caching: without
		// CacheTTL, idempotent or not, a duplicate arriving while the
		// handler runs is dropped, and a completed result is reused only for
		// the same request until that request's own message expiry.
		Idempotent bool

		// CacheTTL extends a successful result's entry beyond its request's
		// own expiry, enabling equivalent-request reuse; failed results are
		// neither extended nor reused. Valid only when Idempotent is set.
		CacheTTL time.Duration

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// CommandHandler is the user-provided implementation of a command. It
	// may block; concurrency across requests is managed by the executor.
	// It must be safe for concurrent use.
	CommandHandler[Req any, Res any] func(context.Context, *CommandRequest[Req]) (*CommandResponse[Res], error)

	// CommandRequest is the per-invocation value passed to a CommandHandler.
	CommandRequest[Req any] struct{ Message[Req] }

	// CommandResponse is the per-invocation value returned by a
	// CommandHandler.
	CommandResponse[Res any] struct{ Message[Res] }

	// WithIdempotent marks the command idempotent.
	WithIdempotent bool

	// WithCacheTTL sets the equivalent-request reuse window. Only valid
	// alongside WithIdempotent.
	WithCacheTTL time.Duration

	// RespondOption represents a single per-response option.
	RespondOption interface{ respond(*RespondOptions) }

	// RespondOptions are the resolved per-response options.
	RespondOptions struct {
		Metadata map[string]string
	}
)

const commandExecutorErrStr = "command execution"

// NewCommandExecutor creates a command executor subscribed to
// requestTopicPattern.
func NewCommandExecutor[Req, Res any](
	app *Application,
	client mqtt.Client,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	handler CommandHandler[Req, Res],
	opt ...CommandExecutorOption,
) (ce *CommandExecutor[Req, Res], err error) {
	var opts CommandExecutorOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(err, true) }()

	if !opts.Idempotent && opts.CacheTTL != 0 {
		return nil, &errors.Error{
			Message:      "CacheTTL must be zero for non-idempotent commands",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "CacheTTL",
		}
	}
	if opts.CacheTTL < 0 {
		return nil, &errors.Error{
			Message:      "CacheTTL must not be negative",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "CacheTTL",
		}
	}

	if err := errutil.ValidateNonNil(map[string]any{
		"client":           client,
		"requestEncoding":  requestEncoding,
		"responseEncoding": responseEncoding,
		"handler":          handler,
	}); err != nil {
		return nil, err
	}

	to := &internal.Timeout{Duration: opts.Timeout, Name: "ExecutionTimeout", Text: commandExecutorErrStr}
	if err := to.Validate(); err != nil {
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

	ce = &CommandExecutor[Req, Res]{
		handler: handler,
		timeout: to,
		// Source id takes part in equivalent-request matching only when the
		// request topic carries an {invokerClientId} token; otherwise it is
		// ignored, so equal requests from different invokers can share a
		// cached result.
		cache: caching.New(nil, opts.CacheTTL, !containsToken(requestTopicPattern, "invokerClientId")),
		log:   logger,
	}
	ce.listener = &listener[Req]{
		client:         client,
		encoding:       requestEncoding,
		topic:          reqTF,
		shareName:      opts.ShareName,
		concurrency:    opts.Concurrency,
		reqCorrelation: true,
		ns:             version.RPC,
		log:            logger,
		handler:        ce,
	}
	ce.publisher = &publisher[Res]{
		app:      app,
		client:   client,
		encoding: responseEncoding,
		ns:       version.RPC,
	}

	ce.listener.register()
	return ce, nil
}

func containsToken(pattern, name string) bool {
	needle := "{" + name + "}"
	for i := 0; i+len(needle) <= len(pattern); i++ {
		if pattern[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Start subscribes to the request topic.
func (ce *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	return ce.listener.listen(ctx)
}

// Close unsubscribes and frees resources.
func (ce *CommandExecutor[Req, Res]) Close() {
	ce.listener.close()
}

func (ce *CommandExecutor[Req, Res]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[Req]) error {
	if err := ignoreRequest(pub); err != nil {
		return err
	}
	if pub.MessageExpiry == 0 {
		return &errors.Error{
			Message:    "message expiry missing",
			Kind:       errors.HeaderMissing,
			HeaderName: constants.MessageExpiry,
		}
	}

	rpub, err := ce.cache.Exec(pub, func() (*mqtt.Message, error) {
		if msg.ClientID == "" {
			return nil, &errors.Error{
				Message:    "source client id missing",
				Kind:       errors.HeaderMissing,
				HeaderName: constants.SourceID,
			}
		}

		payload, err := ce.listener.payload(pub)
		if err != nil {
			return nil, err
		}
		req := &CommandRequest[Req]{Message: *msg}
		req.Payload = payload

		handlerCtx, cancel := ce.timeout.Context(ctx)
		defer cancel()
		handlerCtx, cancel2 := pubTimeout(pub).Context(handlerCtx)
		defer cancel2()

		res, herr := ce.handle(handlerCtx, req)
		if herr != nil {
			return nil, herr
		}
		return ce.build(pub, res, nil)
	})
	if err != nil {
		return err
	}

	// Ack-after-publish policy: if the response publish fails, the request
	// is left unacked, so broker redelivery of the request hits the dedup
	// cache rather than re-invoking the handler (spec §4.G).
	if rpub == nil {
		ce.listener.ack(ctx, pub)
		return nil
	}
	// A result reused for an equivalent request was built for the original
	// request; answer this request's own correlation data and topic.
	res := *rpub
	res.CorrelationData = pub.CorrelationData
	res.Topic = pub.ResponseTopic
	if err := ce.publisher.publish(ctx, &res); err != nil {
		ce.listener.drop(ctx, pub, err)
		return nil
	}
	ce.listener.ack(ctx, pub)
	return nil
}

func (ce *CommandExecutor[Req, Res]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	defer ce.listener.ack(ctx, pub)

	if e := ignoreRequest(pub); e != nil {
		return e
	}
	if no, e := errutil.IsNoReturn(err); no {
		return e
	}

	rpub, err := ce.build(pub, nil, err)
	if err != nil {
		return err
	}
	return ce.publisher.publish(ctx, rpub)
}

type commandReturnInternal[Res any] struct {
	res *CommandResponse[Res]
	err error
}

// handle invokes the user handler with a panic catch, converting a panic or
// plain error into the closed error taxonomy, tagged InApplication.
func (ce *CommandExecutor[Req, Res]) handle(
	ctx context.Context,
	req *CommandRequest[Req],
) (*CommandResponse[Res], error) {
	rchan := make(chan commandReturnInternal[Res])

	go func() {
		var ret commandReturnInternal[Res]
		defer func() {
			if p := recover(); p != nil {
				ret.err = &errors.Error{Message: fmt.Sprint(p), Kind: errors.ExecutorError, InApplication: true}
			}
			select {
			case rchan <- ret:
			case <-ctx.Done():
			}
		}()

		ret.res, ret.err = ce.handler(ctx, req)
		if e := errutil.Context(ctx, commandExecutorErrStr); e != nil {
			ret.err = e
		} else if ret.err != nil {
			if ie, ok := ret.err.(InvocationError); ok {
				ret.err = &errors.Error{
					Message:       ie.Message,
					Kind:          errors.ArgumentInvalid,
					InApplication: true,
					PropertyName:  ie.PropertyName,
					PropertyValue: ie.PropertyValue,
				}
			} else {
				ret.err = &errors.Error{Message: ret.err.Error(), Kind: errors.ExecutorError, InApplication: true}
			}
		}
	}()

	select {
	case ret := <-rchan:
		return ret.res, ret.err
	case <-ctx.Done():
		return nil, errutil.Context(ctx, commandExecutorErrStr)
	}
}

func (ce *CommandExecutor[Req, Res]) build(pub *mqtt.Message, res *CommandResponse[Res], resErr error) (*mqtt.Message, error) {
	var msg *Message[Res]
	if res != nil {
		msg = &res.Message
	}
	rpub, err := ce.publisher.build(msg, nil, pubTimeout(pub).Duration)
	if err != nil {
		return nil, err
	}

	rpub.CorrelationData = pub.CorrelationData
	rpub.Topic = pub.ResponseTopic
	rpub.MessageExpiry = pub.MessageExpiry
	for k, v := range errutil.ToUserProp(resErr) {
		rpub.UserProperties[k] = v
	}
	return rpub, nil
}

func ignoreRequest(pub *mqtt.Message) error {
	if pub.ResponseTopic == "" {
		return &errors.Error{Message: "missing response topic", Kind: errors.HeaderMissing, HeaderName: constants.ResponseTopic}
	}
	if !internal.ValidTopic(pub.ResponseTopic) {
		return &errors.Error{
			Message:     "invalid response topic",
			Kind:        errors.HeaderInvalid,
			HeaderName:  constants.ResponseTopic,
			HeaderValue: pub.ResponseTopic,
		}
	}
	return nil
}

func pubTimeout(pub *mqtt.Message) *internal.Timeout {
	return &internal.Timeout{
		Duration: time.Duration(pub.MessageExpiry) * time.Second,
		Name:     "MessageExpiry",
		Text:     commandExecutorErrStr,
	}
}

// Respond is a shorthand for constructing a command response with the
// required values filled in; remaining fields are completed by the
// executor after the handler returns.
func Respond[Res any](payload Res, opt ...RespondOption) (*CommandResponse[Res], error) {
	var opts RespondOptions
	opts.Apply(opt)
	return &CommandResponse[Res]{Message[Res]{Payload: payload, Metadata: opts.Metadata}}, nil
}

// Apply resolves the provided list of options.
func (o *CommandExecutorOptions) Apply(opts []CommandExecutorOption, rest ...CommandExecutorOption) {
	for opt := range options.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

// ApplyOptions filters and resolves a shared Option slice.
func (o *CommandExecutorOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[CommandExecutorOption](opts, rest...) {
		opt.commandExecutor(o)
	}
}

func (o *CommandExecutorOptions) commandExecutor(opt *CommandExecutorOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*CommandExecutorOptions) option() {}

func (o WithIdempotent) commandExecutor(opt *CommandExecutorOptions) { opt.Idempotent = bool(o) }
func (WithIdempotent) option()                                      {}

func (o WithCacheTTL) commandExecutor(opt *CommandExecutorOptions) {
	opt.CacheTTL = time.Duration(o)
}
func (WithCacheTTL) option() {}

// Apply resolves the provided list of options.
func (o *RespondOptions) Apply(opts []RespondOption, rest ...RespondOption) {
	for opt := range options.Apply[RespondOption](opts, rest...) {
		opt.respond(o)
	}
}

func (o *RespondOptions) respond(opt *RespondOptions) {
	if o != nil {
		*opt = *o
	}
}
