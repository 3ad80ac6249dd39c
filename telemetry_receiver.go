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
	"github.com/kestrelmq/protocol/internal/errutil"
	"github.com/kestrelmq/protocol/internal/log"
	"github.com/kestrelmq/protocol/internal/options"
	"github.com/kestrelmq/protocol/internal/version"
	"github.com/kestrelmq/protocol/mqtt"
)

type (
	// TelemetryReceiver provides the ability to handle the receipt of a
	// single telemetry message (component H).
	TelemetryReceiver[T any] struct {
		listener  *listener[T]
		handler   TelemetryHandler[T]
		manualAck bool
		timeout   *internal.Timeout
	}

	// TelemetryReceiverOption represents a single telemetry receiver option.
	TelemetryReceiverOption interface{ telemetryReceiver(*TelemetryReceiverOptions) }

	// TelemetryReceiverOptions are the resolved telemetry receiver options.
	TelemetryReceiverOptions struct {
		ManualAck bool

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// TelemetryHandler is the user-provided implementation of a single
	// telemetry event handler. It is treated as blocking; all parallelism is
	// managed by the receiver. It must be safe for concurrent use.
	TelemetryHandler[T any] func(context.Context, *TelemetryMessage[T]) error

	// TelemetryMessage contains the per-message data and methods exposed to
	// a telemetry handler.
	TelemetryMessage[T any] struct {
		Message[T]

		// CloudEvent holds the CloudEvents 1.0 metadata recovered from the
		// message's user properties, or nil if the sender didn't attach any.
		CloudEvent *CloudEvent

		// Ack manually acknowledges the message; non-nil only when the
		// receiver was created WithManualAck.
		Ack func() error
	}

	// WithManualAck indicates that the handler is responsible for manually
	// acking the telemetry message, rather than having it acked
	// automatically once the handler returns.
	WithManualAck bool
)

const telemetryReceiverErrStr = "telemetry receipt"

// NewTelemetryReceiver creates a telemetry receiver subscribed to topic.
func NewTelemetryReceiver[T any](
	client mqtt.Client,
	encoding Encoding[T],
	topic string,
	handler TelemetryHandler[T],
	opt ...TelemetryReceiverOption,
) (tr *TelemetryReceiver[T], err error) {
	var opts TelemetryReceiverOptions
	opts.Apply(opt)
	logger := log.Wrap(opts.Logger)

	defer func() { err = errutil.Return(err, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
		"handler":  handler,
	}); err != nil {
		return nil, err
	}

	to := &internal.Timeout{Duration: opts.Timeout, Name: "ExecutionTimeout", Text: telemetryReceiverErrStr}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if err := internal.ValidateShareName(opts.ShareName); err != nil {
		return nil, err
	}

	tp, err := internal.NewTopicPattern("topic", topic, opts.TopicTokens, opts.TopicNamespace)
	if err != nil {
		return nil, err
	}
	tf, err := tp.Filter()
	if err != nil {
		return nil, err
	}

	tr = &TelemetryReceiver[T]{
		handler:   handler,
		manualAck: opts.ManualAck,
		timeout:   to,
	}
	tr.listener = &listener[T]{
		client:      client,
		encoding:    encoding,
		topic:       tf,
		shareName:   opts.ShareName,
		concurrency: opts.Concurrency,
		ns:          version.Telemetry,
		log:         logger,
		handler:     tr,
	}

	tr.listener.register()
	return tr, nil
}

// Start subscribes to the telemetry topic.
func (tr *TelemetryReceiver[T]) Start(ctx context.Context) error {
	return tr.listener.listen(ctx)
}

// Close unsubscribes and frees resources.
func (tr *TelemetryReceiver[T]) Close() {
	tr.listener.close()
}

func (tr *TelemetryReceiver[T]) onMsg(ctx context.Context, pub *mqtt.Message, msg *Message[T]) error {
	message := &TelemetryMessage[T]{Message: *msg, CloudEvent: cloudEventFromMessage(pub)}

	var err error
	message.Payload, err = tr.listener.payload(pub)
	if err != nil {
		return err
	}

	if tr.manualAck {
		message.Ack = pub.Ack
	}

	handlerCtx, cancel := tr.timeout.Context(ctx)
	defer cancel()

	if err := tr.handle(handlerCtx, message); err != nil {
		return err
	}

	if !tr.manualAck {
		tr.listener.ack(ctx, pub)
	}
	return nil
}

func (tr *TelemetryReceiver[T]) onErr(ctx context.Context, pub *mqtt.Message, err error) error {
	if !tr.manualAck {
		tr.listener.ack(ctx, pub)
	}
	return errutil.Return(err, false)
}

// handle invokes the user handler with a panic catch.
func (tr *TelemetryReceiver[T]) handle(ctx context.Context, msg *TelemetryMessage[T]) error {
	rchan := make(chan error)

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = &errors.Error{Message: fmt.Sprint(p), Kind: errors.ExecutorError, InApplication: true}
			}
			select {
			case rchan <- err:
			case <-ctx.Done():
			}
		}()

		err = tr.handler(ctx, msg)
		if e := errutil.Context(ctx, telemetryReceiverErrStr); e != nil {
			err = e
		} else if err != nil {
			if ie, ok := err.(InvocationError); ok {
				err = &errors.Error{
					Message:       ie.Message,
					Kind:          errors.ArgumentInvalid,
					InApplication: true,
					PropertyName:  ie.PropertyName,
					PropertyValue: ie.PropertyValue,
				}
			} else {
				err = &errors.Error{Message: err.Error(), Kind: errors.ExecutorError, InApplication: true}
			}
		}
	}()

	select {
	case err := <-rchan:
		return err
	case <-ctx.Done():
		return errutil.Context(ctx, telemetryReceiverErrStr)
	}
}

// Apply resolves the provided list of options.
func (o *TelemetryReceiverOptions) Apply(opts []TelemetryReceiverOption, rest ...TelemetryReceiverOption) {
	for opt := range options.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

// ApplyOptions filters and resolves a shared Option slice.
func (o *TelemetryReceiverOptions) ApplyOptions(opts []Option, rest ...Option) {
	for opt := range options.Apply[TelemetryReceiverOption](opts, rest...) {
		opt.telemetryReceiver(o)
	}
}

func (o *TelemetryReceiverOptions) telemetryReceiver(opt *TelemetryReceiverOptions) {
	if o != nil {
		*opt = *o
	}
}

func (*TelemetryReceiverOptions) option() {}

func (o WithManualAck) telemetryReceiver(opt *TelemetryReceiverOptions) {
	opt.ManualAck = bool(o)
}

func (WithManualAck) option() {}
