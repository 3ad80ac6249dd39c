// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"strings"
	"sync"

	"github.com/kestrelmq/protocol/mqtt"
)

// fakeBroker wires one or more fakeClients together so a publish from one
// reaches the message handlers registered on another, without a real MQTT
// connection. Topic matching supports the single-level '+' wildcard a
// TopicFilter produces, which is all these tests need.
type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func newFakeBroker() *fakeBroker { return &fakeBroker{} }

func (b *fakeBroker) newClient(id string) *fakeClient {
	c := &fakeClient{id: id, broker: b}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) publish(ctx context.Context, topic string, opt mqtt.PublishOptions) {
	b.mu.Lock()
	clients := append([]*fakeClient(nil), b.clients...)
	b.mu.Unlock()

	msg := &mqtt.Message{
		Topic:          topic,
		PublishOptions: opt,
		Ack:            func() error { return nil },
	}
	for _, c := range clients {
		c.deliver(ctx, msg)
	}
}

// fakeClient is a minimal mqtt.Client for exercising the root package
// without a broker connection (mirrors the caching package's fakeClock
// pattern: the smallest double that makes the behavior under test
// observable).
type fakeClient struct {
	id     string
	broker *fakeBroker

	mu       sync.Mutex
	handlers []mqtt.MessageHandler
	subs     []string

	publishErr error
}

func (c *fakeClient) ID() string           { return c.id }
func (c *fakeClient) ProtocolVersion() int { return 5 }

func (c *fakeClient) RegisterMessageHandler(h mqtt.MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	idx := len(c.handlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.handlers) {
			c.handlers[idx] = nil
		}
	}
}

func (c *fakeClient) Subscribe(_ context.Context, filter string, _ ...mqtt.SubscribeOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, filter)
	return nil
}

func (c *fakeClient) Unsubscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.subs {
		if f == filter {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (c *fakeClient) Publish(ctx context.Context, topic string, opt mqtt.PublishOptions) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.broker.publish(ctx, topic, opt)
	return nil
}

func (c *fakeClient) OnConnect(func(*mqtt.ConnectEvent))       {}
func (c *fakeClient) OnDisconnect(func(*mqtt.DisconnectEvent)) {}

func (c *fakeClient) deliver(ctx context.Context, msg *mqtt.Message) {
	c.mu.Lock()
	subs := append([]string(nil), c.subs...)
	handlers := append([]mqtt.MessageHandler(nil), c.handlers...)
	c.mu.Unlock()

	matched := false
	for _, f := range subs {
		if topicMatchesFilter(msg.Topic, f) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if h(ctx, msg) {
			return
		}
	}
}

// topicMatchesFilter is deliberately simple: it understands the shapes
// TopicFilter.Filter produces in these tests (concrete levels and '+'
// wildcards, after stripping a '$share/' prefix); a filter containing '#'
// is treated as a plain prefix match on the topic.
func topicMatchesFilter(topic, filter string) bool {
	if strings.HasPrefix(filter, "$share/") {
		parts := strings.SplitN(filter, "/", 3)
		if len(parts) == 3 {
			filter = parts[2]
		}
	}
	tLevels := strings.Split(topic, "/")
	fLevels := strings.Split(filter, "/")
	if strings.Contains(filter, "/#") || filter == "#" {
		prefix := strings.TrimSuffix(strings.TrimSuffix(filter, "#"), "/")
		return strings.HasPrefix(topic, prefix)
	}
	if len(tLevels) != len(fLevels) {
		return false
	}
	for i, f := range fLevels {
		if f == "+" {
			continue
		}
		if f != tLevels[i] {
			return false
		}
	}
	return true
}

// buildTestPub constructs a minimal inbound *mqtt.Message for unit tests
// that exercise request-shape validation directly, without a broker round
// trip.
func buildTestPub(responseTopic string, messageExpiry uint32) *mqtt.Message {
	return &mqtt.Message{
		Topic: "rpc/add",
		PublishOptions: mqtt.PublishOptions{
			ResponseTopic:  responseTopic,
			MessageExpiry:  messageExpiry,
			UserProperties: map[string]string{},
		},
		Ack: func() error { return nil },
	}
}

// publishOptions builds a PublishOptions carrying a JSON-encoded addReq{}
// payload, for listener tests that only care about header handling.
func publishOptions(responseTopic string, messageExpiry uint32, userProps map[string]string) mqtt.PublishOptions {
	if userProps == nil {
		userProps = map[string]string{}
	}
	return mqtt.PublishOptions{
		Payload:        []byte(`{"A":0,"B":0}`),
		ContentType:    "application/json",
		PayloadFormat:  1,
		ResponseTopic:  responseTopic,
		MessageExpiry:  messageExpiry,
		UserProperties: userProps,
	}
}

func newTestApplication() *Application {
	app, err := NewApplication()
	if err != nil {
		panic(err)
	}
	return app
}
