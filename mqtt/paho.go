// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"
	"github.com/sosodev/duration"
)

// PahoClient adapts eclipse/paho.golang's MQTT v5 client to the Client
// contract consumed by the protocol runtime. Connection establishment,
// reconnection policy, and session persistence are the transport's concern
// (spec §1 non-goals) — this adapter only bridges the wire-level shapes.
// It does not support manual ack: paho acknowledges inbound publishes
// itself, and the Ack function on a delivered Message is a no-op.
type PahoClient struct {
	conn     *paho.Client
	clientID string

	mu         sync.RWMutex
	handlers   []MessageHandler
	onConnect  []func(*ConnectEvent)
	onDisconn  []func(*DisconnectEvent)
}

// PahoOptions configures a new PahoClient.
type PahoOptions struct {
	// ClientID is the MQTT client identifier; also used to scope default
	// response topics (spec §4.G).
	ClientID string

	// SessionExpiry is an ISO-8601 duration string (e.g. "PT1H"), parsed
	// with sosodev/duration the way the teacher's connection settings parse
	// config-sourced durations.
	SessionExpiry string

	// CleanStart requests a fresh session rather than resuming a
	// persistent one.
	CleanStart bool
}

// DialTCP opens a TCP connection to addr and wraps it as a PahoClient.
func DialTCP(ctx context.Context, addr string, opts PahoOptions) (*PahoClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newPahoClient(ctx, conn, opts)
}

// DialWebSocket opens a WebSocket connection to u and wraps it as a
// PahoClient, for brokers reachable only over WS/WSS.
func DialWebSocket(ctx context.Context, u *url.URL, opts PahoOptions) (*PahoClient, error) {
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	wsConn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return newPahoClient(ctx, &wsNetConn{wsConn}, opts)
}

func newPahoClient(ctx context.Context, conn net.Conn, opts PahoOptions) (*PahoClient, error) {
	pc := &PahoClient{clientID: opts.ClientID}

	pc.conn = paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: opts.ClientID,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			pc.dispatch,
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			pc.fireDisconnect(&d.ReasonCode)
		},
		OnClientError: func(error) {
			pc.fireDisconnect(nil)
		},
	})

	sessionExpiry := uint32(0)
	if opts.SessionExpiry != "" {
		d, err := duration.Parse(opts.SessionExpiry)
		if err == nil {
			sessionExpiry = uint32(d.ToTimeDuration().Seconds())
		}
	}

	connack, err := pc.conn.Connect(ctx, &paho.Connect{
		KeepAlive:  30,
		ClientID:   opts.ClientID,
		CleanStart: opts.CleanStart,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &sessionExpiry,
		},
	})
	if err != nil {
		return nil, err
	}
	pc.fireConnect(connack.ReasonCode)

	return pc, nil
}

func (c *PahoClient) dispatch(pr paho.PublishReceived) (bool, error) {
	msg := fromPahoPublish(pr.Packet)
	ack := true

	c.mu.RLock()
	handlers := append([]MessageHandler(nil), c.handlers...)
	c.mu.RUnlock()

	for _, h := range handlers {
		if h(context.Background(), msg) {
			return true, nil
		}
	}
	return ack, nil
}

func fromPahoPublish(p *paho.Publish) *Message {
	msg := &Message{
		Topic: p.Topic,
		PublishOptions: PublishOptions{
			Payload:        p.Payload,
			QoS:            p.QoS,
			UserProperties: map[string]string{},
		},
		Ack: func() error { return nil },
	}
	if p.Properties != nil {
		msg.ContentType = p.Properties.ContentType
		msg.CorrelationData = p.Properties.CorrelationData
		msg.ResponseTopic = p.Properties.ResponseTopic
		if p.Properties.PayloadFormat != nil {
			msg.PayloadFormat = *p.Properties.PayloadFormat
		}
		if p.Properties.MessageExpiry != nil {
			msg.MessageExpiry = *p.Properties.MessageExpiry
		}
		for _, up := range p.Properties.User {
			msg.UserProperties[up.Key] = up.Value
		}
	}
	return msg
}

func (c *PahoClient) ID() string           { return c.clientID }
func (c *PahoClient) ProtocolVersion() int { return 5 }

func (c *PahoClient) RegisterMessageHandler(h MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	idx := len(c.handlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.handlers) {
			c.handlers = append(c.handlers[:idx], c.handlers[idx+1:]...)
		}
	}
}

func (c *PahoClient) Subscribe(ctx context.Context, filter string, opt ...SubscribeOption) error {
	opts := ResolveSubscribeOptions(opt...)
	_, err := c.conn.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: opts.QoS, NoLocal: opts.NoLocal},
		},
	})
	return err
}

func (c *PahoClient) Unsubscribe(ctx context.Context, filter string) error {
	_, err := c.conn.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *PahoClient) Publish(ctx context.Context, topic string, opt PublishOptions) error {
	props := &paho.PublishProperties{
		ContentType:     opt.ContentType,
		CorrelationData: opt.CorrelationData,
		ResponseTopic:   opt.ResponseTopic,
	}
	if opt.PayloadFormat != 0 {
		pf := opt.PayloadFormat
		props.PayloadFormat = &pf
	}
	if opt.MessageExpiry != 0 {
		me := opt.MessageExpiry
		props.MessageExpiry = &me
	}
	for k, v := range opt.UserProperties {
		props.User.Add(k, v)
	}

	qos := opt.QoS
	if qos == 0 {
		qos = 1
	}

	_, err := c.conn.Publish(ctx, &paho.Publish{
		Topic:      topic,
		QoS:        qos,
		Payload:    opt.Payload,
		Properties: props,
	})
	return err
}

func (c *PahoClient) OnConnect(f func(*ConnectEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, f)
}

func (c *PahoClient) OnDisconnect(f func(*DisconnectEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconn = append(c.onDisconn, f)
}

func (c *PahoClient) fireConnect(reasonCode byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.onConnect {
		f(&ConnectEvent{ReasonCode: reasonCode})
	}
}

func (c *PahoClient) fireDisconnect(reasonCode *byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.onDisconn {
		f(&DisconnectEvent{ReasonCode: reasonCode})
	}
}

// wsNetConn adapts a gorilla/websocket connection to net.Conn, the shape
// paho.golang's transport layer expects.
type wsNetConn struct{ *websocket.Conn }

func (c *wsNetConn) Read(b []byte) (int, error) {
	_, r, err := c.Conn.NextReader()
	if err != nil {
		return 0, err
	}
	return r.Read(b)
}

func (c *wsNetConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsNetConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
