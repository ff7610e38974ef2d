// Package mqtt implements the transport contract on top of an MQTT topic
// pair: the connection publishes outbound messages to one topic and receives
// inbound messages from another. Events are queued until Dispatch fires them.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/timzifer/wsbridge/transport"
)

// ErrNotConnected is returned by Send before Connect succeeded or after the
// connection closed.
var ErrNotConnected = errors.New("mqtt: not connected")

// NewDialer returns a transport.Dialer producing MQTT backed connections.
// The dialled endpoint overrides the broker address in settings, so one
// settings block can serve several brokers.
func NewDialer(settings Settings) transport.Dialer {
	return func(endpoint string) (transport.Conn, error) {
		s := settings
		if endpoint != "" {
			s.Broker = endpoint
		}
		return New(s)
	}
}

// New builds an unconnected MQTT transport connection.
func New(settings Settings) (*Conn, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Conn{settings: settings}, nil
}

// Conn is an MQTT topic-pair connection implementing transport.Conn.
type Conn struct {
	settings Settings

	mu     sync.Mutex
	cb     transport.Callbacks
	client mqtt.Client
	closed bool

	queue transport.EventQueue
}

// Bind implements transport.Conn.
func (c *Conn) Bind(cb transport.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// Connect implements transport.Conn. It connects to the broker and
// subscribes to the inbound topic; the open event is queued once both
// succeeded. There is no automatic reconnect: a lost connection surfaces as
// an error event followed by a close event.
func (c *Conn) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.settings.Broker)
	if c.settings.ClientID != "" {
		opts.SetClientID(c.settings.ClientID)
	}
	if c.settings.CleanSession != nil {
		opts.SetCleanSession(*c.settings.CleanSession)
	}
	if c.settings.Auth != nil {
		opts.SetUsername(c.settings.Auth.Username)
		opts.SetPassword(c.settings.Auth.Password)
	}
	if c.settings.KeepAlive != nil {
		opts.SetKeepAlive(c.settings.KeepAlive.Duration)
	}
	if c.settings.ConnectTimeout != nil {
		opts.SetConnectTimeout(c.settings.ConnectTimeout.Duration)
	}
	opts.SetAutoReconnect(false)
	if c.settings.TLS != nil && c.settings.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*c.settings.TLS)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		message := "connection lost"
		if err != nil {
			message = err.Error()
		}
		c.push(func(cb transport.Callbacks) {
			if cb.OnError != nil {
				cb.OnError(message)
			}
		})
		c.pushClose(transport.CloseAbnormal)
	})

	client := mqtt.NewClient(opts)
	if err := c.waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", c.settings.Broker, err)
	}
	token := client.Subscribe(c.settings.SubscribeTopic, c.settings.QoS, c.handleMessage)
	if err := c.waitToken(ctx, token); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt: subscribe %s: %w", c.settings.SubscribeTopic, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		client.Disconnect(0)
		return ErrNotConnected
	}
	c.client = client
	c.mu.Unlock()
	c.push(func(cb transport.Callbacks) {
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	})
	return nil
}

// Send implements transport.Conn. The message kind is irrelevant on the
// wire; MQTT payloads are bytes either way.
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	client := c.client
	closed := c.closed
	c.mu.Unlock()
	if client == nil || closed {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	token := client.Publish(c.settings.PublishTopic, c.settings.QoS, false, msg.Data)
	if err := c.waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", c.settings.PublishTopic, err)
	}
	return nil
}

// Dispatch implements transport.Conn.
func (c *Conn) Dispatch() {
	c.queue.Dispatch()
}

// CancelConnection implements transport.Conn.
func (c *Conn) CancelConnection() {
	c.teardown(0)
}

// Close implements transport.Conn. Outstanding work gets a short grace
// period to flush.
func (c *Conn) Close() error {
	c.teardown(250)
	return nil
}

func (c *Conn) teardown(graceMillis uint) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(graceMillis)
	}
}

func (c *Conn) waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (c *Conn) handleMessage(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	c.push(func(cb transport.Callbacks) {
		if cb.OnMessage != nil {
			cb.OnMessage(payload)
		}
	})
}

func (c *Conn) pushClose(reason transport.CloseReason) {
	c.push(func(cb transport.Callbacks) {
		if cb.OnClose != nil {
			cb.OnClose(reason)
		}
	})
}

func (c *Conn) push(fn func(transport.Callbacks)) {
	c.queue.Push(func() {
		c.mu.Lock()
		cb := c.cb
		c.mu.Unlock()
		fn(cb)
	})
}
