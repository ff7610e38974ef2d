// Package loopback provides an in-memory transport for tests and
// deterministic demos. The remote side of each connection is scripted
// through a Peer handle: it injects messages, errors and closes, records
// everything the local side sent, and can fail or hold connects and sends.
package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/timzifer/wsbridge/transport"
)

// ErrClosed is returned by Connect and Send on a closed connection.
var ErrClosed = errors.New("loopback: connection closed")

// New returns a connection and the peer handle controlling its remote side.
func New() (*Conn, *Peer) {
	c := &Conn{}
	p := &Peer{conn: c}
	c.peer = p
	return c, p
}

// Conn is an in-memory transport.Conn. Events injected through the peer stay
// queued until Dispatch is called.
type Conn struct {
	mu        sync.Mutex
	cb        transport.Callbacks
	peer      *Peer
	connected bool
	closed    bool

	queue transport.EventQueue
}

// Bind implements transport.Conn.
func (c *Conn) Bind(cb transport.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// Connect implements transport.Conn. The peer decides whether the connect
// succeeds, fails or stays pending.
func (c *Conn) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.peer.mu.Lock()
	c.peer.connectCalls++
	connectErr := c.peer.connectErr
	hold := c.peer.holdConnect
	c.peer.mu.Unlock()

	if hold != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hold:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.connected = true
	c.mu.Unlock()
	c.push(func(cb transport.Callbacks) {
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	})
	return nil
}

// Send implements transport.Conn. Accepted messages are recorded on the peer.
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	unusable := c.closed || !c.connected
	c.mu.Unlock()
	if unusable {
		return ErrClosed
	}

	c.peer.mu.Lock()
	hold := c.peer.holdSend
	sendErr := c.peer.sendErr
	c.peer.mu.Unlock()

	if hold != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hold:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}

	c.peer.mu.Lock()
	c.peer.sent = append(c.peer.sent, msg)
	c.peer.mu.Unlock()
	return nil
}

// Dispatch implements transport.Conn.
func (c *Conn) Dispatch() {
	c.queue.Dispatch()
}

// CancelConnection implements transport.Conn.
func (c *Conn) CancelConnection() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	return nil
}

// push queues an event; the callback target is resolved at dispatch time so
// events survive a rebind.
func (c *Conn) push(fn func(transport.Callbacks)) {
	c.queue.Push(func() {
		c.mu.Lock()
		cb := c.cb
		c.mu.Unlock()
		fn(cb)
	})
}

// Peer is the scripted remote side of a loopback connection.
type Peer struct {
	conn *Conn

	mu           sync.Mutex
	sent         []transport.Message
	connectErr   error
	sendErr      error
	holdConnect  chan struct{}
	holdSend     chan struct{}
	connectCalls int
}

// Send queues an inbound message event. The payload is copied.
func (p *Peer) Send(data []byte) {
	payload := append([]byte(nil), data...)
	p.conn.push(func(cb transport.Callbacks) {
		if cb.OnMessage != nil {
			cb.OnMessage(payload)
		}
	})
}

// Fail queues a transport error event.
func (p *Peer) Fail(message string) {
	p.conn.push(func(cb transport.Callbacks) {
		if cb.OnError != nil {
			cb.OnError(message)
		}
	})
}

// Close queues a close event with the given reason and marks the connection
// closed so further sends fail.
func (p *Peer) Close(reason transport.CloseReason) {
	p.conn.mu.Lock()
	p.conn.closed = true
	p.conn.mu.Unlock()
	p.conn.push(func(cb transport.Callbacks) {
		if cb.OnClose != nil {
			cb.OnClose(reason)
		}
	})
}

// Sent returns a copy of every message the local side sent so far.
func (p *Peer) Sent() []transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.Message(nil), p.sent...)
}

// ConnectCalls reports how often Connect was invoked on the connection.
func (p *Peer) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

// FailConnect makes subsequent Connect calls fail with err.
func (p *Peer) FailConnect(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

// FailSends makes subsequent Send calls fail with err.
func (p *Peer) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// HoldSends blocks Send calls until the returned release function is invoked.
// Held sends still honour their context.
func (p *Peer) HoldSends() func() {
	p.mu.Lock()
	hold := make(chan struct{})
	p.holdSend = hold
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(hold)
			p.mu.Lock()
			p.holdSend = nil
			p.mu.Unlock()
		})
	}
}

// HoldConnects blocks Connect calls until the returned release function is
// invoked. Held connects still honour their context.
func (p *Peer) HoldConnects() func() {
	p.mu.Lock()
	hold := make(chan struct{})
	p.holdConnect = hold
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(hold)
			p.mu.Lock()
			p.holdConnect = nil
			p.mu.Unlock()
		})
	}
}

// Network hands out loopback connections per endpoint and keeps the peer
// handles so tests can drive every dialled connection.
type Network struct {
	mu    sync.Mutex
	peers map[string][]*Peer
}

// NewNetwork returns an empty loopback network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string][]*Peer)}
}

// Dialer returns a transport.Dialer backed by this network.
func (n *Network) Dialer() transport.Dialer {
	return func(endpoint string) (transport.Conn, error) {
		if endpoint == "" {
			return nil, errors.New("loopback: endpoint must not be empty")
		}
		conn, peer := New()
		n.mu.Lock()
		n.peers[endpoint] = append(n.peers[endpoint], peer)
		n.mu.Unlock()
		return conn, nil
	}
}

// Peers returns the peer handles of every connection dialled for endpoint,
// in dial order.
func (n *Network) Peers(endpoint string) []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Peer(nil), n.peers[endpoint]...)
}
