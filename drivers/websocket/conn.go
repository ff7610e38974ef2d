// Package websocket implements the transport contract on top of gobwas/ws.
//
// A background goroutine reads frames off the socket and queues them as
// events; Dispatch delivers the queue synchronously on the pump goroutine.
// Control frames are answered from the read loop under the same write lock
// used for outbound messages, so frames never interleave.
package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/timzifer/wsbridge/transport"
)

// ErrNotConnected is returned by Send before Connect succeeded or after the
// connection closed.
var ErrNotConnected = errors.New("websocket: not connected")

// NewDialer returns a transport.Dialer producing websocket connections.
func NewDialer(settings Settings) transport.Dialer {
	return func(endpoint string) (transport.Conn, error) {
		if endpoint == "" {
			return nil, errors.New("websocket: endpoint is required")
		}
		return &Conn{
			endpoint: endpoint,
			dialer:   ws.Dialer{Timeout: settings.HandshakeTimeout.Duration},
		}, nil
	}
}

// Conn is a client websocket connection implementing transport.Conn.
type Conn struct {
	endpoint string
	dialer   ws.Dialer

	mu      sync.Mutex
	cb      transport.Callbacks
	netConn net.Conn
	reader  io.Reader
	closed  bool

	writeMu sync.Mutex
	queue   transport.EventQueue
}

// Bind implements transport.Conn.
func (c *Conn) Bind(cb transport.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// Connect implements transport.Conn. It performs the dial and upgrade
// handshake and starts the background read loop.
func (c *Conn) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	netConn, br, _, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", c.endpoint, err)
	}
	var reader io.Reader = netConn
	if br != nil {
		// The handshake may have buffered the first frames.
		reader = br
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = netConn.Close()
		return ErrNotConnected
	}
	c.netConn = netConn
	c.reader = reader
	c.mu.Unlock()

	c.push(func(cb transport.Callbacks) {
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	})
	go c.readLoop(netConn, reader)
	return nil
}

// Send implements transport.Conn. Frames are fully assembled before a single
// write, serialized by the write lock.
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	netConn := c.netConn
	closed := c.closed
	c.mu.Unlock()
	if netConn == nil || closed {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	op := ws.OpBinary
	if msg.Kind == transport.MessageText {
		op = ws.OpText
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetWriteDeadline(deadline)
		defer netConn.SetWriteDeadline(time.Time{})
	}
	payload := append([]byte(nil), msg.Data...)
	if err := c.writeFrame(netConn, ws.NewFrame(op, true, payload)); err != nil {
		return fmt.Errorf("websocket: send to %s: %w", c.endpoint, err)
	}
	return nil
}

// Dispatch implements transport.Conn.
func (c *Conn) Dispatch() {
	c.queue.Dispatch()
}

// CancelConnection implements transport.Conn. It aborts the socket without a
// close handshake.
func (c *Conn) CancelConnection() {
	c.mu.Lock()
	c.closed = true
	netConn := c.netConn
	c.mu.Unlock()
	if netConn != nil {
		_ = netConn.Close()
	}
}

// Close implements transport.Conn. A close frame is sent best effort before
// the socket is torn down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	netConn := c.netConn
	c.mu.Unlock()
	if netConn == nil {
		return nil
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	_ = c.writeFrame(netConn, frame)
	return netConn.Close()
}

// writeFrame masks and writes one client frame in a single socket write.
func (c *Conn) writeFrame(w io.Writer, frame ws.Frame) error {
	frame = ws.MaskFrameInPlace(frame)
	var buf bytes.Buffer
	if err := ws.WriteFrame(&buf, frame); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := w.Write(buf.Bytes())
	return err
}

// readLoop converts incoming frames into queued events until the connection
// ends. Fragmented messages are reassembled before delivery.
func (c *Conn) readLoop(netConn net.Conn, reader io.Reader) {
	var fragments bytes.Buffer
	for {
		header, err := ws.ReadHeader(reader)
		if err != nil {
			c.finish(err)
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			c.finish(err)
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpPing:
			if err := c.writeFrame(netConn, ws.NewPongFrame(payload)); err != nil {
				c.finish(err)
				return
			}
		case ws.OpPong:
			// Unsolicited pongs are allowed and ignored.
		case ws.OpClose:
			reason := transport.CloseNormal
			if code, _ := ws.ParseCloseFrameData(payload); code != 0 {
				reason = transport.CloseReason(code)
			}
			c.pushClose(reason)
			return
		case ws.OpText, ws.OpBinary:
			if !header.Fin {
				fragments.Write(payload)
				continue
			}
			c.pushMessage(payload)
		case ws.OpContinuation:
			fragments.Write(payload)
			if !header.Fin {
				continue
			}
			c.pushMessage(append([]byte(nil), fragments.Bytes()...))
			fragments.Reset()
		}
	}
}

// finish reports a terminated read loop. A locally closed connection counts
// as a normal close, everything else as an abnormal one preceded by an error
// event.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || errors.Is(err, net.ErrClosed) {
		c.pushClose(transport.CloseNormal)
		return
	}
	message := err.Error()
	c.push(func(cb transport.Callbacks) {
		if cb.OnError != nil {
			cb.OnError(message)
		}
	})
	c.pushClose(transport.CloseAbnormal)
}

func (c *Conn) pushMessage(data []byte) {
	c.push(func(cb transport.Callbacks) {
		if cb.OnMessage != nil {
			cb.OnMessage(data)
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
