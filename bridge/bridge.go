// Package bridge adapts a callback style duplex transport connection into a
// set of cancellable, fan-out consumable event streams.
//
// A Bridge owns exactly one transport.Conn. The four transport callbacks are
// converted into four independent streams (Opened, Received, Errored, Closed)
// that any number of consumers can read concurrently, each with its own
// cursor and cancellation. Events only flow while something periodically
// calls Dispatch, usually the registry pump.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/timzifer/wsbridge/telemetry"
	"github.com/timzifer/wsbridge/transport"
)

// ErrBridgeClosed is returned by Publish and the stream constructors once the
// bridge has been disposed or the transport reported a close.
var ErrBridgeClosed = errors.New("bridge: closed")

// Bridge wraps one transport connection and fans its events out to
// independent consumers. Create bridges with Dial; share them through a
// registry when multiple consumers target the same endpoint.
type Bridge struct {
	endpoint  string
	conn      transport.Conn
	logger    zerolog.Logger
	collector telemetry.Collector

	opened   *hub[struct{}]
	received *hub[[]byte]
	errored  *hub[string]
	closedEv *hub[transport.CloseReason]

	mu         sync.Mutex
	connected  bool
	connClosed bool
	disposed   bool

	receivedCount atomic.Uint64
	erroredCount  atomic.Uint64
}

// Status is a point-in-time snapshot of a bridge.
type Status struct {
	Endpoint  string
	Connected bool
	Disposed  bool
	Received  uint64
	Errors    uint64
}

type options struct {
	logger       zerolog.Logger
	collector    telemetry.Collector
	openedPolicy Policy
	closedPolicy Policy
}

// Option customises a bridge created by Dial.
type Option func(*options)

// WithLogger attaches a logger to the bridge.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry attaches a telemetry collector to the bridge.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}

// WithOpenedPolicy selects the retention policy for the Opened stream.
func WithOpenedPolicy(p Policy) Option {
	return func(o *options) {
		o.openedPolicy = p
	}
}

// WithClosedPolicy selects the retention policy for the Closed stream.
func WithClosedPolicy(p Policy) Option {
	return func(o *options) {
		o.closedPolicy = p
	}
}

// Dial wraps conn in a new bridge and connects it. It blocks until the
// transport reports success or failure, or until ctx is cancelled. On failure
// the connection is torn down and no bridge is returned.
//
// The Received and Errored streams always use PolicyQueue: inbound messages
// and transport errors are never dropped or reordered. Opened and Closed
// default to PolicyQueue as well but may be switched to PolicyLatest.
func Dial(ctx context.Context, endpoint string, conn transport.Conn, opts ...Option) (*Bridge, error) {
	if conn == nil {
		return nil, errors.New("bridge: conn must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o := options{logger: zerolog.Nop(), collector: telemetry.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	b := &Bridge{
		endpoint:  endpoint,
		conn:      conn,
		logger:    o.logger.With().Str("component", "bridge").Str("endpoint", endpoint).Logger(),
		collector: o.collector,
		opened:    newHub[struct{}](o.openedPolicy),
		received:  newHub[[]byte](PolicyQueue),
		errored:   newHub[string](PolicyQueue),
		closedEv:  newHub[transport.CloseReason](o.closedPolicy),
	}
	conn.Bind(transport.Callbacks{
		OnOpen:    b.handleOpen,
		OnMessage: b.handleMessage,
		OnError:   b.handleError,
		OnClose:   b.handleClose,
	})
	if err := conn.Connect(ctx); err != nil {
		conn.CancelConnection()
		_ = conn.Close()
		b.completeStreams()
		return nil, fmt.Errorf("bridge: connect %s: %w", endpoint, err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.collector.IncConnect(endpoint)
	b.logger.Debug().Msg("connected")
	return b, nil
}

// Endpoint returns the endpoint key this bridge was dialled for.
func (b *Bridge) Endpoint() string {
	return b.endpoint
}

// Opened streams connection-opened events. The subscription ends when ctx is
// cancelled or the bridge is closed.
func (b *Bridge) Opened(ctx context.Context) (<-chan struct{}, error) {
	ch, err := b.opened.subscribe(ctx)
	return ch, b.mapStreamErr(err)
}

// Received streams inbound messages in the exact order the pump observed
// them. Every subscriber sees the complete sequence; nothing is dropped.
func (b *Bridge) Received(ctx context.Context) (<-chan []byte, error) {
	ch, err := b.received.subscribe(ctx)
	return ch, b.mapStreamErr(err)
}

// Errored streams transport error messages. Errors are data here: the stream
// keeps going after an error so consumers can keep listening.
func (b *Bridge) Errored(ctx context.Context) (<-chan string, error) {
	ch, err := b.errored.subscribe(ctx)
	return ch, b.mapStreamErr(err)
}

// Closed streams transport close events with their reason codes.
func (b *Bridge) Closed(ctx context.Context) (<-chan transport.CloseReason, error) {
	ch, err := b.closedEv.subscribe(ctx)
	return ch, b.mapStreamErr(err)
}

func (b *Bridge) mapStreamErr(err error) error {
	if errors.Is(err, errHubClosed) {
		return ErrBridgeClosed
	}
	return err
}

// Publish forwards one message to the transport and blocks until the
// transport accepted it or ctx is cancelled. Concurrent publishes are safe;
// ordering across overlapping calls is whatever the transport provides.
func (b *Bridge) Publish(ctx context.Context, msg transport.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	closed := b.disposed || b.connClosed
	b.mu.Unlock()
	if closed {
		return ErrBridgeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("bridge: publish to %s: %w", b.endpoint, err)
	}
	b.collector.IncPublish(b.endpoint)
	return nil
}

// Dispatch fires the transport's queued callbacks on the calling goroutine.
// It is a no-op on a disposed bridge, so the pump can keep iterating without
// checking.
func (b *Bridge) Dispatch() {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return
	}
	b.conn.Dispatch()
}

// Close disposes the bridge: the connection is aborted and closed and all
// four streams complete for every current and future subscriber. Close is
// idempotent. After Close, Publish and new subscriptions fail with
// ErrBridgeClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.mu.Unlock()

	b.conn.CancelConnection()
	err := b.conn.Close()
	b.completeStreams()
	b.logger.Debug().Msg("disposed")
	if err != nil {
		return fmt.Errorf("bridge: close %s: %w", b.endpoint, err)
	}
	return nil
}

// Status returns a snapshot of the bridge state and event counters.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Endpoint:  b.endpoint,
		Connected: b.connected && !b.connClosed && !b.disposed,
		Disposed:  b.disposed,
		Received:  b.receivedCount.Load(),
		Errors:    b.erroredCount.Load(),
	}
}

func (b *Bridge) completeStreams() {
	b.opened.close()
	b.received.close()
	b.errored.close()
	b.closedEv.close()
}

// Transport callbacks. These run on the pump goroutine during Dispatch and
// must not block; hub publishes are plain appends.

func (b *Bridge) handleOpen() {
	b.opened.publish(struct{}{})
	b.collector.IncEvent(b.endpoint, "opened")
}

func (b *Bridge) handleMessage(data []byte) {
	b.receivedCount.Add(1)
	b.received.publish(data)
	b.collector.IncEvent(b.endpoint, "received")
}

func (b *Bridge) handleError(message string) {
	b.erroredCount.Add(1)
	b.errored.publish(message)
	b.collector.IncEvent(b.endpoint, "errored")
	b.logger.Warn().Str("error", message).Msg("transport error")
}

func (b *Bridge) handleClose(reason transport.CloseReason) {
	b.mu.Lock()
	b.connClosed = true
	b.mu.Unlock()
	b.closedEv.publish(reason)
	b.collector.IncEvent(b.endpoint, "closed")
	b.logger.Debug().Stringer("reason", reason).Msg("transport closed")
}
