// Package transport defines the duplex connection contract consumed by the
// event bridge.
//
// A Conn is callback driven: the driver queues inbound events internally and
// only fires the registered callbacks when Dispatch is invoked, so the host
// decides on which goroutine and at which cadence events are delivered.
package transport

import "context"

// CloseReason identifies why the transport closed the connection. The codes
// follow the websocket status code numbering but are opaque to the bridge.
type CloseReason uint16

const (
	// CloseNormal indicates a clean shutdown initiated by either peer.
	CloseNormal CloseReason = 1000
	// CloseGoingAway indicates the peer is going away (endpoint shutdown).
	CloseGoingAway CloseReason = 1001
	// CloseProtocolError indicates the peer rejected a malformed frame.
	CloseProtocolError CloseReason = 1002
	// CloseUnsupported indicates the peer cannot handle the sent data type.
	CloseUnsupported CloseReason = 1003
	// CloseAbnormal indicates the connection dropped without a close frame.
	CloseAbnormal CloseReason = 1006
	// CloseInternalError indicates an unexpected condition on the peer.
	CloseInternalError CloseReason = 1011
)

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseProtocolError:
		return "protocol_error"
	case CloseUnsupported:
		return "unsupported_data"
	case CloseAbnormal:
		return "abnormal"
	case CloseInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// MessageKind distinguishes textual from binary payloads.
type MessageKind int

const (
	// MessageText marks a UTF-8 text payload.
	MessageText MessageKind = iota
	// MessageBinary marks an opaque binary payload.
	MessageBinary
)

// Message is an outbound or inbound payload. The bridge never inspects Data.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Text builds a textual message.
func Text(s string) Message {
	return Message{Kind: MessageText, Data: []byte(s)}
}

// Binary builds a binary message.
func Binary(data []byte) Message {
	return Message{Kind: MessageBinary, Data: data}
}

// Callbacks is the set of event handlers a Conn fires during Dispatch.
// Handlers must not block; they are invoked synchronously on the pump
// goroutine.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(message string)
	OnClose   func(reason CloseReason)
}

// Conn is a callback style duplex connection. Implementations queue inbound
// events until Dispatch is called and must serialize overlapping Send calls
// internally.
//
// A Conn is exclusively owned by the bridge wrapping it; no other component
// may call its methods directly.
type Conn interface {
	// Bind registers the callback target. It must be called before Connect.
	Bind(cb Callbacks)

	// Connect establishes the connection. It blocks until the transport
	// reports success or failure, or until ctx is cancelled.
	Connect(ctx context.Context) error

	// Send transmits one message. It blocks until the transport accepted the
	// payload or ctx is cancelled.
	Send(ctx context.Context, msg Message) error

	// Dispatch synchronously fires the callbacks for all queued events on the
	// calling goroutine. Without periodic Dispatch calls no event is ever
	// delivered.
	Dispatch()

	// CancelConnection aborts the connection without a close handshake.
	CancelConnection()

	// Close tears the connection down.
	Close() error
}

// Dialer constructs an unconnected Conn for the given endpoint. The registry
// uses it to create the shared connection behind each endpoint key.
type Dialer func(endpoint string) (Conn, error)
