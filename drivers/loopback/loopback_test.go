package loopback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/wsbridge/drivers/loopback"
	"github.com/timzifer/wsbridge/transport"
)

type recorder struct {
	mu       sync.Mutex
	opens    int
	messages []string
	errs     []string
	closes   []transport.CloseReason
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnMessage: func(data []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, string(data))
			r.mu.Unlock()
		},
		OnError: func(message string) {
			r.mu.Lock()
			r.errs = append(r.errs, message)
			r.mu.Unlock()
		},
		OnClose: func(reason transport.CloseReason) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
		},
	}
}

func TestEventsAreHeldUntilDispatch(t *testing.T) {
	conn, peer := loopback.New()
	var rec recorder
	conn.Bind(rec.callbacks())

	require.NoError(t, conn.Connect(context.Background()))
	peer.Send([]byte("hello"))
	peer.Fail("oops")
	require.Zero(t, rec.opens)
	require.Empty(t, rec.messages)

	conn.Dispatch()
	require.Equal(t, 1, rec.opens)
	require.Equal(t, []string{"hello"}, rec.messages)
	require.Equal(t, []string{"oops"}, rec.errs)
}

func TestSendRecordsOnPeer(t *testing.T) {
	conn, peer := loopback.New()
	conn.Bind(transport.Callbacks{})
	require.NoError(t, conn.Connect(context.Background()))

	require.NoError(t, conn.Send(context.Background(), transport.Text("one")))
	require.NoError(t, conn.Send(context.Background(), transport.Binary([]byte{0x02})))

	sent := peer.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "one", string(sent[0].Data))
	require.Equal(t, transport.MessageBinary, sent[1].Kind)
}

func TestSendBeforeConnectFails(t *testing.T) {
	conn, _ := loopback.New()
	conn.Bind(transport.Callbacks{})
	require.ErrorIs(t, conn.Send(context.Background(), transport.Text("x")), loopback.ErrClosed)
}

func TestPeerCloseStopsSends(t *testing.T) {
	conn, peer := loopback.New()
	var rec recorder
	conn.Bind(rec.callbacks())
	require.NoError(t, conn.Connect(context.Background()))

	peer.Close(transport.CloseGoingAway)
	conn.Dispatch()
	require.Equal(t, []transport.CloseReason{transport.CloseGoingAway}, rec.closes)
	require.ErrorIs(t, conn.Send(context.Background(), transport.Text("x")), loopback.ErrClosed)
}

func TestFailedConnectCountsCalls(t *testing.T) {
	conn, peer := loopback.New()
	conn.Bind(transport.Callbacks{})
	peer.FailConnect(errors.New("refused"))

	require.ErrorContains(t, conn.Connect(context.Background()), "refused")
	require.Equal(t, 1, peer.ConnectCalls())
}

func TestHeldSendHonoursContext(t *testing.T) {
	conn, peer := loopback.New()
	conn.Bind(transport.Callbacks{})
	require.NoError(t, conn.Connect(context.Background()))

	release := peer.HoldSends()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Send(ctx, transport.Text("held"))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Empty(t, peer.Sent())
}

func TestNetworkTracksPeersPerEndpoint(t *testing.T) {
	net := loopback.NewNetwork()
	dial := net.Dialer()

	_, err := dial("")
	require.Error(t, err)

	connA, err := dial("ws://example/a")
	require.NoError(t, err)
	require.NotNil(t, connA)
	_, err = dial("ws://example/a")
	require.NoError(t, err)
	_, err = dial("ws://example/b")
	require.NoError(t, err)

	require.Len(t, net.Peers("ws://example/a"), 2)
	require.Len(t, net.Peers("ws://example/b"), 1)
	require.Empty(t, net.Peers("ws://example/c"))
}
