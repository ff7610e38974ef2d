package mqtt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/stretchr/testify/require"

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

func dispatchUntil(t *testing.T, conn *Conn, rec *recorder, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.Dispatch()
		rec.mu.Lock()
		ok := cond()
		rec.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDuplexChannelAcrossBroker(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	connA, err := New(Settings{
		Broker:         brokerURL,
		ClientID:       "side-a",
		PublishTopic:   "bridge/a-to-b",
		SubscribeTopic: "bridge/b-to-a",
	})
	require.NoError(t, err)
	connB, err := New(Settings{
		Broker:         brokerURL,
		ClientID:       "side-b",
		PublishTopic:   "bridge/b-to-a",
		SubscribeTopic: "bridge/a-to-b",
	})
	require.NoError(t, err)

	recA, recB := &recorder{}, &recorder{}
	connA.Bind(recA.callbacks())
	connB.Bind(recB.callbacks())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, connA.Connect(ctx))
	defer connA.Close()
	require.NoError(t, connB.Connect(ctx))
	defer connB.Close()

	dispatchUntil(t, connA, recA, func() bool { return recA.opens == 1 })
	dispatchUntil(t, connB, recB, func() bool { return recB.opens == 1 })

	require.NoError(t, connA.Send(ctx, transport.Text("ping")))
	dispatchUntil(t, connB, recB, func() bool { return len(recB.messages) == 1 })
	recB.mu.Lock()
	require.Equal(t, "ping", recB.messages[0])
	recB.mu.Unlock()

	require.NoError(t, connB.Send(ctx, transport.Binary([]byte("pong"))))
	dispatchUntil(t, connA, recA, func() bool { return len(recA.messages) == 1 })
	recA.mu.Lock()
	require.Equal(t, "pong", recA.messages[0])
	recA.mu.Unlock()
}

func TestSendBeforeConnectFails(t *testing.T) {
	conn, err := New(Settings{
		Broker:         "tcp://127.0.0.1:1",
		PublishTopic:   "out",
		SubscribeTopic: "in",
	})
	require.NoError(t, err)
	require.ErrorIs(t, conn.Send(context.Background(), transport.Text("x")), ErrNotConnected)
}

func TestConnectFailsWithoutBroker(t *testing.T) {
	conn, err := New(Settings{
		Broker:         "tcp://127.0.0.1:1",
		PublishTopic:   "out",
		SubscribeTopic: "in",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, conn.Connect(ctx))
}

func startMockBroker(t *testing.T) (string, func()) {
	t.Helper()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("test", addr)

	if err := server.AddListener(tcp, nil); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if err := waitForBroker(addr, 5*time.Second); err != nil {
		t.Fatalf("wait for broker: %v", err)
	}

	return "tcp://" + addr, func() {
		_ = server.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker at %s did not start", addr)
}
