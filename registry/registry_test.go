package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/wsbridge/bridge"
	"github.com/timzifer/wsbridge/drivers/loopback"
	"github.com/timzifer/wsbridge/registry"
	"github.com/timzifer/wsbridge/transport"
)

func recvBytes(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("stream ended unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestGetOrCreateSharesOneBridgePerEndpoint(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer())
	require.NoError(t, err)
	defer reg.Close()

	const workers = 8
	results := make([]*bridge.Bridge, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = reg.GetOrCreate(context.Background(), "ws://example/a")
		}()
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < workers; i++ {
		require.Same(t, results[0], results[i])
	}
	peers := net.Peers("ws://example/a")
	require.Len(t, peers, 1)
	require.Equal(t, 1, peers[0].ConnectCalls())
	require.Equal(t, 1, reg.Len())
}

func TestGetOrCreateWaitersBlockUntilConnected(t *testing.T) {
	conn, peer := loopback.New()
	release := peer.HoldConnects()
	defer release()

	var dials atomic.Int32
	dial := func(endpoint string) (transport.Conn, error) {
		dials.Add(1)
		return conn, nil
	}
	reg, err := registry.New(dial)
	require.NoError(t, err)
	defer reg.Close()

	type result struct {
		br  *bridge.Bridge
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			br, err := reg.GetOrCreate(context.Background(), "ws://example/slow")
			results <- result{br, err}
		}()
	}

	select {
	case <-results:
		t.Fatal("caller returned before the connect completed")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Same(t, first.br, second.br)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, 1, peer.ConnectCalls())
}

func TestGetOrCreateRollsBackFailedConstruction(t *testing.T) {
	var attempts atomic.Int32
	dial := func(endpoint string) (transport.Conn, error) {
		attempts.Add(1)
		conn, peer := loopback.New()
		peer.FailConnect(errors.New("connection refused"))
		return conn, nil
	}
	reg, err := registry.New(dial)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.GetOrCreate(context.Background(), "ws://example/down")
	require.ErrorContains(t, err, "connection refused")
	require.Zero(t, reg.Len())

	// the failed entry is gone, so the next call retries from scratch
	_, err = reg.GetOrCreate(context.Background(), "ws://example/down")
	require.Error(t, err)
	require.Equal(t, int32(2), attempts.Load())
}

func TestGetOrCreateSeparateEndpoints(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer())
	require.NoError(t, err)
	defer reg.Close()

	a, err := reg.GetOrCreate(context.Background(), "ws://example/a")
	require.NoError(t, err)
	b, err := reg.GetOrCreate(context.Background(), "ws://example/b")
	require.NoError(t, err)

	require.NotSame(t, a, b)
	require.Equal(t, 2, reg.Len())
	require.Equal(t, []string{"ws://example/a", "ws://example/b"}, reg.Endpoints())
}

func TestReleaseDisposesBridge(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer())
	require.NoError(t, err)
	defer reg.Close()

	br, err := reg.GetOrCreate(context.Background(), "ws://example/a")
	require.NoError(t, err)

	require.NoError(t, reg.Release("ws://example/a"))
	require.Zero(t, reg.Len())
	require.ErrorIs(t, br.Publish(context.Background(), transport.Text("x")), bridge.ErrBridgeClosed)

	require.Error(t, reg.Release("ws://example/a"))
}

func TestCloseDisposesEverything(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer())
	require.NoError(t, err)

	a, err := reg.GetOrCreate(context.Background(), "ws://example/a")
	require.NoError(t, err)
	b, err := reg.GetOrCreate(context.Background(), "ws://example/b")
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	require.ErrorIs(t, a.Publish(context.Background(), transport.Text("x")), bridge.ErrBridgeClosed)
	require.ErrorIs(t, b.Publish(context.Background(), transport.Text("x")), bridge.ErrBridgeClosed)

	_, err = reg.GetOrCreate(context.Background(), "ws://example/c")
	require.ErrorIs(t, err, registry.ErrRegistryClosed)

	require.NoError(t, reg.Close()) // idempotent
}

func TestTickDeliversQueuedEvents(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer())
	require.NoError(t, err)
	defer reg.Close()

	br, err := reg.GetOrCreate(context.Background(), "ws://example/a")
	require.NoError(t, err)
	received, err := br.Received(context.Background())
	require.NoError(t, err)

	// a bridge disposed outside the registry must not break the pass
	other, err := reg.GetOrCreate(context.Background(), "ws://example/b")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	net.Peers("ws://example/a")[0].Send([]byte("tick"))
	reg.Tick()
	require.Equal(t, "tick", string(recvBytes(t, received)))
}

func TestRunPumpsUntilCancelled(t *testing.T) {
	net := loopback.NewNetwork()
	reg, err := registry.New(net.Dialer(), registry.WithPumpInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer reg.Close()

	br, err := reg.GetOrCreate(context.Background(), "ws://example/a")
	require.NoError(t, err)
	received, err := br.Received(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reg.Run(ctx)
	}()

	net.Peers("ws://example/a")[0].Send([]byte("pumped"))
	require.Equal(t, "pumped", string(recvBytes(t, received)))

	cancel()
	require.NoError(t, <-done)
}
