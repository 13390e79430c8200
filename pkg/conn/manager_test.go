package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/chatsync/pkg/transport"
)

func fastConfig() Config {
	return Config{
		URL:            "ws://test",
		Token:          "tok",
		ReconnectDelay: 5 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func TestConnectEstablishes(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	var established atomic.Int32
	m.OnEstablished = func() { established.Add(1) }

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(1), established.Load())
	assert.Equal(t, uint64(1), m.Session())
}

func TestConnectIsIdempotentForSameTarget(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))
	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	assert.Equal(t, 1, tr.DialCount())
}

func TestConnectRejectsDifferentTarget(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	err := m.Connect(context.Background(), "conv-2", "me")
	assert.ErrorIs(t, err, ErrConnectBusy)
	assert.Equal(t, 1, tr.DialCount())
}

func TestConnectFailureSurfacesError(t *testing.T) {
	tr := transport.NewFakeTransport()
	dialErr := errors.New("handshake refused")
	tr.DialFunc = func(context.Context) error { return dialErr }

	m := NewManager(tr, fastConfig(), nil, nil)

	err := m.Connect(context.Background(), "conv-1", "me")
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.LastError(), dialErr)
}

func TestTransportFailureTriggersReconnect(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	var established atomic.Int32
	m.OnEstablished = func() { established.Add(1) }

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	tr.Fail(errors.New("socket closed"))

	require.Eventually(t, func() bool {
		return established.Load() == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, tr.DialCount())
	assert.Equal(t, uint64(2), m.Session())
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	tr := transport.NewFakeTransport()

	// First dial succeeds, every redial fails.
	var dials atomic.Int32
	tr.DialFunc = func(context.Context) error {
		if dials.Add(1) > 1 {
			return errors.New("still down")
		}

		return nil
	}

	m := NewManager(tr, fastConfig(), nil, nil)

	terminal := make(chan error, 1)
	m.OnTerminalError = func(err error) { terminal <- err }

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	tr.Fail(errors.New("socket closed"))

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("terminal error never surfaced")
	}

	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.LastError(), ErrRetriesExhausted)

	// Initial dial plus the whole budget, then nothing more.
	assert.Equal(t, 1+fastConfig().MaxAttempts, tr.DialCount())
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	tr := transport.NewFakeTransport()
	tr.DialFunc = func(context.Context) error { return nil }

	cfg := fastConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	m := NewManager(tr, cfg, nil, nil)

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))

	tr.Fail(errors.New("socket closed"))

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	// No redial fires after the disconnect.
	time.Sleep(3 * cfg.ReconnectDelay)
	assert.Equal(t, 1, tr.DialCount())
}

func TestStaleDialResultIsDiscarded(t *testing.T) {
	tr := transport.NewFakeTransport()

	release := make(chan struct{})
	var wg sync.WaitGroup

	tr.DialFunc = func(context.Context) error {
		<-release
		return nil
	}

	m := NewManager(tr, fastConfig(), nil, nil)

	var established atomic.Int32
	m.OnEstablished = func() { established.Add(1) }

	wg.Add(1)
	go func() {
		defer wg.Done()

		// The slow dial completes after Disconnect made it stale.
		err := m.Connect(context.Background(), "conv-1", "me")
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateConnecting
	}, time.Second, time.Millisecond)

	m.Disconnect()
	close(release)
	wg.Wait()

	// The stale success never flipped the state or ran the hook, and the
	// socket it opened was torn down again.
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(0), established.Load())
	assert.False(t, tr.Connected())
}

// A failure on the live connection must trigger reconnection no matter how
// many connect/disconnect cycles came before: earlier sessions' watchers
// are cancelled on Disconnect, so none of them can consume the error.
func TestFailureAfterManyConnectDisconnectCycles(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	for i := 0; i < 30; i++ {
		require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))
		m.Disconnect()
	}

	var established atomic.Int32
	m.OnEstablished = func() { established.Add(1) }

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))
	require.Equal(t, int32(1), established.Load())

	dialsBefore := tr.DialCount()
	tr.Fail(errors.New("socket closed"))

	require.Eventually(t, func() bool {
		return established.Load() == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, dialsBefore+1, tr.DialCount())
}

func TestConnectAgainAfterDisconnect(t *testing.T) {
	tr := transport.NewFakeTransport()
	m := NewManager(tr, fastConfig(), nil, nil)

	require.NoError(t, m.Connect(context.Background(), "conv-1", "me"))
	m.Disconnect()

	// A different conversation is fine once disconnected.
	require.NoError(t, m.Connect(context.Background(), "conv-2", "me"))
	assert.Equal(t, StateConnected, m.State())
}
