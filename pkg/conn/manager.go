// Package conn owns the lifecycle of one transport connection for one
// conversation: connect, disconnect, and the fixed-delay reconnect policy
// with a bounded attempt budget. Every other component only reads the
// connection state published here.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/telemetry"
	"github.com/voxhall/chatsync/pkg/transport"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
}

func (s State) String() string { return stateNames[s] }

var (
	// ErrRetriesExhausted is the terminal error surfaced when the reconnect
	// budget runs out. It is never retried silently.
	ErrRetriesExhausted = errors.New("conn: reconnect attempts exhausted")

	// ErrConnectBusy rejects a concurrent connect for a different target
	// while one is already in flight or established.
	ErrConnectBusy = errors.New("conn: connect already in progress for another conversation")
)

// Config tunes the reconnect policy. The delay is fixed, not exponential.
type Config struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	MaxAttempts    int
}

// Manager drives one transport connection. OnEstablished runs after every
// successful dial, first connect and reconnects alike; channel handlers do
// not survive a teardown, so the hook is where they are re-registered and
// where presence is re-announced. OnTerminalError runs once when the retry
// budget is exhausted.
type Manager struct {
	mu sync.Mutex

	tr  transport.Transport
	cfg Config
	log *zap.Logger
	met *telemetry.Metrics

	state          State
	conversationID string
	userID         string
	lastErr        error

	// attempt increases monotonically; a dial result whose attempt id is no
	// longer current is stale and must not mutate state (last-attempt-wins).
	attempt uint64

	// session increases on every established connection and on disconnect,
	// so async results (sync responses, watcher errors) can be discarded
	// when they outlive the connection that produced them.
	session uint64

	reconnectTimer *time.Timer

	// watchQuit cancels the current session's failure watcher. Without it a
	// Disconnect would strand the watcher on Errs forever, and a later real
	// failure would be consumed by the stranded goroutine instead of the
	// live one.
	watchQuit chan struct{}

	OnEstablished   func()
	OnTerminalError func(error)
}

// NewManager creates a manager around an unconnected transport.
func NewManager(tr transport.Transport, cfg Config, log *zap.Logger, met *telemetry.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	return &Manager{
		tr:    tr,
		cfg:   cfg,
		log:   log,
		met:   met,
		state: StateDisconnected,
	}
}

// Connect establishes the connection for one conversation. Calling it again
// while CONNECTING or CONNECTED for the same target is an idempotent no-op,
// which is what keeps a double-mounted conversation from subscribing twice.
func (m *Manager) Connect(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()

	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		same := m.conversationID == conversationID && m.userID == userID
		m.mu.Unlock()

		if same {
			return nil
		}

		return ErrConnectBusy
	case StateDisconnected:
	}

	m.state = StateConnecting
	m.conversationID = conversationID
	m.userID = userID
	m.lastErr = nil
	m.attempt++
	attemptID := m.attempt
	m.mu.Unlock()

	err := m.tr.Dial(ctx, m.cfg.URL, m.cfg.Token)

	return m.settleAttempt(attemptID, err, false)
}

// settleAttempt applies the outcome of one dial attempt, unless a newer
// attempt has started since, in which case the result is discarded entirely
// and any connection it opened is dropped.
func (m *Manager) settleAttempt(attemptID uint64, dialErr error, reconnecting bool) error {
	m.mu.Lock()

	if attemptID != m.attempt {
		m.mu.Unlock()

		if dialErr == nil {
			// A stale success must not leak a live socket.
			m.tr.Teardown()
		}

		m.log.Debug("stale connect attempt discarded", zap.Uint64("attempt", attemptID))

		return nil
	}

	if dialErr != nil {
		if !reconnecting {
			m.state = StateDisconnected
			m.lastErr = dialErr
		}
		m.mu.Unlock()

		return dialErr
	}

	m.state = StateConnected
	m.session++
	session := m.session
	convID := m.conversationID

	if m.watchQuit != nil {
		close(m.watchQuit)
	}
	m.watchQuit = make(chan struct{})
	quit := m.watchQuit
	m.mu.Unlock()

	m.met.IncConnects()
	m.log.Info("connected",
		zap.String("conversation_id", convID),
		zap.Uint64("session", session),
	)

	if m.OnEstablished != nil {
		m.OnEstablished()
	}

	go m.watch(session, quit)

	return nil
}

// watch waits for a transport-level failure on the current session and
// kicks off the reconnect sequence. Disconnect and session turnover cancel
// the watcher through quit, so at most one watcher is ever listening on
// Errs and a real failure is never consumed by a dead session's goroutine.
func (m *Manager) watch(session uint64, quit <-chan struct{}) {
	var err error

	select {
	case e, ok := <-m.tr.Errs():
		if !ok {
			return
		}
		err = e
	case <-quit:
		return
	}

	m.mu.Lock()
	if session != m.session || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.state = StateReconnecting
	m.lastErr = err
	m.mu.Unlock()

	m.log.Warn("transport failed, reconnecting", zap.Error(err))

	m.reconnect(1)
}

// reconnect schedules attempt n of the fixed-delay retry sequence.
func (m *Manager) reconnect(n int) {
	if n > m.cfg.MaxAttempts {
		m.mu.Lock()
		m.state = StateDisconnected
		err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, m.cfg.MaxAttempts)
		m.lastErr = err
		cb := m.OnTerminalError
		m.mu.Unlock()

		m.met.IncReconnectsExhausted()
		m.log.Error("reconnect budget exhausted", zap.Int("attempts", m.cfg.MaxAttempts))

		if cb != nil {
			cb(err)
		}

		return
	}

	m.mu.Lock()
	if m.state != StateReconnecting {
		// Disconnected (or reconnected another way) while waiting.
		m.mu.Unlock()
		return
	}

	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.attempt++
		attemptID := m.attempt
		m.mu.Unlock()

		m.met.IncReconnects()
		m.log.Info("reconnect attempt",
			zap.Int("attempt", n),
			zap.Int("max", m.cfg.MaxAttempts),
		)

		err := m.tr.Dial(context.Background(), m.cfg.URL, m.cfg.Token)
		if settleErr := m.settleAttempt(attemptID, err, true); settleErr != nil {
			m.reconnect(n + 1)
		}
	})
	m.mu.Unlock()
}

// Disconnect tears the connection down and cancels any pending reconnect.
// In-flight dial results and async responses become stale immediately.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	if m.watchQuit != nil {
		close(m.watchQuit)
		m.watchQuit = nil
	}

	m.state = StateDisconnected
	m.attempt++
	m.session++
	convID := m.conversationID
	m.mu.Unlock()

	m.tr.Teardown()

	m.log.Info("disconnected", zap.String("conversation_id", convID))
}

// IsConnected reports whether the connection is currently established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Session returns the current session id. Components stamp async requests
// with it and discard responses whose session has ended.
func (m *Manager) Session() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session
}

// LastError returns the most recent connection error, if any. After the
// retry budget is exhausted it reports ErrRetriesExhausted until the next
// successful Connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}
