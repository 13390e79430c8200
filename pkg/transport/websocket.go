package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the wire framing: every websocket text message is a topic plus
// a JSON body. Unknown extra fields are ignored by the decoder.
type envelope struct {
	Topic string              `json:"topic"`
	Body  jsoniter.RawMessage `json:"body"`
}

// WebsocketTransport implements Transport over gorilla/websocket. A single
// reader goroutine per established connection feeds the frames channel; the
// channel itself survives redials so the dispatch loop upstream never has to
// resubscribe to a new channel.
type WebsocketTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	frames  chan Frame
	errs    chan error
	closed  bool
	session uint64

	log *zap.Logger
}

// NewWebsocketTransport creates an unconnected transport.
func NewWebsocketTransport(log *zap.Logger) *WebsocketTransport {
	if log == nil {
		log = zap.NewNop()
	}

	return &WebsocketTransport{
		frames: make(chan Frame, 64),
		errs:   make(chan error, 1),
		log:    log,
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, rawURL, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return errors.Wrap(err, "dial websocket")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if t.conn != nil {
		// Another dial won the slot while this handshake was in flight.
		// Installing over it would mute the live read loop and leak the
		// winner's socket, so the late arrival is discarded instead.
		t.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	t.conn = conn
	t.session++
	session := t.session
	t.mu.Unlock()

	go t.readLoop(conn, session)

	t.log.Debug("websocket connected", zap.String("url", rawURL))

	return nil
}

// readLoop pumps frames until the connection dies, then reports the failure
// once. The session guard keeps a loop belonging to a torn-down connection
// from reporting against its replacement.
func (t *WebsocketTransport) readLoop(conn *websocket.Conn, session uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := t.session != session || t.closed
			if !stale {
				t.conn = nil
			}
			t.mu.Unlock()

			if !stale {
				select {
				case t.errs <- errors.Wrap(err, "websocket read"):
				default:
				}
			}

			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}

		t.frames <- Frame{Topic: env.Topic, Body: env.Body}
	}
}

func (t *WebsocketTransport) Send(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	env := envelope{Topic: topic, Body: body}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}

	return nil
}

func (t *WebsocketTransport) Frames() <-chan Frame { return t.frames }

func (t *WebsocketTransport) Errs() <-chan error { return t.errs }

func (t *WebsocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.session++

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}

	return nil
}

// Teardown drops the current connection without closing the transport, so a
// later Dial can re-establish it. Used by the connection manager between
// reconnect attempts.
func (t *WebsocketTransport) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.session++
	}
}
