package transport

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport for tests. Inbound traffic is
// injected with Push, outbound traffic is captured and inspectable with
// Sent. DialFunc, when set, replaces the default instant-success dial so
// tests can exercise slow or failing handshakes.
type FakeTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	frames    chan Frame
	errs      chan error
	sent      []SentFrame
	dialCount int

	DialFunc func(ctx context.Context) error
	SendErr  error
}

// SentFrame is one captured outbound publish.
type SentFrame struct {
	Topic   string
	Payload any
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		frames: make(chan Frame, 256),
		errs:   make(chan error, 4),
	}
}

func (f *FakeTransport) Dial(ctx context.Context, rawURL, token string) error {
	f.mu.Lock()
	f.dialCount++
	fn := f.DialFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.connected = true

	return nil
}

func (f *FakeTransport) Send(topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}

	f.sent = append(f.sent, SentFrame{Topic: topic, Payload: payload})

	return nil
}

func (f *FakeTransport) Frames() <-chan Frame { return f.frames }

func (f *FakeTransport) Errs() <-chan error { return f.errs }

func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *FakeTransport) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = false
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.connected = false

	return nil
}

// Push injects an inbound frame as if the server had sent it.
func (f *FakeTransport) Push(topic string, body []byte) {
	f.frames <- Frame{Topic: topic, Body: body}
}

// Fail injects a transport-level failure, as a dead socket would.
func (f *FakeTransport) Fail(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.errs <- err
}

// Sent returns a copy of all captured outbound frames.
func (f *FakeTransport) Sent() []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SentFrame, len(f.sent))
	copy(out, f.sent)

	return out
}

// SentTo returns captured outbound frames for one topic.
func (f *FakeTransport) SentTo(topic string) []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []SentFrame
	for _, s := range f.sent {
		if s.Topic == topic {
			out = append(out, s)
		}
	}

	return out
}

// DialCount reports how many dial attempts were made.
func (f *FakeTransport) DialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dialCount
}
