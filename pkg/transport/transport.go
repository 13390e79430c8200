// Package transport owns the persistent bidirectional connection to the chat
// server and the topic-addressed frame model carried over it. Consumers see
// only the Transport interface; the websocket implementation and an
// in-memory fake both satisfy it.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Sentinel errors shared by implementations.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrClosed           = errors.New("transport: closed")
)

// Frame is one inbound unit: a topic and its raw JSON body. Bodies are
// decoded lazily by the router so a malformed frame can be dropped without
// disturbing the read loop.
type Frame struct {
	Topic string
	Body  []byte
}

// Transport is a persistent, full-duplex, topic-addressed connection.
//
// Frames and Errs return channels that stay valid across redials: a
// reconnect feeds the same channels, so one dispatch loop can outlive any
// number of transport teardowns. Close tears the transport down permanently.
type Transport interface {
	// Dial establishes (or re-establishes) the underlying connection using
	// the given bearer credential.
	Dial(ctx context.Context, rawURL, token string) error

	// Send publishes a JSON-encoded payload to an outbound destination.
	// Returns ErrNotConnected when no connection is up.
	Send(topic string, payload any) error

	// Frames delivers inbound frames. Never closed before Close.
	Frames() <-chan Frame

	// Errs signals transport-level failure (socket closed, read error).
	// One error is emitted per established connection at most.
	Errs() <-chan error

	// Connected reports whether a connection is currently up.
	Connected() bool

	// Teardown drops the current connection, if any, without closing the
	// transport. A later Dial may re-establish it.
	Teardown()

	// Close tears down the transport permanently.
	Close() error
}

// Inbound conversation topics. One set exists per conversation id.
func TopicNewMessage(convID string) string  { return "/topic/conversations/" + convID + "/messages" }
func TopicTyping(convID string) string      { return "/topic/conversations/" + convID + "/typing" }
func TopicStatus(convID string) string      { return "/topic/conversations/" + convID + "/status" }
func TopicMessageEdit(convID string) string { return "/topic/conversations/" + convID + "/edits" }
func TopicReadBulk(convID string) string    { return "/topic/conversations/" + convID + "/read-bulk" }
func TopicReadSingle(convID string) string  { return "/topic/conversations/" + convID + "/read" }
func TopicPins(convID string) string        { return "/topic/conversations/" + convID + "/pins" }
func TopicReactions(convID string) string   { return "/topic/conversations/" + convID + "/reactions" }

// Per-user queues.
func QueueSync(userID string) string      { return "/user/" + userID + "/queue/sync" }
func QueueReactions(userID string) string { return "/user/" + userID + "/queue/reactions" }

// Outbound destinations.
const (
	DestSendMessage   = "/app/chat.send"
	DestTyping        = "/app/chat.typing"
	DestActiveStatus  = "/app/chat.active"
	DestRequestSync   = "/app/chat.sync"
	DestTogglePin     = "/app/chat.pin"
	DestSendReaction  = "/app/chat.react"
	DestMarkDelivered = "/app/chat.delivered"
	DestMarkRead      = "/app/chat.read"
)
