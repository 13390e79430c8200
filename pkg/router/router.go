// Package router demultiplexes inbound frames to typed handlers, one handler
// list per logical event category, and carries outbound publishes to the
// transport. Handlers registered here do not survive a reconnect; the
// connection owner must ClearAll and re-subscribe after every teardown so no
// stale closure keeps receiving.
package router

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/telemetry"
	"github.com/voxhall/chatsync/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Category identifies one logical inbound event stream.
type Category int

const (
	CatMessage Category = iota
	CatStatus
	CatTyping
	CatEdit
	CatReadSingle
	CatReadBulk
	CatReaction
	CatPin
	CatSync
)

var categoryNames = map[Category]string{
	CatMessage:    "message",
	CatStatus:     "status",
	CatTyping:     "typing",
	CatEdit:       "edit",
	CatReadSingle: "read-single",
	CatReadBulk:   "read-bulk",
	CatReaction:   "reaction",
	CatPin:        "pin",
	CatSync:       "sync",
}

func (c Category) String() string { return categoryNames[c] }

// Handler receives the decoded payload for its category: *model.Message,
// *model.StatusUpdate, *model.TypingEvent, *model.MessageEdit,
// *model.ReadSingle, *model.ReadBulk, *model.ReactionUpdate,
// *model.PinUpdate or *model.SyncResponse.
type Handler func(payload any)

// Router fans inbound frames out to subscribers and forwards outbound
// publishes. All dispatch is synchronous: handlers run to completion, in
// subscription order, before the next frame is processed.
type Router struct {
	mu       sync.RWMutex
	tr       transport.Transport
	log      *zap.Logger
	metrics  *telemetry.Metrics
	topics   map[string]Category
	handlers map[Category][]Handler
}

// New builds a router for one conversation. The topic set is fixed by the
// conversation and user ids.
func New(tr transport.Transport, conversationID, userID string, log *zap.Logger, metrics *telemetry.Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	return &Router{
		tr:      tr,
		log:     log,
		metrics: metrics,
		topics: map[string]Category{
			transport.TopicNewMessage(conversationID):  CatMessage,
			transport.TopicStatus(conversationID):      CatStatus,
			transport.TopicTyping(conversationID):      CatTyping,
			transport.TopicMessageEdit(conversationID): CatEdit,
			transport.TopicReadSingle(conversationID):  CatReadSingle,
			transport.TopicReadBulk(conversationID):    CatReadBulk,
			transport.TopicReactions(conversationID):   CatReaction,
			transport.TopicPins(conversationID):        CatPin,
			transport.QueueSync(userID):                CatSync,
		},
		handlers: make(map[Category][]Handler),
	}
}

// Subscribe appends a handler for one category.
func (r *Router) Subscribe(cat Category, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[cat] = append(r.handlers[cat], fn)
}

// ClearAll drops every registered handler. Mandatory before re-subscribing
// on reconnect, so frames are never double-delivered to stale closures.
func (r *Router) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[Category][]Handler)
}

// Dispatch decodes one frame and delivers it to every subscriber of its
// category. Unknown topics and malformed bodies are logged and dropped; a
// bad frame never tears down the channel or starves other handlers.
func (r *Router) Dispatch(f transport.Frame) {
	cat, ok := r.topics[f.Topic]
	if !ok {
		r.log.Debug("frame for unknown topic dropped", zap.String("topic", f.Topic))
		return
	}

	payload, err := decode(cat, f.Body)
	if err != nil {
		r.metrics.IncProtocolErrors()
		r.log.Warn("malformed frame dropped",
			zap.String("category", cat.String()),
			zap.Error(err),
		)

		return
	}

	r.metrics.IncFramesIn()

	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers[cat]))
	copy(handlers, r.handlers[cat])
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Send publishes a payload to an outbound destination. A send while the
// connection is down is a warn-level no-op, per the application error
// policy: the caller must never crash because the socket happens to be
// between attempts.
func (r *Router) Send(topic string, payload any) {
	if err := r.tr.Send(topic, payload); err != nil {
		r.log.Warn("outbound publish dropped",
			zap.String("topic", topic),
			zap.Error(err),
		)

		return
	}

	r.metrics.IncFramesOut()
}

func decode(cat Category, body []byte) (any, error) {
	var (
		payload any
		err     error
	)

	switch cat {
	case CatMessage:
		v := &model.Message{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatStatus:
		v := &model.StatusUpdate{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatTyping:
		v := &model.TypingEvent{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatEdit:
		v := &model.MessageEdit{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatReadSingle:
		v := &model.ReadSingle{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatReadBulk:
		v := &model.ReadBulk{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatReaction:
		v := &model.ReactionUpdate{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatPin:
		v := &model.PinUpdate{}
		err = json.Unmarshal(body, v)
		payload = v
	case CatSync:
		v := &model.SyncResponse{}
		err = json.Unmarshal(body, v)
		payload = v
	}

	if err != nil {
		return nil, err
	}

	return payload, nil
}
