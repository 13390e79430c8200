// Package engine assembles one chat synchronization engine per conversation:
// transport, connection manager, subscription router, reconciler, sync
// cursor controller and presence coordinator, each an explicit owned
// instance. Nothing here is process-global; two open conversations are two
// independent engines.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/cache"
	"github.com/voxhall/chatsync/pkg/config"
	"github.com/voxhall/chatsync/pkg/conn"
	"github.com/voxhall/chatsync/pkg/history"
	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/presence"
	"github.com/voxhall/chatsync/pkg/router"
	"github.com/voxhall/chatsync/pkg/store"
	"github.com/voxhall/chatsync/pkg/telemetry"
	"github.com/voxhall/chatsync/pkg/transport"
)

// Engine owns the synchronized view of one conversation. The UI reads
// Messages, Typing and ConnState, registers OnChange, and drives the
// imperative surface (SendMessage, RequestSync, MarkAllAsRead,
// SendTypingIndicator).
type Engine struct {
	mu sync.Mutex

	cfg config.Config
	log *zap.Logger
	met *telemetry.Metrics

	tr   transport.Transport
	cm   *conn.Manager
	rt   *router.Router
	st   *store.Store
	rec  *store.Reconciler
	hist *history.Controller
	pres *presence.Coordinator
	mc   *cache.Cache

	conversationID string
	userID         string

	onChange   func()
	onTerminal func(error)

	dispatchOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by all components.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTransport replaces the default websocket transport. Tests inject the
// in-memory fake through this.
func WithTransport(tr transport.Transport) Option {
	return func(e *Engine) { e.tr = tr }
}

// WithMetrics wires prometheus collectors.
func WithMetrics(met *telemetry.Metrics) Option {
	return func(e *Engine) { e.met = met }
}

// WithCache wires the local SQLite message cache. The engine takes
// ownership and closes it on Close.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.mc = c }
}

// New builds the engine for one conversation. token is the bearer
// credential supplied by the external session provider.
func New(conversationID, userID, token string, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:            cfg,
		conversationID: conversationID,
		userID:         userID,
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.With(zap.String("conversation_id", conversationID))

	if e.tr == nil {
		e.tr = transport.NewWebsocketTransport(e.log)
	}

	e.st = store.NewStore()
	e.rec = store.NewReconciler(e.st, userID, e.log, e.met)
	e.rt = router.New(e.tr, conversationID, userID, e.log, e.met)

	e.cm = conn.NewManager(e.tr, conn.Config{
		URL:            cfg.Server,
		Token:          token,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxReconnectAttempts,
	}, e.log, e.met)

	e.hist = history.NewController(e.rt, e.rec, e.cm, conversationID, history.Config{
		InitialPageSize: cfg.InitialPageSize,
		PageSize:        cfg.PageSize,
	}, e.log)

	e.pres = presence.NewCoordinator(e.rt, conversationID, userID, presence.Config{
		TypingExpiry:   cfg.TypingExpiry,
		ActiveDebounce: cfg.ActiveDebounce,
	}, e.log)

	e.rec.SetNotifier(func(messageID, userID string) {
		e.rt.Send(transport.DestMarkDelivered, model.DeliveredNotice{
			MessageID: messageID,
			UserID:    userID,
		})
	})
	e.rec.SetOnChange(e.notifyChange)
	e.pres.SetOnChange(e.notifyChange)

	if e.mc != nil {
		e.rec.SetCache(e.mc)
	}

	e.cm.OnEstablished = e.onEstablished
	e.cm.OnTerminalError = e.terminal

	return e
}

// OnChange registers the change callback the UI observes the store through.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onChange = fn
}

// OnTerminalError registers the callback fired once when the reconnect
// budget is exhausted.
func (e *Engine) OnTerminalError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onTerminal = fn
}

// Connect seeds the store from the local cache, establishes the connection
// and starts the dispatch loop. Idempotent while connecting or connected.
func (e *Engine) Connect(ctx context.Context) error {
	e.seedFromCache()

	e.dispatchOnce.Do(func() {
		go e.dispatch()
	})

	return e.cm.Connect(ctx, e.conversationID, e.userID)
}

// Disconnect tears the connection down, cancels reconnect and presence
// timers, and drops pending sync bookkeeping. The store keeps its contents;
// Close discards them.
func (e *Engine) Disconnect() {
	e.cm.Disconnect()
	e.pres.Stop()
	e.hist.Reset()
	e.rt.ClearAll()
}

// Close disconnects, stops the dispatch loop, clears the store and closes
// the transport and cache for good. Safe to call more than once.
func (e *Engine) Close() error {
	e.Disconnect()
	e.closeOnce.Do(func() { close(e.done) })
	e.st.Clear()

	err := e.tr.Close()

	if e.mc != nil {
		if cerr := e.mc.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// Messages returns the ordered, duplicate-free message snapshot.
func (e *Engine) Messages() []model.Message { return e.st.Snapshot() }

// Typing returns the remote typing-state snapshot.
func (e *Engine) Typing() map[string]model.TypingState { return e.pres.Typing() }

// ConnState returns the connection lifecycle state.
func (e *Engine) ConnState() conn.State { return e.cm.State() }

// LastError returns the most recent connection error, terminal or not.
func (e *Engine) LastError() error { return e.cm.LastError() }

// SendMessage creates an optimistic PENDING message, publishes the send,
// and returns the temp id the caller can track it by. The optimistic entry
// is inserted even when the connection is down; the send itself is then a
// warn-level no-op and the message surfaces as FAILED via a later retry
// path or stays PENDING until the server echo after reconnect.
func (e *Engine) SendMessage(content string) string {
	tempID := uuid.NewString()
	now := time.Now()

	e.rec.AddLocal(model.Message{
		TempID:         tempID,
		ConversationID: e.conversationID,
		SenderID:       e.userID,
		Content:        content,
		CreatedAt:      now,
		Status:         model.StatusPending,
	})

	e.rt.Send(transport.DestSendMessage, model.SendMessage{
		TempID:         tempID,
		ConversationID: e.conversationID,
		SenderID:       e.userID,
		Content:        content,
		CreatedAt:      now,
	})

	return tempID
}

// RetryMessage re-enters PENDING for a FAILED message, reusing its original
// temp id, and republishes the send.
func (e *Engine) RetryMessage(key string) error {
	if err := e.rec.Retry(key); err != nil {
		return err
	}

	msg, ok := e.st.Get(key)
	if !ok {
		return store.ErrNotFound
	}

	e.rt.Send(transport.DestSendMessage, model.SendMessage{
		TempID:         msg.TempID,
		ConversationID: e.conversationID,
		SenderID:       e.userID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})

	return nil
}

// RequestSync issues a cursor-based history fetch.
func (e *Engine) RequestSync(lastMessageID *string, dir model.Direction, limit int) {
	e.hist.Request(lastMessageID, dir, limit)
}

// MarkAllAsRead flags every other-sender message read locally and publishes
// one bulk read for the ids that changed.
func (e *Engine) MarkAllAsRead() {
	ids := e.rec.MarkAllRead(e.userID)
	if len(ids) == 0 {
		return
	}

	e.rt.Send(transport.DestMarkRead, model.ReadBulkPublish{
		ConversationID: e.conversationID,
		MessageIDs:     ids,
		UserID:         e.userID,
	})
}

// SendTypingIndicator publishes the local typing flag, suppressed unless
// the value changed.
func (e *Engine) SendTypingIndicator(isTyping bool) {
	e.pres.PublishTyping(isTyping)
}

// SetActive publishes the local active/inactive signal with debounce.
func (e *Engine) SetActive(active bool) {
	e.pres.PublishActive(active)
}

// TogglePin requests a pin state change; the store updates when the server
// pushes the pin-update back.
func (e *Engine) TogglePin(messageID string, pinned bool) {
	e.rt.Send(transport.DestTogglePin, model.PinToggle{
		MessageID: messageID,
		UserID:    e.userID,
		Pinned:    pinned,
	})
}

// SendReaction requests adding or removing one reaction; the store updates
// on the server's reaction-update push.
func (e *Engine) SendReaction(messageID, reaction string, remove bool) {
	e.rt.Send(transport.DestSendReaction, model.ReactionSend{
		MessageID: messageID,
		UserID:    e.userID,
		Reaction:  reaction,
		Remove:    remove,
	})
}

// dispatch pumps inbound frames into the router until Close. The frames
// channel survives reconnects, so one loop covers the engine's lifetime.
func (e *Engine) dispatch() {
	for {
		select {
		case f := <-e.tr.Frames():
			e.rt.Dispatch(f)
		case <-e.done:
			return
		}
	}
}

// onEstablished runs after every successful dial, first connect and
// reconnects alike. Handlers do not survive a teardown, so everything is
// re-registered from scratch, presence is re-announced, and an initial sync
// brings the store up to date.
func (e *Engine) onEstablished() {
	e.rt.ClearAll()
	e.subscribe()
	e.pres.Resume()
	e.pres.Announce()
	e.hist.Request(nil, model.DirInitial, 0)
	e.notifyChange()
}

func (e *Engine) subscribe() {
	e.rt.Subscribe(router.CatMessage, func(p any) {
		if msg, ok := p.(*model.Message); ok {
			e.rec.UpsertRemote(msg)
		}
	})
	e.rt.Subscribe(router.CatStatus, func(p any) {
		if u, ok := p.(*model.StatusUpdate); ok {
			e.rec.ApplyStatus(u)
		}
	})
	e.rt.Subscribe(router.CatTyping, func(p any) {
		if ev, ok := p.(*model.TypingEvent); ok {
			e.pres.HandleTyping(ev)
		}
	})
	e.rt.Subscribe(router.CatEdit, func(p any) {
		if ev, ok := p.(*model.MessageEdit); ok {
			e.rec.ApplyEdit(ev)
		}
	})
	e.rt.Subscribe(router.CatReadSingle, func(p any) {
		if ev, ok := p.(*model.ReadSingle); ok {
			e.rec.ApplyReadSingle(ev)
		}
	})
	e.rt.Subscribe(router.CatReadBulk, func(p any) {
		if ev, ok := p.(*model.ReadBulk); ok {
			e.rec.ApplyReadBulk(ev)
		}
	})
	e.rt.Subscribe(router.CatReaction, func(p any) {
		if ev, ok := p.(*model.ReactionUpdate); ok {
			e.rec.ApplyReactions(ev)
		}
	})
	e.rt.Subscribe(router.CatPin, func(p any) {
		if ev, ok := p.(*model.PinUpdate); ok {
			e.rec.ApplyPin(ev)
		}
	})
	e.rt.Subscribe(router.CatSync, func(p any) {
		if resp, ok := p.(*model.SyncResponse); ok {
			e.hist.HandleResponse(resp)
		}
	})
}

// seedFromCache loads the most recent cached page into an empty store so
// the conversation renders before the first sync response lands.
func (e *Engine) seedFromCache() {
	if e.mc == nil || e.st.Len() > 0 {
		return
	}

	limit := e.cfg.InitialPageSize
	if limit <= 0 {
		limit = 50
	}

	msgs, err := e.mc.Recent(e.conversationID, limit)
	if err != nil {
		e.log.Warn("cache seed failed", zap.Error(err))
		return
	}

	for i := range msgs {
		e.rec.UpsertRemote(&msgs[i])
	}

	if len(msgs) > 0 {
		e.log.Debug("store seeded from cache", zap.Int("messages", len(msgs)))
	}
}

func (e *Engine) terminal(err error) {
	e.mu.Lock()
	cb := e.onTerminal
	e.mu.Unlock()

	e.log.Error("connection terminally failed", zap.Error(err))

	if cb != nil {
		cb(err)
	}

	e.notifyChange()
}

func (e *Engine) notifyChange() {
	e.mu.Lock()
	cb := e.onChange
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}
