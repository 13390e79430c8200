// Package presence tracks remote users' typing state with auto-expiry and
// publishes the local user's typing and active signals with change
// suppression and debounce. Every timer is an explicit handle stored with
// the entry it governs, so teardown on disconnect is one total operation.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/router"
	"github.com/voxhall/chatsync/pkg/transport"
)

// Config tunes the coordinator.
type Config struct {
	// TypingExpiry is how long a remote typing flag stays up with no
	// refresh before it flips to false on its own.
	TypingExpiry time.Duration

	// ActiveDebounce is the trailing debounce on outbound active/inactive
	// publishes; a burst collapses into the last value.
	ActiveDebounce time.Duration
}

type typingEntry struct {
	state model.TypingState
	timer *time.Timer
}

// Coordinator owns the typing-entry map for one conversation.
type Coordinator struct {
	mu sync.Mutex

	rt  *router.Router
	cfg Config
	log *zap.Logger

	conversationID string
	localUserID    string

	entries map[string]*typingEntry

	// Outbound state: a value equal to the last published one is never
	// re-sent. The limiter is a guard against pathological toggle storms
	// on top of the change comparison, not a substitute for it.
	lastTyping  *bool
	lastActive  *bool
	pendingAct  bool
	activeTimer *time.Timer
	limiter     *rate.Limiter

	onChange func()
	stopped  bool
}

// NewCoordinator wires the coordinator. Events from localUserID are ignored
// on the inbound path.
func NewCoordinator(rt *router.Router, conversationID, localUserID string, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = 4 * time.Second
	}
	if cfg.ActiveDebounce <= 0 {
		cfg.ActiveDebounce = 400 * time.Millisecond
	}

	return &Coordinator{
		rt:             rt,
		cfg:            cfg,
		log:            log,
		conversationID: conversationID,
		localUserID:    localUserID,
		entries:        make(map[string]*typingEntry),
		limiter:        rate.NewLimiter(rate.Limit(5), 10),
	}
}

// SetOnChange installs the change-notification callback for the UI.
func (c *Coordinator) SetOnChange(fn func()) { c.onChange = fn }

// HandleTyping applies one inbound typing event. A true flag (re)starts the
// expiry timer for that user; false clears immediately; a timer that fires
// with no refresh flips the flag to false without any further event.
func (c *Coordinator) HandleTyping(ev *model.TypingEvent) {
	if ev.UserID == c.localUserID {
		return
	}

	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	e, ok := c.entries[ev.UserID]
	if !ok {
		e = &typingEntry{}
		c.entries[ev.UserID] = e
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if ev.Username != "" {
		e.state.Username = ev.Username
	}

	if !ev.IsTyping {
		e.state.IsTyping = false
		e.state.ExpiresAt = time.Time{}
		c.mu.Unlock()
		c.notifyChange()

		return
	}

	userID := ev.UserID
	e.state.IsTyping = true
	e.state.ExpiresAt = time.Now().Add(c.cfg.TypingExpiry)
	e.timer = time.AfterFunc(c.cfg.TypingExpiry, func() {
		c.expire(userID)
	})
	c.mu.Unlock()

	c.notifyChange()
}

// expire flips one user's flag to false when their timer fires unrefreshed.
func (c *Coordinator) expire(userID string) {
	c.mu.Lock()

	e, ok := c.entries[userID]
	if !ok || c.stopped || !e.state.IsTyping {
		c.mu.Unlock()
		return
	}

	e.state.IsTyping = false
	e.state.ExpiresAt = time.Time{}
	e.timer = nil
	c.mu.Unlock()

	c.log.Debug("typing expired", zap.String("user_id", userID))
	c.notifyChange()
}

// Typing returns a snapshot of the typing-state map.
func (c *Coordinator) Typing() map[string]model.TypingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]model.TypingState, len(c.entries))
	for userID, e := range c.entries {
		out[userID] = e.state
	}

	return out
}

// PublishTyping publishes the local typing flag, but only when the value
// actually changed: rapid repeated calls with the same value produce no
// traffic. State is compared before send, not merely debounced in time.
func (c *Coordinator) PublishTyping(isTyping bool) {
	c.mu.Lock()

	if c.stopped || (c.lastTyping != nil && *c.lastTyping == isTyping) {
		c.mu.Unlock()
		return
	}

	if !c.limiter.Allow() {
		c.mu.Unlock()
		c.log.Warn("typing publish rate limited")

		return
	}

	v := isTyping
	c.lastTyping = &v
	c.mu.Unlock()

	c.rt.Send(transport.DestTyping, model.TypingPublish{
		ConversationID: c.conversationID,
		UserID:         c.localUserID,
		IsTyping:       isTyping,
	})
}

// PublishActive publishes the local active/inactive signal with a trailing
// debounce: a burst of calls collapses into one publish of the last value,
// and a value equal to the last published one is suppressed.
func (c *Coordinator) PublishActive(active bool) {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.pendingAct = active

	if c.activeTimer != nil {
		c.activeTimer.Stop()
	}
	c.activeTimer = time.AfterFunc(c.cfg.ActiveDebounce, c.flushActive)
	c.mu.Unlock()
}

func (c *Coordinator) flushActive() {
	c.mu.Lock()

	if c.stopped || (c.lastActive != nil && *c.lastActive == c.pendingAct) {
		c.mu.Unlock()
		return
	}

	v := c.pendingAct
	c.lastActive = &v
	c.mu.Unlock()

	c.rt.Send(transport.DestActiveStatus, model.ActivePublish{
		ConversationID: c.conversationID,
		UserID:         c.localUserID,
		Active:         v,
	})
}

// Announce force-publishes active=true, bypassing equal-value suppression.
// Used after every reconnect: the server forgot us, so the last published
// value no longer counts.
func (c *Coordinator) Announce() {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.lastActive = nil
	c.lastTyping = nil
	c.mu.Unlock()

	c.rt.Send(transport.DestActiveStatus, model.ActivePublish{
		ConversationID: c.conversationID,
		UserID:         c.localUserID,
		Active:         true,
	})

	c.mu.Lock()
	v := true
	c.lastActive = &v
	c.mu.Unlock()
}

// Stop cancels every typing-expiry timer and the active debounce. The
// coordinator stays queryable but inert afterwards; Resume re-arms it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true

	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.state.IsTyping = false
		e.state.ExpiresAt = time.Time{}
	}

	if c.activeTimer != nil {
		c.activeTimer.Stop()
		c.activeTimer = nil
	}
}

// Resume re-arms a stopped coordinator after a reconnect.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
}

func (c *Coordinator) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}
